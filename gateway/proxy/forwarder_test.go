package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tollgate/gateway/fingerprint"
	"tollgate/gateway/routes"
)

func echoRule(backend string) routes.Rule {
	return routes.Rule{
		ToolID: "echo",
		Method: http.MethodPost,
		Path:   "/api/echo",
		Provider: routes.Provider{
			ProviderID:      "prov-1",
			BackendURL:      backend,
			AuthHeaderName:  "X-Provider-Key",
			AuthHeaderValue: "secret-key",
		},
	}
}

func TestForwardShapesRequest(t *testing.T) {
	var seen *http.Request
	var seenBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		raw, _ := io.ReadAll(r.Body)
		seenBody = string(raw)
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	inbound := httptest.NewRequest(http.MethodPost, "/api/echo?b=2&a=1", strings.NewReader(`{"msg":"hi"}`))
	inbound.Header.Set("Content-Type", "application/json")
	inbound.Header.Set("X-Payment", "should-not-leak")
	inbound.Header.Set("X-Mandate", "should-not-leak")
	inbound.Header.Set("Authorization", "Bearer caller-token")
	inbound.Header.Set("Connection", "keep-alive")

	f := NewForwarder(upstream.Client(), 0)
	res, err := f.Forward(context.Background(), echoRule(upstream.URL), inbound, []byte(`{"msg":"hi"}`))
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status: %d", res.StatusCode)
	}
	if string(res.Body) != `{"ok":true}` {
		t.Fatalf("body: %s", res.Body)
	}
	if res.ResponseHash != fingerprint.HashBytes([]byte(`{"ok":true}`)) {
		t.Fatalf("response hash mismatch")
	}
	if res.Header.Get("X-Upstream") != "yes" {
		t.Fatalf("upstream header dropped")
	}
	if res.Header.Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop response header leaked")
	}

	if seen.URL.Path != "/api/echo" || seen.URL.RawQuery != "b=2&a=1" {
		t.Fatalf("upstream saw %s?%s", seen.URL.Path, seen.URL.RawQuery)
	}
	if seenBody != `{"msg":"hi"}` {
		t.Fatalf("upstream body: %s", seenBody)
	}
	if seen.Header.Get("X-Provider-Key") != "secret-key" {
		t.Fatalf("provider auth not injected")
	}
	if seen.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("content type dropped")
	}
	for _, h := range []string{"X-Payment", "X-Mandate", "Authorization"} {
		if seen.Header.Get(h) != "" {
			t.Fatalf("admission header %s leaked upstream", h)
		}
	}
}

func TestForwardBackendBasePath(t *testing.T) {
	var seenPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
	}))
	defer upstream.Close()

	rule := echoRule(upstream.URL + "/v2/")
	inbound := httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	f := NewForwarder(upstream.Client(), 0)
	if _, err := f.Forward(context.Background(), rule, inbound, nil); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if seenPath != "/v2/api/echo" {
		t.Fatalf("joined path: %s", seenPath)
	}
}

func TestForwardUpstreamFailures(t *testing.T) {
	f := NewForwarder(&http.Client{Timeout: time.Second}, 0)
	inbound := httptest.NewRequest(http.MethodPost, "/api/echo", nil)

	// Connection refused.
	_, err := f.Forward(context.Background(), echoRule("http://127.0.0.1:1"), inbound, nil)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("connect failure: %v", err)
	}

	// Upstream 5xx.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()
	_, err = NewForwarder(upstream.Client(), 0).Forward(context.Background(), echoRule(upstream.URL), inbound, nil)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("5xx: %v", err)
	}

	// Upstream 4xx is a valid response, not a proxy failure.
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()
	res, err := NewForwarder(notFound.Client(), 0).Forward(context.Background(), echoRule(notFound.URL), inbound, nil)
	if err != nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("4xx should pass through: %+v err=%v", res, err)
	}
}

func TestForwardBodyCap(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer upstream.Close()

	f := NewForwarder(upstream.Client(), 10)
	inbound := httptest.NewRequest(http.MethodGet, "/api/echo", nil)
	rule := echoRule(upstream.URL)
	rule.Method = http.MethodGet
	res, err := f.Forward(context.Background(), rule, inbound, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(res.Body) != 10 {
		t.Fatalf("body cap not applied, got %d bytes", len(res.Body))
	}
	// The upstream declared 100 bytes; the captured header must match
	// what the client will actually receive.
	if res.Header.Get("Content-Length") != "10" {
		t.Fatalf("content length not recomputed: %q", res.Header.Get("Content-Length"))
	}
}

func TestGuardedClientBlocksPrivateDial(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer local.Close()

	client := NewGuardedClient(5 * time.Second)
	_, err := client.Get(local.URL)
	if err == nil || !strings.Contains(err.Error(), routes.ErrSSRFBlocked.Error()) {
		t.Fatalf("dial to loopback should be blocked, got %v", err)
	}
}
