// Package proxy forwards admitted requests to upstream providers. It
// captures the upstream response rather than streaming it so later
// stages can hash the body, decide whether to charge, and attach the
// receipt before anything reaches the client.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tollgate/gateway/fingerprint"
	"tollgate/gateway/routes"
)

// DefaultMaxBodyBytes caps how much of a request or response body the
// gateway buffers.
const DefaultMaxBodyBytes = 1 << 20

// ErrUpstream wraps any upstream failure: connect errors, timeouts and
// 5xx responses all land here so the pipeline can refuse to charge.
var ErrUpstream = fmt.Errorf("upstream failure")

// Upstream executes the outbound HTTP call. Tests substitute an
// in-process fake.
type Upstream interface {
	Do(req *http.Request) (*http.Response, error)
}

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// admissionHeaders are consumed by the gateway itself and must not
// leak to providers.
var admissionHeaders = []string{
	"X-Payment",
	"X-Mandate",
	"X-Agent-Address",
	"X-Agent-Id",
	"X-Request-Idempotency-Key",
	"Authorization",
}

// NewGuardedClient builds the outbound HTTP client. The dialer
// re-checks the resolved address at connect time so a hostname that
// passed the compile-time check cannot be re-pointed at a private
// address later.
func NewGuardedClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || routes.BlockedIP(ip) {
				return fmt.Errorf("dial %s: %w", address, routes.ErrSSRFBlocked)
			}
			return nil
		},
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
}

// Result is the captured upstream response.
type Result struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	ResponseHash string
	Latency      time.Duration
}

// Forwarder shapes and executes the upstream call for one admitted
// request.
type Forwarder struct {
	client       Upstream
	maxBodyBytes int64
}

// NewForwarder builds a forwarder. A non-positive body cap gets the
// 1 MiB default.
func NewForwarder(client Upstream, maxBodyBytes int64) *Forwarder {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Forwarder{client: client, maxBodyBytes: maxBodyBytes}
}

// MaxBodyBytes reports the configured body cap.
func (f *Forwarder) MaxBodyBytes() int64 { return f.maxBodyBytes }

// Forward sends the inbound request to the rule's backend and captures
// the response. body is the already-buffered inbound body; inbound
// itself is only read for method, path, query and headers. Connect
// failures, timeouts and upstream 5xx all return ErrUpstream.
func (f *Forwarder) Forward(ctx context.Context, rule routes.Rule, inbound *http.Request, body []byte) (*Result, error) {
	target, err := buildTargetURL(rule.Provider.BackendURL, inbound.URL)
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}

	var reqBody io.Reader
	if len(body) > 0 && inbound.Method != http.MethodGet && inbound.Method != http.MethodHead {
		reqBody = bytes.NewReader(body)
	}
	outbound, err := http.NewRequestWithContext(ctx, inbound.Method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyInboundHeaders(outbound.Header, inbound.Header)
	if rule.Provider.AuthHeaderName != "" {
		outbound.Header.Set(rule.Provider.AuthHeaderName, rule.Provider.AuthHeaderValue)
	}

	start := time.Now()
	resp, err := f.client.Do(outbound)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	latency := time.Since(start)

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: upstream returned %d", ErrUpstream, resp.StatusCode)
	}

	header := make(http.Header, len(resp.Header))
	for name, values := range resp.Header {
		if isHopByHop(name) || strings.EqualFold(name, "Content-Length") {
			continue
		}
		header[name] = append([]string(nil), values...)
	}
	// The captured body may have been truncated to the cap, so the
	// upstream's Content-Length cannot be trusted.
	header.Set("Content-Length", strconv.Itoa(len(respBody)))
	return &Result{
		StatusCode:   resp.StatusCode,
		Header:       header,
		Body:         respBody,
		ResponseHash: fingerprint.HashBytes(respBody),
		Latency:      latency,
	}, nil
}

// buildTargetURL appends the matched inbound path and query to the
// backend base URL.
func buildTargetURL(backendURL string, inbound *url.URL) (string, error) {
	base, err := url.Parse(backendURL)
	if err != nil {
		return "", err
	}
	joined := *base
	joined.Path = singleJoiningSlash(base.Path, inbound.Path)
	joined.RawQuery = inbound.RawQuery
	return joined.String(), nil
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func copyInboundHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) || isAdmissionHeader(name) {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func isAdmissionHeader(name string) bool {
	for _, h := range admissionHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
