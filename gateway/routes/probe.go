package routes

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrX402Upstream marks a backend that already speaks the 402 payment
// protocol itself. Proxying to one would double-charge the agent, so
// route creation refuses it.
var ErrX402Upstream = fmt.Errorf("upstream already requires x402 payment")

// Prober runs the upstream pre-check at route creation time.
type Prober struct {
	client *http.Client
	skip   bool
}

// NewProber builds a prober. skip disables the check (SKIP_X402_PROBE).
func NewProber(client *http.Client, skip bool) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Prober{client: client, skip: skip}
}

// Check HEADs the backend root, falling back to GET when HEAD is not
// supported, and fails when the upstream advertises a 402 payment
// challenge. Unreachable upstreams pass: reachability is the
// integrator's concern, double-charging is ours.
func (p *Prober) Check(ctx context.Context, backendURL string) error {
	if p == nil || p.skip {
		return nil
	}
	target := strings.TrimRight(backendURL, "/") + "/"
	resp, err := p.do(ctx, http.MethodHead, target)
	if err != nil {
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp, err = p.do(ctx, http.MethodGet, target)
		if err != nil {
			return nil
		}
		resp.Body.Close()
	}
	if resp.StatusCode == http.StatusPaymentRequired || resp.Header.Get("Payment-Required") != "" {
		return ErrX402Upstream
	}
	return nil
}

func (p *Prober) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	return p.client.Do(req)
}
