package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VerifyResult is the facilitator's answer to a verification request.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResult is the facilitator's answer to a settlement request.
type SettleResult struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	ReceiptID   string `json:"receiptId,omitempty"`
}

// Facilitator verifies and settles x402 payments. Tests substitute an
// in-process fake.
type Facilitator interface {
	Verify(ctx context.Context, payload json.RawMessage, req Requirements) (*VerifyResult, error)
	Settle(ctx context.Context, payload json.RawMessage, req Requirements) (*SettleResult, error)
}

// facilitatorRequest is the body POSTed to /verify and /settle.
type facilitatorRequest struct {
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements Requirements    `json:"paymentRequirements"`
}

// HTTPFacilitator talks to a facilitator service over HTTP.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFacilitator builds a client for the facilitator at baseURL.
// A nil client gets a 10 second timeout default.
func NewHTTPFacilitator(baseURL string, client *http.Client) *HTTPFacilitator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFacilitator{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Reachable reports whether the facilitator answers HTTP at all. Any
// response, regardless of status, counts as reachable.
func (f *HTTPFacilitator) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/supported", nil)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Verify POSTs to the facilitator's /verify endpoint.
func (f *HTTPFacilitator) Verify(ctx context.Context, payload json.RawMessage, req Requirements) (*VerifyResult, error) {
	var out VerifyResult
	if err := f.post(ctx, "/verify", payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle POSTs to the facilitator's /settle endpoint.
func (f *HTTPFacilitator) Settle(ctx context.Context, payload json.RawMessage, req Requirements) (*SettleResult, error) {
	var out SettleResult
	if err := f.post(ctx, "/settle", payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, payload json.RawMessage, req Requirements, out any) error {
	body, err := json.Marshal(facilitatorRequest{PaymentPayload: payload, PaymentRequirements: req})
	if err != nil {
		return fmt.Errorf("marshal facilitator request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build facilitator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read facilitator %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode facilitator %s response: %w", path, err)
	}
	return nil
}
