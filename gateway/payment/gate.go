package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Gate runs the x402 state machine for one gateway. It starts IDLE for
// every request: a missing payment header on a priced route yields a
// 402 challenge, a present one is verified against the facilitator,
// and settlement happens only after the upstream answered.
//
// In pass-through mode (facilitator unreachable at startup) priced
// routes are served without verification and nothing is settled.
type Gate struct {
	facilitator Facilitator
	network     string
	payTo       string
	passThrough bool
}

// NewGate wires the gate to its facilitator and payout configuration.
func NewGate(facilitator Facilitator, network, payTo string, passThrough bool) *Gate {
	return &Gate{
		facilitator: facilitator,
		network:     network,
		payTo:       payTo,
		passThrough: passThrough,
	}
}

// PassThrough reports whether the gate is degraded to pass-through.
func (g *Gate) PassThrough() bool { return g.passThrough }

// Requirements builds the challenge object for one priced resource.
func (g *Gate) Requirements(resource string, price decimal.Decimal) (Requirements, error) {
	return BuildRequirements(g.network, g.payTo, resource, price)
}

// Verification is the outcome of checking one payment header. A valid
// verification retains the payload so the same pair can be settled
// after the upstream responds.
type Verification struct {
	Valid  bool
	Reason string
	Payer  string

	payload      json.RawMessage
	requirements Requirements
}

// Verify decodes the X-Payment header and asks the facilitator whether
// the payment is good. A header that is not base64 JSON, and a
// facilitator that rejects or cannot be reached, all come back as an
// invalid verification; the error return is reserved for programming
// mistakes.
func (g *Gate) Verify(ctx context.Context, header string, req Requirements) (*Verification, error) {
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return &Verification{Reason: "payment header is not valid base64"}, nil
	}
	if !json.Valid(payload) {
		return &Verification{Reason: "payment payload is not valid JSON"}, nil
	}
	result, err := g.facilitator.Verify(ctx, payload, req)
	if err != nil {
		return &Verification{Reason: fmt.Sprintf("facilitator verify failed: %v", err)}, nil
	}
	if !result.IsValid {
		reason := result.InvalidReason
		if reason == "" {
			reason = "payment rejected by facilitator"
		}
		return &Verification{Reason: reason, Payer: result.Payer}, nil
	}
	return &Verification{
		Valid:        true,
		Payer:        result.Payer,
		payload:      payload,
		requirements: req,
	}, nil
}

// Settle executes the verified payment. Callers invoke it only after a
// successful upstream response; a settlement failure must not alter
// that response, so the caller logs the error and records nulls in the
// receipt.
func (g *Gate) Settle(ctx context.Context, v *Verification) (*SettleResult, error) {
	if v == nil || !v.Valid {
		return nil, fmt.Errorf("settle requires a valid verification")
	}
	result, err := g.facilitator.Settle(ctx, v.payload, v.requirements)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		reason := result.ErrorReason
		if reason == "" {
			reason = "settlement rejected"
		}
		return nil, fmt.Errorf("facilitator settle: %s", reason)
	}
	return result, nil
}
