// Package mandate verifies AP2 spending mandates. Two kinds exist: the
// bounded mandate caps spend per UTC day against a tool allowlist, the
// intent mandate carries a lifetime budget scoped to named merchants.
// The kinds keep disjoint ledgers because their reset semantics differ.
package mandate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates the two mandate shapes.
type Kind string

const (
	KindBounded Kind = "bounded"
	KindIntent  Kind = "intent"
)

// intentType is the type tag that selects Kind B. It wins ties: a
// payload carrying both shapes is treated as an intent mandate.
const intentType = "IntentMandate"

// BoundedMandate (Kind A) caps what an agent may spend per UTC day.
type BoundedMandate struct {
	MandateID          string   `json:"mandate_id"`
	OwnerPubKey        string   `json:"owner_pubkey"`
	ExpiresAt          string   `json:"expires_at"`
	MaxSpendUSDCPerDay string   `json:"max_spend_usdc_per_day"`
	AllowlistedToolIDs []string `json:"allowlisted_tool_ids"`
	RequireConfirmOver string   `json:"require_confirm_over,omitempty"`
	Signature          string   `json:"signature"`
}

// IntentBudget is the lifetime allowance of an intent mandate.
// USD and USDC are treated as equivalent; no conversion happens.
type IntentBudget struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// IntentContents is the signed body of an intent mandate.
type IntentContents struct {
	NaturalLanguageDescription string                     `json:"natural_language_description"`
	Budget                     IntentBudget               `json:"budget"`
	Merchants                  []string                   `json:"merchants"`
	IntentExpiry               string                     `json:"intent_expiry"`
	RequiresRefundability      bool                       `json:"requires_refundability"`
	Constraints                map[string]json.RawMessage `json:"constraints,omitempty"`
}

// IntentMandate (Kind B) authorises spend up to a lifetime budget at
// the listed merchants. Contents is kept raw so the signature is
// verified over exactly what the owner signed.
type IntentMandate struct {
	Type          string          `json:"type"`
	Contents      json.RawMessage `json:"contents"`
	UserSignature string          `json:"user_signature"`
	Timestamp     string          `json:"timestamp"`
	SignerAddress string          `json:"signer_address"`
}

// ErrMalformed marks a header that cannot be decoded at all. The
// orchestrator answers these with HTTP 400 and a denial receipt.
var ErrMalformed = fmt.Errorf("malformed mandate header")

// decode parses the base64 X-Mandate header and dispatches on shape.
func decode(raw string) (*BoundedMandate, *IntentMandate, error) {
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if probe.Type == intentType {
		var intent IntentMandate
		if err := json.Unmarshal(payload, &intent); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(intent.Contents) == 0 || strings.TrimSpace(intent.SignerAddress) == "" {
			return nil, nil, fmt.Errorf("%w: intent mandate incomplete", ErrMalformed)
		}
		return nil, &intent, nil
	}
	var bounded BoundedMandate
	if err := json.Unmarshal(payload, &bounded); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(bounded.MandateID) == "" || strings.TrimSpace(bounded.OwnerPubKey) == "" {
		return nil, nil, fmt.Errorf("%w: bounded mandate incomplete", ErrMalformed)
	}
	return &bounded, nil, nil
}

// parseExpiry accepts RFC 3339 timestamps or integer unix seconds.
func parseExpiry(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("expiry required")
	}
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return ts, nil
	}
	secs, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparsable expiry %q", raw)
	}
	return time.Unix(secs, 0).UTC(), nil
}
