// Package receipt models the signed audit record every gateway request
// produces, the in-memory append-only store behind it, and the stats
// the admin surface reports.
package receipt

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Outcome classifies the terminal state of a request.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeDenied   Outcome = "DENIED"
	OutcomeError    Outcome = "ERROR"
	OutcomeRefunded Outcome = "REFUNDED"
)

// Verdict is the mandate stage's contribution to the receipt.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictDenied   Verdict = "DENIED"
	VerdictSkipped  Verdict = "SKIPPED"
)

// Reason codes. A DENIED receipt always carries a non-OK code naming
// the first pipeline stage that refused the request.
const (
	ReasonOK                    = "OK"
	ReasonRouteNotFound         = "ROUTE_NOT_FOUND"
	ReasonRateLimited           = "RATE_LIMITED"
	ReasonReplayDetected        = "REPLAY_DETECTED"
	ReasonInvalidSignature      = "INVALID_SIGNATURE"
	ReasonMandateExpired        = "MANDATE_EXPIRED"
	ReasonEndpointNotAllowed    = "ENDPOINT_NOT_ALLOWLISTED"
	ReasonMandateBudgetExceeded = "MANDATE_BUDGET_EXCEEDED"
	ReasonMandateConfirmNeeded  = "MANDATE_CONFIRM_REQUIRED"
	ReasonIntentBudgetExceeded  = "INTENT_BUDGET_EXCEEDED"
	ReasonMerchantNotMatched    = "MERCHANT_NOT_MATCHED"
	ReasonInvalidPayment        = "INVALID_PAYMENT"
	ReasonAgentBlocked          = "AGENT_BLOCKED"
	ReasonReputationTooLow      = "REPUTATION_TOO_LOW"
	ReasonSSRFBlocked           = "SSRF_BLOCKED"
	ReasonX402UpstreamBlocked   = "X402_UPSTREAM_BLOCKED"
	ReasonUpstreamErrorNoCharge = "UPSTREAM_ERROR_NO_CHARGE"
	ReasonInternalError         = "INTERNAL_ERROR"
)

// Receipt is the structured record emitted for every /api/* request.
// SUCCESS receipts always carry a response hash and latency; DENIED
// receipts always carry a non-OK reason code.
type Receipt struct {
	RequestID            string  `json:"request_id"`
	ToolID               string  `json:"tool_id"`
	ProviderID           string  `json:"provider_id"`
	Endpoint             string  `json:"endpoint"`
	Method               string  `json:"method"`
	Timestamp            string  `json:"timestamp"`
	PriceUSDC            string  `json:"price_usdc"`
	Currency             string  `json:"currency"`
	Chain                string  `json:"chain"`
	MandateID            string  `json:"mandate_id,omitempty"`
	MandateHash          string  `json:"mandate_hash,omitempty"`
	MandateVerdict       Verdict `json:"mandate_verdict"`
	ReasonCode           string  `json:"reason_code"`
	PaymentTxHash        string  `json:"payment_tx_hash,omitempty"`
	FacilitatorReceiptID string  `json:"facilitator_receipt_id,omitempty"`
	RequestHash          string  `json:"request_hash"`
	ResponseHash         string  `json:"response_hash,omitempty"`
	LatencyMS            *int64  `json:"latency_ms,omitempty"`
	Outcome              Outcome `json:"outcome"`
	Explanation          string  `json:"explanation"`
	Signature            string  `json:"signature,omitempty"`
	SignerAddress        string  `json:"signer_address,omitempty"`
}

// EncodeHeader renders the receipt as base64 JSON for the X-Receipt
// response header.
func (r Receipt) EncodeHeader() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// FormatTimestamp renders a receipt timestamp: ISO-8601, UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
