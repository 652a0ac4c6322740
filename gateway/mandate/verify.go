package mandate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tollgate/gateway/receipt"
)

// Context is the request-scoped input to mandate verification.
type Context struct {
	ToolID        string
	Price         decimal.Decimal
	Now           time.Time
	GatewayDomain string
}

// Result is the stage verdict. When the verdict is APPROVED the
// matching ledger has already been incremented by the route price;
// Revert undoes that if a later stage fails without charging.
type Result struct {
	Verdict     receipt.Verdict
	Kind        Kind
	MandateID   string
	MandateHash string
	ReasonCode  string
	Explanation string

	revert func()
}

// Revert rolls back the ledger reservation. Safe to call on any
// result; only an approved result holds a reservation.
func (r *Result) Revert() {
	if r != nil && r.revert != nil {
		r.revert()
		r.revert = nil
	}
}

func skipped() *Result {
	return &Result{Verdict: receipt.VerdictSkipped}
}

func denied(kind Kind, id, hash, reason, explanation string) *Result {
	return &Result{
		Verdict:     receipt.VerdictDenied,
		Kind:        kind,
		MandateID:   id,
		MandateHash: hash,
		ReasonCode:  reason,
		Explanation: explanation,
	}
}

// Verifier applies signature, policy and budget checks to the raw
// X-Mandate header.
type Verifier struct {
	daily    *DailyLedger
	lifetime *LifetimeLedger
}

// NewVerifier wires the verifier to its two ledgers.
func NewVerifier(daily *DailyLedger, lifetime *LifetimeLedger) *Verifier {
	return &Verifier{daily: daily, lifetime: lifetime}
}

// Daily exposes the bounded-mandate ledger for admin introspection.
func (v *Verifier) Daily() *DailyLedger { return v.daily }

// Lifetime exposes the intent-mandate ledger for admin introspection.
func (v *Verifier) Lifetime() *LifetimeLedger { return v.lifetime }

// Verify checks the mandate header. An empty header skips the stage.
// A header that cannot be decoded returns ErrMalformed; every other
// failure is a denial Result naming the first failed check.
func (v *Verifier) Verify(raw string, mctx Context) (*Result, error) {
	if strings.TrimSpace(raw) == "" {
		return skipped(), nil
	}
	bounded, intent, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if intent != nil {
		return v.verifyIntent(intent, mctx)
	}
	return v.verifyBounded(bounded, mctx)
}

func (v *Verifier) verifyBounded(m *BoundedMandate, mctx Context) (*Result, error) {
	hash := m.Hash()
	hashHex := hex.EncodeToString(hash)

	recovered, err := recoverSigner(hash, m.Signature)
	if err != nil || !sameAddress(recovered, m.OwnerPubKey) {
		return denied(KindBounded, m.MandateID, hashHex, receipt.ReasonInvalidSignature,
			"mandate signature does not recover to owner_pubkey"), nil
	}
	expiry, err := parseExpiry(m.ExpiresAt)
	if err != nil || !mctx.Now.Before(expiry) {
		return denied(KindBounded, m.MandateID, hashHex, receipt.ReasonMandateExpired,
			fmt.Sprintf("mandate expired at %s", m.ExpiresAt)), nil
	}
	if !toolAllowed(m.AllowlistedToolIDs, mctx.ToolID) {
		return denied(KindBounded, m.MandateID, hashHex, receipt.ReasonEndpointNotAllowed,
			fmt.Sprintf("tool %q not in mandate allowlist", mctx.ToolID)), nil
	}
	maxSpend, err := decimal.NewFromString(strings.TrimSpace(m.MaxSpendUSDCPerDay))
	if err != nil {
		return nil, fmt.Errorf("%w: bad max_spend_usdc_per_day %q", ErrMalformed, m.MaxSpendUSDCPerDay)
	}
	if err := v.daily.Reserve(m.MandateID, mctx.Price, maxSpend, mctx.Now); err != nil {
		return denied(KindBounded, m.MandateID, hashHex, receipt.ReasonMandateBudgetExceeded,
			fmt.Sprintf("daily spend %s + %s exceeds cap %s",
				v.daily.Spent(m.MandateID, mctx.Now), mctx.Price, maxSpend)), nil
	}
	if strings.TrimSpace(m.RequireConfirmOver) != "" {
		threshold, err := decimal.NewFromString(strings.TrimSpace(m.RequireConfirmOver))
		if err != nil {
			v.daily.Revert(m.MandateID, mctx.Price, mctx.Now)
			return nil, fmt.Errorf("%w: bad require_confirm_over %q", ErrMalformed, m.RequireConfirmOver)
		}
		if mctx.Price.GreaterThan(threshold) {
			v.daily.Revert(m.MandateID, mctx.Price, mctx.Now)
			return denied(KindBounded, m.MandateID, hashHex, receipt.ReasonMandateConfirmNeeded,
				fmt.Sprintf("price %s above confirmation threshold %s", mctx.Price, threshold)), nil
		}
	}
	price := mctx.Price
	now := mctx.Now
	id := m.MandateID
	return &Result{
		Verdict:     receipt.VerdictApproved,
		Kind:        KindBounded,
		MandateID:   id,
		MandateHash: hashHex,
		ReasonCode:  receipt.ReasonOK,
		revert:      func() { v.daily.Revert(id, price, now) },
	}, nil
}

func (v *Verifier) verifyIntent(m *IntentMandate, mctx Context) (*Result, error) {
	hash, err := m.Hash()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	hashHex := hex.EncodeToString(hash)
	intentID := "intent-" + hashHex[:16]

	recovered, err := recoverSigner(hash, m.UserSignature)
	if err != nil || !sameAddress(recovered, m.SignerAddress) {
		return denied(KindIntent, intentID, hashHex, receipt.ReasonInvalidSignature,
			"intent signature does not recover to signer_address"), nil
	}
	var contents IntentContents
	if err := json.Unmarshal(m.Contents, &contents); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	expiry, err := parseExpiry(contents.IntentExpiry)
	if err != nil || !mctx.Now.Before(expiry) {
		return denied(KindIntent, intentID, hashHex, receipt.ReasonMandateExpired,
			fmt.Sprintf("intent expired at %s", contents.IntentExpiry)), nil
	}
	if !merchantAllowed(contents.Merchants, mctx.GatewayDomain) {
		return denied(KindIntent, intentID, hashHex, receipt.ReasonMerchantNotMatched,
			fmt.Sprintf("gateway domain %q not in merchants list", mctx.GatewayDomain)), nil
	}
	if err := v.lifetime.Reserve(intentID, mctx.Price, contents.Budget.Amount); err != nil {
		return denied(KindIntent, intentID, hashHex, receipt.ReasonIntentBudgetExceeded,
			fmt.Sprintf("lifetime spend %s + %s exceeds budget %s",
				v.lifetime.Spent(intentID), mctx.Price, contents.Budget.Amount)), nil
	}
	price := mctx.Price
	return &Result{
		Verdict:     receipt.VerdictApproved,
		Kind:        KindIntent,
		MandateID:   intentID,
		MandateHash: hashHex,
		ReasonCode:  receipt.ReasonOK,
		revert:      func() { v.lifetime.Revert(intentID, price) },
	}, nil
}

func toolAllowed(allowlist []string, toolID string) bool {
	for _, entry := range allowlist {
		if entry == "*" || entry == toolID {
			return true
		}
	}
	return false
}

// merchantAllowed matches the gateway domain (lowercased, port
// stripped) against the mandate's merchants, case-insensitively.
func merchantAllowed(merchants []string, gatewayDomain string) bool {
	domain := strings.ToLower(strings.TrimSpace(gatewayDomain))
	if host, _, err := net.SplitHostPort(domain); err == nil {
		domain = host
	}
	for _, merchant := range merchants {
		m := strings.ToLower(strings.TrimSpace(merchant))
		if m == "*" || m == domain {
			return true
		}
	}
	return false
}
