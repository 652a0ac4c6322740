package receipt

import (
	"encoding/hex"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func sampleReceipt(id, tool string, outcome Outcome) Receipt {
	r := Receipt{
		RequestID:      id,
		ToolID:         tool,
		ProviderID:     "prov",
		Endpoint:       "/api/" + tool,
		Method:         "GET",
		Timestamp:      FormatTimestamp(time.Unix(1700000000, 0)),
		PriceUSDC:      "0.01",
		Currency:       "USDC",
		Chain:          "eip155:84532",
		MandateVerdict: VerdictSkipped,
		ReasonCode:     ReasonOK,
		RequestHash:    "abc",
		Outcome:        outcome,
	}
	if outcome == OutcomeSuccess {
		lat := int64(12)
		r.LatencyMS = &lat
		r.ResponseHash = "def"
	} else {
		r.ReasonCode = ReasonAgentBlocked
	}
	return r
}

func TestStoreStatsIncremental(t *testing.T) {
	store := NewStore(0)
	store.Append(sampleReceipt("r1", "echo", OutcomeSuccess))
	store.Append(sampleReceipt("r2", "echo", OutcomeSuccess))
	store.Append(sampleReceipt("r3", "echo", OutcomeDenied))
	store.Append(sampleReceipt("r4", "echo", OutcomeError))

	stats := store.Stats()
	if stats.TotalRequests != 4 || stats.SuccessCount != 2 || stats.DeniedCount != 1 || stats.ErrorCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.SuccessRate != "50.00%" {
		t.Fatalf("success rate: %s", stats.SuccessRate)
	}
	if stats.AvgLatencyMS != 12 {
		t.Fatalf("avg latency: %d", stats.AvgLatencyMS)
	}
	if stats.TotalRevenueUSDC != "0.02" {
		t.Fatalf("revenue: %s", stats.TotalRevenueUSDC)
	}
}

func TestStoreRingEviction(t *testing.T) {
	store := NewStore(3)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		store.Append(sampleReceipt(id, "echo", OutcomeSuccess))
	}
	if store.Len() != 3 {
		t.Fatalf("expected capacity 3, have %d", store.Len())
	}
	if _, ok := store.Get("r1"); ok {
		t.Fatalf("oldest receipt should be evicted")
	}
	if _, ok := store.Get("r4"); !ok {
		t.Fatalf("newest receipt missing")
	}
	// Aggregates survive eviction.
	if stats := store.Stats(); stats.TotalRequests != 4 {
		t.Fatalf("stats lost evicted receipts: %+v", stats)
	}
}

func TestStoreQueryFilters(t *testing.T) {
	store := NewStore(0)
	store.Append(sampleReceipt("r1", "echo", OutcomeSuccess))
	store.Append(sampleReceipt("r2", "premium", OutcomeDenied))
	store.Append(sampleReceipt("r3", "echo", OutcomeDenied))

	got := store.Query(Filter{ToolID: "echo"})
	if len(got) != 2 || got[0].RequestID != "r3" || got[1].RequestID != "r1" {
		t.Fatalf("tool filter wrong: %+v", got)
	}
	got = store.Query(Filter{Outcome: OutcomeDenied, Limit: 1})
	if len(got) != 1 || got[0].RequestID != "r3" {
		t.Fatalf("outcome filter wrong: %+v", got)
	}
	got = store.Query(Filter{Outcome: OutcomeDenied, Limit: 1, Offset: 1})
	if len(got) != 1 || got[0].RequestID != "r2" {
		t.Fatalf("offset wrong: %+v", got)
	}
}

func TestSignerRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(key)))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	r := sampleReceipt("r-signed", "echo", OutcomeSuccess)
	if err := signer.Sign(&r); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if r.SignerAddress != ethcrypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Fatalf("signer address mismatch: %s", r.SignerAddress)
	}
	recovered, err := RecoverSigner(r)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != r.SignerAddress {
		t.Fatalf("recovered %s, want %s", recovered, r.SignerAddress)
	}
	// Tampering with a signed field must break recovery.
	r.PriceUSDC = "9.99"
	recovered, err = RecoverSigner(r)
	if err == nil && recovered == r.SignerAddress {
		t.Fatalf("tampered receipt still verifies")
	}
}
