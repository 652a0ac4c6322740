package fingerprint

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Input carries every request attribute that participates in the
// idempotency fingerprint. Two requests with identical Input values
// observed within the same TTL window hash to the same fingerprint.
type Input struct {
	Method         string
	Path           string
	Query          url.Values
	Body           []byte
	PriceUSDC      string
	IdempotencyKey string
}

// Compute derives the canonical fingerprint for the request. The TTL
// window term guarantees the fingerprint changes once the replay window
// rolls over, so a retried request is never suppressed forever.
func Compute(in Input, now time.Time, ttl time.Duration) string {
	window := "0"
	if ttl > 0 {
		window = strconv.FormatInt(now.UnixMilli()/ttl.Milliseconds(), 10)
	}
	payload := strings.Join([]string{
		strings.ToUpper(in.Method),
		in.Path,
		canonicalQuery(in.Query),
		bodyHash(in.Body),
		in.PriceUSDC,
		in.IdempotencyKey,
		window,
	}, "|")
	return hex.EncodeToString(ethcrypto.Keccak256([]byte(payload)))
}

// HashBytes returns the lowercase hex keccak256 of raw bytes. Used for
// both request body and materialised response body hashing so receipts
// stay verifiable offline.
func HashBytes(b []byte) string {
	return hex.EncodeToString(ethcrypto.Keccak256(b))
}

func bodyHash(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return HashBytes(body)
}

func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(values))
	for key, vals := range values {
		lower := strings.ToLower(key)
		for _, v := range vals {
			pairs = append(pairs, pair{k: lower, v: v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.k+"="+url.QueryEscape(p.v))
	}
	return strings.Join(parts, "&")
}
