package mandate

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Hash returns the keccak256 signing hash of a bounded mandate: the
// pipe-joined canonical string with the tool allowlist sorted and the
// optional confirm threshold blank when absent.
func (m BoundedMandate) Hash() []byte {
	tools := append([]string(nil), m.AllowlistedToolIDs...)
	sort.Strings(tools)
	payload := strings.Join([]string{
		m.MandateID,
		strings.ToLower(m.OwnerPubKey),
		m.ExpiresAt,
		m.MaxSpendUSDCPerDay,
		strings.Join(tools, ","),
		m.RequireConfirmOver,
	}, "|")
	return ethcrypto.Keccak256([]byte(payload))
}

// Hash returns the keccak256 signing hash of an intent mandate: the
// deterministically sorted JSON serialization of contents.
func (m IntentMandate) Hash() ([]byte, error) {
	canonical, err := CanonicalJSON(m.Contents)
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256(canonical), nil
}

// ID derives the intent mandate's ledger key from its hash.
func (m IntentMandate) ID() (string, error) {
	hash, err := m.Hash()
	if err != nil {
		return "", err
	}
	return "intent-" + hex.EncodeToString(hash)[:16], nil
}

// CanonicalJSON re-encodes a JSON document with object keys sorted
// recursively, array order preserved, numbers verbatim, and no
// insignificant whitespace.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode contents: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(v.String())
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	}
	return nil
}

// recoverSigner recovers the address behind a personal-sign signature
// over hash. A 27/28 recovery id is normalised to 0/1.
func recoverSigner(hash []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	digest := accounts.TextHash(hash)
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func sameAddress(recovered common.Address, expected string) bool {
	trimmed := strings.TrimSpace(expected)
	if !common.IsHexAddress(trimmed) {
		return false
	}
	return recovered == common.HexToAddress(trimmed)
}
