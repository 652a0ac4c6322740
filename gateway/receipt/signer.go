package receipt

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer attests receipts with the gateway's secp256k1 key so
// integrators can verify them offline. A nil Signer leaves the
// signature fields empty.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr string
}

// NewSigner loads a hex-encoded secp256k1 private key.
func NewSigner(privKeyHex string) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("empty receipt signing key")
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("load receipt signing key: %w", err)
	}
	return &Signer{
		key:  key,
		addr: ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address returns the signing address in checksum form.
func (s *Signer) Address() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Sign fills the receipt's Signature and SignerAddress fields with a
// personal-sign attestation over the canonical receipt core.
func (s *Signer) Sign(r *Receipt) error {
	if s == nil || r == nil {
		return nil
	}
	digest := accounts.TextHash(signingHash(*r))
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return fmt.Errorf("sign receipt: %w", err)
	}
	r.Signature = hex.EncodeToString(sig)
	r.SignerAddress = s.addr
	return nil
}

// RecoverSigner returns the address that produced the receipt's
// signature. Used in tests and by offline auditors.
func RecoverSigner(r Receipt) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(r.Signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("decode receipt signature: %w", err)
	}
	digest := accounts.TextHash(signingHash(r))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recover receipt signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

func signingHash(r Receipt) []byte {
	payload := strings.Join([]string{
		r.RequestID,
		r.ToolID,
		string(r.Outcome),
		r.ReasonCode,
		r.PriceUSDC,
		r.RequestHash,
		r.ResponseHash,
		r.Timestamp,
	}, "|")
	return ethcrypto.Keccak256([]byte(payload))
}
