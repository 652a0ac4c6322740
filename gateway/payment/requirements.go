// Package payment implements the x402 challenge, verify and settle
// flow around an external facilitator. The gateway never touches the
// chain itself; it describes what a valid payment looks like and lets
// the facilitator check and execute it.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// SchemeExact is the only scheme the gateway issues challenges for.
	SchemeExact = "exact"

	usdcDecimals = 6
)

// networkChainIDs maps friendly network names onto CAIP-2 identifiers.
var networkChainIDs = map[string]string{
	"base":         "eip155:8453",
	"base-mainnet": "eip155:8453",
	"base-sepolia": "eip155:84532",
}

// networkAssets maps network names onto their USDC contract address.
var networkAssets = map[string]string{
	"base":         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	"base-mainnet": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	"eip155:8453":  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	"base-sepolia": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	"eip155:84532": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

// ChainID resolves a configured network name to its CAIP-2 form.
// Unknown names pass through unchanged so operators can configure a
// raw chain identifier directly.
func ChainID(network string) string {
	if mapped, ok := networkChainIDs[network]; ok {
		return mapped
	}
	return network
}

// AssetAddress resolves the USDC contract for a network. Empty when
// the network is not known.
func AssetAddress(network string) string {
	return networkAssets[network]
}

// Extra carries asset metadata inside the requirements object.
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Requirements is the payment requirements object: the 402 body, the
// base64 payment-required header, and the second half of every
// facilitator request. MaxAmountRequired is the human decimal price;
// AmountAtomic carries the same amount in USDC atomic units for
// facilitators that settle on-chain.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	AmountAtomic      string `json:"amountAtomic,omitempty"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
	Extra             *Extra `json:"extra,omitempty"`
}

// EncodeHeader serialises the requirements for the payment-required
// response header.
func (r Requirements) EncodeHeader() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// AtomicUSDC converts a human USDC amount to atomic units (6
// decimals). The amount must not carry more precision than the token.
func AtomicUSDC(price decimal.Decimal) (string, error) {
	atomic := price.Shift(usdcDecimals)
	if !atomic.IsInteger() {
		return "", fmt.Errorf("price %s has more than %d decimal places", price, usdcDecimals)
	}
	if atomic.IsNegative() {
		return "", fmt.Errorf("price %s is negative", price)
	}
	return atomic.BigInt().String(), nil
}

// BuildRequirements assembles the requirements object for one priced
// resource. resource is the matched route path.
func BuildRequirements(network, payTo, resource string, price decimal.Decimal) (Requirements, error) {
	atomic, err := AtomicUSDC(price)
	if err != nil {
		return Requirements{}, err
	}
	return Requirements{
		Scheme:            SchemeExact,
		Network:           ChainID(network),
		MaxAmountRequired: price.String(),
		AmountAtomic:      atomic,
		PayTo:             payTo,
		Resource:          resource,
		MaxTimeoutSeconds: 300,
		Asset:             AssetAddress(network),
		Extra:             &Extra{Name: "USDC", Version: "2"},
	}, nil
}
