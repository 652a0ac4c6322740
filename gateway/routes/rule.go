// Package routes holds the gateway's dispatch table: priced route
// rules, their compilation and SSRF validation, and the longest-match
// lookup the pipeline uses per request.
package routes

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// Provider binds a rule to its upstream backend.
type Provider struct {
	ProviderID      string `json:"provider_id" yaml:"providerId"`
	BackendURL      string `json:"backend_url" yaml:"backendUrl"`
	AuthHeaderName  string `json:"auth_header_name,omitempty" yaml:"authHeaderName"`
	AuthHeaderValue string `json:"auth_header_value,omitempty" yaml:"authHeaderValue"`
}

// Rule is a single priced route. Restricted rules are visible to admin
// introspection only and never match gateway dispatch.
type Rule struct {
	ToolID      string   `json:"tool_id"`
	Method      string   `json:"method"`
	Path        string   `json:"path"`
	PriceUSDC   string   `json:"price_usdc"`
	Provider    Provider `json:"provider"`
	Group       string   `json:"group,omitempty"`
	Description string   `json:"description,omitempty"`
	Restricted  bool     `json:"restricted,omitempty"`
	SkipSSRF    bool     `json:"_skip_ssrf,omitempty"`
}

// Price parses the rule's price. Callers must Validate first.
func (r Rule) Price() decimal.Decimal {
	price, err := decimal.NewFromString(r.PriceUSDC)
	if err != nil {
		return decimal.Zero
	}
	return price
}

// Redacted returns a copy safe for admin listing: the provider auth
// header value is masked.
func (r Rule) Redacted() Rule {
	out := r
	if out.Provider.AuthHeaderValue != "" {
		out.Provider.AuthHeaderValue = "***"
	}
	return out
}

// Validate checks the rule's structural invariants. SSRF and the
// upstream-402 probe are checked separately at table level because they
// depend on configuration and the network.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ToolID) == "" {
		return fmt.Errorf("tool_id required")
	}
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return fmt.Errorf("unsupported method %q", r.Method)
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("path must start with '/': %q", r.Path)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(r.PriceUSDC))
	if err != nil {
		return fmt.Errorf("invalid price_usdc %q: %w", r.PriceUSDC, err)
	}
	if price.IsNegative() {
		return fmt.Errorf("price_usdc must not be negative: %s", r.PriceUSDC)
	}
	if price.Exponent() < -6 {
		return fmt.Errorf("price_usdc has more than 6 fractional digits: %s", r.PriceUSDC)
	}
	if strings.TrimSpace(r.Provider.ProviderID) == "" {
		return fmt.Errorf("provider.provider_id required")
	}
	backend, err := url.Parse(strings.TrimSpace(r.Provider.BackendURL))
	if err != nil {
		return fmt.Errorf("invalid backend_url: %w", err)
	}
	if backend.Scheme != "http" && backend.Scheme != "https" {
		return fmt.Errorf("backend_url scheme must be http or https: %q", r.Provider.BackendURL)
	}
	if backend.Host == "" {
		return fmt.Errorf("backend_url host required")
	}
	if (r.Provider.AuthHeaderName == "") != (r.Provider.AuthHeaderValue == "") {
		return fmt.Errorf("provider auth header name and value must be set together")
	}
	return nil
}

func (r *Rule) normalize() {
	r.ToolID = strings.TrimSpace(r.ToolID)
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	r.Path = strings.TrimSpace(r.Path)
	r.PriceUSDC = strings.TrimSpace(r.PriceUSDC)
	r.Provider.BackendURL = strings.TrimSpace(r.Provider.BackendURL)
}
