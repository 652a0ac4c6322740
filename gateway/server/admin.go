package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tollgate/gateway/payment"
	"tollgate/gateway/receipt"
	"tollgate/gateway/routes"
	"tollgate/observability/logging"
)

// adminAuth enforces the bearer token on every /admin/* endpoint.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptime_ms":     s.nowFn().Sub(s.started).Milliseconds(),
		"route_count":   s.table.Len(),
		"receipt_count": s.receipts.Len(),
		"pass_through":  s.gate.PassThrough(),
	})
}

// handleConfig reports the effective configuration with secrets
// masked. The pay-to address keeps its first and last characters so
// operators can recognise it.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"port":                 s.cfg.Port,
		"env":                  s.cfg.Env,
		"network":              s.cfg.Network,
		"chain":                payment.ChainID(s.cfg.Network),
		"usdc_asset":           payment.AssetAddress(s.cfg.Network),
		"gateway_domain":       s.cfg.Domain(),
		"facilitator_url":      s.cfg.FacilitatorURL,
		"pass_through":         s.gate.PassThrough(),
		"pay_to_address":       logging.MaskAddress(s.cfg.PayToAddress),
		"admin_key":            logging.MaskValue(s.cfg.AdminKey),
		"receipt_signing_key":  logging.MaskValue(s.cfg.ReceiptSigningKey),
		"receipt_signer":       s.signer.Address(),
		"replay_ttl_ms":        s.cfg.ReplayTTL.Milliseconds(),
		"rate_limit_per_min":   s.cfg.RateLimitPerMin,
		"max_body_bytes":       s.forwarder.MaxBodyBytes(),
		"routes_file":          s.cfg.RoutesFile,
		"routes_file_persist":  s.cfg.RoutesFilePersist,
		"reputation_enabled":   s.cfg.ReputationEnabled(),
		"reputation_min_score": s.cfg.ReputationMinScore,
	})
}

func (s *Server) handleRoutesList(w http.ResponseWriter, r *http.Request) {
	rules := s.table.List()
	out := make([]routes.Rule, 0, len(rules))
	for _, rule := range rules {
		out = append(out, rule.Redacted())
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": out})
}

// admitRule runs the compile-time checks a new or changed backend must
// pass: SSRF resolution, then the upstream-402 probe.
func (s *Server) admitRule(r *http.Request, rule routes.Rule) (string, error) {
	if !rule.SkipSSRF {
		if err := routes.CheckBackendURL(r.Context(), rule.Provider.BackendURL, nil); err != nil {
			return receipt.ReasonSSRFBlocked, err
		}
	}
	if err := s.prober.Check(r.Context(), rule.Provider.BackendURL); err != nil {
		return receipt.ReasonX402UpstreamBlocked, err
	}
	return "", nil
}

func writeRuleRejection(w http.ResponseWriter, reason string, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":  err.Error(),
		"reason": reason,
	})
}

func (s *Server) handleRouteCreate(w http.ResponseWriter, r *http.Request) {
	var rule routes.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode route: %v", err))
		return
	}
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if reason, err := s.admitRule(r, rule); err != nil {
		writeRuleRejection(w, reason, err)
		return
	}
	if err := s.table.Upsert(rule, false); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.persistRoutes()
	writeJSON(w, http.StatusCreated, rule.Redacted())
}

func (s *Server) handleRouteUpdate(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	existing, ok := s.table.Get(toolID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown tool_id %q", toolID))
		return
	}
	var patch routes.Rule
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode route: %v", err))
		return
	}
	patch.ToolID = toolID
	// Updates only touch price and description; the rest of the rule
	// keeps its admitted values.
	merged := existing
	merged.PriceUSDC = patch.PriceUSDC
	merged.Description = patch.Description
	if err := merged.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.table.Upsert(merged, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.persistRoutes()
	writeJSON(w, http.StatusOK, merged.Redacted())
}

func (s *Server) handleRouteDelete(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	if !s.table.Delete(toolID) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown tool_id %q", toolID))
		return
	}
	s.persistRoutes()
	writeJSON(w, http.StatusOK, map[string]string{"deleted": toolID})
}

// importRequest is the POST /admin/routes/import body: a loose OpenAPI
// 3.0 document plus the defaults applied to every generated rule.
type importRequest struct {
	Document json.RawMessage       `json:"document"`
	Defaults routes.ImportDefaults `json:"defaults"`
}

func (s *Server) handleRoutesImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode import request: %v", err))
		return
	}
	rules, err := routes.ImportOpenAPI(req.Document, req.Defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	imported := make([]string, 0, len(rules))
	skipped := make([]map[string]string, 0)
	for _, rule := range rules {
		if reason, admitErr := s.admitRule(r, rule); admitErr != nil {
			skipped = append(skipped, map[string]string{
				"tool_id": rule.ToolID, "reason": reason, "error": admitErr.Error(),
			})
			continue
		}
		if upsertErr := s.table.Upsert(rule, false); upsertErr != nil {
			skipped = append(skipped, map[string]string{
				"tool_id": rule.ToolID, "reason": "CONFLICT", "error": upsertErr.Error(),
			})
			continue
		}
		imported = append(imported, rule.ToolID)
	}
	s.persistRoutes()
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": imported,
		"skipped":  skipped,
	})
}

// persistRoutes rewrites the routes file after a mutation when
// persistence is enabled.
func (s *Server) persistRoutes() {
	if !s.cfg.RoutesFilePersist || strings.TrimSpace(s.cfg.RoutesFile) == "" {
		return
	}
	if err := routes.PersistFile(s.cfg.RoutesFile, s.table.List()); err != nil {
		s.logger.Error("persist routes file", slog.Any("error", err))
	}
}

func (s *Server) handleReceiptsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	out := s.receipts.Query(receipt.Filter{
		ToolID:  q.Get("tool_id"),
		Outcome: receipt.Outcome(q.Get("outcome")),
		Limit:   limit,
		Offset:  offset,
	})
	writeJSON(w, http.StatusOK, map[string]any{"receipts": out})
}

func (s *Server) handleReceiptStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.receipts.Stats())
}

func (s *Server) handleReceiptGet(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	rcpt, ok := s.receipts.Get(requestID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no receipt for request %q", requestID))
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

func (s *Server) handleBlacklistList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"addresses": s.checker.Blacklist().List()})
}

func (s *Server) handleBlacklistAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, "address required")
		return
	}
	s.checker.Blacklist().Add(req.Address)
	writeJSON(w, http.StatusCreated, map[string]string{"blocked": req.Address})
}

func (s *Server) handleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	if !s.checker.Blacklist().Remove(addr) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("address %q not blacklisted", addr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unblocked": addr})
}

// handleSpend reports the current ledger position of one mandate.
// Intent mandates are keyed by their derived intent- prefix and report
// lifetime spend; bounded mandates report today's spend.
func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	mandateID := chi.URLParam(r, "mandateID")
	if strings.HasPrefix(mandateID, "intent-") {
		writeJSON(w, http.StatusOK, map[string]string{
			"mandate_id":          mandateID,
			"spent_lifetime_usdc": s.verifier.Lifetime().Spent(mandateID).String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"mandate_id":       mandateID,
		"spent_today_usdc": s.verifier.Daily().Spent(mandateID, s.nowFn()).String(),
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	oracle := s.checker.Oracle()
	if oracle == nil {
		writeError(w, http.StatusNotFound, "reputation oracle not configured")
		return
	}
	agentID, ok := new(big.Int).SetString(chi.URLParam(r, "agentID"), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "agent id must be a decimal integer")
		return
	}
	rep, err := oracle.QueryReputation(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("reputation query: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID.String(),
		"count":    rep.Count.String(),
		"score":    rep.Score.String(),
	})
}
