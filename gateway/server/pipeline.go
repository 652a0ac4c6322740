package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"tollgate/gateway/fingerprint"
	"tollgate/gateway/mandate"
	"tollgate/gateway/payment"
	"tollgate/gateway/proxy"
	"tollgate/gateway/receipt"
)

// requestTimeout bounds every outbound call made on behalf of one
// request.
const requestTimeout = 30 * time.Second

// challengeBody is the 402 response: the requirements object flattened
// at the top level, the denial receipt alongside.
type challengeBody struct {
	payment.Requirements
	Error   string          `json:"error"`
	Receipt receipt.Receipt `json:"receipt"`
}

// denialBody is every non-402 terminal error response.
type denialBody struct {
	Error      string          `json:"error"`
	ReasonCode string          `json:"reason_code"`
	Receipt    receipt.Receipt `json:"receipt"`
}

// handleGateway runs the admission pipeline. Stages execute in a fixed
// order and the first stage that refuses the request terminates it;
// the receipt's reason code always names that stage.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	start := s.nowFn()

	rcpt := receipt.Receipt{
		RequestID:      requestID,
		Endpoint:       r.URL.Path,
		Method:         r.Method,
		Timestamp:      receipt.FormatTimestamp(start),
		PriceUSDC:      "0",
		Currency:       "USDC",
		Chain:          payment.ChainID(s.cfg.Network),
		MandateVerdict: receipt.VerdictSkipped,
	}

	var mres *mandate.Result
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("pipeline panic",
				slog.String("request_id", requestID), slog.Any("panic", rec))
			mres.Revert()
			rcpt.Outcome = receipt.OutcomeError
			rcpt.ReasonCode = receipt.ReasonInternalError
			rcpt.Explanation = "internal gateway error"
			rcpt.PriceUSDC = "0.00"
			s.deny(w, http.StatusInternalServerError, rcpt)
		}
	}()

	// Rate limit runs before anything else so an abusive client
	// cannot even spend route-matching work.
	if s.limiter != nil && !s.limiter.Allow(r) {
		rcpt.Outcome = receipt.OutcomeDenied
		rcpt.ReasonCode = receipt.ReasonRateLimited
		rcpt.Explanation = "client exceeded the request rate limit"
		s.deny(w, http.StatusTooManyRequests, rcpt)
		return
	}

	rule, _, ok := s.table.Match(r.Method, r.URL.Path)
	if !ok {
		rcpt.Outcome = receipt.OutcomeDenied
		rcpt.ReasonCode = receipt.ReasonRouteNotFound
		rcpt.Explanation = fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)
		s.deny(w, http.StatusNotFound, rcpt)
		return
	}
	r, span := s.obs.StartSpan(r, rule.ToolID)
	defer span.End()

	price := rule.Price()
	rcpt.ToolID = rule.ToolID
	rcpt.ProviderID = rule.Provider.ProviderID
	rcpt.PriceUSDC = rule.PriceUSDC

	body, err := io.ReadAll(io.LimitReader(r.Body, s.forwarder.MaxBodyBytes()))
	if err != nil {
		rcpt.Outcome = receipt.OutcomeError
		rcpt.ReasonCode = receipt.ReasonInternalError
		rcpt.Explanation = "failed to read request body"
		rcpt.PriceUSDC = "0.00"
		s.deny(w, http.StatusInternalServerError, rcpt)
		return
	}

	idemKey := r.Header.Get("X-Request-Idempotency-Key")
	fp := fingerprint.Compute(fingerprint.Input{
		Method:         r.Method,
		Path:           r.URL.Path,
		Query:          r.URL.Query(),
		Body:           body,
		PriceUSDC:      rule.PriceUSDC,
		IdempotencyKey: idemKey,
	}, start, s.cfg.ReplayTTL)
	rcpt.RequestHash = fp

	// Replay suppression is opt-in: without an idempotency key the
	// store is bypassed entirely.
	if idemKey != "" {
		seen, replayErr := s.replay.CheckAndRemember(fp, s.cfg.ReplayTTL)
		if replayErr != nil {
			s.logger.Warn("replay store unavailable, admitting request",
				slog.String("request_id", requestID), slog.Any("error", replayErr))
		} else if seen {
			rcpt.Outcome = receipt.OutcomeDenied
			rcpt.ReasonCode = receipt.ReasonReplayDetected
			rcpt.Explanation = "identical request already seen inside the replay window"
			s.deny(w, http.StatusConflict, rcpt)
			return
		}
	}

	// Merchant identity for intent mandates: the configured domain, or
	// the request host when none is configured.
	domain := s.cfg.Domain()
	if domain == "" {
		domain = strings.TrimSpace(r.Host)
	}
	mres, err = s.verifier.Verify(r.Header.Get("X-Mandate"), mandate.Context{
		ToolID:        rule.ToolID,
		Price:         price,
		Now:           start,
		GatewayDomain: domain,
	})
	if err != nil {
		rcpt.Outcome = receipt.OutcomeDenied
		rcpt.MandateVerdict = receipt.VerdictDenied
		rcpt.ReasonCode = receipt.ReasonInvalidSignature
		rcpt.Explanation = "mandate header could not be decoded"
		s.deny(w, http.StatusBadRequest, rcpt)
		return
	}
	rcpt.MandateVerdict = mres.Verdict
	rcpt.MandateID = mres.MandateID
	rcpt.MandateHash = mres.MandateHash
	if mres.Verdict == receipt.VerdictDenied {
		rcpt.Outcome = receipt.OutcomeDenied
		rcpt.ReasonCode = mres.ReasonCode
		rcpt.Explanation = mres.Explanation
		s.deny(w, http.StatusForbidden, rcpt)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var verification *payment.Verification
	if price.IsPositive() && !s.gate.PassThrough() {
		requirements, reqErr := s.gate.Requirements(r.URL.Path, price)
		if reqErr != nil {
			mres.Revert()
			rcpt.Outcome = receipt.OutcomeError
			rcpt.ReasonCode = receipt.ReasonInternalError
			rcpt.Explanation = reqErr.Error()
			rcpt.PriceUSDC = "0.00"
			s.deny(w, http.StatusInternalServerError, rcpt)
			return
		}
		header := r.Header.Get("X-Payment")
		if header == "" {
			mres.Revert()
			rcpt.Outcome = receipt.OutcomeDenied
			rcpt.ReasonCode = receipt.ReasonInvalidPayment
			rcpt.Explanation = "payment required"
			s.challenge(w, requirements, rcpt)
			return
		}
		verification, err = s.gate.Verify(ctx, header, requirements)
		if err != nil || !verification.Valid {
			mres.Revert()
			reason := "payment verification failed"
			if verification != nil && verification.Reason != "" {
				reason = verification.Reason
			}
			rcpt.Outcome = receipt.OutcomeDenied
			rcpt.ReasonCode = receipt.ReasonInvalidPayment
			rcpt.Explanation = reason
			s.challenge(w, requirements, rcpt)
			return
		}
	}

	if denial := s.checker.Check(ctx, r.Header.Get("X-Agent-Address"), r.Header.Get("X-Agent-Id")); denial != nil {
		mres.Revert()
		rcpt.Outcome = receipt.OutcomeDenied
		rcpt.ReasonCode = denial.ReasonCode
		rcpt.Explanation = denial.Explanation
		s.deny(w, http.StatusForbidden, rcpt)
		return
	}

	result, err := s.forwarder.Forward(ctx, rule, r, body)
	if err != nil {
		mres.Revert()
		rcpt.Outcome = receipt.OutcomeError
		rcpt.ReasonCode = receipt.ReasonUpstreamErrorNoCharge
		rcpt.Explanation = upstreamExplanation(err)
		rcpt.PriceUSDC = "0.00"
		s.deny(w, http.StatusBadGateway, rcpt)
		return
	}

	if verification != nil {
		settled, settleErr := s.gate.Settle(ctx, verification)
		if settleErr != nil {
			s.logger.Warn("settlement failed after upstream success",
				slog.String("request_id", requestID),
				slog.String("tool_id", rule.ToolID),
				slog.Any("error", settleErr))
			rcpt.Explanation = fmt.Sprintf("settlement failed: %v", settleErr)
		} else {
			rcpt.PaymentTxHash = settled.Transaction
			rcpt.FacilitatorReceiptID = settled.ReceiptID
		}
	}

	latency := result.Latency.Milliseconds()
	rcpt.Outcome = receipt.OutcomeSuccess
	rcpt.ReasonCode = receipt.ReasonOK
	rcpt.ResponseHash = result.ResponseHash
	rcpt.LatencyMS = &latency
	if rcpt.Explanation == "" {
		rcpt.Explanation = "ok"
	}
	s.finalize(&rcpt)
	s.obs.RecordRevenue(price)

	for name, values := range result.Header {
		w.Header()[name] = values
	}
	w.Header().Set("X-Receipt", rcpt.EncodeHeader())
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

// finalize signs, stores and counts the receipt. Every pipeline exit
// passes through here exactly once.
func (s *Server) finalize(rcpt *receipt.Receipt) {
	if err := s.signer.Sign(rcpt); err != nil {
		s.logger.Warn("receipt signing failed",
			slog.String("request_id", rcpt.RequestID), slog.Any("error", err))
	}
	s.receipts.Append(*rcpt)

	status := http.StatusOK
	if rcpt.Outcome != receipt.OutcomeSuccess {
		s.obs.RecordDenial(rcpt.ReasonCode)
		status = http.StatusForbidden
	}
	var latency time.Duration
	if rcpt.LatencyMS != nil {
		latency = time.Duration(*rcpt.LatencyMS) * time.Millisecond
	}
	s.obs.RecordRequest(rcpt.ToolID, rcpt.Method, status, latency)
}

func (s *Server) deny(w http.ResponseWriter, status int, rcpt receipt.Receipt) {
	s.finalize(&rcpt)
	writeJSON(w, status, denialBody{
		Error:      rcpt.Explanation,
		ReasonCode: rcpt.ReasonCode,
		Receipt:    rcpt,
	})
}

// challenge writes the 402 response with the requirements both in the
// body and base64-encoded in the payment-required header.
func (s *Server) challenge(w http.ResponseWriter, req payment.Requirements, rcpt receipt.Receipt) {
	s.finalize(&rcpt)
	w.Header().Set("payment-required", req.EncodeHeader())
	writeJSON(w, http.StatusPaymentRequired, challengeBody{
		Requirements: req,
		Error:        rcpt.Explanation,
		Receipt:      rcpt,
	})
}

func upstreamExplanation(err error) string {
	if errors.Is(err, proxy.ErrUpstream) {
		return err.Error()
	}
	return fmt.Sprintf("upstream call failed: %v", err)
}
