package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"tollgate/gateway/receipt"
)

// Denial names the first policy check a request failed.
type Denial struct {
	ReasonCode  string
	Explanation string
}

// Checker runs the agent policy stage: blacklist first, then the
// optional reputation oracle. Requests without the relevant headers
// skip the corresponding check.
type Checker struct {
	blacklist *Blacklist
	oracle    Oracle
	minScore  *big.Int
	logger    *slog.Logger
}

// NewChecker wires the stage. A nil oracle disables reputation; a nil
// minScore treats every score as sufficient.
func NewChecker(blacklist *Blacklist, oracle Oracle, minScore *big.Int, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{blacklist: blacklist, oracle: oracle, minScore: minScore, logger: logger}
}

// Blacklist exposes the underlying set for admin mutation.
func (c *Checker) Blacklist() *Blacklist { return c.blacklist }

// Oracle exposes the reputation oracle for admin introspection; nil
// when reputation is not configured.
func (c *Checker) Oracle() Oracle { return c.oracle }

// Check returns nil when the request may proceed. agentAddress comes
// from X-Agent-Address, agentID from X-Agent-Id; either may be empty.
// An oracle that cannot be reached is logged and skipped rather than
// blocking traffic.
func (c *Checker) Check(ctx context.Context, agentAddress, agentID string) *Denial {
	if addr := strings.TrimSpace(agentAddress); addr != "" && c.blacklist.Contains(addr) {
		return &Denial{
			ReasonCode:  receipt.ReasonAgentBlocked,
			Explanation: fmt.Sprintf("agent address %s is blacklisted", addr),
		}
	}

	id := strings.TrimSpace(agentID)
	if c.oracle == nil || id == "" {
		return nil
	}
	parsed, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return nil
	}
	rep, err := c.oracle.QueryReputation(ctx, parsed)
	if err != nil {
		c.logger.Warn("reputation oracle unavailable, skipping check",
			slog.String("agent_id", id), slog.Any("error", err))
		return nil
	}
	if rep.Count != nil && rep.Count.Sign() > 0 &&
		c.minScore != nil && rep.Score != nil && rep.Score.Cmp(c.minScore) < 0 {
		return &Denial{
			ReasonCode: receipt.ReasonReputationTooLow,
			Explanation: fmt.Sprintf("agent %s score %s below minimum %s over %s interactions",
				id, rep.Score, c.minScore, rep.Count),
		}
	}
	return nil
}
