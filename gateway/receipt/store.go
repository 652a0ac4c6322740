package receipt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Store is the append-only in-process receipt log. When a capacity is
// configured it behaves as a ring: the oldest receipt is evicted and
// the aggregate stats keep counting.
type Store struct {
	mu       sync.Mutex
	receipts []Receipt
	capacity int
	seq      uint64

	total        uint64
	successCount uint64
	deniedCount  uint64
	errorCount   uint64
	latencySumMS int64
	latencyCount int64
	revenue      decimal.Decimal
}

// NewStore builds a receipt store. capacity <= 0 means unbounded.
func NewStore(capacity int) *Store {
	return &Store{capacity: capacity, revenue: decimal.Zero}
}

// Append records a receipt. Stats are maintained incrementally so
// Stats never scans the ring.
func (s *Store) Append(r Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.total++
	switch r.Outcome {
	case OutcomeSuccess:
		s.successCount++
		if price, err := decimal.NewFromString(r.PriceUSDC); err == nil {
			s.revenue = s.revenue.Add(price)
		}
	case OutcomeDenied:
		s.deniedCount++
	case OutcomeError:
		s.errorCount++
	}
	if r.LatencyMS != nil {
		s.latencySumMS += *r.LatencyMS
		s.latencyCount++
	}
	if s.capacity > 0 && len(s.receipts) >= s.capacity {
		copy(s.receipts, s.receipts[1:])
		s.receipts[len(s.receipts)-1] = r
		return
	}
	s.receipts = append(s.receipts, r)
}

// Filter narrows a Query.
type Filter struct {
	ToolID  string
	Outcome Outcome
	Limit   int
	Offset  int
}

// Query returns receipts newest-first.
func (s *Store) Query(f Filter) []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	matched := 0
	out := make([]Receipt, 0, limit)
	for i := len(s.receipts) - 1; i >= 0; i-- {
		r := s.receipts[i]
		if f.ToolID != "" && r.ToolID != f.ToolID {
			continue
		}
		if f.Outcome != "" && r.Outcome != f.Outcome {
			continue
		}
		if matched < f.Offset {
			matched++
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Get returns the receipt with the given request id, if still held.
func (s *Store) Get(requestID string) (Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.receipts) - 1; i >= 0; i-- {
		if s.receipts[i].RequestID == requestID {
			return s.receipts[i], true
		}
	}
	return Receipt{}, false
}

// Len reports how many receipts are currently held (post-eviction).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

// Stats is the aggregate view served by GET /admin/receipts/stats.
type Stats struct {
	TotalRequests    uint64 `json:"total_requests"`
	SuccessCount     uint64 `json:"success_count"`
	DeniedCount      uint64 `json:"denied_count"`
	ErrorCount       uint64 `json:"error_count"`
	SuccessRate      string `json:"success_rate"`
	AvgLatencyMS     int64  `json:"avg_latency_ms"`
	TotalRevenueUSDC string `json:"total_revenue_usdc"`
}

// Stats computes the aggregate counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate := "0.00%"
	if s.total > 0 {
		rate = fmt.Sprintf("%.2f%%", float64(s.successCount)/float64(s.total)*100)
	}
	var avg int64
	if s.latencyCount > 0 {
		avg = s.latencySumMS / s.latencyCount
	}
	revenue := s.revenue.StringFixed(2)
	if strings.Contains(s.revenue.String(), ".") && s.revenue.Exponent() < -2 {
		revenue = s.revenue.String()
	}
	return Stats{
		TotalRequests:    s.total,
		SuccessCount:     s.successCount,
		DeniedCount:      s.deniedCount,
		ErrorCount:       s.errorCount,
		SuccessRate:      rate,
		AvgLatencyMS:     avg,
		TotalRevenueUSDC: revenue,
	}
}
