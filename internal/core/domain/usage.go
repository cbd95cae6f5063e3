package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageEvent is one append-only ledger entry. It doubles as the durable source
// the quota counters are rebuilt from.
type UsageEvent struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Module    Module          `json:"module"`
	JobID     string          `json:"job_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Billed    bool            `json:"billed"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    int64           `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// QuotaStatus is a point-in-time view of one tenant's monthly usage for a module.
// Limit and Remaining are nil for unlimited modules.
type QuotaStatus struct {
	Module    Module `json:"module"`
	Allowed   bool   `json:"allowed"`
	Used      int64  `json:"used"`
	Limit     *int64 `json:"limit"`
	Remaining *int64 `json:"remaining"`
}

func (s QuotaStatus) Unlimited() bool {
	return s.Limit == nil
}

// QuotaSignal marks a notification boundary crossed by a reservation.
type QuotaSignal int

const (
	QuotaSignalNone QuotaSignal = iota
	QuotaSignalThreshold
	QuotaSignalExhausted
)

// QuotaThresholdRatio is the used/limit ratio that raises quota.threshold.
const QuotaThresholdRatio = 0.8

// Signal reports the boundary crossed by the successful reservation of amount
// that produced s. A boundary is reported only by the reservation that crosses
// it, so repeated calls above the threshold stay quiet.
func (s QuotaStatus) Signal(amount int64) QuotaSignal {
	if !s.Allowed || s.Limit == nil || amount <= 0 || *s.Limit <= 0 {
		return QuotaSignalNone
	}
	limit := *s.Limit
	before := s.Used - amount
	if s.Used >= limit && before < limit {
		return QuotaSignalExhausted
	}
	threshold := QuotaThresholdRatio * float64(limit)
	if float64(s.Used) >= threshold && float64(before) < threshold {
		return QuotaSignalThreshold
	}
	return QuotaSignalNone
}

// MonthBounds returns the half-open UTC calendar month [start, end) containing t.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// MonthKey formats the quota window of t as YYYYMM.
func MonthKey(t time.Time) string {
	return t.UTC().Format("200601")
}

// UsageFilter selects ledger events. Zero fields do not filter; the window is [From, To).
type UsageFilter struct {
	TenantID string
	Module   Module
	From     time.Time
	To       time.Time
	Limit    int
}

// ModuleTotal is the summed amount of one module's events.
type ModuleTotal struct {
	Module Module `json:"module"`
	Total  int64  `json:"total_calls"`
}
