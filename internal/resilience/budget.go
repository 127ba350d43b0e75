package resilience

import (
	"fmt"
	"sync"
	"time"
)

// Limits is the spend policy of one API key. Zero limits are unlimited.
// WarningThreshold is a fraction in (0,1]; crossing it flags a warning
// without denying.
type Limits struct {
	DailyUSD         float64 `json:"daily_limit_usd" yaml:"daily_limit_usd"`
	MonthlyUSD       float64 `json:"monthly_limit_usd" yaml:"monthly_limit_usd"`
	WarningThreshold float64 `json:"warning_threshold,omitempty" yaml:"warning_threshold"`
}

// Validate rejects negative limits and out-of-range thresholds.
func (l Limits) Validate() error {
	if l.DailyUSD < 0 || l.MonthlyUSD < 0 {
		return fmt.Errorf("resilience: budget limits must not be negative")
	}
	if l.WarningThreshold < 0 || l.WarningThreshold > 1 {
		return fmt.Errorf("resilience: warning_threshold must be within [0,1], got %v", l.WarningThreshold)
	}
	return nil
}

// BudgetCheck is the outcome of Budgets.Check.
type BudgetCheck struct {
	Allowed    bool
	Warning    bool
	Reason     string
	RetryAfter time.Duration
}

// BudgetStatus is a snapshot of one key's spend.
type BudgetStatus struct {
	Key          string  `json:"key"`
	Limits       Limits  `json:"limits"`
	DailySpend   float64 `json:"daily_spend_usd"`
	MonthlySpend float64 `json:"monthly_spend_usd"`
	Day          string  `json:"day"`
	Month        string  `json:"month"`
	Exceeded     bool    `json:"exceeded"`
	Warning      bool    `json:"warning"`
}

type budget struct {
	mu sync.Mutex

	limits     Limits
	day        string // YYYY-MM-DD in UTC
	month      string // YYYY-MM in UTC
	daySpend   float64
	monthSpend float64
}

func (b *budget) roll(now time.Time) {
	day, month := now.Format(time.DateOnly), now.Format("2006-01")
	if b.month != month {
		b.month = month
		b.monthSpend = 0
	}
	if b.day != day {
		b.day = day
		b.daySpend = 0
	}
}

func (b *budget) evaluate(now time.Time) BudgetCheck {
	l := b.limits
	switch {
	case l.DailyUSD > 0 && b.daySpend >= l.DailyUSD:
		return BudgetCheck{
			Reason:     fmt.Sprintf("daily budget of $%.2f exhausted ($%.4f spent)", l.DailyUSD, b.daySpend),
			RetryAfter: nextDay(now).Sub(now),
		}
	case l.MonthlyUSD > 0 && b.monthSpend >= l.MonthlyUSD:
		return BudgetCheck{
			Reason:     fmt.Sprintf("monthly budget of $%.2f exhausted ($%.4f spent)", l.MonthlyUSD, b.monthSpend),
			RetryAfter: nextMonth(now).Sub(now),
		}
	}

	res := BudgetCheck{Allowed: true}
	if w := l.WarningThreshold; w > 0 {
		if (l.DailyUSD > 0 && b.daySpend >= w*l.DailyUSD) ||
			(l.MonthlyUSD > 0 && b.monthSpend >= w*l.MonthlyUSD) {
			res.Warning = true
		}
	}
	return res
}

func nextDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func nextMonth(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

// Budgets accumulates spend per API key id and enforces daily and monthly
// limits. Counters roll over at UTC day and month boundaries.
type Budgets struct {
	entries *shardedMap[*budget]
	now     func() time.Time
}

func NewBudgets(now func() time.Time) *Budgets {
	if now == nil {
		now = time.Now
	}
	return &Budgets{entries: newShardedMap[*budget](), now: now}
}

func (b *Budgets) utcNow() time.Time { return b.now().UTC() }

func (b *Budgets) entry(key string) *budget {
	return b.entries.getOrCreate(key, func() *budget { return &budget{} })
}

// SetLimits installs the limits for key, keeping accumulated spend.
func (b *Budgets) SetLimits(key string, l Limits) error {
	if key == "" {
		return fmt.Errorf("resilience: budget key is required")
	}
	if err := l.Validate(); err != nil {
		return err
	}
	e := b.entry(key)
	e.mu.Lock()
	e.limits = l
	e.mu.Unlock()
	return nil
}

// RecordCost adds amountUSD to key's daily and monthly spend.
func (b *Budgets) RecordCost(key string, amountUSD float64) {
	if key == "" || amountUSD <= 0 {
		return
	}
	now := b.utcNow()
	e := b.entry(key)
	e.mu.Lock()
	e.roll(now)
	e.daySpend += amountUSD
	e.monthSpend += amountUSD
	e.mu.Unlock()
}

// Check reports whether key may spend more. Keys without limits are allowed.
func (b *Budgets) Check(key string) BudgetCheck {
	e, ok := b.entries.get(key)
	if !ok {
		return BudgetCheck{Allowed: true}
	}
	now := b.utcNow()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roll(now)
	return e.evaluate(now)
}

// Status returns the current spend of key.
func (b *Budgets) Status(key string) BudgetStatus {
	st := BudgetStatus{Key: key}
	e, ok := b.entries.get(key)
	if !ok {
		return st
	}
	now := b.utcNow()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roll(now)
	res := e.evaluate(now)
	st.Limits = e.limits
	st.DailySpend = e.daySpend
	st.MonthlySpend = e.monthSpend
	st.Day = e.day
	st.Month = e.month
	st.Exceeded = !res.Allowed
	st.Warning = res.Warning
	return st
}
