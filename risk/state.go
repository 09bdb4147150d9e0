package risk

import (
	"time"
)

// PositionState is the manager's local view of a holding, used when the
// position store cannot be reached.
type PositionState struct {
	Amount   float64 `json:"amount"`
	AvgPrice float64 `json:"avg_price"`
}

// State is mirrored to the cache as JSON. One manager is assumed to be the
// only writer of a given key; nothing enforces it.
type State struct {
	KillSwitchActive     bool                     `json:"kill_switch_active"`
	KillSwitchReason     string                   `json:"kill_switch_reason,omitempty"`
	CircuitBreakerActive bool                     `json:"circuit_breaker_active"`
	CircuitBreakerUntil  time.Time                `json:"circuit_breaker_until,omitempty"`
	DrawdownWarned       bool                     `json:"drawdown_warned"`
	PeakBalance          float64                  `json:"peak_balance"`
	CurrentBalance       float64                  `json:"current_balance"`
	PreviousBalance      float64                  `json:"previous_balance"`
	DailyTradeCount      map[string]int           `json:"daily_trade_count"`
	LimitNotified        string                   `json:"limit_notified,omitempty"`
	Positions            map[string]PositionState `json:"positions"`
	Wins                 int                      `json:"wins"`
	Losses               int                      `json:"losses"`
	GrossWin             float64                  `json:"gross_win"`
	GrossLoss            float64                  `json:"gross_loss"`
	UpdatedAt            time.Time                `json:"updated_at"`
}

func newState() State {
	return State{
		DailyTradeCount: make(map[string]int),
		Positions:       make(map[string]PositionState),
	}
}

func (s State) clone() State {
	c := s
	c.DailyTradeCount = make(map[string]int, len(s.DailyTradeCount))
	for k, v := range s.DailyTradeCount {
		c.DailyTradeCount[k] = v
	}
	c.Positions = make(map[string]PositionState, len(s.Positions))
	for k, v := range s.Positions {
		c.Positions[k] = v
	}
	return c
}

func (s State) drawdown() float64 {
	if s.PeakBalance <= 0 {
		return 0
	}
	return 1 - s.CurrentBalance/s.PeakBalance
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Status is a point-in-time view for reporting.
type Status struct {
	KillSwitchActive     bool      `json:"kill_switch_active"`
	KillSwitchReason     string    `json:"kill_switch_reason,omitempty"`
	CircuitBreakerActive bool      `json:"circuit_breaker_active"`
	CircuitBreakerUntil  time.Time `json:"circuit_breaker_until,omitempty"`
	PeakBalance          float64   `json:"peak_balance"`
	CurrentBalance       float64   `json:"current_balance"`
	Drawdown             float64   `json:"drawdown"`
	TradesToday          int       `json:"trades_today"`
	DailyTradeLimit      int       `json:"daily_trade_limit"`
	Wins                 int       `json:"wins"`
	Losses               int       `json:"losses"`
	OpenPositions        int       `json:"open_positions"`
	LocalOnly            bool      `json:"local_only"`
}
