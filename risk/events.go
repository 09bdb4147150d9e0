package risk

import (
	"fmt"
	"time"

	"streamguard/internal/bus"
)

const (
	TypeMaxDrawdownExceeded     = "max_drawdown_exceeded"
	TypeDrawdownWarning         = "drawdown_warning"
	TypeCircuitBreakerTriggered = "circuit_breaker_triggered"
	TypeCircuitBreakerReset     = "circuit_breaker_reset"
	TypeKillSwitchActivated     = "kill_switch_activated"
	TypeKillSwitchDeactivated   = "kill_switch_deactivated"
	TypeDailyLimitReached       = "daily_limit_reached"
	TypeStopLossTriggered       = "stop_loss_triggered"
	TypeTakeProfitSignal        = "take_profit_signal"
	TypeTradeDenied             = "trade_denied"
)

// Event is implemented only by the types in this file.
type Event interface {
	EventType() string
	riskEvent()
}

type MaxDrawdownExceeded struct {
	Drawdown float64 `json:"drawdown"`
	Balance  float64 `json:"balance"`
	Peak     float64 `json:"peak"`
}

type DrawdownWarning struct {
	Drawdown  float64 `json:"drawdown"`
	Threshold float64 `json:"threshold"`
	Balance   float64 `json:"balance"`
}

type CircuitBreakerTriggered struct {
	Drop     float64   `json:"drop"`
	Balance  float64   `json:"balance"`
	Previous float64   `json:"previous"`
	Until    time.Time `json:"until"`
}

type CircuitBreakerReset struct {
	At time.Time `json:"at"`
}

type KillSwitchActivated struct {
	Reason string `json:"reason"`
}

type KillSwitchDeactivated struct {
	Reason string `json:"reason"`
}

type DailyLimitReached struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	Limit int    `json:"limit"`
}

type StopLossTriggered struct {
	Pair         string  `json:"pair"`
	Price        float64 `json:"price"`
	AvgPrice     float64 `json:"avg_price"`
	ProfitPct    float64 `json:"profit_pct"`
	AutoExecuted bool    `json:"auto_executed"`
}

type TakeProfitSignal struct {
	Pair      string           `json:"pair"`
	Price     float64          `json:"price"`
	AvgPrice  float64          `json:"avg_price"`
	ProfitPct float64          `json:"profit_pct"`
	Advice    TakeProfitAdvice `json:"advice"`
}

type TradeDenied struct {
	Pair   string     `json:"pair"`
	Side   Side       `json:"side"`
	Amount float64    `json:"amount"`
	Price  float64    `json:"price"`
	Reason ReasonCode `json:"reason"`
}

func (MaxDrawdownExceeded) EventType() string     { return TypeMaxDrawdownExceeded }
func (DrawdownWarning) EventType() string         { return TypeDrawdownWarning }
func (CircuitBreakerTriggered) EventType() string { return TypeCircuitBreakerTriggered }
func (CircuitBreakerReset) EventType() string     { return TypeCircuitBreakerReset }
func (KillSwitchActivated) EventType() string     { return TypeKillSwitchActivated }
func (KillSwitchDeactivated) EventType() string   { return TypeKillSwitchDeactivated }
func (DailyLimitReached) EventType() string       { return TypeDailyLimitReached }
func (StopLossTriggered) EventType() string       { return TypeStopLossTriggered }
func (TakeProfitSignal) EventType() string        { return TypeTakeProfitSignal }
func (TradeDenied) EventType() string             { return TypeTradeDenied }

func (MaxDrawdownExceeded) riskEvent()     {}
func (DrawdownWarning) riskEvent()         {}
func (CircuitBreakerTriggered) riskEvent() {}
func (CircuitBreakerReset) riskEvent()     {}
func (KillSwitchActivated) riskEvent()     {}
func (KillSwitchDeactivated) riskEvent()   {}
func (DailyLimitReached) riskEvent()       {}
func (StopLossTriggered) riskEvent()       {}
func (TakeProfitSignal) riskEvent()        {}
func (TradeDenied) riskEvent()             {}

// ToEnvelope wraps ev for the event bus.
func ToEnvelope(ev Event, ts time.Time) (bus.Envelope, error) {
	return bus.NewEnvelope(ev.EventType(), ev, ts)
}

// DecodeEvent turns a bus envelope back into its concrete event.
func DecodeEvent(env bus.Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case TypeMaxDrawdownExceeded:
		ev, err = decodeAs[MaxDrawdownExceeded](env)
	case TypeDrawdownWarning:
		ev, err = decodeAs[DrawdownWarning](env)
	case TypeCircuitBreakerTriggered:
		ev, err = decodeAs[CircuitBreakerTriggered](env)
	case TypeCircuitBreakerReset:
		ev, err = decodeAs[CircuitBreakerReset](env)
	case TypeKillSwitchActivated:
		ev, err = decodeAs[KillSwitchActivated](env)
	case TypeKillSwitchDeactivated:
		ev, err = decodeAs[KillSwitchDeactivated](env)
	case TypeDailyLimitReached:
		ev, err = decodeAs[DailyLimitReached](env)
	case TypeStopLossTriggered:
		ev, err = decodeAs[StopLossTriggered](env)
	case TypeTakeProfitSignal:
		ev, err = decodeAs[TakeProfitSignal](env)
	case TypeTradeDenied:
		ev, err = decodeAs[TradeDenied](env)
	default:
		return nil, fmt.Errorf("unknown risk event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](env bus.Envelope) (Event, error) {
	var v T
	if err := env.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
