package risk

import (
	"fmt"
	"strings"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown order side %q", s)
}

// ReasonCode explains a denial. A denial is a value, never an error.
type ReasonCode string

const (
	ReasonNone           ReasonCode = ""
	ReasonInvalidOrder   ReasonCode = "invalid_order"
	ReasonKillSwitch     ReasonCode = "kill_switch"
	ReasonCircuitBreaker ReasonCode = "circuit_breaker"
	ReasonDailyLimit     ReasonCode = "daily_limit"
	ReasonStopLoss       ReasonCode = "stop_loss"
)

// TakeProfitAdvice suggests a partial exit. Execute mirrors auto_take_profit:
// when set the caller may place the suggested exit without confirmation.
type TakeProfitAdvice struct {
	Threshold       float64 `json:"threshold"`
	Fraction        float64 `json:"fraction"`
	SuggestedAmount float64 `json:"suggested_amount"`
	Execute         bool    `json:"execute"`
}

type Decision struct {
	Allowed     bool
	Reason      ReasonCode
	Message     string
	ExitAdvised bool
	TakeProfit  *TakeProfitAdvice
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason ReasonCode, format string, args ...any) Decision {
	return Decision{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
