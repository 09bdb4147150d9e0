// Package position tracks the net holding and average entry price per pair.
package position

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Position struct {
	Pair      string          `json:"pair"`
	Amount    decimal.Decimal `json:"amount"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store returns a nil position and nil error for a pair never traded.
type Store interface {
	Get(ctx context.Context, pair string) (*Position, error)
	// Update applies a signed fill: delta > 0 buys, delta < 0 sells.
	Update(ctx context.Context, pair string, delta, price decimal.Decimal) error
	Close() error
}

// apply folds a fill into p. Buys move the average entry price; sells keep it
// until the holding is flat, which resets it. Holdings never go negative.
func apply(p Position, delta, price decimal.Decimal, now time.Time) Position {
	p.UpdatedAt = now
	switch {
	case delta.IsPositive():
		total := p.Amount.Add(delta)
		cost := p.Amount.Mul(p.AvgPrice).Add(delta.Mul(price))
		p.AvgPrice = cost.Div(total)
		p.Amount = total
	case delta.IsNegative():
		p.Amount = p.Amount.Add(delta)
		if !p.Amount.IsPositive() {
			p.Amount = decimal.Zero
			p.AvgPrice = decimal.Zero
		}
	}
	return p
}
