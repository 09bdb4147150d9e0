package models

import (
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// CANDLES ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// OHLCV is one decoded candle. Prices are kept as decimals so downstream
// sinks never see float rounding from the exchange's string encoding.
type OHLCV struct {
	OpenTime  time.Time       `json:"open_time" validate:"required"`
	CloseTime time.Time       `json:"close_time" validate:"required"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Trades    int64           `json:"trades" validate:"gte=0"`
	Final     bool            `json:"final"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// INGESTION //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// IngestionItem is owned by the queue until a single worker dequeues it.
type IngestionItem struct {
	Symbol      string    `json:"symbol" validate:"required"`
	Timeframe   string    `json:"timeframe" validate:"required"`
	Source      string    `json:"source"`
	Candle      OHLCV     `json:"candle"`
	EnqueueTime time.Time `json:"enqueue_time"`
}

// Batch is flushed as one unit and retried whole.
type Batch struct {
	ID        string          `json:"batch_id"`
	Items     []IngestionItem `json:"items"`
	CreatedAt time.Time       `json:"created_at"`
}

func (b Batch) Len() int { return len(b.Items) }
