// Package binance decodes Binance kline websocket events into candles.
package binance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"streamguard/internal/resilience"
	"streamguard/models"
)

const Source = "binance"

// klineFields is the subset of a kline event checked before decimals are parsed.
type klineFields struct {
	Event     string `validate:"eq=kline"`
	Symbol    string `validate:"required,alphanum,uppercase"`
	Interval  string `validate:"oneof=1s 1m 3m 5m 15m 30m 1h 2h 4h 6h 8h 12h 1d 3d 1w 1M"`
	StartTime int64  `validate:"gt=0"`
	EndTime   int64  `validate:"gtfield=StartTime"`
	Open      string `validate:"required,numeric"`
	High      string `validate:"required,numeric"`
	Low       string `validate:"required,numeric"`
	Close     string `validate:"required,numeric"`
	Volume    string `validate:"required,numeric"`
	Trades    int64  `validate:"gte=0"`
}

var validate = validator.New()

// StreamID names the kline stream for symbol and timeframe, e.g. btcusdt@kline_1m.
func StreamID(symbol, timeframe string) string {
	return strings.ToLower(NormalizeSymbol(symbol)) + "@kline_" + timeframe
}

// StreamURL returns the stream ID and its raw-stream URL under base.
func StreamURL(base, symbol, timeframe string) (string, string) {
	id := StreamID(symbol, timeframe)
	return id, strings.TrimRight(base, "/") + "/ws/" + id
}

// DecodeKline parses one kline event. Every rejection is a
// resilience.DataValidationError.
func DecodeKline(payload []byte) (models.IngestionItem, error) {
	var event gobinance.WsKlineEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return models.IngestionItem{}, resilience.Invalid("malformed kline json", err)
	}

	k := event.Kline
	fields := klineFields{
		Event:     event.Event,
		Symbol:    event.Symbol,
		Interval:  k.Interval,
		StartTime: k.StartTime,
		EndTime:   k.EndTime,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		Trades:    k.TradeNum,
	}
	if err := validate.Struct(fields); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return models.IngestionItem{}, resilience.Invalid(fmt.Sprintf("kline field %s failed %s", verrs[0].Field(), verrs[0].Tag()), err)
		}
		return models.IngestionItem{}, resilience.Invalid("kline validation", err)
	}

	var prices [5]decimal.Decimal
	for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return models.IngestionItem{}, resilience.Invalid("kline decimal", err)
		}
		prices[i] = d
	}

	candle := models.OHLCV{
		OpenTime:  time.UnixMilli(k.StartTime).UTC(),
		CloseTime: time.UnixMilli(k.EndTime).UTC(),
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    prices[4],
		Trades:    k.TradeNum,
		Final:     k.IsFinal,
	}
	if err := checkCandle(candle); err != nil {
		return models.IngestionItem{}, err
	}

	return models.IngestionItem{
		Symbol:    event.Symbol,
		Timeframe: k.Interval,
		Source:    Source,
		Candle:    candle,
	}, nil
}

func checkCandle(c models.OHLCV) error {
	switch {
	case c.Low.IsNegative() || c.Volume.IsNegative():
		return resilience.Invalid("negative price or volume", nil)
	case c.High.LessThan(c.Low):
		return resilience.Invalid(fmt.Sprintf("high %s below low %s", c.High, c.Low), nil)
	case c.Open.GreaterThan(c.High) || c.Open.LessThan(c.Low):
		return resilience.Invalid(fmt.Sprintf("open %s outside [%s, %s]", c.Open, c.Low, c.High), nil)
	case c.Close.GreaterThan(c.High) || c.Close.LessThan(c.Low):
		return resilience.Invalid(fmt.Sprintf("close %s outside [%s, %s]", c.Close, c.Low, c.High), nil)
	}
	return nil
}
