// Package bus broadcasts risk events to observers over named channels.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

var ErrBusClosed = errors.New("event bus closed")

// Envelope is the wire form of every published event.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(typ string, data any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s event: %w", typ, err)
	}
	return Envelope{Type: typ, Data: raw, Timestamp: ts.UTC()}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Bus never fails a publisher: Publish reports delivery as a bool and
// implementations log and count their own failures.
type Bus interface {
	Publish(ctx context.Context, channel string, env Envelope) bool
	// Subscribe delivers events until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan Envelope, error)
	// Recent returns up to n of the latest events, oldest first.
	Recent(ctx context.Context, channel string, n int) ([]Envelope, error)
	Close() error
}

type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}
