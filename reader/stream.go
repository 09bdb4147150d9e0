package reader

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamguard/internal/resilience"
)

type StreamState int

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

func (s StreamState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Handler receives every message of a stream in arrival order. Returning a
// resilience.DataValidationError drops the message without counting it
// against the stream.
type Handler interface {
	Handle(ctx context.Context, streamID string, payload []byte) error
}

type HandlerFunc func(ctx context.Context, streamID string, payload []byte) error

func (f HandlerFunc) Handle(ctx context.Context, streamID string, payload []byte) error {
	return f(ctx, streamID, payload)
}

// StreamSnapshot is a point-in-time copy of a stream for status reporting.
type StreamSnapshot struct {
	ID              string                     `json:"id"`
	URL             string                     `json:"url"`
	State           StreamState                `json:"state"`
	LastMessageTime time.Time                  `json:"last_message_time"`
	ReconnectCount  int                        `json:"reconnect_count"`
	TotalReconnects int                        `json:"total_reconnects"`
	ErrorCount      int                        `json:"error_count"`
	Messages        int64                      `json:"messages"`
	Breaker         resilience.BreakerSnapshot `json:"breaker"`
}

type stream struct {
	id      string
	url     string
	handler Handler
	breaker *resilience.CircuitBreaker

	mu              sync.Mutex
	state           StreamState
	conn            *websocket.Conn
	lastMessage     time.Time
	reconnectCount  int
	totalReconnects int
	errorCount      int
	messages        int64
	awaitingFirst   bool
	reconnecting    bool
}

func (s *stream) snapshot() StreamSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamSnapshot{
		ID:              s.id,
		URL:             s.url,
		State:           s.state,
		LastMessageTime: s.lastMessage,
		ReconnectCount:  s.reconnectCount,
		TotalReconnects: s.totalReconnects,
		ErrorCount:      s.errorCount,
		Messages:        s.messages,
		Breaker:         s.breaker.Snapshot(),
	}
}

// detach clears the active connection if it is still conn and reports
// whether the caller owned it.
func (s *stream) detach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn || conn == nil {
		return false
	}
	s.conn = nil
	s.state = StateDisconnected
	s.errorCount++
	return true
}
