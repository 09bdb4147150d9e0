package reader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"streamguard/internal/metrics"
	"streamguard/internal/resilience"
	"streamguard/logger"
)

const (
	defaultKeepAlive   = 20 * time.Second
	defaultDialTimeout = 10 * time.Second
)

var errReconnectFailed = errors.New("reconnect failed")

type ManagerConfig struct {
	SilenceThreshold time.Duration
	MonitorInterval  time.Duration
	DialTimeout      time.Duration
	PingInterval     time.Duration
	DialRate         float64
	DialBurst        int
	Retry            resilience.Policy
	Breaker          resilience.BreakerConfig
}

// Manager owns one websocket per logical stream and keeps it alive: failed
// or silent streams are reconnected with backoff, each stream behind its
// own circuit breaker.
type Manager struct {
	cfg     ManagerConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	log     *logger.Log
	now     func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultKeepAlive
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.DialRate > 0 {
		limit = rate.Limit(cfg.DialRate)
	}
	if cfg.DialBurst <= 0 {
		cfg.DialBurst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		limiter: rate.NewLimiter(limit, cfg.DialBurst),
		log:     logger.GetLogger(),
		now:     time.Now,
		streams: make(map[string]*stream),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials streamID and starts its receive loop. It returns false
// without dialing when the stream's breaker is open.
func (m *Manager) Connect(ctx context.Context, streamID, url string, handler Handler) bool {
	s, err := m.register(streamID, url, handler)
	if err != nil {
		m.log.WithComponent("stream_manager").WithError(err).WithField("stream", streamID).Warn("connect rejected")
		return false
	}
	return m.connect(ctx, s)
}

func (m *Manager) register(streamID, url string, handler Handler) (*stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, errors.New("manager stopped")
	}
	if s, ok := m.streams[streamID]; ok {
		s.mu.Lock()
		s.url = url
		if handler != nil {
			s.handler = handler
		}
		s.mu.Unlock()
		return s, nil
	}
	if handler == nil {
		return nil, fmt.Errorf("stream %s has no handler", streamID)
	}
	s := &stream{
		id:      streamID,
		url:     url,
		handler: handler,
		state:   StateDisconnected,
		breaker: resilience.NewCircuitBreaker("stream:"+streamID, m.cfg.Breaker, resilience.WithStateChange(m.logBreakerChange)),
	}
	m.streams[streamID] = s
	return s, nil
}

func (m *Manager) connect(ctx context.Context, s *stream) bool {
	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"stream": s.id})

	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return true
	}
	if !s.breaker.Allow() {
		s.state = StateDisconnected
		s.mu.Unlock()
		log.Debug("circuit open, skipping connect")
		return false
	}
	if s.state != StateReconnecting {
		s.state = StateConnecting
	}
	url := s.url
	s.mu.Unlock()

	conn, err := m.dial(ctx, url)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.errorCount++
		s.mu.Unlock()
		s.breaker.RecordFailure()
		metrics.ReportLimitFromMessage(m.log, s.id, err.Error())
		log.WithError(err).WithField("url", url).Warn("failed to connect to stream")
		return false
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		conn.Close()
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.awaitingFirst = true
	s.lastMessage = m.now()
	s.mu.Unlock()

	log.WithField("url", url).Info("stream connected")
	go m.receive(s, conn)
	return true
}

func (m *Manager) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	if err := m.limiter.Wait(dialCtx); err != nil {
		return nil, fmt.Errorf("dial throttled: %w", err)
	}
	conn, resp, err := m.dialer.DialContext(dialCtx, url, nil)
	metrics.ReportUsedWeight(m.log, resp, url)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

func (m *Manager) receive(s *stream, conn *websocket.Conn) {
	defer m.wg.Done()
	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"stream": s.id})

	stopKeepalive := m.keepalive(conn, log)
	var readErr error
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		m.dispatch(s, msg, log)
	}
	stopKeepalive()
	conn.Close()

	if !s.detach(conn) {
		// Force-closed by the monitor or by Stop; whoever closed it owns recovery.
		return
	}
	if m.ctx.Err() != nil {
		return
	}

	s.breaker.RecordFailure()
	metrics.ReportLimitFromMessage(m.log, s.id, readErr.Error())
	log.WithError(readErr).Warn("stream read loop ended, reconnecting")
	m.Reconnect(m.ctx, s.id)
}

func (m *Manager) dispatch(s *stream, msg []byte, log *logger.Entry) {
	s.mu.Lock()
	s.lastMessage = m.now()
	s.messages++
	first := s.awaitingFirst
	if first {
		s.awaitingFirst = false
		s.reconnectCount = 0
	}
	handler := s.handler
	s.mu.Unlock()

	if first {
		s.breaker.RecordSuccess()
	}

	err := handler.Handle(m.ctx, s.id, msg)
	switch {
	case err == nil:
	case resilience.IsDataValidation(err):
		metrics.EmitDropMetric(m.log, metrics.DropMetricInvalidPayload, 1, s.id, "decode")
		log.WithError(err).Debug("dropping invalid message")
	default:
		s.mu.Lock()
		s.errorCount++
		s.mu.Unlock()
		log.WithError(err).Warn("stream handler failed")
	}
}

// keepalive pings conn every PingInterval and closes it once the manager
// stops, which unblocks the read loop.
func (m *Manager) keepalive(conn *websocket.Conn, log *logger.Entry) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-m.ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					conn.Close()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Reconnect retries streamID with backoff for up to Retry.MaxRetries
// consecutive attempts. It gives up early when the breaker refuses.
func (m *Manager) Reconnect(ctx context.Context, streamID string) bool {
	s := m.stream(streamID)
	if s == nil {
		return false
	}
	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{"stream": streamID})

	s.mu.Lock()
	if s.reconnecting || s.state == StateConnected || s.state == StateConnecting {
		connected := s.state == StateConnected
		s.mu.Unlock()
		return connected
	}
	s.reconnecting = true
	s.state = StateReconnecting
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		if s.state == StateReconnecting {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
	}()

	attempts := m.cfg.Retry.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	// An episode also ends when the manager stops.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(m.ctx, cancel)
	defer stopWatch()

	reconnects := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.reconnectCount
	}
	if err := resilience.Sleep(ctx, m.cfg.Retry.Delay(reconnects())); err != nil {
		return false
	}

	_, err := backoff.Retry(ctx, func() (int, error) {
		s.mu.Lock()
		s.reconnectCount++
		s.totalReconnects++
		attempt := s.reconnectCount
		s.state = StateReconnecting
		s.mu.Unlock()
		logger.IncrementReconnect()

		log.WithField("attempt", attempt).Info("reconnecting stream")
		if m.connect(ctx, s) {
			return attempt, nil
		}
		if s.breaker.State() == resilience.StateOpen {
			return attempt, backoff.Permanent(resilience.ErrCircuitOpen)
		}
		return attempt, errReconnectFailed
	},
		backoff.WithBackOff(m.cfg.Retry.BackOff(reconnects)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(_ error, delay time.Duration) {
			log.WithField("delay", delay.String()).Debug("next reconnect scheduled")
		}),
	)
	switch {
	case err == nil:
		return true
	case errors.Is(err, resilience.ErrCircuitOpen):
		log.Warn("circuit open, leaving stream disconnected until the breaker admits a trial")
	case ctx.Err() != nil:
		log.Debug("reconnect cancelled")
	default:
		log.WithField("attempts", attempts).Warn("reconnect attempts exhausted")
	}
	return false
}

// RunMonitor checks every stream each MonitorInterval until ctx is done:
// silent connected streams are force-closed and reconnected, idle
// disconnected streams are reconnected.
func (m *Manager) RunMonitor(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			m.checkStreams()
		}
	}
}

func (m *Manager) checkStreams() {
	now := m.now()
	for _, s := range m.snapshotStreams() {
		s.mu.Lock()
		state, conn, last, busy := s.state, s.conn, s.lastMessage, s.reconnecting
		s.mu.Unlock()

		switch {
		case state == StateConnected && now.Sub(last) > m.cfg.SilenceThreshold:
			if !s.detach(conn) {
				continue
			}
			s.breaker.RecordFailure()
			m.log.WithComponent("stream_manager").WithFields(logger.Fields{
				"stream":  s.id,
				"silence": now.Sub(last).String(),
			}).Warn("stream silent, forcing reconnect")
			conn.Close()
			m.spawnReconnect(s.id)
		case state == StateDisconnected && !busy:
			m.spawnReconnect(s.id)
		}
	}
}

func (m *Manager) spawnReconnect(streamID string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		m.Reconnect(m.ctx, streamID)
	}()
}

// Stop cancels every stream, closes every socket and waits up to grace for
// the goroutines to exit.
func (m *Manager) Stop(grace time.Duration) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	for _, s := range m.snapshotStreams() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.WithComponent("stream_manager").Info("all streams stopped")
		return nil
	case <-time.After(grace):
		m.log.WithComponent("stream_manager").WithField("grace", grace.String()).Warn("stream shutdown exceeded grace period")
		return fmt.Errorf("stream manager did not stop within %s", grace)
	}
}

// Streams returns snapshots ordered by stream ID.
func (m *Manager) Streams() []StreamSnapshot {
	streams := m.snapshotStreams()
	out := make([]StreamSnapshot, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) stream(id string) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[id]
}

func (m *Manager) snapshotStreams() []*stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	return out
}

func (m *Manager) logBreakerChange(name string, from, to resilience.State) {
	entry := m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"breaker": name,
		"from":    from.String(),
		"to":      to.String(),
	})
	if to == resilience.StateOpen {
		entry.Warn("circuit breaker opened")
		return
	}
	entry.Info("circuit breaker state changed")
}
