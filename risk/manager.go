// Package risk gates order placement on drawdown, kill switch, circuit breaker
// and daily trade limits, and sizes positions with Half-Kelly.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	appconfig "streamguard/config"
	"streamguard/internal/bus"
	"streamguard/internal/cache"
	"streamguard/internal/metrics"
	"streamguard/internal/position"
	"streamguard/internal/resilience"
	"streamguard/logger"
)

const (
	component = "risk_manager"

	// warningRatio of max_drawdown raises a DrawdownWarning.
	warningRatio = 0.8
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for day rollover and recovery timing.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCache mirrors the risk state into store under risk.state_key.
func WithCache(store cache.Store) Option {
	return func(m *Manager) { m.cache = store }
}

// WithBus publishes risk events and receives control commands on b.
func WithBus(b bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithPositions makes store the primary source of open positions.
func WithPositions(store position.Store) Option {
	return func(m *Manager) { m.positions = store }
}

// Manager owns one RiskState. Every operation runs on the caller's goroutine
// under a mutex; cache, bus and position store calls happen outside it.
type Manager struct {
	cfg    appconfig.RiskConfig
	levels []appconfig.TakeProfitLevel

	cache        cache.Store
	cacheBreaker *resilience.CircuitBreaker
	bus          bus.Bus
	positions    position.Store
	posFallback  *resilience.Fallback[string, *position.Position]

	now func() time.Time
	log *logger.Log

	mu         sync.Mutex
	state      State
	resetTimer *time.Timer
	resetGen   uint64

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager builds a manager with a fresh state. breaker configures the
// breaker guarding cache writes. Call Init to restore mirrored state.
func NewManager(cfg appconfig.RiskConfig, breaker resilience.BreakerConfig, opts ...Option) *Manager {
	levels := append([]appconfig.TakeProfitLevel(nil), cfg.TakeProfitLevels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Threshold < levels[j].Threshold })

	m := &Manager{
		cfg:         cfg,
		levels:      levels,
		posFallback: resilience.NewFallback[string, *position.Position](cfg.PositionMaxAge),
		now:         time.Now,
		log:         logger.GetLogger(),
		state:       newState(),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cacheBreaker = resilience.NewCircuitBreaker("risk_cache", breaker,
		resilience.WithClock(m.now),
		resilience.WithStateChange(func(name string, from, to resilience.State) {
			m.log.WithComponent(component).WithFields(logger.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("cache breaker changed state")
		}))
	return m
}

// Init restores state from the cache. A missing or unreadable mirror leaves
// a fresh state; the manager then runs local-only until the cache returns.
func (m *Manager) Init(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	var raw []byte
	err := m.cacheBreaker.Execute(func() error {
		var err error
		raw, err = m.cache.Get(ctx, m.cfg.StateKey)
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.WithComponent(component).WithError(err).Warn("risk state not restored, starting fresh")
		return nil
	}
	if raw == nil {
		return nil
	}

	restored := newState()
	if err := json.Unmarshal(raw, &restored); err != nil {
		m.log.WithComponent(component).WithError(err).Warn("cached risk state is corrupt, starting fresh")
		return nil
	}
	if restored.DailyTradeCount == nil {
		restored.DailyTradeCount = make(map[string]int)
	}
	if restored.Positions == nil {
		restored.Positions = make(map[string]PositionState)
	}

	m.mu.Lock()
	m.state = restored
	if restored.CircuitBreakerActive {
		if wait := restored.CircuitBreakerUntil.Sub(m.now()); wait > 0 {
			m.scheduleResetLocked(wait)
		}
	}
	m.mu.Unlock()

	m.log.WithComponent(component).WithFields(logger.Fields{
		"kill_switch":     restored.KillSwitchActive,
		"circuit_breaker": restored.CircuitBreakerActive,
		"peak_balance":    restored.PeakBalance,
		"balance":         restored.CurrentBalance,
	}).Info("risk state restored")
	return nil
}

// Close stops the recovery timer and the control loop. It is idempotent.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	m.mu.Unlock()
	return nil
}

// UpdateBalance records a new account balance. It moves the peak, trips the
// kill switch past max_drawdown, warns near it, and triggers the circuit
// breaker when the drop from the previous balance exceeds its threshold.
func (m *Manager) UpdateBalance(ctx context.Context, balance float64) error {
	if math.IsNaN(balance) || math.IsInf(balance, 0) || balance < 0 {
		return fmt.Errorf("invalid balance %v", balance)
	}
	now := m.now()

	m.mu.Lock()
	var events []Event
	s := &m.state
	previous := s.CurrentBalance
	s.PreviousBalance = previous
	s.CurrentBalance = balance
	if balance > s.PeakBalance {
		s.PeakBalance = balance
	}
	drawdown := s.drawdown()

	switch {
	case drawdown > m.cfg.MaxDrawdown:
		if !s.KillSwitchActive {
			s.KillSwitchActive = true
			s.KillSwitchReason = fmt.Sprintf("max drawdown exceeded: %.4f", drawdown)
			events = append(events, MaxDrawdownExceeded{Drawdown: drawdown, Balance: balance, Peak: s.PeakBalance})
		}
		s.DrawdownWarned = true
	case drawdown > m.cfg.MaxDrawdown*warningRatio:
		if !s.DrawdownWarned {
			s.DrawdownWarned = true
			events = append(events, DrawdownWarning{Drawdown: drawdown, Threshold: m.cfg.MaxDrawdown * warningRatio, Balance: balance})
		}
	default:
		s.DrawdownWarned = false
	}

	if previous > 0 && !s.CircuitBreakerActive {
		if drop := (previous - balance) / previous; drop > m.cfg.CircuitBreakerThreshold {
			s.CircuitBreakerActive = true
			s.CircuitBreakerUntil = now.Add(m.cfg.RecoveryTime)
			m.scheduleResetLocked(m.cfg.RecoveryTime)
			events = append(events, CircuitBreakerTriggered{
				Drop:     drop,
				Balance:  balance,
				Previous: previous,
				Until:    s.CircuitBreakerUntil,
			})
		}
	}
	s.UpdatedAt = now
	snapshot := s.clone()
	m.mu.Unlock()

	metrics.EmitMetric(m.log, component, "drawdown", drawdown, "gauge", logger.Fields{"unit": "None"})
	m.persist(ctx, snapshot)
	m.publish(ctx, events...)
	return nil
}

// CheckTradeAllowed evaluates an order intent against the in-memory state.
// Infrastructure failures never change the outcome.
func (m *Manager) CheckTradeAllowed(ctx context.Context, pair string, side Side, amount, price float64) Decision {
	now := m.now()
	if !validAmount(amount) || !validAmount(price) || (side != SideBuy && side != SideSell) {
		return m.denied(ctx, pair, side, amount, price, nil,
			deny(ReasonInvalidOrder, "invalid order: side=%q amount=%v price=%v", side, amount, price))
	}

	m.mu.Lock()
	events := m.housekeepLocked(now)
	var d *Decision
	switch {
	case m.state.KillSwitchActive:
		r := deny(ReasonKillSwitch, "kill switch active: %s", m.state.KillSwitchReason)
		d = &r
	case m.state.CircuitBreakerActive:
		r := deny(ReasonCircuitBreaker, "circuit breaker active until %s", m.state.CircuitBreakerUntil.Format(time.RFC3339))
		d = &r
	default:
		today := dayKey(now)
		if count := m.state.DailyTradeCount[today]; count >= m.cfg.DailyTradeLimit {
			r := deny(ReasonDailyLimit, "daily trade limit reached: %d/%d", count, m.cfg.DailyTradeLimit)
			d = &r
			if m.state.LimitNotified != today {
				m.state.LimitNotified = today
				events = append(events, DailyLimitReached{Date: today, Count: count, Limit: m.cfg.DailyTradeLimit})
			}
		}
	}
	var snapshot *State
	if len(events) > 0 {
		s := m.state.clone()
		snapshot = &s
	}
	m.mu.Unlock()

	if snapshot != nil {
		m.persist(ctx, *snapshot)
	}
	if d != nil {
		return m.denied(ctx, pair, side, amount, price, events, *d)
	}
	m.publish(ctx, events...)

	if side == SideSell {
		return m.evaluateExit(ctx, pair, side, amount, price)
	}
	return allow()
}

// evaluateExit applies stop-loss and the take-profit ladder to a sell
// against an existing position.
func (m *Manager) evaluateExit(ctx context.Context, pair string, side Side, amount, price float64) Decision {
	pos, ok := m.position(ctx, pair)
	if !ok || pos.Amount <= 0 || pos.AvgPrice <= 0 {
		return allow()
	}
	profit := (price - pos.AvgPrice) / pos.AvgPrice

	if profit < -m.cfg.StopLossPct {
		ev := StopLossTriggered{
			Pair:         pair,
			Price:        price,
			AvgPrice:     pos.AvgPrice,
			ProfitPct:    profit,
			AutoExecuted: m.cfg.AutoStopLoss,
		}
		if m.cfg.AutoStopLoss {
			m.publish(ctx, ev)
			return Decision{Allowed: true, ExitAdvised: true}
		}
		d := deny(ReasonStopLoss, "stop loss hit: %.4f below entry %.8f", -profit, pos.AvgPrice)
		d.ExitAdvised = true
		return m.denied(ctx, pair, side, amount, price, []Event{ev}, d)
	}

	d := allow()
	for i := len(m.levels) - 1; i >= 0; i-- {
		lvl := m.levels[i]
		if profit < lvl.Threshold {
			continue
		}
		advice := TakeProfitAdvice{
			Threshold:       lvl.Threshold,
			Fraction:        lvl.Fraction,
			SuggestedAmount: pos.Amount * lvl.Fraction,
			Execute:         m.cfg.AutoTakeProfit,
		}
		d.TakeProfit = &advice
		m.publish(ctx, TakeProfitSignal{
			Pair:      pair,
			Price:     price,
			AvgPrice:  pos.AvgPrice,
			ProfitPct: profit,
			Advice:    advice,
		})
		break
	}
	return d
}

func (m *Manager) denied(ctx context.Context, pair string, side Side, amount, price float64, events []Event, d Decision) Decision {
	logger.IncrementRiskDenial()
	m.log.WithComponent(component).WithFields(logger.Fields{
		"pair":   pair,
		"side":   string(side),
		"amount": amount,
		"price":  price,
		"reason": string(d.Reason),
	}).Warn(d.Message)
	events = append(events, TradeDenied{Pair: pair, Side: side, Amount: amount, Price: price, Reason: d.Reason})
	m.publish(ctx, events...)
	return d
}

// RecordTrade counts a fill against today's limit and updates the position.
// PnL on sells feeds the Kelly statistics.
func (m *Manager) RecordTrade(ctx context.Context, pair string, side Side, amount, price float64) error {
	if !validAmount(amount) || !validAmount(price) {
		return fmt.Errorf("invalid trade %s amount=%v price=%v", pair, amount, price)
	}
	if side != SideBuy && side != SideSell {
		return fmt.Errorf("invalid trade side %q", side)
	}
	now := m.now()

	m.mu.Lock()
	events := m.housekeepLocked(now)
	m.state.DailyTradeCount[dayKey(now)]++

	p := m.state.Positions[pair]
	delta := amount
	switch side {
	case SideBuy:
		total := p.Amount + amount
		p.AvgPrice = (p.Amount*p.AvgPrice + amount*price) / total
		p.Amount = total
	case SideSell:
		delta = -amount
		if p.Amount > 0 && p.AvgPrice > 0 {
			closed := math.Min(amount, p.Amount)
			pnl := (price - p.AvgPrice) * closed
			switch {
			case pnl > 0:
				m.state.Wins++
				m.state.GrossWin += pnl
			case pnl < 0:
				m.state.Losses++
				m.state.GrossLoss -= pnl
			}
		}
		p.Amount -= amount
		if p.Amount <= 0 {
			p = PositionState{}
		}
	}
	if p.Amount > 0 {
		m.state.Positions[pair] = p
	} else {
		delete(m.state.Positions, pair)
	}
	m.state.UpdatedAt = now
	snapshot := m.state.clone()
	m.mu.Unlock()

	m.storePosition(ctx, pair, delta, price)
	m.persist(ctx, snapshot)
	m.publish(ctx, events...)
	return nil
}

// ActivateKillSwitch blocks all trading until deactivated.
func (m *Manager) ActivateKillSwitch(ctx context.Context, reason string) {
	m.setKillSwitch(ctx, true, reason)
}

// DeactivateKillSwitch lifts a manual or drawdown kill switch.
func (m *Manager) DeactivateKillSwitch(ctx context.Context, reason string) {
	m.setKillSwitch(ctx, false, reason)
}

// setKillSwitch always publishes. State is only touched, and only
// persisted, when the switch actually flips.
func (m *Manager) setKillSwitch(ctx context.Context, active bool, reason string) {
	m.mu.Lock()
	changed := m.state.KillSwitchActive != active
	var snapshot State
	if changed {
		m.state.KillSwitchActive = active
		if active {
			m.state.KillSwitchReason = reason
		} else {
			m.state.KillSwitchReason = ""
		}
		m.state.UpdatedAt = m.now()
		snapshot = m.state.clone()
	}
	m.mu.Unlock()

	entry := m.log.WithComponent(component).WithField("reason", reason)
	var ev Event = KillSwitchDeactivated{Reason: reason}
	if active {
		ev = KillSwitchActivated{Reason: reason}
	}
	switch {
	case !changed:
		entry.WithField("active", active).Debug("kill switch already in requested state")
	case active:
		entry.Warn("kill switch activated")
	default:
		entry.Info("kill switch deactivated")
	}
	if changed {
		m.persist(ctx, snapshot)
	}
	m.publish(ctx, ev)
}

// Status returns a point-in-time snapshot for reporting.
func (m *Manager) Status() Status {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	return Status{
		KillSwitchActive:     s.KillSwitchActive,
		KillSwitchReason:     s.KillSwitchReason,
		CircuitBreakerActive: s.CircuitBreakerActive && now.Before(s.CircuitBreakerUntil),
		CircuitBreakerUntil:  s.CircuitBreakerUntil,
		PeakBalance:          s.PeakBalance,
		CurrentBalance:       s.CurrentBalance,
		Drawdown:             s.drawdown(),
		TradesToday:          s.DailyTradeCount[dayKey(now)],
		DailyTradeLimit:      m.cfg.DailyTradeLimit,
		Wins:                 s.Wins,
		Losses:               s.Losses,
		OpenPositions:        len(s.Positions),
		LocalOnly:            m.cache != nil && m.cacheBreaker.State() != resilience.StateClosed,
	}
}

// housekeepLocked drops counters from past days and expires an elapsed
// circuit breaker.
func (m *Manager) housekeepLocked(now time.Time) []Event {
	today := dayKey(now)
	for day := range m.state.DailyTradeCount {
		if day < today {
			delete(m.state.DailyTradeCount, day)
		}
	}
	if m.state.CircuitBreakerActive && !now.Before(m.state.CircuitBreakerUntil) {
		return []Event{m.resetCircuitBreakerLocked(now)}
	}
	return nil
}

func (m *Manager) resetCircuitBreakerLocked(now time.Time) Event {
	m.state.CircuitBreakerActive = false
	m.state.CircuitBreakerUntil = time.Time{}
	m.state.UpdatedAt = now
	m.resetGen++
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	m.log.WithComponent(component).Info("risk circuit breaker reset")
	return CircuitBreakerReset{At: now}
}

func (m *Manager) scheduleResetLocked(after time.Duration) {
	if m.resetTimer != nil {
		m.resetTimer.Stop()
	}
	m.resetGen++
	gen := m.resetGen
	m.resetTimer = time.AfterFunc(after, func() {
		m.mu.Lock()
		if gen != m.resetGen || !m.state.CircuitBreakerActive {
			m.mu.Unlock()
			return
		}
		ev := m.resetCircuitBreakerLocked(m.now())
		snapshot := m.state.clone()
		m.mu.Unlock()

		ctx := context.Background()
		m.persist(ctx, snapshot)
		m.publish(ctx, ev)
	})
}

// position prefers the shared store, then its last good answer, then the
// manager's own ledger.
func (m *Manager) position(ctx context.Context, pair string) (PositionState, bool) {
	if m.positions != nil {
		p, stale, err := m.posFallback.Get(ctx, pair, func(ctx context.Context) (*position.Position, error) {
			return m.positions.Get(ctx, pair)
		})
		switch {
		case err != nil:
			m.log.WithComponent(component).WithError(err).WithField("pair", pair).Warn("position store unavailable, using local ledger")
		case p == nil:
			return PositionState{}, false
		default:
			if stale {
				m.log.WithComponent(component).WithField("pair", pair).Warn("using last known position")
			}
			return PositionState{Amount: p.Amount.InexactFloat64(), AvgPrice: p.AvgPrice.InexactFloat64()}, true
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.Positions[pair]
	return p, ok
}

func (m *Manager) storePosition(ctx context.Context, pair string, delta, price float64) {
	if m.positions == nil {
		return
	}
	err := m.positions.Update(ctx, pair, decimal.NewFromFloat(delta), decimal.NewFromFloat(price))
	if err != nil {
		m.log.WithComponent(component).WithError(err).WithField("pair", pair).Warn("position update failed, kept locally")
		m.posFallback.Forget(pair)
		return
	}
	if p, err := m.positions.Get(ctx, pair); err == nil {
		m.posFallback.Put(pair, p)
	}
}

func (m *Manager) persist(ctx context.Context, s State) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		m.log.WithComponent(component).WithError(err).Error("failed to encode risk state")
		return
	}
	err = m.cacheBreaker.Execute(func() error {
		return m.cache.Set(ctx, m.cfg.StateKey, data, m.cfg.StateTTL)
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		m.log.WithComponent(component).WithError(err).Warn("failed to mirror risk state")
	}
}

func (m *Manager) publish(ctx context.Context, events ...Event) {
	if m.bus == nil {
		return
	}
	for _, ev := range events {
		env, err := ToEnvelope(ev, m.now())
		if err != nil {
			m.log.WithComponent(component).WithError(err).Error("failed to encode risk event")
			continue
		}
		m.bus.Publish(ctx, m.cfg.EventChannel, env)
	}
}

func validAmount(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
