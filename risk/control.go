package risk

import (
	"context"
	"fmt"
	"time"

	"streamguard/internal/bus"
	"streamguard/internal/resilience"
	"streamguard/logger"
)

const (
	CommandKillSwitchOn  = "kill_switch_on"
	CommandKillSwitchOff = "kill_switch_off"
	CommandUpdateBalance = "update_balance"
)

// Command is what operators publish on the control channel.
type Command struct {
	Reason  string  `json:"reason,omitempty"`
	Balance float64 `json:"balance,omitempty"`
}

// NewCommand builds a control envelope.
func NewCommand(action string, cmd Command, ts time.Time) (bus.Envelope, error) {
	switch action {
	case CommandKillSwitchOn, CommandKillSwitchOff, CommandUpdateBalance:
	default:
		return bus.Envelope{}, fmt.Errorf("unknown control command %q", action)
	}
	return bus.NewEnvelope(action, cmd, ts)
}

var resubscribeDelay = 5 * time.Second

// Run consumes control commands until ctx is done or Close is called.
// Without a bus it just waits.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if m.bus == nil {
		<-ctx.Done()
		return nil
	}

	entry := m.log.WithComponent(component).WithField("channel", m.cfg.ControlChannel)
	for {
		ch, err := m.bus.Subscribe(ctx, m.cfg.ControlChannel)
		if err != nil {
			entry.WithError(err).Warn("control subscription failed")
			if resilience.Sleep(ctx, resubscribeDelay) != nil {
				return nil
			}
			continue
		}
		entry.Info("listening for risk control commands")
		for env := range ch {
			m.handleCommand(ctx, env)
		}
		if ctx.Err() != nil {
			return nil
		}
		entry.Warn("control subscription closed, resubscribing")
		if resilience.Sleep(ctx, resubscribeDelay) != nil {
			return nil
		}
	}
}

func (m *Manager) handleCommand(ctx context.Context, env bus.Envelope) {
	var cmd Command
	if err := env.Decode(&cmd); err != nil {
		m.log.WithComponent(component).WithError(err).WithField("type", env.Type).Warn("discarding malformed control command")
		return
	}
	switch env.Type {
	case CommandKillSwitchOn:
		m.ActivateKillSwitch(ctx, cmd.Reason)
	case CommandKillSwitchOff:
		m.DeactivateKillSwitch(ctx, cmd.Reason)
	case CommandUpdateBalance:
		if err := m.UpdateBalance(ctx, cmd.Balance); err != nil {
			m.log.WithComponent(component).WithError(err).Warn("rejected balance update")
		}
	default:
		m.log.WithComponent(component).WithFields(logger.Fields{"type": env.Type}).Warn("unknown control command")
	}
}
