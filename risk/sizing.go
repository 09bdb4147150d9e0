package risk

import (
	"math"

	"streamguard/logger"
)

const (
	halfKelly    = 0.5
	defaultLevel = "medium"
)

// kellyInputs returns the win rate and win/loss ratio, taken from recorded
// outcomes once enough trades are known and from configuration otherwise.
func (m *Manager) kellyInputs() (winRate, ratio float64) {
	s := m.state
	winRate, ratio = m.cfg.WinRate, m.cfg.WinLossRatio

	n := s.Wins + s.Losses
	if n == 0 || n < m.cfg.KellyMinTrades {
		return winRate, ratio
	}
	winRate = float64(s.Wins) / float64(n)
	switch {
	case s.Wins == 0:
		ratio = 1
	case s.Losses == 0 || s.GrossLoss == 0:
		ratio = math.Inf(1)
	default:
		ratio = (s.GrossWin / float64(s.Wins)) / (s.GrossLoss / float64(s.Losses))
	}
	return winRate, ratio
}

func kellyFraction(winRate, ratio float64) float64 {
	if ratio <= 0 {
		return 0
	}
	if math.IsInf(ratio, 1) {
		return winRate
	}
	return winRate - (1-winRate)/ratio
}

// CalculatePositionSize returns the Half-Kelly amount of pair to trade at
// price, scaled by the multiplier of level and capped at risk_per_trade of
// the balance. An unknown level uses the medium multiplier.
func (m *Manager) CalculatePositionSize(pair string, price float64, level string) float64 {
	if !validAmount(price) {
		return 0
	}

	m.mu.Lock()
	winRate, ratio := m.kellyInputs()
	balance := m.state.CurrentBalance
	m.mu.Unlock()

	kelly := kellyFraction(winRate, ratio)
	if kelly <= 0 || balance <= 0 {
		return 0
	}

	mult, ok := m.cfg.RiskLevels[level]
	if !ok {
		mult, ok = m.cfg.RiskLevels[defaultLevel]
		if !ok {
			mult = 1
		}
		m.log.WithComponent(component).WithFields(logger.Fields{"pair": pair, "level": level}).Debug("unknown risk level, using default multiplier")
	}

	fraction := math.Min(kelly*halfKelly*mult, m.cfg.RiskPerTrade)
	amount := balance * fraction / price
	if amount < m.cfg.MinTradeAmount {
		amount = m.cfg.MinTradeAmount
	}
	if amount > m.cfg.MaxTradeAmount {
		amount = m.cfg.MaxTradeAmount
	}
	return amount
}
