package backtest

import (
	"github.com/shopspring/decimal"
)

// Metrics summarises how well the stop-loss orders of a run executed.
type Metrics struct {
	fills  []Fill
	orders []OrderOutcome
}

// NewMetrics creates a new metrics calculator.
func NewMetrics(result *Result) *Metrics {
	return &Metrics{
		fills:  result.Fills,
		orders: result.Orders,
	}
}

// TotalVolume is the volume all orders started with.
func (m *Metrics) TotalVolume() int64 {
	var total int64
	for _, o := range m.orders {
		total += o.Volume
	}
	return total
}

// FilledVolume is the volume sold across all fills.
func (m *Metrics) FilledVolume() int64 {
	var total int64
	for _, f := range m.fills {
		total += f.Volume
	}
	return total
}

// FillRatio is FilledVolume over TotalVolume.
func (m *Metrics) FillRatio() decimal.Decimal {
	total := m.TotalVolume()
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(m.FilledVolume()).Div(decimal.NewFromInt(total))
}

// AvgFillPrice is the volume-weighted price of all fills.
func (m *Metrics) AvgFillPrice() decimal.Decimal {
	filled := m.FilledVolume()
	if filled == 0 {
		return decimal.Zero
	}
	notional := decimal.Zero
	for _, f := range m.fills {
		notional = notional.Add(f.Price.Mul(decimal.NewFromInt(f.Volume)))
	}
	return notional.Div(decimal.NewFromInt(filled))
}

// Shortfall is the value given up by selling below the stop price:
// sum of (stop - fill) * volume. Fills above the stop count negative.
func (m *Metrics) Shortfall() decimal.Decimal {
	total := decimal.Zero
	for _, f := range m.fills {
		total = total.Add(f.StopPrice.Sub(f.Price).Mul(decimal.NewFromInt(f.Volume)))
	}
	return total
}

// WorstSlippage is the largest per-unit shortfall of any fill.
func (m *Metrics) WorstSlippage() decimal.Decimal {
	worst := decimal.Zero
	for _, f := range m.fills {
		if s := f.StopPrice.Sub(f.Price); s.GreaterThan(worst) {
			worst = s
		}
	}
	return worst
}

// Untriggered counts orders that never sold anything.
func (m *Metrics) Untriggered() int {
	n := 0
	for _, o := range m.orders {
		if o.Remaining == o.Volume {
			n++
		}
	}
	return n
}

// Completed counts orders sold in full.
func (m *Metrics) Completed() int {
	n := 0
	for _, o := range m.orders {
		if o.Remaining == 0 {
			n++
		}
	}
	return n
}
