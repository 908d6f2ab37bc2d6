package risk

// TrailingStop is the state of a long trailing stop. The stop follows the
// high water mark at a fixed percentage or dollar distance and never moves
// down.
type TrailingStop struct {
	TrailPct      float64
	TrailDollar   float64
	HighWaterMark float64
	StopPrice     float64
}

// StopUpdate represents a stop loss update
type StopUpdate struct {
	OldStopLoss  float64
	NewStopLoss  float64
	IsTriggered  bool
	TriggerPrice float64
}

// NewTrailingStop starts trailing from the entry price
func NewTrailingStop(entry, trailPct, trailDollar float64) TrailingStop {
	t := TrailingStop{TrailPct: trailPct, TrailDollar: trailDollar, HighWaterMark: entry}
	t.StopPrice = t.stopFor(entry)
	return t
}

func (t TrailingStop) stopFor(high float64) float64 {
	if t.TrailPct > 0 {
		return high * (1 - t.TrailPct/100)
	}
	stop := high - t.TrailDollar
	if stop < 0 {
		return 0
	}
	return stop
}

// Update applies the latest price. It returns nil when nothing changed.
func (t *TrailingStop) Update(currentPrice float64) *StopUpdate {
	if currentPrice <= 0 {
		return nil
	}

	if currentPrice <= t.StopPrice {
		return &StopUpdate{
			OldStopLoss:  t.StopPrice,
			NewStopLoss:  t.StopPrice,
			IsTriggered:  true,
			TriggerPrice: currentPrice,
		}
	}

	if currentPrice <= t.HighWaterMark {
		return nil
	}
	t.HighWaterMark = currentPrice

	newStop := t.stopFor(currentPrice)
	if newStop <= t.StopPrice {
		return nil
	}
	old := t.StopPrice
	t.StopPrice = newStop
	return &StopUpdate{OldStopLoss: old, NewStopLoss: newStop}
}
