package market

import (
	"time"

	"github.com/betforge/gamecore/internal/domain"
)

// candleBuilder folds ticks into fixed-interval OHLCV candles. It is private
// to the simulator's tick loop and needs no locking.
type candleBuilder struct {
	interval time.Duration
	current  domain.Candle
	active   bool
}

func newCandleBuilder(interval time.Duration) *candleBuilder {
	return &candleBuilder{interval: interval}
}

// Resume restores a persisted in-progress candle after a restart.
func (b *candleBuilder) Resume(c domain.Candle) {
	b.current = c
	b.active = true
}

// Apply folds a tick into the active candle. When the tick falls into a new
// interval window the previous candle is returned as closed and a fresh
// candle opens at the tick price with zero volume.
func (b *candleBuilder) Apply(now time.Time, price float64) (closed domain.Candle, didClose bool) {
	windowStart := now.Truncate(b.interval)

	if !b.active {
		b.open(windowStart, price)
		return domain.Candle{}, false
	}

	if windowStart.After(b.current.OpenTime) {
		closed = b.current
		b.open(windowStart, price)
		return closed, true
	}

	if price > b.current.High {
		b.current.High = price
	}
	if price < b.current.Low {
		b.current.Low = price
	}
	b.current.Close = price
	b.current.Volume++
	return domain.Candle{}, false
}

func (b *candleBuilder) open(openTime time.Time, price float64) {
	b.current = domain.Candle{
		OpenTime: openTime,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Volume:   0,
	}
	b.active = true
}

// Current returns the in-progress candle, if any.
func (b *candleBuilder) Current() (domain.Candle, bool) {
	return b.current, b.active
}
