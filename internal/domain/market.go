package domain

import "time"

// Trend is the direction of the most recent price move.
type Trend string

const (
	TrendUp      Trend = "up"
	TrendDown    Trend = "down"
	TrendNeutral Trend = "neutral"
)

// MarketState is the live state of the simulated price series. It is owned
// exclusively by the market simulator's tick loop and persisted after every
// tick so a restart resumes where the previous process stopped.
//
// Invariant: MinPrice <= CurrentPrice <= MaxPrice at all times, and
// PreviousPrice always holds CurrentPrice's value as of the previous tick.
type MarketState struct {
	CurrentPrice  float64   `json:"current_price"`
	PreviousPrice float64   `json:"previous_price"`
	Volatility    float64   `json:"volatility"`
	Trend         Trend     `json:"trend"`
	TickCount     int64     `json:"tick_count"`
	LastUpdate    time.Time `json:"last_update"`
}

// Candle is a fixed-interval OHLCV aggregate of the price series.
// Invariant: Low <= Open <= High and Low <= Close <= High.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   int64     `json:"volume"`
}
