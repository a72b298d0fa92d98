// Package scoring turns a finalized answer into points.
package scoring

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rules configure the score of a correct answer:
//
//	bonus = max(0, BonusCap - latency * DecayRate)
//	score = round(BaseAward + bonus)
//
// Latency is clamped to [0, time limit]. A zero DecayRate spreads the bonus over the time limit so that it
// reaches zero exactly at the deadline.
type Rules struct {
	BaseAward int64   `mapstructure:"base_award"`
	BonusCap  int64   `mapstructure:"bonus_cap"`
	DecayRate float64 `mapstructure:"decay_rate"` // points per second
}

// Default are the rules of the original game: 1000 points plus up to 1000 bonus losing 50 points per second.
var Default = Rules{
	BaseAward: 1000,
	BonusCap:  1000,
	DecayRate: 50,
}

// Score is deterministic and side-effect free. Incorrect answers score 0.
func (r Rules) Score(correct bool, latency, limit time.Duration) int64 {
	if !correct {
		return 0
	}

	if latency < 0 {
		latency = 0
	}
	if limit > 0 && latency > limit {
		latency = limit
	}

	secs := decimal.NewFromInt(latency.Milliseconds()).Div(decimal.NewFromInt(1000))

	rate := decimal.NewFromFloat(r.DecayRate)
	if r.DecayRate == 0 && limit > 0 {
		rate = decimal.NewFromInt(r.BonusCap).Div(decimal.NewFromInt(limit.Milliseconds()).Div(decimal.NewFromInt(1000)))
	}

	bonus := decimal.NewFromInt(r.BonusCap).Sub(secs.Mul(rate))
	if bonus.IsNegative() {
		bonus = decimal.Zero
	}

	return decimal.NewFromInt(r.BaseAward).Add(bonus).Round(0).IntPart()
}
