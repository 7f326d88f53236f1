// Package momentum implements the Momentum (SURF) Engine (§4.4): builds
// position in the direction of a sustained move, splits each fill into a
// scalp bucket (round-trip limit close) and a core bucket (averaged
// inventory), and auto-deleverages when core notional hits a configured cap.
package momentum

import (
	"github.com/shopspring/decimal"
)

// Profile tunes the sizing/gating behavior of one momentum instance. It is
// auto-detected from the symbol when the caller doesn't specify one.
type Profile struct {
	Name             string
	TrailPct         decimal.Decimal
	StepPct          decimal.Decimal
	MinActivationAmp decimal.Decimal
	VolOffsetBps     decimal.Decimal
	ScalpRatio       decimal.Decimal
	SpreadOffsetPct  decimal.Decimal
	BezierMaxPump    decimal.Decimal
	MaxMultiplier    decimal.Decimal
	HWMJumpMax       decimal.Decimal
	MaxFillsPerHour  int
	BaseQty          decimal.Decimal
}

var largeCapProfile = Profile{
	Name:             "large_cap",
	TrailPct:         decimal.NewFromFloat(0.5),
	StepPct:          decimal.NewFromFloat(0.3),
	MinActivationAmp: decimal.NewFromFloat(0.8),
	VolOffsetBps:     decimal.NewFromFloat(5),
	ScalpRatio:       decimal.NewFromFloat(0.4),
	SpreadOffsetPct:  decimal.NewFromFloat(0.1),
	BezierMaxPump:    decimal.NewFromFloat(5),
	MaxMultiplier:    decimal.NewFromFloat(3),
	HWMJumpMax:       decimal.NewFromFloat(2),
	MaxFillsPerHour:  30,
	BaseQty:          decimal.NewFromFloat(0.01),
}

var midCapProfile = Profile{
	Name:             "mid_cap",
	TrailPct:         decimal.NewFromFloat(1.0),
	StepPct:          decimal.NewFromFloat(0.6),
	MinActivationAmp: decimal.NewFromFloat(1.5),
	VolOffsetBps:     decimal.NewFromFloat(10),
	ScalpRatio:       decimal.NewFromFloat(0.5),
	SpreadOffsetPct:  decimal.NewFromFloat(0.2),
	BezierMaxPump:    decimal.NewFromFloat(8),
	MaxMultiplier:    decimal.NewFromFloat(4),
	HWMJumpMax:       decimal.NewFromFloat(3),
	MaxFillsPerHour:  40,
	BaseQty:          decimal.NewFromFloat(1),
}

var smallCapProfile = Profile{
	Name:             "small_cap",
	TrailPct:         decimal.NewFromFloat(2.0),
	StepPct:          decimal.NewFromFloat(1.2),
	MinActivationAmp: decimal.NewFromFloat(3.0),
	VolOffsetBps:     decimal.NewFromFloat(20),
	ScalpRatio:       decimal.NewFromFloat(0.6),
	SpreadOffsetPct:  decimal.NewFromFloat(0.4),
	BezierMaxPump:    decimal.NewFromFloat(15),
	MaxMultiplier:    decimal.NewFromFloat(5),
	HWMJumpMax:       decimal.NewFromFloat(5),
	MaxFillsPerHour:  60,
	BaseQty:          decimal.NewFromFloat(10),
}

var profilesByName = map[string]Profile{
	largeCapProfile.Name: largeCapProfile,
	midCapProfile.Name:   midCapProfile,
	smallCapProfile.Name: smallCapProfile,
}

// largeCaps are detected by symbol regardless of current price tier.
var largeCaps = map[string]bool{
	"BTC-USDT-PERP": true,
	"ETH-USDT-PERP": true,
}

// DetectProfile picks a profile by symbol, falling back to a price-tier
// heuristic for everything that isn't BTC/ETH.
func DetectProfile(symbol string, referencePrice decimal.Decimal) Profile {
	if largeCaps[symbol] {
		return largeCapProfile
	}
	switch {
	case referencePrice.GreaterThan(decimal.NewFromInt(100)):
		return midCapProfile
	default:
		return smallCapProfile
	}
}

// ProfileByName looks up a profile by its configured name, used when a
// caller pins a profile explicitly instead of relying on auto-detection.
func ProfileByName(name string) (Profile, bool) {
	p, ok := profilesByName[name]
	return p, ok
}
