package timeouts

import (
	"math"
	"time"

	"github.com/cvsouth/tor-circmgr/netdir"
)

// Params configures a Pareto estimator.
type Params struct {
	// Quantile of the fitted distribution used as the soft timeout.
	Quantile float64
	// CloseQuantile of the fitted distribution used as the hard timeout.
	CloseQuantile float64
	// MinTimeout floors every returned timeout.
	MinTimeout time.Duration
	// InitialTimeout is used for three-hop circuits until enough samples exist.
	InitialTimeout time.Duration
	// MinCircsForEstimate is the number of successful samples needed
	// before the fitted distribution is trusted.
	MinCircsForEstimate int
	// NumXmModes is the number of most populated histogram bins averaged
	// to estimate the Pareto scale.
	NumXmModes int
	// HistorySize bounds the recorded samples per circuit length.
	HistorySize int
	// Disabled turns estimation off; the initial timeout is always used.
	Disabled bool
}

// DefaultParams returns tor's circuit build timeout defaults.
func DefaultParams() Params {
	return Params{
		Quantile:            0.80,
		CloseQuantile:       0.99,
		MinTimeout:          10 * time.Millisecond,
		InitialTimeout:      60 * time.Second,
		MinCircsForEstimate: 100,
		NumXmModes:          10,
		HistorySize:         1000,
	}
}

// Fixup replaces unset or out-of-range fields with defaults.
func (p Params) Fixup() Params {
	d := DefaultParams()
	if p.Quantile <= 0 || p.Quantile >= 1 {
		p.Quantile = d.Quantile
	}
	if p.CloseQuantile <= 0 || p.CloseQuantile >= 1 {
		p.CloseQuantile = d.CloseQuantile
	}
	if p.CloseQuantile < p.Quantile {
		p.CloseQuantile = p.Quantile
	}
	if p.MinTimeout <= 0 {
		p.MinTimeout = d.MinTimeout
	}
	if p.InitialTimeout <= 0 {
		p.InitialTimeout = d.InitialTimeout
	}
	if p.InitialTimeout < p.MinTimeout {
		p.InitialTimeout = p.MinTimeout
	}
	if p.MinCircsForEstimate <= 0 {
		p.MinCircsForEstimate = d.MinCircsForEstimate
	}
	if p.NumXmModes <= 0 {
		p.NumXmModes = d.NumXmModes
	}
	if p.HistorySize <= 0 {
		p.HistorySize = d.HistorySize
	}
	if p.HistorySize < p.MinCircsForEstimate {
		p.HistorySize = p.MinCircsForEstimate
	}
	return p
}

// WithNetParameters overrides p with the consensus cbt* parameters that are
// present, clamped to the ranges tor accepts.
func (p Params) WithNetParameters(np netdir.NetParameters) Params {
	const maxMillis = math.MaxInt32

	p = p.Fixup()
	disabled := int64(0)
	if p.Disabled {
		disabled = 1
	}
	p.Disabled = np.Get("cbtdisabled", disabled, 0, 1) != 0

	q := np.Get("cbtquantile", int64(math.Round(p.Quantile*100)), 10, 99)
	p.Quantile = float64(q) / 100
	cq := np.Get("cbtclosequantile", int64(math.Round(p.CloseQuantile*100)), q, 99)
	p.CloseQuantile = float64(cq) / 100

	p.MinTimeout = np.Millis("cbtmintimeout", p.MinTimeout, 10, maxMillis)
	p.InitialTimeout = np.Millis("cbtinitialtimeout", p.InitialTimeout, p.MinTimeout.Milliseconds(), maxMillis)
	p.MinCircsForEstimate = int(np.Get("cbtmincircs", int64(p.MinCircsForEstimate), 1, int64(min(p.HistorySize, 10000))))
	p.NumXmModes = int(np.Get("cbtnummodes", int64(p.NumXmModes), 1, 20))
	return p.Fixup()
}
