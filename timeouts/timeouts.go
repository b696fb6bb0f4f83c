// Package timeouts estimates how long circuit builds should be allowed to
// take. Build times are modelled as Pareto distributed, fitted separately
// for each circuit length from recent successful and abandoned builds.
package timeouts

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cvsouth/tor-circmgr/netdir"
)

// MaxHops is the longest circuit the estimator keeps samples for.
const MaxHops = 8

// referenceLength is the length whose estimate is scaled when a length has
// too few samples of its own.
const referenceLength = 3

// maxTimeout caps estimates from badly fitted distributions.
const maxTimeout = 10 * time.Minute

// Action describes the operation a timeout is wanted for.
type Action struct {
	// Length is the number of hops in the circuit being built.
	Length int
}

// BuildCircuit returns the action of building a circuit with length hops.
func BuildCircuit(length int) Action {
	return Action{Length: length}
}

// Estimator supplies soft and hard build timeouts and learns from outcomes.
// Implementations must be safe for concurrent use.
type Estimator interface {
	// Timeouts returns the soft timeout after which the caller gives up
	// and the hard timeout after which the build itself is abandoned.
	// 0 < soft <= hard always holds.
	Timeouts(a Action) (soft, hard time.Duration)
	// NoteHopCompleted records that hop (0-based) finished elapsed after
	// the build started.
	NoteHopCompleted(hop int, elapsed time.Duration, isLast bool)
	// NoteCircTimeout records that a build was abandoned after hopsBuilt
	// hops had completed and elapsed had passed.
	NoteCircTimeout(hopsBuilt int, elapsed time.Duration)
	// UpdateParams applies consensus parameters.
	UpdateParams(p netdir.NetParameters)
}

// Stats summarises the estimator's view of one circuit length.
type Stats struct {
	Length    int
	Samples   int
	Completed uint64
	TimedOut  uint64
	Estimated bool
	Soft      time.Duration
	Hard      time.Duration
}

// Pareto is the default Estimator.
type Pareto struct {
	mu        sync.Mutex
	base      Params
	params    Params
	hist      [MaxHops + 1]*history
	completed [MaxHops + 1]uint64
	timedOut  [MaxHops + 1]uint64
	logger    *slog.Logger
}

var _ Estimator = (*Pareto)(nil)

// NewPareto creates an estimator with no history.
func NewPareto(params Params, logger *slog.Logger) *Pareto {
	if logger == nil {
		logger = slog.Default()
	}
	params = params.Fixup()
	e := &Pareto{base: params, params: params, logger: logger}
	for i := range e.hist {
		e.hist[i] = newHistory(params.HistorySize)
	}
	return e
}

// Params returns the parameters currently in effect.
func (e *Pareto) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// UpdateParams re-derives the parameters from the configured base and np.
func (e *Pareto) UpdateParams(np netdir.NetParameters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = e.base.WithNetParameters(np)
	e.logger.Debug("circuit timeout parameters updated",
		"quantile", e.params.Quantile,
		"close_quantile", e.params.CloseQuantile,
		"min_circs", e.params.MinCircsForEstimate,
		"disabled", e.params.Disabled)
}

func (e *Pareto) NoteHopCompleted(hop int, elapsed time.Duration, isLast bool) {
	n := hop + 1
	if n < 1 || n > MaxHops || elapsed < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hist[n].add(Observation{Elapsed: elapsed})
	if isLast {
		e.completed[n]++
	}
}

// NoteCircTimeout records an abandoned build as a censored sample for every
// length it did not reach: reaching any of hopsBuilt+1 through MaxHops hops
// would have taken longer than elapsed.
func (e *Pareto) NoteCircTimeout(hopsBuilt int, elapsed time.Duration) {
	first := hopsBuilt + 1
	if first < 1 || first > MaxHops || elapsed < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for n := first; n <= MaxHops; n++ {
		e.hist[n].add(Observation{Elapsed: elapsed, Censored: true})
		e.timedOut[n]++
	}
}

func (e *Pareto) Timeouts(a Action) (soft, hard time.Duration) {
	length := min(max(a.Length, 1), MaxHops)
	e.mu.Lock()
	defer e.mu.Unlock()
	soft, hard, _ = e.timeoutsLocked(length)
	return soft, hard
}

func (e *Pareto) timeoutsLocked(length int) (soft, hard time.Duration, estimated bool) {
	p := e.params
	scale := float64(length) / referenceLength

	var dist pareto
	var ok bool
	if !p.Disabled {
		if dist, ok = e.hist[length].fit(p.MinCircsForEstimate, p.NumXmModes); ok {
			scale = 1
		} else if length != referenceLength {
			dist, ok = e.hist[referenceLength].fit(p.MinCircsForEstimate, p.NumXmModes)
		}
	}

	if ok {
		soft = e.clamp(dist.quantile(p.Quantile) * scale)
		hard = e.clamp(dist.quantile(p.CloseQuantile) * scale)
	} else {
		soft = e.clamp(millis(p.InitialTimeout) * scale)
		hard = soft
	}
	return soft, max(soft, hard), ok
}

func (e *Pareto) clamp(ms float64) time.Duration {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms > millis(maxTimeout) {
		return maxTimeout
	}
	return max(time.Duration(ms*float64(time.Millisecond)), e.params.MinTimeout)
}

// Stats reports per-length sample counts and current timeouts for lengths
// 1 through MaxHops.
func (e *Pareto) Stats() []Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Stats, 0, MaxHops)
	for n := 1; n <= MaxHops; n++ {
		soft, hard, ok := e.timeoutsLocked(n)
		out = append(out, Stats{
			Length:    n,
			Samples:   len(e.hist[n].obs),
			Completed: e.completed[n],
			TimedOut:  e.timedOut[n],
			Estimated: ok,
			Soft:      soft,
			Hard:      hard,
		})
	}
	return out
}
