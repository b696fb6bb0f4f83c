package timeouts

import (
	"cmp"
	"math"
	"slices"
	"time"
)

// binWidth is the histogram resolution used to locate the Pareto mode.
const binWidth = 10 * time.Millisecond

// Observation is one build-time sample. Censored samples come from
// abandoned builds: the true build time exceeded Elapsed.
type Observation struct {
	Elapsed  time.Duration `cbor:"elapsed"`
	Censored bool          `cbor:"censored,omitempty"`
}

// history is a bounded ring of observations for one circuit length.
type history struct {
	obs  []Observation
	next int
	size int
}

func newHistory(capacity int) *history {
	return &history{size: capacity}
}

func (h *history) add(o Observation) {
	if len(h.obs) < h.size {
		h.obs = append(h.obs, o)
		return
	}
	h.obs[h.next] = o
	h.next = (h.next + 1) % h.size
}

// ordered returns the observations oldest first.
func (h *history) ordered() []Observation {
	if len(h.obs) < h.size {
		return slices.Clone(h.obs)
	}
	return append(slices.Clone(h.obs[h.next:]), h.obs[:h.next]...)
}

func (h *history) successes() int {
	n := 0
	for _, o := range h.obs {
		if !o.Censored {
			n++
		}
	}
	return n
}

// pareto is a fitted distribution with scale xm (milliseconds) and shape alpha.
type pareto struct {
	xm    float64
	alpha float64
}

// quantile returns the build time below which a fraction q of builds finish.
func (d pareto) quantile(q float64) float64 {
	return d.xm / math.Pow(1-q, 1/d.alpha)
}

// fit estimates a Pareto distribution from h. Successful samples contribute
// their build times; censored samples contribute only the lower bound, the
// usual maximum-likelihood treatment of right-censored data.
func (h *history) fit(minSamples, numModes int) (pareto, bool) {
	if h.successes() < minSamples {
		return pareto{}, false
	}
	xm := h.mode(numModes)
	if xm <= 0 {
		return pareto{}, false
	}

	var (
		n      float64
		sumLog float64
	)
	for _, o := range h.obs {
		x := math.Max(millis(o.Elapsed), xm)
		sumLog += math.Log(x / xm)
		if !o.Censored {
			n++
		}
	}
	if sumLog <= 0 {
		return pareto{}, false
	}
	return pareto{xm: xm, alpha: n / sumLog}, true
}

// mode returns the count-weighted mean of the midpoints of the numModes most
// populated histogram bins of successful samples, in milliseconds.
func (h *history) mode(numModes int) float64 {
	bins := map[int64]int{}
	for _, o := range h.obs {
		if !o.Censored {
			bins[int64(o.Elapsed/binWidth)]++
		}
	}
	type bin struct {
		idx   int64
		count int
	}
	sorted := make([]bin, 0, len(bins))
	for idx, count := range bins {
		sorted = append(sorted, bin{idx, count})
	}
	slices.SortFunc(sorted, func(a, b bin) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return cmp.Compare(a.idx, b.idx)
	})
	if len(sorted) > numModes {
		sorted = sorted[:numModes]
	}

	var weighted, total float64
	for _, b := range sorted {
		mid := (float64(b.idx) + 0.5) * millis(binWidth)
		weighted += mid * float64(b.count)
		total += float64(b.count)
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
