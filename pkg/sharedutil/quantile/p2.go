// Package quantile implements the P² streaming quantile estimator (Jain
// & Chlamtac, 1985): a fixed five-marker histogram that tracks one
// target quantile over an unbounded stream in O(1) time and space per
// observation, without retaining the samples themselves. MetricsService
// (design §4.10) keeps one Estimator per (provider, percentile) pair for
// call-latency percentiles.
package quantile

import "sort"

// Estimator tracks a single quantile (e.g. 0.5, 0.95, 0.99) over a
// stream of float64 observations. The zero value is not usable; use New.
type Estimator struct {
	p float64

	n    int
	init []float64 // buffers the first 5 observations before the markers initialize

	q   [5]float64 // marker heights
	pos [5]float64 // marker positions
	np  [5]float64 // desired marker positions
	dnp [5]float64 // increment per observation to the desired positions
}

// New builds an Estimator for quantile p, which must be in (0, 1).
func New(p float64) *Estimator {
	return &Estimator{p: p, init: make([]float64, 0, 5)}
}

// Observe feeds x into the estimator.
func (e *Estimator) Observe(x float64) {
	e.n++
	if len(e.init) < 5 {
		e.init = append(e.init, x)
		if len(e.init) == 5 {
			e.initMarkers()
		}
		return
	}

	k := e.locate(x)

	for i := k + 1; i < 5; i++ {
		e.pos[i]++
	}
	for i := 0; i < 5; i++ {
		e.np[i] += e.dnp[i]
	}

	for i := 1; i < 4; i++ {
		d := e.np[i] - e.pos[i]
		if (d >= 1 && e.pos[i+1]-e.pos[i] > 1) || (d <= -1 && e.pos[i-1]-e.pos[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			qNew := e.parabolic(i, sign)
			if e.q[i-1] < qNew && qNew < e.q[i+1] {
				e.q[i] = qNew
			} else {
				e.q[i] = e.linear(i, sign)
			}
			e.pos[i] += sign
		}
	}
}

// locate finds the cell x falls into, extending the outer markers (the
// running min/max) when x lies outside their current range.
func (e *Estimator) locate(x float64) int {
	switch {
	case x < e.q[0]:
		e.q[0] = x
		return 0
	case x < e.q[1]:
		return 0
	case x < e.q[2]:
		return 1
	case x < e.q[3]:
		return 2
	case x <= e.q[4]:
		return 3
	default:
		e.q[4] = x
		return 3
	}
}

func (e *Estimator) parabolic(i int, d float64) float64 {
	return e.q[i] + d/(e.pos[i+1]-e.pos[i-1])*
		((e.pos[i]-e.pos[i-1]+d)*(e.q[i+1]-e.q[i])/(e.pos[i+1]-e.pos[i])+
			(e.pos[i+1]-e.pos[i]-d)*(e.q[i]-e.q[i-1])/(e.pos[i]-e.pos[i-1]))
}

func (e *Estimator) linear(i int, d float64) float64 {
	j := i + int(d)
	return e.q[i] + d*(e.q[j]-e.q[i])/(e.pos[j]-e.pos[i])
}

// initMarkers seeds the five markers from the first five observations,
// sorted, with their initial positions and the desired-position
// increments for the target quantile p.
func (e *Estimator) initMarkers() {
	sorted := append([]float64(nil), e.init...)
	sort.Float64s(sorted)
	copy(e.q[:], sorted)
	for i := range e.pos {
		e.pos[i] = float64(i + 1)
	}
	e.np = [5]float64{1, 1 + 2*e.p, 1 + 4*e.p, 3 + 2*e.p, 5}
	e.dnp = [5]float64{0, e.p / 2, e.p, (1 + e.p) / 2, 1}
}

// Value returns the current quantile estimate. With fewer than 5
// observations, it returns the nearest-rank value from the buffered
// samples seen so far (0 if none).
func (e *Estimator) Value() float64 {
	if e.n < 5 {
		if len(e.init) == 0 {
			return 0
		}
		sorted := append([]float64(nil), e.init...)
		sort.Float64s(sorted)
		idx := int(e.p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return e.q[2]
}

// Count returns the number of observations seen so far.
func (e *Estimator) Count() int { return e.n }
