package mathstat

import "math"

// tCriticalValues is a lookup of the two-sided 95% t critical value by
// degrees of freedom, covering the small-sample range a rolling MTTR
// window typically falls in; beyond the table it converges to the
// normal-distribution value 1.96 (df -> infinity).
var tCriticalValues = map[int]float64{
	1: 12.706, 2: 4.303, 3: 3.182, 4: 2.776, 5: 2.571,
	6: 2.447, 7: 2.365, 8: 2.306, 9: 2.262, 10: 2.228,
	15: 2.131, 20: 2.086, 25: 2.060, 30: 2.042, 40: 2.021,
	60: 2.000, 120: 1.980,
}

// tCriticalValue returns the two-sided 95% critical value for the given
// degrees of freedom, interpolating toward the normal approximation for
// large samples.
func tCriticalValue(df int) float64 {
	if df <= 0 {
		return tCriticalValues[1]
	}
	if v, ok := tCriticalValues[df]; ok {
		return v
	}
	if df > 120 {
		return 1.96
	}
	// linear interpolation between the nearest table entries below and above df
	keys := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 15, 20, 25, 30, 40, 60, 120}
	lo, hi := keys[0], keys[len(keys)-1]
	for _, k := range keys {
		if k <= df {
			lo = k
		}
		if k >= df && hi == keys[len(keys)-1] {
			hi = k
		}
	}
	if lo == hi {
		return tCriticalValues[lo]
	}
	frac := float64(df-lo) / float64(hi-lo)
	return tCriticalValues[lo] + frac*(tCriticalValues[hi]-tCriticalValues[lo])
}

// ConfidenceInterval95 returns the mean of samples and the half-width of
// its 95% confidence interval, computed via the t-distribution. A
// sample of size 0 or 1 returns a zero-width interval since variance is
// undefined.
func ConfidenceInterval95(samples []float64) (mean, halfWidth float64) {
	n := len(samples)
	if n == 0 {
		return 0, 0
	}
	mean = Mean(samples)
	if n == 1 {
		return mean, 0
	}
	// sample (n-1) standard deviation for the interval, distinct from
	// the population StandardDeviation used elsewhere for descriptive stats.
	var sumSq float64
	for _, v := range samples {
		d := v - mean
		sumSq += d * d
	}
	sampleVariance := sumSq / float64(n-1)
	stderr := math.Sqrt(sampleVariance) / math.Sqrt(float64(n))
	t := tCriticalValue(n - 1)
	return mean, t * stderr
}
