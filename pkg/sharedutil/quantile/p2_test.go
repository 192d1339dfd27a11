package quantile_test

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/incident-commander/coordinator/pkg/sharedutil/quantile"
)

func TestQuantile(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Quantile Suite")
}

// naivePercentile returns the nearest-rank percentile p (0,1) over a
// sorted copy of samples, used as the reference value for the P²
// approximation.
func naivePercentile(samples []float64, p float64) float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

var _ = Describe("Estimator", func() {
	It("matches the nearest-rank percentile within tolerance on a uniform stream", func() {
		rng := rand.New(rand.NewSource(42))
		samples := make([]float64, 5000)
		for i := range samples {
			samples[i] = rng.Float64() * 1000
		}

		for _, p := range []float64{0.5, 0.95, 0.99} {
			est := quantile.New(p)
			for _, s := range samples {
				est.Observe(s)
			}
			want := naivePercentile(samples, p)
			got := est.Value()
			tolerance := 0.05 * want // 5% relative tolerance
			Expect(math.Abs(got-want)).To(BeNumerically("<", tolerance+1),
				"p=%v want=%v got=%v", p, want, got)
		}
	})

	It("tracks a shifting distribution's p99 reasonably closely", func() {
		rng := rand.New(rand.NewSource(7))
		est := quantile.New(0.99)
		var samples []float64
		for i := 0; i < 3000; i++ {
			s := rng.NormFloat64()*10 + 100
			est.Observe(s)
			samples = append(samples, s)
		}
		want := naivePercentile(samples, 0.99)
		got := est.Value()
		Expect(math.Abs(got-want)).To(BeNumerically("<", want*0.1+1))
	})

	It("falls back to a nearest-rank value on the buffered samples before 5 observations", func() {
		est := quantile.New(0.5)
		Expect(est.Value()).To(Equal(0.0))
		est.Observe(10)
		est.Observe(20)
		Expect(est.Count()).To(Equal(2))
		Expect(est.Value()).To(BeNumerically(">=", 10))
		Expect(est.Value()).To(BeNumerically("<=", 20))
	})

	It("counts every observation", func() {
		est := quantile.New(0.5)
		for i := 0; i < 37; i++ {
			est.Observe(float64(i))
		}
		Expect(est.Count()).To(Equal(37))
	})

	It("handles a strictly increasing stream without panicking and stays monotonic-ish near the median", func() {
		est := quantile.New(0.5)
		for i := 1; i <= 200; i++ {
			est.Observe(float64(i))
		}
		got := est.Value()
		Expect(got).To(BeNumerically(">", 50))
		Expect(got).To(BeNumerically("<", 150))
	})
})
