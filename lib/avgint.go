package lib

import "math"
import "sync/atomic"

// AverageInt64 compute statistical mean and variance over a stream of
// int64 samples. Safe for concurrent updates.
type AverageInt64 struct {
	n      int64
	sum    int64
	sumsq  uint64 // float64 bits
	minval int64
	maxval int64
}

// NewAverageInt64 return a ready to use averager.
func NewAverageInt64() *AverageInt64 {
	av := &AverageInt64{minval: math.MaxInt64, maxval: math.MinInt64}
	return av
}

// Add a sample.
func (av *AverageInt64) Add(sample int64) {
	atomic.AddInt64(&av.n, 1)
	atomic.AddInt64(&av.sum, sample)
	f := float64(sample)
	for {
		old := atomic.LoadUint64(&av.sumsq)
		new := math.Float64bits(math.Float64frombits(old) + f*f)
		if atomic.CompareAndSwapUint64(&av.sumsq, old, new) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&av.minval)
		if sample >= old || atomic.CompareAndSwapInt64(&av.minval, old, sample) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&av.maxval)
		if sample <= old || atomic.CompareAndSwapInt64(&av.maxval, old, sample) {
			break
		}
	}
}

// Min value of all samples so far.
func (av *AverageInt64) Min() int64 {
	if atomic.LoadInt64(&av.n) == 0 {
		return 0
	}
	return atomic.LoadInt64(&av.minval)
}

// Max value of all samples so far.
func (av *AverageInt64) Max() int64 {
	if atomic.LoadInt64(&av.n) == 0 {
		return 0
	}
	return atomic.LoadInt64(&av.maxval)
}

// Samples seen so far.
func (av *AverageInt64) Samples() int64 {
	return atomic.LoadInt64(&av.n)
}

// Sum of all samples so far.
func (av *AverageInt64) Sum() int64 {
	return atomic.LoadInt64(&av.sum)
}

// Mean of all samples so far.
func (av *AverageInt64) Mean() int64 {
	n := atomic.LoadInt64(&av.n)
	if n == 0 {
		return 0
	}
	return int64(float64(atomic.LoadInt64(&av.sum)) / float64(n))
}

// Variance of all samples so far.
func (av *AverageInt64) Variance() float64 {
	n := atomic.LoadInt64(&av.n)
	if n == 0 {
		return 0
	}
	nf, meanf := float64(n), float64(av.Mean())
	sumsq := math.Float64frombits(atomic.LoadUint64(&av.sumsq))
	return (sumsq / nf) - (meanf * meanf)
}

// SD standard-deviation of all samples so far.
func (av *AverageInt64) SD() float64 {
	if atomic.LoadInt64(&av.n) == 0 {
		return 0
	}
	return math.Sqrt(av.Variance())
}
