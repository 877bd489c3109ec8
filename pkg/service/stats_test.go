package service

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWelchConfidence(t *testing.T) {
	t.Run("IdenticalSamples", func(t *testing.T) {
		assert.Zero(t, welchSamples([]float64{1, 2, 3}, []float64{1, 2, 3}))
	})

	t.Run("TooFewSamples", func(t *testing.T) {
		assert.Zero(t, welchConfidence(1, 0.5, 1, 0, 0.5, 10))
	})

	t.Run("ZeroVarianceDifferentMeans", func(t *testing.T) {
		assert.Equal(t, 1.0, welchSamples([]float64{1, 1, 1}, []float64{2, 2, 2}))
		assert.Equal(t, 1.0, welchConfidence(1, bernoulliVariance(1, 100), 100, 0, bernoulliVariance(0, 100), 100))
	})

	t.Run("ZeroVarianceSameMeans", func(t *testing.T) {
		assert.Zero(t, welchSamples([]float64{5, 5, 5}, []float64{5, 5, 5}))
	})

	t.Run("KnownSmallSample", func(t *testing.T) {
		// t = 3 with 9 degrees of freedom: two-sided p is about 0.0150.
		conf := welchConfidence(1, 0, 10, 0.5, bernoulliVariance(0.5, 10), 10)
		assert.InDelta(t, 0.985, conf, 0.001)
	})

	t.Run("LargeSampleUsesNormal", func(t *testing.T) {
		// Equal variances, 200 per side, t = 1.96.
		se := math.Sqrt(2.0 / 200)
		conf := welchConfidence(1.96*se, 1, 200, 0, 1, 200)
		assert.InDelta(t, 0.95, conf, 0.001)
	})

	t.Run("Symmetric", func(t *testing.T) {
		a := []float64{3, 4, 5, 4, 3, 5}
		b := []float64{1, 2, 1, 3, 2, 2}
		assert.InDelta(t, welchSamples(a, b), welchSamples(b, a), 1e-12)
	})
}

func TestRegIncompleteBeta(t *testing.T) {
	assert.Zero(t, regIncompleteBeta(2, 3, 0))
	assert.Equal(t, 1.0, regIncompleteBeta(2, 3, 1))
	// I_x(1, 1) is the uniform CDF.
	assert.InDelta(t, 0.3, regIncompleteBeta(1, 1, 0.3), 1e-9)
	// I_x(a, b) = 1 - I_(1-x)(b, a)
	assert.InDelta(t, 1-regIncompleteBeta(5, 2, 0.6), regIncompleteBeta(2, 5, 0.4), 1e-9)
}

func TestVariance(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	m := mean(values)
	assert.Equal(t, 5.0, m)
	assert.InDelta(t, 32.0/7.0, variance(values, m), 1e-12)
	assert.Zero(t, variance([]float64{3}, 3))
	assert.Zero(t, mean(nil))
}
