package service

import "math"

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// variance is the unbiased sample variance (n-1).
func variance(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return sumSquares / float64(len(values)-1)
}

// welchConfidence is 1 - p of a two-sided Welch t-test on summary statistics.
// It returns 0 when either side has fewer than two samples. With both variances
// zero the samples are constant, so differing means are certain.
func welchConfidence(meanA, varA float64, nA int, meanB, varB float64, nB int) float64 {
	if nA < 2 || nB < 2 {
		return 0
	}
	n1, n2 := float64(nA), float64(nB)
	v1, v2 := varA/n1, varB/n2
	se := math.Sqrt(v1 + v2)
	if se == 0 {
		if meanA != meanB {
			return 1
		}
		return 0
	}
	t := math.Abs(meanA-meanB) / se
	df := (v1 + v2) * (v1 + v2) / (v1*v1/(n1-1) + v2*v2/(n2-1))
	return 1 - tTwoSidedPValue(t, df)
}

// welchSamples runs welchConfidence on raw samples.
func welchSamples(a, b []float64) float64 {
	ma, mb := mean(a), mean(b)
	return welchConfidence(ma, variance(a, ma), len(a), mb, variance(b, mb), len(b))
}

// tTwoSidedPValue is P(|T| > t) for Student's t with df degrees of freedom.
func tTwoSidedPValue(t, df float64) float64 {
	if df > 100 {
		return 2 * (1 - normalCDF(t))
	}
	x := df / (df + t*t)
	return regIncompleteBeta(df/2, 0.5, x)
}

func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// regIncompleteBeta is the regularized incomplete beta function I_x(a, b).
func regIncompleteBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lbeta := lgamma(a+b) - lgamma(a) - lgamma(b)
	front := math.Exp(lbeta + a*math.Log(x) + b*math.Log(1-x))
	if x < (a+1)/(a+b+2) {
		return front * betaCF(a, b, x) / a
	}
	return 1 - front*betaCF(b, a, 1-x)/b
}

// betaCF evaluates the continued fraction of the incomplete beta function
// with the modified Lentz method.
func betaCF(a, b, x float64) float64 {
	const (
		maxIterations = 200
		epsilon       = 1e-12
		tiny          = 1e-30
	)
	qab, qap, qam := a+b, a+1, a-1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d
	for m := 1; m <= maxIterations; m++ {
		fm := float64(m)
		m2 := 2 * fm
		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < epsilon {
			break
		}
	}
	return h
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}
