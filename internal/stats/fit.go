package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrNoData is returned when there are no samples to fit.
	ErrNoData = errors.New("no samples to fit")
	// ErrInvalidSample is returned for non-positive or non-finite samples.
	ErrInvalidSample = errors.New("samples must be positive and finite")
)

// FitFunc fits one family to a sample by maximum likelihood.
type FitFunc func(data []float64) (Distribution, error)

// Candidate pairs a family name with its fitter.
type Candidate struct {
	Family string
	Fit    FitFunc
}

// Candidates is the fixed iteration order used by BestFit. Ties on p-value
// go to the earlier entry.
var Candidates = []Candidate{
	{FamilyUniform, FitUniform},
	{FamilyNormal, FitNormal},
	{FamilyGamma, FitGamma},
	{FamilyGenLogistic, FitGenLogistic},
}

// FitUniform estimates [min, max].
func FitUniform(data []float64) (Distribution, error) {
	if len(data) == 0 {
		return nil, ErrNoData
	}
	return NewUniform(floats.Min(data), floats.Max(data))
}

// FitNormal estimates mean and population standard deviation.
func FitNormal(data []float64) (Distribution, error) {
	if len(data) < 2 {
		return nil, ErrNoData
	}
	mu, sigma := stat.PopMeanStdDev(data, nil)
	if !(sigma > 0) {
		return nil, fmt.Errorf("normal fit: zero variance")
	}
	return &Normal{n: distuv.Normal{Mu: mu, Sigma: sigma}}, nil
}

// FitGamma estimates shape and scale with the location fixed at zero. The
// shape solves ln(k) - ψ(k) = ln(mean) - mean(ln x), which is monotone in k.
func FitGamma(data []float64) (Distribution, error) {
	if len(data) < 2 {
		return nil, ErrNoData
	}
	var sumLog float64
	for _, x := range data {
		if !(x > 0) {
			return nil, fmt.Errorf("gamma fit: %w", ErrInvalidSample)
		}
		sumLog += math.Log(x)
	}
	mean := stat.Mean(data, nil)
	s := math.Log(mean) - sumLog/float64(len(data))
	if !(s > 1e-12) {
		return nil, fmt.Errorf("gamma fit: samples are constant")
	}

	// bisection in log-space
	lo, hi := math.Log(1e-6), math.Log(1e9)
	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		k := math.Exp(mid)
		if math.Log(k)-mathext.Digamma(k) > s {
			lo = mid
		} else {
			hi = mid
		}
	}
	k := math.Exp((lo + hi) / 2)
	return &Gamma{g: distuv.Gamma{Alpha: k, Beta: k / mean}}, nil
}

// FitGenLogistic minimizes the negative log-likelihood over
// (ln c, loc, ln scale) with Nelder-Mead, starting from the standard logistic.
func FitGenLogistic(data []float64) (Distribution, error) {
	if len(data) < 2 {
		return nil, ErrNoData
	}
	mu, sigma := stat.PopMeanStdDev(data, nil)
	if !(sigma > 0) {
		return nil, fmt.Errorf("genlogistic fit: zero variance")
	}

	nll := func(x []float64) float64 {
		d := GenLogistic{C: math.Exp(x[0]), Loc: x[1], Scale: math.Exp(x[2])}
		var sum float64
		for _, v := range data {
			sum -= d.logProb(v)
		}
		if math.IsNaN(sum) {
			return math.Inf(1)
		}
		return sum
	}

	start := []float64{0, mu, math.Log(sigma * math.Sqrt(3) / math.Pi)}
	result, err := optimize.Minimize(
		optimize.Problem{Func: nll},
		start,
		&optimize.Settings{FuncEvaluations: 4000},
		&optimize.NelderMead{},
	)
	if result == nil {
		return nil, fmt.Errorf("genlogistic fit: %w", err)
	}
	if math.IsInf(result.F, 0) || math.IsNaN(result.F) {
		return nil, fmt.Errorf("genlogistic fit: likelihood did not converge")
	}
	x := result.X
	return &GenLogistic{C: math.Exp(x[0]), Loc: x[1], Scale: math.Exp(x[2])}, nil
}

// KSTest runs a one-sample Kolmogorov-Smirnov test of data against cdf and
// returns the statistic D and its asymptotic p-value.
func KSTest(data []float64, cdf func(float64) float64) (d, p float64) {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)

	n := float64(len(sorted))
	for i, x := range sorted {
		f := cdf(x)
		if hi := float64(i+1)/n - f; hi > d {
			d = hi
		}
		if lo := f - float64(i)/n; lo > d {
			d = lo
		}
	}

	sqrtN := math.Sqrt(n)
	return d, kolmogorovQ((sqrtN + 0.12 + 0.11/sqrtN) * d)
}

// kolmogorovQ is the complementary Kolmogorov distribution
// Q(λ) = 2 Σ (-1)^(j-1) exp(-2 j² λ²).
func kolmogorovQ(lambda float64) float64 {
	const eps1, eps2 = 1e-3, 1e-8

	a2 := -2 * lambda * lambda
	fac, sum, termBefore := 2.0, 0.0, 0.0
	for j := 1; j <= 100; j++ {
		term := fac * math.Exp(a2*float64(j*j))
		sum += term
		if math.Abs(term) <= eps1*termBefore || math.Abs(term) <= eps2*sum {
			return math.Min(math.Max(sum, 0), 1)
		}
		fac = -fac
		termBefore = math.Abs(term)
	}
	// no convergence happens only for λ → 0
	return 1
}

// Fit is one evaluated candidate.
type Fit struct {
	Dist      Distribution
	Statistic float64
	PValue    float64
}

// BestFit selects the candidate family with the highest KS p-value. A single
// sample x yields uniform on [0, x]. If no family can be fitted (e.g. all
// samples equal) the result is uniform on [0, max].
func BestFit(data []float64, logger *zap.Logger) (Distribution, error) {
	if len(data) == 0 {
		return nil, ErrNoData
	}
	for _, x := range data {
		if !(x > 0) || math.IsInf(x, 0) {
			return nil, ErrInvalidSample
		}
	}
	if len(data) == 1 {
		return NewUniform(0, data[0])
	}

	var best *Fit
	for _, c := range Candidates {
		dist, err := c.Fit(data)
		if err != nil {
			logger.Debug("Candidate family rejected",
				zap.String("family", c.Family),
				zap.Error(err))
			continue
		}
		d, p := KSTest(data, dist.CDF)
		if math.IsNaN(p) {
			p = -1
		}
		if best == nil || p > best.PValue {
			best = &Fit{Dist: dist, Statistic: d, PValue: p}
		}
	}

	if best == nil {
		return NewUniform(0, floats.Max(data))
	}

	logger.Info("Selected latency distribution",
		zap.String("family", best.Dist.Family()),
		zap.String("fit", Describe(best.Dist)),
		zap.Float64("ks_statistic", best.Statistic),
		zap.Float64("p_value", best.PValue),
		zap.Int("samples", len(data)))

	return best.Dist, nil
}
