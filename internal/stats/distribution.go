// Package stats fits parametric latency distributions to observed samples
// and picks the family that explains them best.
package stats

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// Family names, in the order candidates are tried.
const (
	FamilyUniform     = "uniform"
	FamilyNormal      = "norm"
	FamilyGamma       = "gamma"
	FamilyGenLogistic = "genlogistic"
)

// Param is a named fitted parameter.
type Param struct {
	Name  string
	Value float64
}

// Distribution is a fitted continuous distribution.
type Distribution interface {
	// Family returns the candidate family name (e.g. "gamma").
	Family() string
	// Prob returns the probability density at x.
	Prob(x float64) float64
	// CDF returns P(X <= x).
	CDF(x float64) float64
	// Params returns the fitted parameters in a stable order.
	Params() []Param
}

// Describe renders a distribution as "family(a=1, b=2)" for logs and the CLI.
func Describe(d Distribution) string {
	parts := make([]string, 0, len(d.Params()))
	for _, p := range d.Params() {
		parts = append(parts, fmt.Sprintf("%s=%.4g", p.Name, p.Value))
	}
	return fmt.Sprintf("%s(%s)", d.Family(), strings.Join(parts, ", "))
}

// Uniform is the continuous uniform distribution on [Min, Max].
type Uniform struct {
	u distuv.Uniform
}

// NewUniform returns a uniform distribution over [lo, hi]. hi must exceed lo.
func NewUniform(lo, hi float64) (*Uniform, error) {
	if !(hi > lo) {
		return nil, fmt.Errorf("uniform bounds [%g, %g] are degenerate", lo, hi)
	}
	return &Uniform{u: distuv.Uniform{Min: lo, Max: hi}}, nil
}

func (d *Uniform) Family() string         { return FamilyUniform }
func (d *Uniform) Prob(x float64) float64 { return d.u.Prob(x) }
func (d *Uniform) CDF(x float64) float64  { return d.u.CDF(x) }
func (d *Uniform) Params() []Param {
	return []Param{{"loc", d.u.Min}, {"scale", d.u.Max - d.u.Min}}
}

// Normal is the normal distribution.
type Normal struct {
	n distuv.Normal
}

func (d *Normal) Family() string         { return FamilyNormal }
func (d *Normal) Prob(x float64) float64 { return d.n.Prob(x) }
func (d *Normal) CDF(x float64) float64  { return d.n.CDF(x) }
func (d *Normal) Params() []Param {
	return []Param{{"loc", d.n.Mu}, {"scale", d.n.Sigma}}
}

// Gamma is the gamma distribution with location 0.
type Gamma struct {
	g distuv.Gamma
}

func (d *Gamma) Family() string { return FamilyGamma }

func (d *Gamma) Prob(x float64) float64 {
	if x < 0 {
		return 0
	}
	return d.g.Prob(x)
}

func (d *Gamma) CDF(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return d.g.CDF(x)
}

func (d *Gamma) Params() []Param {
	return []Param{{"a", d.g.Alpha}, {"loc", 0}, {"scale", 1 / d.g.Beta}}
}

// GenLogistic is the type I generalized logistic distribution:
// pdf(z) = c·e^-z / (1+e^-z)^(c+1) with z = (x-loc)/scale.
type GenLogistic struct {
	C     float64
	Loc   float64
	Scale float64
}

func (d *GenLogistic) Family() string { return FamilyGenLogistic }

func (d *GenLogistic) Prob(x float64) float64 {
	return math.Exp(d.logProb(x))
}

func (d *GenLogistic) logProb(x float64) float64 {
	z := (x - d.Loc) / d.Scale
	return math.Log(d.C) - z - (d.C+1)*softplus(-z) - math.Log(d.Scale)
}

func (d *GenLogistic) CDF(x float64) float64 {
	z := (x - d.Loc) / d.Scale
	return math.Exp(-d.C * softplus(-z))
}

func (d *GenLogistic) Params() []Param {
	return []Param{{"c", d.C}, {"loc", d.Loc}, {"scale", d.Scale}}
}

// softplus computes log(1+e^x) without overflow.
func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}
