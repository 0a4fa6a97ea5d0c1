// Package polling computes when a polled entity should next be checked.
//
// Given a fitted latency distribution, GetPolls returns the shortest list of
// poll offsets whose spacing equalizes the expected detection cost of each
// interval while keeping the probability of detecting a transition more than
// the worst-case delay late within a fixed quota.
package polling

import (
	"errors"
	"fmt"
	"math"

	"rascd/internal/stats"

	"go.uber.org/zap"
)

const (
	// Quota is the probability mass that may be detected later than the
	// worst-case delay.
	Quota = 0.01

	// MaxPolls caps the schedule length.
	MaxPolls = 512

	maxBisections = 200
	relTolerance  = 1e-6
)

var (
	// ErrInvalidBound is returned for a non-positive upper bound or a
	// negative worst-case delay.
	ErrInvalidBound = errors.New("invalid schedule bound")

	// ErrNoSchedule is returned when no schedule of at most MaxPolls polls
	// satisfies the quota.
	ErrNoSchedule = errors.New("no valid poll schedule")
)

type outcome int

const (
	undershoot outcome = iota
	overshoot
	hit
)

// GetPolls returns strictly increasing absolute poll offsets (seconds since
// the reference instant) whose last element equals upperBound.
func GetPolls(dist stats.Distribution, upperBound, worstCaseDelay float64, logger *zap.Logger) ([]float64, error) {
	if !(upperBound > 0) || math.IsInf(upperBound, 0) {
		return nil, fmt.Errorf("%w: upper bound %g", ErrInvalidBound, upperBound)
	}
	if worstCaseDelay < 0 || math.IsNaN(worstCaseDelay) {
		return nil, fmt.Errorf("%w: worst-case delay %g", ErrInvalidBound, worstCaseDelay)
	}

	for n := 1; n <= MaxPolls; n++ {
		polls, ok := solve(dist, upperBound, n)
		if !ok || !strictlyIncreasing(polls) {
			continue
		}
		if !examineDelta(dist, polls, worstCaseDelay) {
			continue
		}

		if violations := checkConvexity(dist, polls); violations > 0 {
			logger.Warn("Poll schedule is not locally convex; distribution may be a poor model",
				zap.String("fit", stats.Describe(dist)),
				zap.Int("polls", n),
				zap.Int("violations", violations))
		}
		return polls, nil
	}

	return nil, fmt.Errorf("%w: bound %g, delay %g", ErrNoSchedule, upperBound, worstCaseDelay)
}

// solve finds L[1..n] with L[n] = upperBound by bisecting on L[1].
func solve(dist stats.Distribution, upperBound float64, n int) ([]float64, bool) {
	left, right := 0.0, upperBound
	tol := relTolerance * upperBound

	for i := 0; i < maxBisections; i++ {
		mid := left + (right-left)/2
		if mid == left || mid == right {
			return nil, false
		}

		polls, result := sequence(dist, mid, upperBound, n, tol)
		switch result {
		case overshoot:
			right = mid
		case undershoot:
			left = mid
		case hit:
			polls[len(polls)-1] = upperBound
			return polls, true
		}
	}
	return nil, false
}

// sequence expands L[1] into L[1..n] using
// L[k] = L[k-1] + (F(L[k-1]) - F(L[k-2])) / f(L[k-1]).
func sequence(dist stats.Distribution, first, upperBound float64, n int, tol float64) ([]float64, outcome) {
	polls := make([]float64, n)
	polls[0] = first

	prev := 0.0
	for k := 1; k < n; k++ {
		cur := polls[k-1]
		if cur > upperBound+tol {
			return nil, overshoot
		}
		mass := dist.CDF(cur) - dist.CDF(prev)
		density := dist.Prob(cur)
		if !(density > 0) {
			if mass > 0 {
				// past the support: the next step is unbounded
				return nil, overshoot
			}
			return nil, undershoot
		}
		next := cur + mass/density
		if math.IsNaN(next) || math.IsInf(next, 1) {
			return nil, overshoot
		}
		polls[k] = next
		prev = cur
	}

	last := polls[n-1]
	switch {
	case last > upperBound+tol:
		return nil, overshoot
	case last < upperBound-tol:
		return nil, undershoot
	default:
		return polls, hit
	}
}

// examineDelta debits from Quota the mass of every interval whose
// transitions would be detected more than worstCaseDelay late.
func examineDelta(dist stats.Distribution, polls []float64, worstCaseDelay float64) bool {
	quota := Quota
	prev := 0.0
	for _, l := range polls {
		if l-prev > worstCaseDelay {
			quota -= dist.CDF(l-worstCaseDelay) - dist.CDF(prev)
		}
		prev = l
	}
	return quota >= 0
}

// checkConvexity counts interior polls where the expected-delay cost is not
// locally convex: 2f(L[i]) - (L[i+1]-L[i])·f'(L[i]) <= 0.
func checkConvexity(dist stats.Distribution, polls []float64) int {
	violations := 0
	for i := 0; i+1 < len(polls); i++ {
		x := polls[i]
		h := 1e-6 * math.Max(1, math.Abs(x))
		slope := (dist.Prob(x+h) - dist.Prob(x-h)) / (2 * h)
		if 2*dist.Prob(x)-(polls[i+1]-x)*slope <= 0 {
			violations++
		}
	}
	return violations
}

func strictlyIncreasing(polls []float64) bool {
	prev := 0.0
	for _, l := range polls {
		if !(l > prev) {
			return false
		}
		prev = l
	}
	return true
}
