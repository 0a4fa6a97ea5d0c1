package polling

import (
	"time"

	"rascd/internal/stats"

	"go.uber.org/zap"
)

const (
	// DefaultInterval is used by static detectors and once a schedule is exhausted.
	DefaultInterval = time.Second

	// DefaultWorstCaseDelay bounds how late a scheduled poll may detect a transition.
	DefaultWorstCaseDelay = 2 * time.Second
)

// DetectorConfig tunes detector construction.
type DetectorConfig struct {
	WorstCaseDelay  time.Duration
	DefaultInterval time.Duration
}

// DefaultDetectorConfig returns the stock 2s worst-case delay and 1s fallback.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		WorstCaseDelay:  DefaultWorstCaseDelay,
		DefaultInterval: DefaultInterval,
	}
}

// plan is a solved schedule. It is immutable and shared by every detector
// built from the same history.
type plan struct {
	static    bool
	dist      stats.Distribution
	intervals []time.Duration
	fallback  time.Duration
}

func (p *plan) detector() *Detector {
	return &Detector{
		static:    p.static,
		dist:      p.dist,
		intervals: p.intervals,
		fallback:  p.fallback,
	}
}

// Detector hands out the waits between successive polls for one phase of one
// command. It is not safe for concurrent use and is never rewound; build a
// fresh one per command.
type Detector struct {
	static    bool
	dist      stats.Distribution
	intervals []time.Duration
	next      int
	fallback  time.Duration
}

// NewDetector builds a detector from the latency history of one phase.
// Without usable history the detector is static and always yields the
// default interval.
func NewDetector(history []float64, cfg DetectorConfig, logger *zap.Logger) *Detector {
	return solvePlan(history, cfg, logger).detector()
}

func solvePlan(history []float64, cfg DetectorConfig, logger *zap.Logger) *plan {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultInterval
	}
	p := &plan{fallback: cfg.DefaultInterval}

	samples := make([]float64, 0, len(history))
	upper := 0.0
	for _, s := range history {
		if s > 0 {
			samples = append(samples, s)
			if s > upper {
				upper = s
			}
		}
	}
	if len(samples) == 0 {
		p.static = true
		return p
	}

	dist, err := stats.BestFit(samples, logger)
	if err != nil {
		logger.Warn("Failed to fit latency distribution, using static polling", zap.Error(err))
		p.static = true
		return p
	}

	polls, err := GetPolls(dist, upper, cfg.WorstCaseDelay.Seconds(), logger)
	if err != nil {
		logger.Warn("Failed to solve poll schedule, using static polling",
			zap.String("fit", stats.Describe(dist)),
			zap.Error(err))
		p.static = true
		return p
	}

	p.dist = dist
	p.intervals = make([]time.Duration, len(polls))
	prev := 0.0
	for i, l := range polls {
		p.intervals[i] = seconds(l - prev)
		prev = l
	}

	logger.Debug("Built poll schedule",
		zap.String("fit", stats.Describe(dist)),
		zap.Int("polls", len(polls)),
		zap.Float64("upper_bound", upper))
	return p
}

// NextInterval returns the next wait, falling back to the default interval
// once the schedule is exhausted.
func (d *Detector) NextInterval() time.Duration {
	if d.static || d.next >= len(d.intervals) {
		return d.fallback
	}
	interval := d.intervals[d.next]
	d.next++
	return interval
}

// IsStatic reports whether the detector has no learned schedule.
func (d *Detector) IsStatic() bool {
	return d.static
}

// Distribution returns the fitted distribution, or nil for static detectors.
func (d *Detector) Distribution() stats.Distribution {
	return d.dist
}

// Schedule returns a copy of the relative waits.
func (d *Detector) Schedule() []time.Duration {
	return append([]time.Duration(nil), d.intervals...)
}

// Remaining reports how many scheduled waits have not been handed out.
func (d *Detector) Remaining() int {
	return len(d.intervals) - d.next
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
