package polling

import (
	"strconv"
	"sync"

	"rascd/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type cachedPlan struct {
	samples int
	plan    *plan
}

// Cache keeps the solved schedule of every history key. Histories only grow
// by appending, so a plan stays valid while the sample count is unchanged.
// It is safe for concurrent use.
type Cache struct {
	cfg    DetectorConfig
	logger *zap.Logger

	group singleflight.Group
	mu    sync.Mutex
	plans map[string]cachedPlan
}

// NewCache creates an empty cache building detectors with cfg.
func NewCache(cfg DetectorConfig, logger *zap.Logger) *Cache {
	return &Cache{
		cfg:    cfg,
		logger: logger,
		plans:  make(map[string]cachedPlan),
	}
}

// Detector returns a fresh detector for history, solving the schedule only
// when key has no plan for len(history) samples yet.
func (c *Cache) Detector(key string, history []float64, logger *zap.Logger) *Detector {
	return c.lookup(key, history, logger).detector()
}

// Warm solves and stores the plan for history unless it is cached already.
func (c *Cache) Warm(key string, history []float64) {
	c.lookup(key, history, c.logger.With(zap.String("key", key)))
}

// Len returns the number of cached plans.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

func (c *Cache) lookup(key string, history []float64, logger *zap.Logger) *plan {
	n := len(history)

	c.mu.Lock()
	cached, ok := c.plans[key]
	c.mu.Unlock()
	if ok && cached.samples == n {
		metrics.DetectorPlans.WithLabelValues("cached").Inc()
		return cached.plan
	}

	v, _, _ := c.group.Do(key+"#"+strconv.Itoa(n), func() (interface{}, error) {
		metrics.DetectorPlans.WithLabelValues("solved").Inc()
		p := solvePlan(history, c.cfg, logger)

		c.mu.Lock()
		if cur, ok := c.plans[key]; !ok || cur.samples <= n {
			c.plans[key] = cachedPlan{samples: n, plan: p}
		}
		c.mu.Unlock()
		return p, nil
	})
	return v.(*plan)
}
