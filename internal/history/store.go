// Package history persists observed start/complete latencies per
// (entity, service, transition) key. The whole store is loaded once, kept in
// memory and written back wholesale after every append.
package history

import (
	"context"
	"fmt"
	"errors"
	"strconv"
	"sync"
	"time"

	"rascd/internal/metrics"

	"go.uber.org/zap"
)

// Record holds the latency samples, in seconds, for one key in observation order.
type Record struct {
	StartLatencies    []float64 `json:"st_history"`
	CompleteLatencies []float64 `json:"ct_history"`
}

func (r Record) clone() Record {
	return Record{
		StartLatencies:    append([]float64{}, r.StartLatencies...),
		CompleteLatencies: append([]float64{}, r.CompleteLatencies...),
	}
}

// Backend is durable storage for the full history map.
type Backend interface {
	// Load returns the stored map, or nil if nothing was stored yet.
	Load(ctx context.Context) (map[string]Record, error)
	// Save replaces the stored map.
	Save(ctx context.Context, data map[string]Record) error
}

// Key builds the "<entity_id>,<service>,<transition>" history key.
func Key(entityID, service string, transition float64) string {
	return entityID + "," + service + "," + strconv.FormatFloat(transition, 'f', -1, 64)
}

// loadRetryInterval spaces out load attempts after a failure.
const loadRetryInterval = 30 * time.Second

// ErrNotLoaded is returned by Flush when samples were observed but the
// stored history never loaded, so nothing was written.
var ErrNotLoaded = errors.New("latency history was never loaded, new samples were not saved")

// Store is the process-wide latency history.
type Store struct {
	backend Backend
	logger  *zap.Logger

	loadMu    sync.Mutex
	loaded    bool
	failedAt  time.Time
	loadRetry time.Duration

	mu sync.Mutex
	// degraded holds back saves until the backend has loaded.
	degraded bool
	data     map[string]*Record
	saving   bool
	dirty    bool
	idle     chan struct{}
	lastErr  error
}

// NewStore creates a store on top of backend. Nothing is read until Load or
// the first Get/Append.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	idle := make(chan struct{})
	close(idle)
	return &Store{
		backend:   backend,
		logger:    logger.Named("history"),
		data:      make(map[string]*Record),
		idle:      idle,
		loadRetry: loadRetryInterval,
	}
}

// Load reads the backend once. Concurrent callers wait for the first load;
// later calls return immediately. After a failed load the store keeps new
// samples in memory without saving, and retries the load at most every
// loadRetryInterval. Samples observed meanwhile are appended to the stored
// ones once a load succeeds.
func (s *Store) Load(ctx context.Context) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if s.loaded {
		return
	}
	if !s.failedAt.IsZero() && time.Since(s.failedAt) < s.loadRetry {
		return
	}

	stored, err := s.backend.Load(ctx)
	if err != nil {
		s.failedAt = time.Now()
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		s.logger.Error("Failed to load latency history, holding new samples in memory", zap.Error(err))
		return
	}
	s.loaded = true

	s.mu.Lock()
	defer s.mu.Unlock()

	observed := s.data
	s.data = make(map[string]*Record, len(stored)+len(observed))
	for key, rec := range stored {
		r := rec.clone()
		s.data[key] = &r
	}
	for key, rec := range observed {
		r := s.recordLocked(key)
		r.StartLatencies = append(r.StartLatencies, rec.StartLatencies...)
		r.CompleteLatencies = append(r.CompleteLatencies, rec.CompleteLatencies...)
	}

	recovered := s.degraded
	s.degraded = false
	if recovered && s.dirty {
		s.scheduleSaveLocked()
	}

	s.logger.Info("Latency history loaded",
		zap.Int("keys", len(stored)),
		zap.Bool("recovered", recovered))
}

// Get returns a copy of the record for key, creating an empty one if needed.
func (s *Store) Get(ctx context.Context, key string) Record {
	s.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(key).clone()
}

// Snapshot returns a deep copy of the whole store.
func (s *Store) Snapshot(ctx context.Context) map[string]Record {
	s.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// AppendStart records an observed start latency and schedules a save.
func (s *Store) AppendStart(ctx context.Context, key string, seconds float64) {
	s.append(ctx, key, seconds, true)
}

// AppendComplete records an observed complete latency and schedules a save.
func (s *Store) AppendComplete(ctx context.Context, key string, seconds float64) {
	s.append(ctx, key, seconds, false)
}

func (s *Store) append(ctx context.Context, key string, seconds float64, start bool) {
	if seconds < 0 {
		seconds = 0
	}
	s.Load(ctx)

	s.mu.Lock()
	rec := s.recordLocked(key)
	if start {
		rec.StartLatencies = append(rec.StartLatencies, seconds)
		metrics.HistoryAppends.WithLabelValues("start").Inc()
	} else {
		rec.CompleteLatencies = append(rec.CompleteLatencies, seconds)
		metrics.HistoryAppends.WithLabelValues("complete").Inc()
	}
	s.scheduleSaveLocked()
	s.mu.Unlock()
}

func (s *Store) recordLocked(key string) *Record {
	rec, ok := s.data[key]
	if !ok {
		rec = &Record{StartLatencies: []float64{}, CompleteLatencies: []float64{}}
		s.data[key] = rec
	}
	return rec
}

func (s *Store) snapshotLocked() map[string]Record {
	out := make(map[string]Record, len(s.data))
	for key, rec := range s.data {
		out[key] = rec.clone()
	}
	return out
}

// scheduleSaveLocked starts a background writer unless one is running, in
// which case the writer picks up the change in its next round.
func (s *Store) scheduleSaveLocked() {
	s.dirty = true
	if s.saving || s.degraded {
		return
	}
	s.saving = true
	s.idle = make(chan struct{})
	go s.saveLoop(s.idle)
}

func (s *Store) saveLoop(idle chan struct{}) {
	for {
		s.mu.Lock()
		if !s.dirty {
			s.saving = false
			close(idle)
			s.mu.Unlock()
			return
		}
		s.dirty = false
		snapshot := s.snapshotLocked()
		s.mu.Unlock()

		err := s.backend.Save(context.Background(), snapshot)
		metrics.HistorySaves.Inc()
		if err != nil {
			metrics.HistorySaveErrors.Inc()
			s.logger.Error("Failed to save latency history", zap.Error(err))
		}

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
}

// Flush waits for pending saves and returns the error of the last one.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return fmt.Errorf("waiting for history save: %w", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded && s.dirty {
		return ErrNotLoaded
	}
	return s.lastErr
}
