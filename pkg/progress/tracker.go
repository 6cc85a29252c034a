// Package progress aggregates counts of started, completed and failed
// items for observability. Snapshots are read-only and safe to publish at
// any time; they are eventually consistent with in-flight state.
package progress

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of batch progress.
type Snapshot struct {
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	InFlight  int           `json:"in_flight"`
	Remaining int           `json:"remaining"`
	FromCache int           `json:"from_cache"`
	Elapsed   time.Duration `json:"elapsed"`

	// PercentDone counts both successes and failures as processed.
	PercentDone float64 `json:"percent_done"`

	// SuccessRate is completed / processed, 100 when nothing processed.
	SuccessRate float64 `json:"success_rate"`

	// CacheHitRate is the share of successful items served from cache,
	// 0 when nothing has completed.
	CacheHitRate float64 `json:"cache_hit_rate"`

	// ItemsPerSecond is the completion rate since the batch started.
	ItemsPerSecond float64 `json:"items_per_second"`

	// ETA estimates time to finish at the current rate; zero when the
	// rate is unknown.
	ETA time.Duration `json:"eta"`
}

// Tracker tracks progress of one batch. All methods are safe for
// concurrent use.
type Tracker struct {
	mu        sync.Mutex
	total     int
	completed int
	failed    int
	fromCache int
	inFlight  map[int]struct{}
	started   time.Time
	callbacks []func(Snapshot)

	now func() time.Time
}

// NewTracker creates a tracker for a batch of total items.
func NewTracker(total int) *Tracker {
	t := &Tracker{
		total:    total,
		inFlight: make(map[int]struct{}),
		now:      time.Now,
	}
	t.started = t.now()
	return t
}

// OnUpdate registers a callback invoked with a fresh snapshot after every
// state change. Callbacks run outside the tracker lock.
func (t *Tracker) OnUpdate(fn func(Snapshot)) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

// Start marks a position as in flight.
func (t *Tracker) Start(position int) {
	t.mu.Lock()
	t.inFlight[position] = struct{}{}
	snap := t.snapshotLocked()
	cbs := t.callbacks
	t.mu.Unlock()

	notify(cbs, snap)
}

// Complete marks a position as finished.
func (t *Tracker) Complete(position int, success, fromCache bool) {
	t.mu.Lock()
	delete(t.inFlight, position)
	if success {
		t.completed++
		if fromCache {
			t.fromCache++
		}
	} else {
		t.failed++
	}
	snap := t.snapshotLocked()
	cbs := t.callbacks
	t.mu.Unlock()

	notify(cbs, snap)
}

// Snapshot returns the current progress view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	elapsed := t.now().Sub(t.started)
	processed := t.completed + t.failed

	s := Snapshot{
		Total:       t.total,
		Completed:   t.completed,
		Failed:      t.failed,
		InFlight:    len(t.inFlight),
		Remaining:   t.total - processed,
		FromCache:   t.fromCache,
		Elapsed:     elapsed,
		SuccessRate: 100,
	}

	if t.total > 0 {
		s.PercentDone = float64(processed) / float64(t.total) * 100
	}
	if processed > 0 {
		s.SuccessRate = float64(t.completed) / float64(processed) * 100
	}
	if t.completed > 0 {
		s.CacheHitRate = float64(t.fromCache) / float64(t.completed) * 100
	}
	if sec := elapsed.Seconds(); sec > 0 && processed > 0 {
		s.ItemsPerSecond = float64(processed) / sec
		s.ETA = time.Duration(float64(s.Remaining) / s.ItemsPerSecond * float64(time.Second))
	}
	return s
}

func notify(cbs []func(Snapshot), snap Snapshot) {
	for _, cb := range cbs {
		cb(snap)
	}
}
