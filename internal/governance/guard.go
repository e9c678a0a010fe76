package governance

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
)

// GuardState represents the state of a rollback guard.
type GuardState string

const (
	// StateArmed means the guard is counting runs and no rollback is requested.
	StateArmed GuardState = "armed"
	// StateTripped means the failure rate crossed the threshold and callers
	// should route to the stable variant until the cooldown ends.
	StateTripped GuardState = "tripped"
)

// GuardConfig defines the thresholds of a rollback guard.
type GuardConfig struct {
	// Window is the look-back duration for the failure rate.
	Window time.Duration
	// BucketCount is the number of time buckets approximating the window.
	BucketCount int
	// MinRuns is the number of counted runs within the window before the
	// failure rate is evaluated.
	MinRuns int
	// FailureThreshold is the failure fraction (0-1] that trips the guard.
	FailureThreshold float64
	// Cooldown is how long a tripped guard requests rollback.
	Cooldown time.Duration
	// Kinds lists the failure kinds counted as failures. Cancelled runs are
	// never counted.
	Kinds []domain.FailureKind
	// Clock defaults to the system clock.
	Clock domain.Clock
}

// DefaultGuardConfig returns sensible defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Window:           time.Minute,
		BucketCount:      10,
		MinRuns:          5,
		FailureThreshold: 0.5,
		Cooldown:         30 * time.Second,
		Kinds: []domain.FailureKind{
			domain.FailureStageFailed,
			domain.FailureExecutionTimeout,
			domain.FailureInvalidExecutionPlan,
		},
	}
}

// Guard decides on rollback from the outcomes of finished runs. It reads
// PipelineResult values and never modifies them.
type Guard struct {
	mu      sync.RWMutex
	state   GuardState
	config  GuardConfig
	counted map[domain.FailureKind]bool
	clock   domain.Clock
	metrics guardMetrics
}

type guardMetrics struct {
	buckets            []bucketMetrics
	bucketDuration     time.Duration
	currentBucketIdx   int
	currentBucketStart time.Time
	totalRuns          int
	totalFailures      int
	byKind             map[domain.FailureKind]int
	trips              int
	lastStateChange    time.Time
	trippedUntil       time.Time
}

type bucketMetrics struct {
	start    time.Time
	runs     int
	failures int
}

// NewGuard creates a guard, filling zero fields from DefaultGuardConfig.
func NewGuard(config GuardConfig) *Guard {
	defaults := DefaultGuardConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.BucketCount <= 0 {
		config.BucketCount = defaults.BucketCount
	}
	if config.MinRuns <= 0 {
		config.MinRuns = defaults.MinRuns
	}
	if config.FailureThreshold <= 0 || config.FailureThreshold > 1 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if len(config.Kinds) == 0 {
		config.Kinds = defaults.Kinds
	}
	clock := config.Clock
	if clock == nil {
		clock = domain.SystemClock{}
	}

	counted := make(map[domain.FailureKind]bool, len(config.Kinds))
	for _, k := range config.Kinds {
		if k != domain.FailureCancelled {
			counted[k] = true
		}
	}

	bucketDuration := config.Window / time.Duration(config.BucketCount)
	if bucketDuration <= 0 {
		bucketDuration = time.Second
	}

	return &Guard{
		state:   StateArmed,
		config:  config,
		counted: counted,
		clock:   clock,
		metrics: guardMetrics{
			buckets:         make([]bucketMetrics, config.BucketCount),
			bucketDuration:  bucketDuration,
			byKind:          make(map[domain.FailureKind]int),
			lastStateChange: clock.Now(),
		},
	}
}

// Observe records a finished run and reports whether this run tripped the
// guard. Cancelled runs and runs observed while tripped are ignored.
func (g *Guard) Observe(res domain.PipelineResult) bool {
	if res.Outcome == domain.OutcomeCancelled {
		return false
	}

	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked(now)
	if g.state == StateTripped {
		return false
	}

	g.rotateBucketsLocked(now)
	bucket := &g.metrics.buckets[g.metrics.currentBucketIdx]
	bucket.runs++
	g.metrics.totalRuns++

	if res.Failure != nil && !res.OK {
		g.metrics.byKind[res.Failure.Kind]++
		if g.counted[res.Failure.Kind] {
			bucket.failures++
			g.metrics.totalFailures++
		}
	}

	runs, failures := g.aggregateWindowLocked(now)
	if runs < g.config.MinRuns {
		return false
	}
	if float64(failures)/float64(runs) >= g.config.FailureThreshold {
		g.tripLocked(now)
		return true
	}
	return false
}

// ShouldRollback reports whether callers should route to the stable
// variant. A tripped guard re-arms on its own once the cooldown ends.
func (g *Guard) ShouldRollback() bool {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked(now)
	return g.state == StateTripped
}

// State returns the current state of the guard.
func (g *Guard) State() GuardState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *Guard) tripLocked(now time.Time) {
	g.state = StateTripped
	g.metrics.trips++
	g.metrics.lastStateChange = now
	g.metrics.trippedUntil = now.Add(g.config.Cooldown)
	g.resetBucketsLocked(now)
}

func (g *Guard) expireLocked(now time.Time) {
	if g.state != StateTripped || now.Before(g.metrics.trippedUntil) {
		return
	}
	g.state = StateArmed
	g.metrics.lastStateChange = now
	g.metrics.trippedUntil = time.Time{}
	g.resetBucketsLocked(now)
}

func (g *Guard) aggregateWindowLocked(now time.Time) (runs int, failures int) {
	for _, bucket := range g.metrics.buckets {
		if bucket.runs == 0 || bucket.start.IsZero() {
			continue
		}
		if now.Sub(bucket.start) > g.config.Window {
			continue
		}
		runs += bucket.runs
		failures += bucket.failures
	}
	return
}

func (g *Guard) rotateBucketsLocked(now time.Time) {
	if g.metrics.currentBucketStart.IsZero() {
		g.metrics.currentBucketStart = now.Truncate(g.metrics.bucketDuration)
		g.metrics.buckets[g.metrics.currentBucketIdx].start = g.metrics.currentBucketStart
		return
	}

	if now.Before(g.metrics.currentBucketStart) {
		return
	}

	elapsed := now.Sub(g.metrics.currentBucketStart)
	if elapsed < g.metrics.bucketDuration {
		return
	}

	// A gap longer than the window clears every bucket.
	steps := int(math.Floor(float64(elapsed) / float64(g.metrics.bucketDuration)))
	rotate := min(steps, len(g.metrics.buckets))
	for i := 0; i < rotate; i++ {
		g.metrics.currentBucketIdx = (g.metrics.currentBucketIdx + 1) % len(g.metrics.buckets)
		g.metrics.currentBucketStart = g.metrics.currentBucketStart.Add(g.metrics.bucketDuration)
		g.metrics.buckets[g.metrics.currentBucketIdx] = bucketMetrics{start: g.metrics.currentBucketStart}
	}
	if steps > rotate {
		g.resetBucketsLocked(now)
	}
}

func (g *Guard) resetBucketsLocked(now time.Time) {
	for i := range g.metrics.buckets {
		g.metrics.buckets[i] = bucketMetrics{}
	}
	g.metrics.currentBucketIdx = 0
	g.metrics.currentBucketStart = now.Truncate(g.metrics.bucketDuration)
	g.metrics.buckets[0].start = g.metrics.currentBucketStart
}

// GuardStats exposes guard status information.
type GuardStats struct {
	State           string         `json:"state"`
	Runs            int            `json:"runs"`
	Failures        int            `json:"failures"`
	WindowRuns      int            `json:"windowRuns"`
	FailureRate     float64        `json:"failureRate"`
	ByKind          map[string]int `json:"byKind,omitempty"`
	Trips           int            `json:"trips"`
	LastStateChange string         `json:"lastStateChange"`
	TrippedUntil    string         `json:"trippedUntil,omitempty"`
}

// Stats returns current guard statistics.
func (g *Guard) Stats() GuardStats {
	now := g.clock.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	runs, failures := g.aggregateWindowLocked(now)
	rate := 0.0
	if runs > 0 {
		rate = float64(failures) / float64(runs)
	}

	byKind := make(map[string]int, len(g.metrics.byKind))
	for k, v := range g.metrics.byKind {
		byKind[string(k)] = v
	}

	stats := GuardStats{
		State:           string(g.state),
		Runs:            g.metrics.totalRuns,
		Failures:        g.metrics.totalFailures,
		WindowRuns:      runs,
		FailureRate:     rate,
		ByKind:          byKind,
		Trips:           g.metrics.trips,
		LastStateChange: g.metrics.lastStateChange.Format(time.RFC3339),
	}
	if !g.metrics.trippedUntil.IsZero() {
		stats.TrippedUntil = g.metrics.trippedUntil.Format(time.RFC3339)
	}
	return stats
}

// Reset re-arms the guard and clears its counters.
func (g *Guard) Reset() {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = StateArmed
	g.metrics.lastStateChange = now
	g.metrics.trippedUntil = time.Time{}
	g.metrics.totalRuns = 0
	g.metrics.totalFailures = 0
	g.metrics.byKind = make(map[domain.FailureKind]int)
	g.resetBucketsLocked(now)
}

// Guards keeps one guard per pipeline name.
type Guards struct {
	mu     sync.RWMutex
	config GuardConfig
	guards map[string]*Guard
}

// NewGuards creates a set of guards sharing config.
func NewGuards(config GuardConfig) *Guards {
	return &Guards{config: config, guards: make(map[string]*Guard)}
}

// Get retrieves the guard for a pipeline, creating one if needed.
func (m *Guards) Get(name string) *Guard {
	m.mu.RLock()
	g, exists := m.guards[name]
	m.mu.RUnlock()
	if exists {
		return g
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, exists := m.guards[name]; exists {
		return g
	}
	g = NewGuard(m.config)
	m.guards[name] = g
	return g
}

// ShouldRollback reports whether the guard of name requests rollback. Names
// without a guard never do.
func (m *Guards) ShouldRollback(name string) bool {
	m.mu.RLock()
	g, exists := m.guards[name]
	m.mu.RUnlock()
	return exists && g.ShouldRollback()
}

// Names returns the guarded pipeline names in sorted order.
func (m *Guards) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.guards))
	for name := range m.guards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns statistics for all guards.
func (m *Guards) Stats() map[string]GuardStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]GuardStats, len(m.guards))
	for name, g := range m.guards {
		stats[name] = g.Stats()
	}
	return stats
}

// ResetAll re-arms every guard.
func (m *Guards) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.guards {
		g.Reset()
	}
}
