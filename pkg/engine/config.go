package engine

import (
	"container/list"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/stageflow/pkg/plan"
)

// DefaultMaxSessions bounds the number of session pins a registry keeps.
const DefaultMaxSessions = 10000

// PlanRegistry maintains the active set of compiled plans by name.
// Supports zero-downtime updates: a session keeps the plan it was first
// given (last-known-good) while new sessions see the updated set.
// Pins are evicted oldest first once MaxSessions is reached.
type PlanRegistry struct {
	mu          sync.RWMutex
	plans       map[string]*plan.ExecutionPlan
	pins        map[string]*list.Element
	pinOrder    *list.List
	maxSessions int
	generation  int64
	logger      *slog.Logger
}

type sessionPin struct {
	key     string
	session string
	plan    *plan.ExecutionPlan
}

// NewPlanRegistry creates an empty registry.
func NewPlanRegistry(logger *slog.Logger) *PlanRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanRegistry{
		plans:       make(map[string]*plan.ExecutionPlan),
		pins:        make(map[string]*list.Element),
		pinOrder:    list.New(),
		maxSessions: DefaultMaxSessions,
		logger:      logger,
	}
}

// SetMaxSessions changes the pin bound. n <= 0 restores the default.
// Excess pins are evicted immediately.
func (pr *PlanRegistry) SetMaxSessions(n int) {
	if n <= 0 {
		n = DefaultMaxSessions
	}
	pr.mu.Lock()
	pr.maxSessions = n
	evicted := pr.evictLocked()
	pr.mu.Unlock()
	if evicted > 0 {
		pr.logger.Debug("evicted session pins", slog.Int("count", evicted))
	}
}

// Get returns the current plan registered under name.
func (pr *PlanRegistry) Get(name string) (*plan.ExecutionPlan, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	p, ok := pr.plans[name]
	return p, ok
}

// GetForSession returns the plan a session is pinned to, pinning the current
// plan on first use.
func (pr *PlanRegistry) GetForSession(sessionID, name string) (*plan.ExecutionPlan, error) {
	key := sessionID + "\x00" + name

	pr.mu.RLock()
	if el, ok := pr.pins[key]; ok {
		lkg := el.Value.(*sessionPin).plan
		pr.mu.RUnlock()
		pr.logger.Debug("using pinned plan for session",
			slog.String("session_id", sessionID),
			slog.String("plan_version", lkg.Version()))
		return lkg, nil
	}
	pr.mu.RUnlock()

	pr.mu.Lock()
	// Another request may have pinned the session since the read lock.
	if el, ok := pr.pins[key]; ok {
		lkg := el.Value.(*sessionPin).plan
		pr.mu.Unlock()
		return lkg, nil
	}
	p, ok := pr.plans[name]
	if !ok {
		pr.mu.Unlock()
		return nil, fmt.Errorf("no plan registered as %q", name)
	}
	pr.pins[key] = pr.pinOrder.PushBack(&sessionPin{key: key, session: sessionID, plan: p})
	evicted := pr.evictLocked()
	pr.mu.Unlock()

	pr.logger.Debug("pinned plan for new session",
		slog.String("session_id", sessionID),
		slog.String("plan", name),
		slog.String("plan_version", p.Version()),
		slog.Int("evicted", evicted))
	return p, nil
}

func (pr *PlanRegistry) evictLocked() int {
	evicted := 0
	for pr.pinOrder.Len() > pr.maxSessions {
		oldest := pr.pinOrder.Front()
		pr.pinOrder.Remove(oldest)
		delete(pr.pins, oldest.Value.(*sessionPin).key)
		evicted++
	}
	return evicted
}

// ReleaseSession drops every pin held by sessionID and reports how many
// were dropped.
func (pr *PlanRegistry) ReleaseSession(sessionID string) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	released := 0
	for el := pr.pinOrder.Front(); el != nil; {
		next := el.Next()
		if pin := el.Value.(*sessionPin); pin.session == sessionID {
			pr.pinOrder.Remove(el)
			delete(pr.pins, pin.key)
			released++
		}
		el = next
	}
	return released
}

// ActiveSessions returns the number of session pins.
func (pr *PlanRegistry) ActiveSessions() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return len(pr.pins)
}

// Update atomically replaces the registered set.
func (pr *PlanRegistry) Update(plans map[string]*plan.ExecutionPlan) error {
	next := make(map[string]*plan.ExecutionPlan, len(plans))
	for name, p := range plans {
		if name == "" {
			return fmt.Errorf("plan name is required")
		}
		if p == nil {
			return fmt.Errorf("plan %q is nil", name)
		}
		next[name] = p
	}

	pr.mu.Lock()
	pr.plans = next
	pr.generation++
	generation := pr.generation
	active := len(pr.pins)
	pr.mu.Unlock()

	pr.logger.Info("plan registry updated",
		slog.Int64("generation", generation),
		slog.Int("active_sessions", active),
		slog.Int("plan_count", len(next)))
	return nil
}

// Generation increments on every Update.
func (pr *PlanRegistry) Generation() int64 {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.generation
}

// Names returns the registered plan names, sorted.
func (pr *PlanRegistry) Names() []string {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]string, 0, len(pr.plans))
	for name := range pr.plans {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
