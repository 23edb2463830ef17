package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// scheduleStatus is the scheduler state of a key. Done keys are removed from
// the status map.
type scheduleStatus int

const (
	statusPending scheduleStatus = iota
	statusInProgress
)

// ResolveStats summarizes one scheduler run.
type ResolveStats struct {
	// Targets is the number of keys in the dependency closure of the request.
	Targets int `json:"targets"`

	// Resolved counts items whose Resolve ran during this pass.
	Resolved int `json:"resolved"`

	// Skipped counts items finished without resolving: already resolved,
	// carrying a schema error, or behind an invalid dependency.
	Skipped int `json:"skipped"`

	// MaxDepth is the longest dependency chain walked.
	MaxDepth int `json:"max_depth"`

	Duration time.Duration `json:"duration"`
}

// scheduler resolves items concurrently, starting each one once all of its
// dependencies are terminal.
type scheduler struct {
	g *Graph

	// deps maps keys to their dependencies within the closure
	deps map[string][]string

	// dependents maps keys to the keys waiting on them
	dependents map[string][]string

	// mu protects status, depth and stats
	mu     sync.Mutex
	status map[string]scheduleStatus
	depth  map[string]int
	stats  ResolveStats

	wg sync.WaitGroup
}

func newScheduler(g *Graph) *scheduler {
	return &scheduler{
		g:          g,
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		status:     make(map[string]scheduleStatus),
		depth:      make(map[string]int),
	}
}

// run resolves keys and their transitive dependencies and blocks until every
// key is done.
func (s *scheduler) run(ctx context.Context, keys []string) *ResolveStats {
	start := time.Now()
	logger := telemetry.FromContext(ctx)

	closure := s.closure(keys)
	for _, key := range closure {
		s.status[key] = statusPending
	}
	for _, key := range closure {
		for _, dep := range s.g.item(key).Dependencies() {
			if _, ok := s.status[dep]; !ok {
				continue
			}
			s.deps[key] = append(s.deps[key], dep)
			s.dependents[dep] = append(s.dependents[dep], key)
		}
	}
	s.stats.Targets = len(closure)
	telemetry.SetPendingItems(ctx, float64(len(closure)))

	for _, key := range closure {
		s.trigger(ctx, key)
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.status) > 0 {
		// Only reachable if an item on a cycle escaped the cycle check.
		for key := range s.status {
			logger.WithField("item", key).Error("Item was never scheduled")
		}
	}
	s.stats.Duration = time.Since(start)
	logger.Debugf("Resolved %d of %d items in %s", s.stats.Resolved, s.stats.Targets, s.stats.Duration)

	stats := s.stats
	return &stats
}

// closure returns keys plus everything they depend on, sorted.
func (s *scheduler) closure(keys []string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), keys...)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if seen[key] {
			continue
		}
		it := s.g.item(key)
		if it == nil {
			continue
		}
		seen[key] = true
		queue = append(queue, it.Dependencies()...)
	}

	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// trigger starts key if it is pending and ready. Retriggering a key that is
// in progress or done is a no-op.
func (s *scheduler) trigger(ctx context.Context, key string) {
	s.mu.Lock()
	if st, ok := s.status[key]; !ok || st != statusPending {
		s.mu.Unlock()
		return
	}
	it := s.g.item(key)

	if it.IsResolved() || len(it.SchemaErrors()) > 0 {
		s.finishLocked(key)
		s.mu.Unlock()
		s.complete(ctx, key)
		return
	}

	for _, dep := range s.deps[key] {
		if _, pending := s.status[dep]; pending {
			continue
		}
		if s.g.item(dep).State() == StateError {
			// The error must be visible before key leaves status, or a
			// dependent triggered concurrently could read it as valid.
			it.addDependencyError(dep)
			s.finishLocked(key)
			s.mu.Unlock()
			s.complete(ctx, key)
			return
		}
	}

	for _, dep := range s.deps[key] {
		if _, pending := s.status[dep]; pending {
			s.mu.Unlock()
			return
		}
	}

	s.status[key] = statusInProgress
	s.recordDepthLocked(key)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		it.Resolve(ctx, false)

		s.mu.Lock()
		delete(s.status, key)
		s.stats.Resolved++
		pending := len(s.status)
		s.mu.Unlock()

		telemetry.SetPendingItems(ctx, float64(pending))
		s.complete(ctx, key)
	}()
}

func (s *scheduler) finishLocked(key string) {
	delete(s.status, key)
	s.recordDepthLocked(key)
	s.stats.Skipped++
}

func (s *scheduler) recordDepthLocked(key string) {
	depth := 1
	for _, dep := range s.deps[key] {
		if d := s.depth[dep] + 1; d > depth {
			depth = d
		}
	}
	s.depth[key] = depth
	if depth > s.stats.MaxDepth {
		s.stats.MaxDepth = depth
	}
}

// complete retriggers every direct dependent of a finished key.
func (s *scheduler) complete(ctx context.Context, key string) {
	for _, dependent := range s.dependents[key] {
		s.trigger(ctx, dependent)
	}
}
