package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// GeneratorFunc produces one variant of a response body. The store calls it
// once per variant, synchronously on the cold path and from a detached
// goroutine during refills.
type GeneratorFunc func(ctx context.Context) (string, error)

// Config controls variant queue depth, entry lifetimes, and the global
// memory bound. Zero values are replaced with the defaults below.
type Config struct {
	// MaxPerKey caps the number of variants stored per entry.
	MaxPerKey int
	// SlidingWindow is the idle lifetime; every hit pushes the deadline out.
	SlidingWindow time.Duration
	// AbsoluteWindow is the hard lifetime measured from the cold fill.
	// Entries with PriorityNever are exempt.
	AbsoluteWindow time.Duration
	// RefreshThresholdPercent triggers a background refill when the
	// remaining variants drop to this percentage of the requested count.
	RefreshThresholdPercent int
	// MaxItems bounds the total number of variants across all entries.
	// When exceeded, whole entries are evicted lowest-priority-first,
	// least-recently-accessed-first within a tier.
	MaxItems int
	// SweepInterval is the cadence of the background expiry sweep.
	// Zero or negative disables the sweeper goroutine; expired entries
	// are then reclaimed lazily on access.
	SweepInterval time.Duration
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerKey:               5,
		SlidingWindow:           10 * time.Minute,
		AbsoluteWindow:          time.Hour,
		RefreshThresholdPercent: 20,
		MaxItems:                500,
		SweepInterval:           time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPerKey <= 0 {
		c.MaxPerKey = d.MaxPerKey
	}
	if c.SlidingWindow <= 0 {
		c.SlidingWindow = d.SlidingWindow
	}
	if c.AbsoluteWindow <= 0 {
		c.AbsoluteWindow = d.AbsoluteWindow
	}
	if c.RefreshThresholdPercent <= 0 {
		c.RefreshThresholdPercent = d.RefreshThresholdPercent
	}
	if c.MaxItems == 0 {
		c.MaxItems = d.MaxItems
	}
	return c
}

// fillState is the single-flight future for a cold fill. The owning request
// closes done exactly once; err is set before the close and read only after.
type fillState struct {
	done chan struct{}
	err  error
}

// entry holds the FIFO variant queue and lifetime state for one key.
// All fields after mu are guarded by mu; key is immutable.
type entry struct {
	key Key

	mu               sync.Mutex
	variants         []string
	priority         Priority
	lastAccess       time.Time
	slidingDeadline  time.Time
	absoluteDeadline time.Time
	refillInFlight   bool
	fill             *fillState
	// gone marks an entry removed from the map. Goroutines holding a stale
	// pointer must not resurrect it by appending variants.
	gone bool
}

func (e *entry) expiredLocked(now time.Time) bool {
	if now.After(e.slidingDeadline) {
		return true
	}
	if e.priority != PriorityNever && now.After(e.absoluteDeadline) {
		return true
	}
	return false
}

// Stats is a point-in-time snapshot of store occupancy and traffic.
type Stats struct {
	Entries  int   `json:"entries"`
	Variants int   `json:"variants"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// Store is a multi-variant response cache. Each key maps to a FIFO queue of
// pre-generated response variants; hits pop the oldest variant and a
// background refill tops the queue back up when it runs low. Concurrent cold
// misses for the same key collapse into a single generation (the losers wait
// on the winner's result), while requests for distinct keys never block each
// other beyond brief map access.
//
// Information Hiding: callers see only GetOrFetch and the maintenance
// operations; queue layout, deadlines, and the single-flight protocol are
// internal.
type Store struct {
	cfg    Config
	clock  Clock
	events EventSink

	mu        sync.RWMutex
	entries   map[Key]*entry
	nextSweep time.Time

	total  atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64

	refills     sync.WaitGroup
	stop        chan struct{}
	stopOnce    sync.Once
	sweeperDone chan struct{}
}

// New creates a store with the system clock. A background sweeper runs when
// cfg.SweepInterval is positive; call Close to stop it.
func New(cfg Config) *Store {
	return NewWithClock(cfg, systemClock{})
}

// NewWithClock creates a store with an injected clock. Tests pass a fake
// clock to drive expiry deterministically.
func NewWithClock(cfg Config, clock Clock) *Store {
	s := &Store{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		events:  NopSink{},
		entries: make(map[Key]*entry),
		stop:    make(chan struct{}),
	}
	s.nextSweep = clock.Now().Add(s.lazySweepInterval())
	if s.cfg.SweepInterval > 0 {
		s.sweeperDone = make(chan struct{})
		go s.sweeper()
	}
	return s
}

// WithEvents sets the event sink. Call before the store is shared.
func (s *Store) WithEvents(sink EventSink) *Store {
	if sink != nil {
		s.events = sink
	}
	return s
}

func (s *Store) lazySweepInterval() time.Duration {
	if s.cfg.SweepInterval > 0 {
		return s.cfg.SweepInterval
	}
	return time.Minute
}

// GetOrFetch returns one variant for key, generating on demand.
//
// Hit: the oldest variant is popped, the sliding deadline is refreshed, and
// a single background refill is scheduled once the queue drops to the
// configured threshold. Miss: fn is called variantCount times synchronously;
// the first result is returned and the rest are queued. Concurrent misses
// for the same key wait for the first caller's fill instead of generating
// their own.
func (s *Store) GetOrFetch(ctx context.Context, key Key, variantCount int, priority Priority, fn GeneratorFunc) (string, error) {
	if variantCount < 1 {
		variantCount = 1
	}
	s.maybeSweep()

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		e := s.getOrCreate(key, priority)

		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		now := s.clock.Now()

		if len(e.variants) > 0 {
			if e.expiredLocked(now) {
				e.mu.Unlock()
				s.remove(e, EventExpired)
				continue
			}
			v := e.variants[0]
			e.variants = e.variants[1:]
			e.lastAccess = now
			e.slidingDeadline = now.Add(s.cfg.SlidingWindow)
			remaining := len(e.variants)
			startRefill := remaining <= refillThreshold(variantCount, s.cfg.RefreshThresholdPercent) && !e.refillInFlight
			if startRefill {
				e.refillInFlight = true
				s.refills.Add(1)
			}
			e.mu.Unlock()

			s.total.Add(-1)
			s.hits.Add(1)
			if startRefill {
				s.events.Emit(Event{Type: EventRefillStart, Key: key, Variants: remaining})
				go s.refill(e, variantCount, fn)
			}
			return v, nil
		}

		if f := e.fill; f != nil {
			e.mu.Unlock()
			select {
			case <-f.done:
				if f.err != nil {
					return "", f.err
				}
				// The winner stocked the queue; take a variant from it.
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		// Cold path: this request owns the fill.
		f := &fillState{done: make(chan struct{})}
		e.fill = f
		e.priority = priority
		e.mu.Unlock()
		s.misses.Add(1)
		return s.coldFill(ctx, e, f, variantCount, fn)
	}
}

// refillThreshold is ceil(variantCount * percent / 100).
func refillThreshold(variantCount, percent int) int {
	return (variantCount*percent + 99) / 100
}

func (s *Store) getOrCreate(key Key, priority Priority) *entry {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e != nil {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[key]; e != nil {
		return e
	}
	e = &entry{key: key, priority: priority}
	s.entries[key] = e
	return e
}

func (s *Store) lookup(key Key) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

// coldFill generates variantCount variants synchronously. The first failure
// aborts the fill: the caller gets the error, the placeholder entry is
// dropped, and waiters observe the same error through the fill future.
func (s *Store) coldFill(ctx context.Context, e *entry, f *fillState, variantCount int, fn GeneratorFunc) (string, error) {
	variants := make([]string, 0, variantCount)
	var genErr error
	for i := 0; i < variantCount; i++ {
		if err := ctx.Err(); err != nil {
			genErr = err
			break
		}
		v, err := fn(ctx)
		if err != nil {
			genErr = fmt.Errorf("generating variant %d/%d: %w", i+1, variantCount, err)
			break
		}
		variants = append(variants, v)
	}

	now := s.clock.Now()
	e.mu.Lock()
	e.fill = nil
	if genErr != nil {
		f.err = genErr
		drop := len(e.variants) == 0 && !e.refillInFlight && !e.gone
		e.mu.Unlock()
		close(f.done)
		if drop {
			s.remove(e, "")
		}
		return "", genErr
	}

	first := variants[0]
	stored := 0
	if !e.gone {
		rest := variants[1:]
		room := s.cfg.MaxPerKey - len(e.variants)
		if room < 0 {
			room = 0
		}
		if len(rest) > room {
			rest = rest[:room]
		}
		e.variants = append(e.variants, rest...)
		e.lastAccess = now
		e.slidingDeadline = now.Add(s.cfg.SlidingWindow)
		e.absoluteDeadline = now.Add(s.cfg.AbsoluteWindow)
		stored = len(rest)
	}
	e.mu.Unlock()
	close(f.done)

	s.total.Add(int64(stored))
	s.events.Emit(Event{Type: EventColdFill, Key: e.key, Variants: stored})
	s.enforceBound()
	return first, nil
}

// refill generates up to want variants in the background and appends them,
// capped at MaxPerKey. It runs under a detached context: the refill benefits
// future requests and must survive the triggering request disconnecting.
// Failures are reported through the event sink and otherwise swallowed; any
// variants generated before the failure are still kept. Results for an entry
// evicted mid-refill are discarded.
func (s *Store) refill(e *entry, want int, fn GeneratorFunc) {
	defer s.refills.Done()
	ctx := context.Background()
	if want < 1 {
		want = 1
	}

	var variants []string
	var genErr error
	for i := 0; i < want; i++ {
		v, err := fn(ctx)
		if err != nil {
			genErr = err
			break
		}
		variants = append(variants, v)
	}

	e.mu.Lock()
	e.refillInFlight = false
	stored := 0
	if !e.gone {
		room := s.cfg.MaxPerKey - len(e.variants)
		if room < 0 {
			room = 0
		}
		if len(variants) > room {
			variants = variants[:room]
		}
		e.variants = append(e.variants, variants...)
		stored = len(variants)
	}
	e.mu.Unlock()

	s.total.Add(int64(stored))
	if genErr != nil {
		s.events.Emit(Event{Type: EventRefillFailed, Key: e.key, Variants: stored, Err: genErr})
	} else {
		s.events.Emit(Event{Type: EventRefillEnd, Key: e.key, Variants: stored})
	}
	s.enforceBound()
}

// remove unlinks e from the map and marks it gone. eventType may be empty
// for silent removal of failed-fill placeholders.
func (s *Store) remove(e *entry, eventType EventType) {
	s.mu.Lock()
	if s.entries[e.key] != e {
		s.mu.Unlock()
		return
	}
	delete(s.entries, e.key)
	s.mu.Unlock()

	e.mu.Lock()
	e.gone = true
	n := len(e.variants)
	e.variants = nil
	e.mu.Unlock()

	s.total.Add(int64(-n))
	if eventType != "" {
		s.events.Emit(Event{Type: eventType, Key: e.key, Variants: n})
	}
}

// enforceBound evicts whole entries until the global variant count is back
// under MaxItems. Victims are chosen lowest priority first, then least
// recently accessed; PriorityNever entries go only when nothing else is
// left. Entries with a fill in flight are skipped.
func (s *Store) enforceBound() {
	if s.cfg.MaxItems <= 0 {
		return
	}
	type evicted struct {
		key Key
		n   int
	}
	var out []evicted

	s.mu.Lock()
	for s.total.Load() > int64(s.cfg.MaxItems) {
		victim := s.victimLocked()
		if victim == nil {
			break
		}
		delete(s.entries, victim.key)
		victim.mu.Lock()
		victim.gone = true
		n := len(victim.variants)
		victim.variants = nil
		victim.mu.Unlock()
		s.total.Add(int64(-n))
		out = append(out, evicted{victim.key, n})
	}
	s.mu.Unlock()

	for _, ev := range out {
		s.events.Emit(Event{Type: EventEvicted, Key: ev.key, Variants: ev.n})
	}
}

// victimLocked picks the next eviction victim. Caller holds s.mu.
func (s *Store) victimLocked() *entry {
	var best, bestNever *entry
	var bestPrio Priority
	var bestAccess, bestNeverAccess time.Time

	for _, e := range s.entries {
		e.mu.Lock()
		busy := e.fill != nil || len(e.variants) == 0
		prio := e.priority
		access := e.lastAccess
		e.mu.Unlock()
		if busy {
			continue
		}
		if prio == PriorityNever {
			if bestNever == nil || access.Before(bestNeverAccess) {
				bestNever, bestNeverAccess = e, access
			}
			continue
		}
		if best == nil || prio < bestPrio || (prio == bestPrio && access.Before(bestAccess)) {
			best, bestPrio, bestAccess = e, prio, access
		}
	}
	if best != nil {
		return best
	}
	return bestNever
}

// maybeSweep runs an expiry sweep if one is due.
func (s *Store) maybeSweep() {
	now := s.clock.Now()
	s.mu.RLock()
	due := !now.Before(s.nextSweep)
	s.mu.RUnlock()
	if due {
		s.sweep(now)
	}
}

// sweep removes every expired entry. Entries with a fill in flight are left
// for the fill to finish; an in-flight refill does not protect an entry
// (stale refill results are discarded via the gone flag).
func (s *Store) sweep(now time.Time) {
	type expired struct {
		key Key
		n   int
	}
	var out []expired

	s.mu.Lock()
	s.nextSweep = now.Add(s.lazySweepInterval())
	for key, e := range s.entries {
		e.mu.Lock()
		if e.fill != nil || !e.expiredLocked(now) {
			e.mu.Unlock()
			continue
		}
		delete(s.entries, key)
		e.gone = true
		n := len(e.variants)
		e.variants = nil
		e.mu.Unlock()
		s.total.Add(int64(-n))
		out = append(out, expired{key, n})
	}
	s.mu.Unlock()

	for _, ex := range out {
		s.events.Emit(Event{Type: EventExpired, Key: ex.key, Variants: ex.n})
	}
}

func (s *Store) sweeper() {
	defer close(s.sweeperDone)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(s.clock.Now())
		case <-s.stop:
			return
		}
	}
}

// Invalidate drops the entry for key, if any.
func (s *Store) Invalidate(key Key) {
	if e := s.lookup(key); e != nil {
		s.remove(e, EventEvicted)
	}
}

// Clear drops every entry. Counters are left running.
func (s *Store) Clear() {
	s.mu.Lock()
	old := s.entries
	s.entries = make(map[Key]*entry)
	s.mu.Unlock()

	var n int64
	for _, e := range old {
		e.mu.Lock()
		e.gone = true
		n += int64(len(e.variants))
		e.variants = nil
		e.mu.Unlock()
	}
	s.total.Add(-n)
}

// Stats returns a snapshot of occupancy and hit counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	entries := len(s.entries)
	s.mu.RUnlock()
	return Stats{
		Entries:  entries,
		Variants: int(s.total.Load()),
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
	}
}

// Close stops the sweeper and waits for in-flight refills to finish.
// Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.sweeperDone != nil {
		<-s.sweeperDone
	}
	s.refills.Wait()
}
