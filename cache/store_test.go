package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mirage-ai/mirage/shape"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock is a manually advanced clock for deterministic expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// syncSink records events; Emit may be called from refill goroutines.
type syncSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *syncSink) Emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *syncSink) count(typ EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (s *syncSink) keysOf(typ EventType) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []Key
	for _, e := range s.events {
		if e.Type == typ {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

// countingGen returns v1, v2, ... and counts calls.
func countingGen() (GeneratorFunc, *atomic.Int64) {
	var calls atomic.Int64
	return func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf(`{"variant":%d}`, n), nil
	}, &calls
}

func testKey(t *testing.T, path string) Key {
	t.Helper()
	d, err := shape.Parse([]byte(`{"id":1}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return NewKey("GET", path, d)
}

func testConfig() Config {
	return Config{
		MaxPerKey:               5,
		SlidingWindow:           10 * time.Minute,
		AbsoluteWindow:          time.Hour,
		RefreshThresholdPercent: 20,
		MaxItems:                500,
		SweepInterval:           -1, // no background sweeper; expiry is lazy
	}
}

func TestColdFillThenFIFOHits(t *testing.T) {
	gen, calls := countingGen()
	sink := &syncSink{}
	store := NewWithClock(testConfig(), newFakeClock()).WithEvents(sink)
	defer store.Close()

	key := testKey(t, "/users")
	ctx := context.Background()

	// Cold path: five generator calls, first variant returned.
	v, err := store.GetOrFetch(ctx, key, 5, PriorityNormal, gen)
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if v != `{"variant":1}` {
		t.Errorf("expected first variant, got %s", v)
	}
	if calls.Load() != 5 {
		t.Errorf("expected 5 cold-fill calls, got %d", calls.Load())
	}

	// The stored variants come back in FIFO order.
	for i := 2; i <= 5; i++ {
		v, err := store.GetOrFetch(ctx, key, 5, PriorityNormal, gen)
		if err != nil {
			t.Fatalf("GetOrFetch %d failed: %v", i, err)
		}
		if want := fmt.Sprintf(`{"variant":%d}`, i); v != want {
			t.Errorf("expected %s, got %s", want, v)
		}
	}

	store.Close() // waits for the background refill

	// Threshold ceil(5*20/100)=1: the pop that left one variant scheduled
	// exactly one refill, and the single-flight flag stopped a second.
	if got := sink.count(EventRefillStart); got != 1 {
		t.Errorf("expected exactly 1 refill, got %d", got)
	}
	if calls.Load() != 10 {
		t.Errorf("expected 5 cold + 5 refill calls, got %d", calls.Load())
	}

	stats := store.Stats()
	if stats.Hits != 4 || stats.Misses != 1 {
		t.Errorf("expected 4 hits / 1 miss, got %d / %d", stats.Hits, stats.Misses)
	}
}

func TestConcurrentColdFillSingleFlight(t *testing.T) {
	gen, calls := countingGen()
	slowGen := func(ctx context.Context) (string, error) {
		time.Sleep(time.Millisecond)
		return gen(ctx)
	}
	sink := &syncSink{}
	cfg := testConfig()
	cfg.MaxPerKey = 50
	store := NewWithClock(cfg, newFakeClock()).WithEvents(sink)
	defer store.Close()

	key := testKey(t, "/burst")
	const callers = 50

	var wg sync.WaitGroup
	errs := make([]error, callers)
	vals := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vals[i], errs[i] = store.GetOrFetch(context.Background(), key, callers, PriorityNormal, slowGen)
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if vals[i] == "" {
			t.Fatalf("caller %d got an empty variant", i)
		}
	}

	if got := sink.count(EventColdFill); got != 1 {
		t.Errorf("expected exactly 1 cold-fill batch, got %d", got)
	}

	store.Close()
	refills := int64(sink.count(EventRefillStart))
	if refills > 1 {
		t.Errorf("expected at most 1 refill, got %d", refills)
	}
	if want := int64(callers) + refills*callers; calls.Load() != want {
		t.Errorf("expected %d generator calls, got %d", want, calls.Load())
	}
}

func TestColdFillErrorPropagatesAndLeavesNothing(t *testing.T) {
	genErr := errors.New("backend down")
	failing := func(ctx context.Context) (string, error) { return "", genErr }
	store := NewWithClock(testConfig(), newFakeClock())
	defer store.Close()

	key := testKey(t, "/flaky")
	ctx := context.Background()

	if _, err := store.GetOrFetch(ctx, key, 3, PriorityNormal, failing); !errors.Is(err, genErr) {
		t.Fatalf("expected generator error, got %v", err)
	}
	if stats := store.Stats(); stats.Entries != 0 || stats.Variants != 0 {
		t.Errorf("failed fill must leave no entry, got %+v", stats)
	}

	// A later call with a healthy generator recovers.
	gen, _ := countingGen()
	if _, err := store.GetOrFetch(ctx, key, 3, PriorityNormal, gen); err != nil {
		t.Fatalf("recovery GetOrFetch failed: %v", err)
	}
}

func TestColdFillErrorSharedWithWaiters(t *testing.T) {
	genErr := errors.New("backend down")
	var calls atomic.Int64
	failing := func(ctx context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(time.Millisecond)
		return "", genErr
	}
	store := NewWithClock(testConfig(), newFakeClock())
	defer store.Close()

	key := testKey(t, "/flaky-burst")
	var wg sync.WaitGroup
	errCount := atomic.Int64{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.GetOrFetch(context.Background(), key, 3, PriorityNormal, failing); err != nil {
				errCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if errCount.Load() == 0 {
		t.Error("expected waiters to observe the fill error")
	}
	// Each failed fill aborts on its first generator error.
	if calls.Load() > 10 {
		t.Errorf("expected at most one generator call per failed fill, got %d", calls.Load())
	}
}

func TestRefillFailureSwallowed(t *testing.T) {
	var mode atomic.Int32 // 0 = healthy, 1 = failing
	gen, _ := countingGen()
	flaky := func(ctx context.Context) (string, error) {
		if mode.Load() == 1 {
			return "", errors.New("backend down")
		}
		return gen(ctx)
	}
	sink := &syncSink{}
	cfg := testConfig()
	cfg.MaxPerKey = 2
	store := NewWithClock(cfg, newFakeClock()).WithEvents(sink)
	defer store.Close()

	key := testKey(t, "/orders")
	ctx := context.Background()

	// Cold fill with 2 variants, then drain so the refill fires.
	if _, err := store.GetOrFetch(ctx, key, 2, PriorityNormal, flaky); err != nil {
		t.Fatalf("cold fill failed: %v", err)
	}
	mode.Store(1)
	if _, err := store.GetOrFetch(ctx, key, 2, PriorityNormal, flaky); err != nil {
		t.Fatalf("hit failed: %v", err)
	}
	store.Close() // wait out the failed refill

	if got := sink.count(EventRefillFailed); got != 1 {
		t.Errorf("expected 1 failed refill event, got %d", got)
	}

	// The queue simply stayed empty; the next access cold-fills again.
	mode.Store(0)
	if _, err := store.GetOrFetch(ctx, key, 2, PriorityNormal, flaky); err != nil {
		t.Fatalf("recovery after failed refill: %v", err)
	}
}

func TestSlidingExpiration(t *testing.T) {
	gen, _ := countingGen()
	clock := newFakeClock()
	store := NewWithClock(testConfig(), clock)
	defer store.Close()

	key := testKey(t, "/sliding")
	ctx := context.Background()

	if _, err := store.GetOrFetch(ctx, key, 3, PriorityNormal, gen); err != nil {
		t.Fatalf("cold fill failed: %v", err)
	}

	// Within the window the entry survives.
	clock.Advance(5 * time.Minute)
	if _, err := store.GetOrFetch(ctx, key, 3, PriorityNormal, gen); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if store.Stats().Misses != 1 {
		t.Fatalf("expected a hit within the sliding window")
	}

	// Idle past the window: the entry is gone and the next call is a miss.
	clock.Advance(11 * time.Minute)
	if _, err := store.GetOrFetch(ctx, key, 3, PriorityNormal, gen); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if store.Stats().Misses != 2 {
		t.Error("expected a miss after the sliding window passed")
	}
}

// pinSliding pushes the sliding deadline far out so a test can isolate the
// absolute deadline.
func pinSliding(t *testing.T, store *Store, key Key) {
	t.Helper()
	e := store.lookup(key)
	if e == nil {
		t.Fatal("entry not found")
	}
	e.mu.Lock()
	e.slidingDeadline = e.slidingDeadline.Add(100 * time.Hour)
	e.mu.Unlock()
}

func TestAbsoluteExpirationDespiteActivity(t *testing.T) {
	gen, _ := countingGen()
	clock := newFakeClock()
	store := NewWithClock(testConfig(), clock)
	defer store.Close()

	key := testKey(t, "/absolute")
	ctx := context.Background()

	if _, err := store.GetOrFetch(ctx, key, 3, PriorityNormal, gen); err != nil {
		t.Fatalf("cold fill failed: %v", err)
	}
	pinSliding(t, store, key)

	// Even with the sliding deadline out of the way, the absolute deadline
	// expires the entry.
	clock.Advance(2 * time.Hour)
	if _, err := store.GetOrFetch(ctx, key, 3, PriorityNormal, gen); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if got := store.Stats().Misses; got != 2 {
		t.Errorf("expected the absolute deadline to force a miss, got %d misses", got)
	}
}

func TestNeverPriorityExemptFromAbsoluteDeadline(t *testing.T) {
	gen, _ := countingGen()
	clock := newFakeClock()
	store := NewWithClock(testConfig(), clock)
	defer store.Close()

	key := testKey(t, "/pinned")
	ctx := context.Background()

	if _, err := store.GetOrFetch(ctx, key, 3, PriorityNever, gen); err != nil {
		t.Fatalf("cold fill failed: %v", err)
	}
	pinSliding(t, store, key)

	clock.Advance(2 * time.Hour)
	if _, err := store.GetOrFetch(ctx, key, 3, PriorityNever, gen); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if got := store.Stats().Misses; got != 1 {
		t.Errorf("Never entries must outlive the absolute deadline, got %d misses", got)
	}
}

func TestEvictionOrderUnderPressure(t *testing.T) {
	gen, _ := countingGen()
	sink := &syncSink{}
	clock := newFakeClock()
	cfg := testConfig()
	cfg.MaxItems = 6
	store := NewWithClock(cfg, clock).WithEvents(sink)
	defer store.Close()

	ctx := context.Background()
	low := testKey(t, "/low")
	high := testKey(t, "/high")
	normal := testKey(t, "/normal")

	// Each fill stores 2 variants (3 generated, 1 returned).
	for _, fill := range []struct {
		key Key
		pri Priority
	}{
		{low, PriorityLow},
		{high, PriorityHigh},
		{normal, PriorityNormal},
	} {
		if _, err := store.GetOrFetch(ctx, fill.key, 3, fill.pri, gen); err != nil {
			t.Fatalf("cold fill failed: %v", err)
		}
		clock.Advance(time.Second)
	}
	if store.Stats().Variants != 6 {
		t.Fatalf("expected 6 variants before pressure, got %d", store.Stats().Variants)
	}

	// A fourth entry pushes past the bound; the low-priority entry goes
	// first even though it is not the least recently used.
	extra := testKey(t, "/extra")
	if _, err := store.GetOrFetch(ctx, extra, 3, PriorityNormal, gen); err != nil {
		t.Fatalf("cold fill failed: %v", err)
	}
	store.Close()

	evicted := sink.keysOf(EventEvicted)
	if len(evicted) == 0 || evicted[0] != low {
		t.Fatalf("expected the low-priority entry evicted first, got %v", evicted)
	}
	if store.Stats().Variants > 6 {
		t.Errorf("expected bound restored, got %d variants", store.Stats().Variants)
	}
}

func TestNeverSurvivesPressureWhileOthersCanGo(t *testing.T) {
	gen, _ := countingGen()
	sink := &syncSink{}
	cfg := testConfig()
	cfg.MaxItems = 3
	store := NewWithClock(cfg, newFakeClock()).WithEvents(sink)
	defer store.Close()

	ctx := context.Background()
	pinned := testKey(t, "/pinned")
	if _, err := store.GetOrFetch(ctx, pinned, 4, PriorityNever, gen); err != nil {
		t.Fatalf("cold fill failed: %v", err)
	}

	// A second entry pushes past the bound; evicting it alone restores the
	// bound, so the Never entry is untouched.
	other := testKey(t, "/other")
	if _, err := store.GetOrFetch(ctx, other, 2, PriorityLow, gen); err != nil {
		t.Fatalf("cold fill failed: %v", err)
	}
	store.Close()

	evicted := sink.keysOf(EventEvicted)
	if len(evicted) != 1 || evicted[0] != other {
		t.Fatalf("expected only the low-priority entry evicted, got %v", evicted)
	}
	if store.Stats().Entries != 1 {
		t.Errorf("expected the Never entry to survive, got %d entries", store.Stats().Entries)
	}
}

func TestNeverEvictedOnlyAsLastResort(t *testing.T) {
	gen, _ := countingGen()
	sink := &syncSink{}
	cfg := testConfig()
	cfg.MaxItems = 3
	cfg.MaxPerKey = 10
	store := NewWithClock(cfg, newFakeClock()).WithEvents(sink)
	defer store.Close()

	// The only entry is a Never entry holding more than the global bound:
	// nothing else can free room, so it goes.
	pinned := testKey(t, "/pinned")
	if _, err := store.GetOrFetch(context.Background(), pinned, 6, PriorityNever, gen); err != nil {
		t.Fatalf("cold fill failed: %v", err)
	}
	store.Close()

	evicted := sink.keysOf(EventEvicted)
	if len(evicted) != 1 || evicted[0] != pinned {
		t.Fatalf("expected the Never entry evicted as last resort, got %v", evicted)
	}
}

func TestInvalidate(t *testing.T) {
	gen, _ := countingGen()
	store := NewWithClock(testConfig(), newFakeClock())
	defer store.Close()

	key := testKey(t, "/users")
	ctx := context.Background()

	if _, err := store.GetOrFetch(ctx, key, 3, PriorityNormal, gen); err != nil {
		t.Fatalf("cold fill failed: %v", err)
	}
	store.Invalidate(key)

	if stats := store.Stats(); stats.Entries != 0 || stats.Variants != 0 {
		t.Errorf("expected empty store after Invalidate, got %+v", stats)
	}
}

func TestClear(t *testing.T) {
	gen, _ := countingGen()
	store := NewWithClock(testConfig(), newFakeClock())
	defer store.Close()

	ctx := context.Background()
	for _, path := range []string{"/a", "/b", "/c"} {
		if _, err := store.GetOrFetch(ctx, testKey(t, path), 3, PriorityNormal, gen); err != nil {
			t.Fatalf("cold fill failed: %v", err)
		}
	}
	store.Clear()

	if stats := store.Stats(); stats.Entries != 0 || stats.Variants != 0 {
		t.Errorf("expected empty store after Clear, got %+v", stats)
	}
}

func TestCancellationDuringColdFill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := func(c context.Context) (string, error) {
		cancel()
		return `{"v":1}`, nil
	}
	store := NewWithClock(testConfig(), newFakeClock())
	defer store.Close()

	_, err := store.GetOrFetch(ctx, testKey(t, "/cancel"), 3, PriorityNormal, gen)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPeriodicSweepRemovesExpired(t *testing.T) {
	gen, _ := countingGen()
	clock := newFakeClock()
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	store := NewWithClock(cfg, clock)
	defer store.Close()

	ctx := context.Background()
	if _, err := store.GetOrFetch(ctx, testKey(t, "/stale"), 3, PriorityNormal, gen); err != nil {
		t.Fatalf("cold fill failed: %v", err)
	}

	clock.Advance(2 * time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for store.Stats().Entries != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not remove the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseIdempotent(t *testing.T) {
	store := NewWithClock(testConfig(), newFakeClock())
	store.Close()
	store.Close()
}
