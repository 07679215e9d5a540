package fetch

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/holmbr/norq/nostr"
	"github.com/holmbr/norq/store"
	"github.com/holmbr/norq/telemetry"
)

// fakeStore backs the coordinator with a map and lets individual operations
// be overridden per test.
type fakeStore struct {
	getFn   func(coordinate string) (*store.Record, bool, error)
	pruneFn func(cutoff time.Time) (int64, error)

	mu   sync.Mutex
	recs map[string]*store.Record
	gets map[string]int
	puts []*store.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recs: make(map[string]*store.Record),
		gets: make(map[string]int),
	}
}

func (f *fakeStore) Get(_ context.Context, coordinate string) (*store.Record, bool, error) {
	f.mu.Lock()
	f.gets[coordinate]++
	getFn := f.getFn
	rec, ok := f.recs[coordinate]
	f.mu.Unlock()
	if getFn != nil {
		return getFn(coordinate)
	}
	if !ok {
		return nil, false, nil
	}
	return rec, true, nil
}

func (f *fakeStore) Put(_ context.Context, rec *store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.Coordinate] = rec
	f.puts = append(f.puts, rec)
	return nil
}

func (f *fakeStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	pruneFn := f.pruneFn
	var removed int64
	if pruneFn == nil {
		for coordinate, rec := range f.recs {
			if rec.SavedAt.Before(cutoff) {
				delete(f.recs, coordinate)
				removed++
			}
		}
	}
	f.mu.Unlock()
	if pruneFn != nil {
		return pruneFn(cutoff)
	}
	return removed, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) getCount(coordinate string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[coordinate]
}

func (f *fakeStore) record(coordinate string) (*store.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[coordinate]
	return rec, ok
}

func (f *fakeStore) putTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func (f *fakeStore) putRecords() []*store.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.Record(nil), f.puts...)
}

// fakeCollector counts telemetry calls so tests can assert merge outcomes
// without a metrics registry.
type fakeCollector struct {
	mu       sync.Mutex
	lookups  map[string]int
	accepted map[string]int
	stale    map[string]int
	inflight map[string]int
	pruned   int64
	cells    int
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{
		lookups:  make(map[string]int),
		accepted: make(map[string]int),
		stale:    make(map[string]int),
		inflight: make(map[string]int),
	}
}

func (f *fakeCollector) IncStoreLookup(outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups[outcome]++
}

func (f *fakeCollector) IncEventAccepted(relay string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted[relay]++
}

func (f *fakeCollector) IncEventStale(relay string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale[relay]++
}

func (f *fakeCollector) AddPrunedRecords(count int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned += count
}

func (f *fakeCollector) SetCellCount(count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells = count
}

func (f *fakeCollector) SetInflight(relay string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[relay] = count
}

func (f *fakeCollector) lookupCount(outcome string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups[outcome]
}

func (f *fakeCollector) acceptedCount(source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted[source]
}

func (f *fakeCollector) staleCount(source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale[source]
}

func (f *fakeCollector) prunedTotal() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pruned
}

func newTestCoordinator(t *testing.T, st store.Store, dialer *fakeDialer, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{WithLogger(zerolog.New(io.Discard))}
	c, err := New(st, dialer, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// reconcileUntilLive drives reconcile passes until the relay has received a
// filter set, absorbing the window in which the background resolve is still
// registering the coordinate.
func reconcileUntilLive(t *testing.T, c *Coordinator, dialer *fakeDialer, url string) *fakeSubscription {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		c.ReconcileAll()
		sub := dialer.sub(url)
		return sub != nil && len(sub.lastFilters()) > 0
	})
	return dialer.sub(url)
}

func TestCoordinatorServesFromDurableStore(t *testing.T) {
	st := newFakeStore()
	st.recs["10002:alice"] = &store.Record{
		Coordinate: "10002:alice",
		Event:      profileEvent("alice", 100),
		SavedAt:    time.Unix(900, 0),
	}
	collector := newFakeCollector()
	dialer := newFakeDialer()
	c := newTestCoordinator(t, st, dialer, WithTelemetry(collector))

	cell := c.Request([]string{"wss://relay.test"}, profileCoord("alice"), false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := cell.Await(ctx)
	if err != nil {
		t.Fatalf("await cached value: %v", err)
	}
	if ev.CreatedAt != 100 {
		t.Fatalf("expected cached event, got %+v", ev)
	}
	if n := dialer.dialCount("wss://relay.test"); n != 0 {
		t.Fatalf("cache hit must not touch the network, dialed %d times", n)
	}
	if got := collector.lookupCount(telemetry.LookupHit); got != 1 {
		t.Fatalf("expected one recorded hit, got %d", got)
	}
}

func TestCoordinatorDeduplicatesStoreLookups(t *testing.T) {
	st := newFakeStore()
	gate := make(chan struct{})
	entered := make(chan struct{}, 8)
	st.getFn = func(string) (*store.Record, bool, error) {
		entered <- struct{}{}
		<-gate
		return nil, false, nil
	}
	collector := newFakeCollector()
	c := newTestCoordinator(t, st, newFakeDialer(), WithTelemetry(collector))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.lookup(profileCoord("alice"))
		}()
	}

	// Hold the first read open until the remaining callers had a chance to
	// join it.
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := st.getCount("10002:alice"); got != 1 {
		t.Fatalf("concurrent lookups must share one store read, got %d", got)
	}
	if got := collector.lookupCount(telemetry.LookupMiss); got != 1 {
		t.Fatalf("expected a single recorded miss, got %d", got)
	}
}

func TestCoordinatorFetchesFromRelaysAndMerges(t *testing.T) {
	st := newFakeStore()
	dialer := newFakeDialer()
	c := newTestCoordinator(t, st, dialer)

	alice := profileCoord("alice")
	relays := []string{"wss://a.test", "wss://b.test"}
	cell := c.Request(relays, alice, false)

	subA := reconcileUntilLive(t, c, dialer, "wss://a.test")
	subB := reconcileUntilLive(t, c, dialer, "wss://b.test")
	want := []nostr.Filter{{Kinds: []int{10002}, Authors: []string{"alice"}}}
	if got := subA.lastFilters(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected filters: %+v", got)
	}
	if updates, opens, _ := subA.counts(); updates != 1 || opens != 1 {
		t.Fatalf("repeated reconcile passes must not repush filters: updates=%d opens=%d", updates, opens)
	}

	subA.deliver(profileEvent("alice", 100))
	if ev, ok := cell.Get(); !ok || ev.CreatedAt != 100 {
		t.Fatalf("expected first answer in central cell, got %+v", ev)
	}

	subA.deliver(profileEvent("alice", 150))
	if ev, _ := cell.Get(); ev.CreatedAt != 150 {
		t.Fatalf("newer answer must replace, got %d", ev.CreatedAt)
	}

	// The slower relay answers with an older version; the merge drops it.
	subB.deliver(profileEvent("alice", 50))
	if ev, _ := cell.Get(); ev.CreatedAt != 150 {
		t.Fatalf("older relay answer must lose, got %d", ev.CreatedAt)
	}

	waitFor(t, 2*time.Second, func() bool { return st.putTotal() == 2 })
	seen := make(map[int64]bool)
	for _, rec := range st.putRecords() {
		seen[rec.Event.CreatedAt] = true
	}
	if !seen[100] || !seen[150] || seen[50] {
		t.Fatalf("expected exactly the accepted events persisted, got %v", seen)
	}

	if n := dialer.dialCount("wss://a.test"); n != 1 {
		t.Fatalf("loader must be shared, dialed %d times", n)
	}
	c.mu.Lock()
	links := len(c.links)
	c.mu.Unlock()
	if links != 2 {
		t.Fatalf("expected one link per relay, got %d", links)
	}
}

func TestCoordinatorServesAnswersDeliveredBeforeTheirRequest(t *testing.T) {
	st := newFakeStore()
	dialer := newFakeDialer()
	c := newTestCoordinator(t, st, dialer)

	relays := []string{"wss://relay.test"}
	c.Request(relays, nostr.Coordinate{Kind: 30023, PubKey: "alice", Identifier: "notes"}, false)
	c.Request(relays, nostr.Coordinate{Kind: 30023, PubKey: "bob", Identifier: "recipes"}, false)

	// The combined filter matches every author and identifier pairing, so
	// the relay may answer a coordinate nobody has requested yet.
	want := []nostr.Filter{{Kinds: []int{30023}, Authors: []string{"alice", "bob"}, Identifiers: []string{"notes", "recipes"}}}
	waitFor(t, 2*time.Second, func() bool {
		c.ReconcileAll()
		sub := dialer.sub("wss://relay.test")
		return sub != nil && reflect.DeepEqual(sub.lastFilters(), want)
	})
	sub := dialer.sub("wss://relay.test")
	sub.deliver(articleEvent("alice", "recipes", 100))

	stray := nostr.Coordinate{Kind: 30023, PubKey: "alice", Identifier: "recipes"}
	c.mu.Lock()
	loader := c.loaders["wss://relay.test"]
	c.mu.Unlock()
	if _, ok := loader.Cell(stray).Get(); !ok {
		t.Fatalf("expected delivery staged in the relay-local cell")
	}

	// The store knows nothing about the coordinate, so only the staged
	// local value can satisfy the request.
	cell := c.Request(relays, stray, false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := cell.Await(ctx)
	if err != nil {
		t.Fatalf("await staged answer: %v", err)
	}
	if ev.CreatedAt != 100 {
		t.Fatalf("expected staged answer, got %+v", ev)
	}

	waitFor(t, 2*time.Second, func() bool { return st.putTotal() == 1 })
	if rec := st.putRecords()[0]; rec.Coordinate != "30023:alice:recipes" {
		t.Fatalf("persisted unexpected coordinate %q", rec.Coordinate)
	}
}

func TestCoordinatorForceQueriesNetworkDespiteCache(t *testing.T) {
	st := newFakeStore()
	st.recs["10002:alice"] = &store.Record{
		Coordinate: "10002:alice",
		Event:      profileEvent("alice", 100),
		SavedAt:    time.Unix(900, 0),
	}
	dialer := newFakeDialer()
	c := newTestCoordinator(t, st, dialer)

	cell := c.Request([]string{"wss://relay.test"}, profileCoord("alice"), true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ev, err := cell.Await(ctx); err != nil || ev.CreatedAt != 100 {
		t.Fatalf("cached value must still land in the cell: %+v %v", ev, err)
	}

	sub := reconcileUntilLive(t, c, dialer, "wss://relay.test")
	sub.deliver(profileEvent("alice", 180))
	if ev, _ := cell.Get(); ev.CreatedAt != 180 {
		t.Fatalf("forced refresh must accept newer relay answer, got %d", ev.CreatedAt)
	}
}

func TestCoordinatorTreatsStoreErrorAsMiss(t *testing.T) {
	st := newFakeStore()
	st.getFn = func(string) (*store.Record, bool, error) {
		return nil, false, errors.New("database locked")
	}
	collector := newFakeCollector()
	dialer := newFakeDialer()
	c := newTestCoordinator(t, st, dialer, WithTelemetry(collector))

	cell := c.Request([]string{"wss://relay.test"}, profileCoord("alice"), false)
	sub := reconcileUntilLive(t, c, dialer, "wss://relay.test")
	sub.deliver(profileEvent("alice", 70))
	if ev, _ := cell.Get(); ev == nil || ev.CreatedAt != 70 {
		t.Fatalf("read failure must fall through to the network, got %+v", ev)
	}
	if got := collector.lookupCount(telemetry.LookupError); got != 1 {
		t.Fatalf("expected one recorded lookup error, got %d", got)
	}
}

func TestCoordinatorIngestMergesAndPersists(t *testing.T) {
	st := newFakeStore()
	collector := newFakeCollector()
	c := newTestCoordinator(t, st, newFakeDialer(), WithTelemetry(collector))

	c.Ingest(nil)
	c.Ingest(&nostr.Event{ID: "note", PubKey: "alice", CreatedAt: 10, Kind: 1})

	c.Ingest(profileEvent("alice", 100))
	cell := c.Cell(profileCoord("alice"))
	if ev, ok := cell.Get(); !ok || ev.CreatedAt != 100 {
		t.Fatalf("expected ingested event in cell, got %+v", ev)
	}
	waitFor(t, 2*time.Second, func() bool { return st.putTotal() == 1 })

	c.Ingest(profileEvent("alice", 40))
	if ev, _ := cell.Get(); ev.CreatedAt != 100 {
		t.Fatalf("older ingested event must lose, got %d", ev.CreatedAt)
	}
	if st.putTotal() != 1 {
		t.Fatalf("rejected event must not be persisted")
	}
	if collector.acceptedCount("ingest") != 1 || collector.staleCount("ingest") != 1 {
		t.Fatalf("unexpected merge outcomes: accepted=%d stale=%d",
			collector.acceptedCount("ingest"), collector.staleCount("ingest"))
	}
}

func TestCoordinatorIngestRuleFiltersEvents(t *testing.T) {
	rule, err := CompileIngestRule(`kind == 10002 && identifier == ""`)
	if err != nil {
		t.Fatalf("compile rule: %v", err)
	}
	c := newTestCoordinator(t, newFakeStore(), newFakeDialer(), WithIngestRule(rule))

	c.Ingest(articleEvent("carol", "notes", 90))
	article := nostr.Coordinate{Kind: 30023, PubKey: "carol", Identifier: "notes"}
	if _, ok := c.Cell(article).Get(); ok {
		t.Fatalf("rule must reject the article event")
	}

	c.Ingest(profileEvent("alice", 90))
	if ev, ok := c.Cell(profileCoord("alice")).Get(); !ok || ev.CreatedAt != 90 {
		t.Fatalf("rule must accept the profile event, got %+v", ev)
	}
}

func TestCoordinatorPruneSweepsOldRecords(t *testing.T) {
	base := time.Unix(2_000_000, 0)
	st := newFakeStore()
	st.recs["10002:old"] = &store.Record{
		Coordinate: "10002:old",
		Event:      profileEvent("old", 10),
		SavedAt:    base.Add(-25 * time.Hour),
	}
	st.recs["10002:new"] = &store.Record{
		Coordinate: "10002:new",
		Event:      profileEvent("new", 20),
		SavedAt:    base.Add(-30 * time.Minute),
	}
	collector := newFakeCollector()
	c := newTestCoordinator(t, st, newFakeDialer(),
		WithClock(func() time.Time { return base }),
		WithTelemetry(collector),
	)

	c.Prune(context.Background())
	if _, ok := st.record("10002:old"); ok {
		t.Fatalf("expected record beyond retention to be pruned")
	}
	if _, ok := st.record("10002:new"); !ok {
		t.Fatalf("record within retention must survive")
	}
	if got := collector.prunedTotal(); got != 1 {
		t.Fatalf("expected one pruned record, got %d", got)
	}

	// A failing sweep is logged and swallowed without counting anything.
	st.pruneFn = func(time.Time) (int64, error) { return 0, errors.New("database locked") }
	c.Prune(context.Background())
	if got := collector.prunedTotal(); got != 1 {
		t.Fatalf("failed sweep must not count, got %d", got)
	}
}

func TestCoordinatorRunLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := store.NewMemory()
	dialer := newFakeDialer()
	c, err := New(st, dialer,
		WithLogger(zerolog.New(io.Discard)),
		WithReconcileInterval(10*time.Millisecond),
		WithPruneInterval(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cell := c.Request([]string{"wss://relay.test"}, profileCoord("alice"), false)
	waitFor(t, 2*time.Second, func() bool {
		sub := dialer.sub("wss://relay.test")
		return sub != nil && len(sub.lastFilters()) > 0
	})
	dialer.sub("wss://relay.test").deliver(profileEvent("alice", 120))

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer awaitCancel()
	ev, err := cell.Await(awaitCtx)
	if err != nil {
		t.Fatalf("await relay answer: %v", err)
	}
	if ev.CreatedAt != 120 {
		t.Fatalf("expected relay answer, got %+v", ev)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok, err := st.Get(context.Background(), "10002:alice")
		return err == nil && ok
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run must absorb cancellation: %v", err)
	}
	c.Close()
	if _, _, closes := dialer.sub("wss://relay.test").counts(); closes == 0 {
		t.Fatalf("close must shut down relay subscriptions")
	}
}

func TestCoordinatorCloseStopsNewWork(t *testing.T) {
	st := newFakeStore()
	dialer := newFakeDialer()
	c, err := New(st, dialer, WithLogger(zerolog.New(io.Discard)))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	c.Request([]string{"wss://relay.test"}, profileCoord("alice"), false)
	waitFor(t, 2*time.Second, func() bool { return dialer.sub("wss://relay.test") != nil })

	c.Close()
	c.Close()
	if _, _, closes := dialer.sub("wss://relay.test").counts(); closes != 1 {
		t.Fatalf("close must be idempotent, got %d closes", closes)
	}

	c.Request([]string{"wss://other.test"}, profileCoord("bob"), false)
	time.Sleep(50 * time.Millisecond)
	if n := dialer.dialCount("wss://other.test"); n != 0 {
		t.Fatalf("closed coordinator must not dial new relays, dialed %d times", n)
	}
}

func TestNewCoordinatorValidatesArguments(t *testing.T) {
	if _, err := New(nil, newFakeDialer()); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := New(newFakeStore(), nil); err == nil {
		t.Fatalf("expected error for nil dialer")
	}
	if _, err := New(newFakeStore(), newFakeDialer(), WithReconcileInterval(0)); err == nil {
		t.Fatalf("expected error for non-positive reconcile interval")
	}
	if _, err := New(newFakeStore(), newFakeDialer(), WithClock(nil)); err == nil {
		t.Fatalf("expected error for nil clock")
	}
	if _, err := New(newFakeStore(), newFakeDialer(), nil, WithRetention(time.Hour)); err != nil {
		t.Fatalf("nil option must be skipped: %v", err)
	}
}
