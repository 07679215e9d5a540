// Package fetch keeps the newest known replaceable event per coordinate
// available in memory, backed by a durable store and refreshed through
// batched relay subscriptions.
package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/holmbr/norq/cells"
	"github.com/holmbr/norq/nostr"
	"github.com/holmbr/norq/relay"
	"github.com/holmbr/norq/store"
	"github.com/holmbr/norq/telemetry"
)

const (
	defaultReconcileInterval = 2 * time.Second
	defaultPruneInterval     = time.Hour
	defaultRetention         = 24 * time.Hour

	// storeTimeout caps individual durable store operations issued from
	// background goroutines.
	storeTimeout = 10 * time.Second

	// ingestSource labels merge outcomes for events that arrived outside
	// an explicit request.
	ingestSource = "ingest"
)

// Coordinator is the single source of truth for the newest known event per
// coordinate. It arbitrates between the in-memory cells, the durable store
// and any number of per-relay loaders created on demand.
type Coordinator struct {
	store     store.Store
	dialer    relay.Dialer
	cells     *cells.Store
	logger    zerolog.Logger
	collector telemetry.Collector
	now       func() time.Time

	reconcileInterval time.Duration
	requestTimeout    time.Duration
	pruneInterval     time.Duration
	retention         time.Duration
	ingestRule        IngestRule

	lookups singleflight.Group

	mu      sync.Mutex
	loaders map[string]*RelayLoader
	links   map[linkKey]struct{}
	closed  bool
}

// linkKey guards against subscribing the central cell to the same
// relay-local cell twice.
type linkKey struct {
	relay string
	coord nostr.Coordinate
}

// New constructs a coordinator on top of the given durable store and relay
// dialer.
func New(st store.Store, dialer relay.Dialer, opts ...Option) (*Coordinator, error) {
	if st == nil {
		return nil, errors.New("store must not be nil")
	}
	if dialer == nil {
		return nil, errors.New("dialer must not be nil")
	}
	c := &Coordinator{
		store:             st,
		dialer:            dialer,
		cells:             cells.NewStore(nil),
		logger:            zerolog.Nop(),
		collector:         telemetry.Noop(),
		now:               time.Now,
		reconcileInterval: defaultReconcileInterval,
		requestTimeout:    defaultRequestTimeout,
		pruneInterval:     defaultPruneInterval,
		retention:         defaultRetention,
		loaders:           make(map[string]*RelayLoader),
		links:             make(map[linkKey]struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Cell returns the live handle holding the newest known event for coord. It
// never blocks and never triggers network activity.
func (c *Coordinator) Cell(coord nostr.Coordinate) *cells.Cell {
	cell := c.cells.Get(coord)
	c.collector.SetCellCount(c.cells.Len())
	return cell
}

// Request returns coord's cell immediately and starts filling it in the
// background. An empty cell first triggers a durable store lookup shared by
// all concurrent callers; the listed relays are only queried when the store
// has nothing, or unconditionally when force is set.
func (c *Coordinator) Request(relays []string, coord nostr.Coordinate, force bool) *cells.Cell {
	cell := c.Cell(coord)
	if _, filled := cell.Get(); filled && !force {
		return cell
	}
	go c.resolve(relays, coord, cell, force)
	return cell
}

func (c *Coordinator) resolve(relays []string, coord nostr.Coordinate, cell *cells.Cell, force bool) {
	_, filled := cell.Get()
	if !filled {
		if rec := c.lookup(coord); rec != nil {
			cell.Accept(rec.Event)
			filled = true
		}
	}
	if filled && !force {
		return
	}
	c.fanOut(relays, coord)
}

// lookup reads the durable store once per coordinate regardless of how many
// callers ask concurrently. Read failures count as misses so the request
// falls through to the network.
func (c *Coordinator) lookup(coord nostr.Coordinate) *store.Record {
	key := coord.String()
	v, err, _ := c.lookups.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		rec, ok, err := c.store.Get(ctx, key)
		if err != nil {
			c.collector.IncStoreLookup(telemetry.LookupError)
			return nil, err
		}
		if !ok {
			c.collector.IncStoreLookup(telemetry.LookupMiss)
			return nil, nil
		}
		c.collector.IncStoreLookup(telemetry.LookupHit)
		return rec, nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("coordinate", key).Msg("store lookup failed")
		return nil
	}
	if v == nil {
		return nil
	}
	return v.(*store.Record)
}

// fanOut asks every listed relay for coord and links the central cell to
// each relay-local cell exactly once.
func (c *Coordinator) fanOut(relays []string, coord nostr.Coordinate) {
	central := c.cells.Get(coord)
	for _, url := range relays {
		loader, err := c.loader(url)
		if err != nil {
			c.logger.Warn().Err(err).Str("relay", url).Msg("skipping relay")
			continue
		}
		local := loader.Request(coord)
		c.link(url, coord, local, central)
	}
}

// loader returns the shared loader for url, creating it on first use.
// Loaders live until Close; they are never removed.
func (c *Coordinator) loader(url string) (*RelayLoader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("coordinator is closed")
	}
	if l, ok := c.loaders[url]; ok {
		return l, nil
	}
	l, err := NewRelayLoader(url, c.dialer,
		WithLoaderTimeout(c.requestTimeout),
		WithLoaderLogger(c.logger),
		WithLoaderTelemetry(c.collector),
	)
	if err != nil {
		return nil, err
	}
	c.loaders[url] = l
	return l, nil
}

func (c *Coordinator) link(url string, coord nostr.Coordinate, local, central *cells.Cell) {
	key := linkKey{relay: url, coord: coord}
	c.mu.Lock()
	if _, linked := c.links[key]; linked {
		c.mu.Unlock()
		return
	}
	c.links[key] = struct{}{}
	c.mu.Unlock()

	local.Subscribe(func(ev *nostr.Event) {
		if central.Accept(ev) {
			c.persist(coord, ev)
		}
	})

	// Batched filters can fill the local cell before the first request for
	// its coordinate. Subscriptions do not replay, so fold an already held
	// value through the same path.
	if ev, ok := local.Get(); ok {
		if central.Accept(ev) {
			c.persist(coord, ev)
		}
	}
}

// Ingest merges an event discovered outside an explicit request, for
// example one that arrived as part of a broader query elsewhere in the
// application. The usual newest-wins rule and persistence apply.
func (c *Coordinator) Ingest(ev *nostr.Event) {
	if ev == nil {
		return
	}
	coord, ok := ev.Coordinate()
	if !ok {
		c.logger.Debug().Int("kind", ev.Kind).Msg("ignoring event without coordinate")
		return
	}
	if c.ingestRule != nil && !c.ingestRule(ev) {
		c.logger.Debug().Str("coordinate", coord.String()).Msg("ingest rule rejected event")
		return
	}
	if c.Cell(coord).Accept(ev) {
		c.collector.IncEventAccepted(ingestSource)
		c.persist(coord, ev)
	} else {
		c.collector.IncEventStale(ingestSource)
	}
}

// persist writes the accepted event to the durable store without blocking
// the caller. Write failures are logged and swallowed; the store is an
// optimization, not a correctness requirement.
func (c *Coordinator) persist(coord nostr.Coordinate, ev *nostr.Event) {
	rec := &store.Record{Coordinate: coord.String(), Event: ev, SavedAt: c.now()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.store.Put(ctx, rec); err != nil {
			c.logger.Warn().Err(err).Str("coordinate", rec.Coordinate).Msg("persist event failed")
		}
	}()
}

// ReconcileAll drives one reconcile pass on every live loader.
func (c *Coordinator) ReconcileAll() {
	now := c.now()
	for _, l := range c.snapshotLoaders() {
		l.Reconcile(now)
	}
}

// Prune removes durable records whose save timestamp fell out of the
// retention window.
func (c *Coordinator) Prune(ctx context.Context) {
	cutoff := c.now().Add(-c.retention)
	removed, err := c.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		c.logger.Warn().Err(err).Msg("prune store failed")
		return
	}
	c.collector.AddPrunedRecords(removed)
	if removed > 0 {
		c.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("pruned stale events")
	}
}

// Run prunes once, then drives periodic reconciliation and pruning until
// ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Prune(ctx)

	reconcile := time.NewTicker(c.reconcileInterval)
	defer reconcile.Stop()
	prune := time.NewTicker(c.pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		case <-reconcile.C:
			c.ReconcileAll()
		case <-prune.C:
			c.Prune(ctx)
		}
	}
}

// Close shuts down every relay subscription. The durable store is owned by
// the caller and stays open.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	loaders := make([]*RelayLoader, 0, len(c.loaders))
	for _, l := range c.loaders {
		loaders = append(loaders, l)
	}
	c.mu.Unlock()

	for _, l := range loaders {
		l.Close()
	}
}

func (c *Coordinator) snapshotLoaders() []*RelayLoader {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*RelayLoader, 0, len(c.loaders))
	for _, l := range c.loaders {
		out = append(out, l)
	}
	return out
}
