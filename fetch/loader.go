package fetch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/holmbr/norq/cells"
	"github.com/holmbr/norq/nostr"
	"github.com/holmbr/norq/relay"
	"github.com/holmbr/norq/telemetry"
)

// defaultRequestTimeout bounds how long a coordinate may stay in flight
// without an answer before it becomes eligible for a retry.
const defaultRequestTimeout = time.Minute

// LoaderOption configures a relay loader during construction.
type LoaderOption func(*RelayLoader) error

// WithLoaderTimeout overrides the in-flight request timeout.
func WithLoaderTimeout(timeout time.Duration) LoaderOption {
	return func(l *RelayLoader) error {
		if l == nil {
			return nil
		}
		if timeout <= 0 {
			return fmt.Errorf("request timeout must be positive")
		}
		l.timeout = timeout
		return nil
	}
}

// WithLoaderLogger provides a custom logger instance for the loader.
func WithLoaderLogger(logger zerolog.Logger) LoaderOption {
	return func(l *RelayLoader) error {
		if l == nil {
			return nil
		}
		l.logger = logger
		return nil
	}
}

// WithLoaderTelemetry injects a collector for loader metrics.
func WithLoaderTelemetry(collector telemetry.Collector) LoaderOption {
	return func(l *RelayLoader) error {
		if l == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		l.collector = collector
		return nil
	}
}

// RelayLoader owns one subscription to one relay. It tracks which
// coordinates callers still want from that relay, batches them into a
// compact filter set and stages every answer in a relay-local cell.
type RelayLoader struct {
	relay     string
	sub       relay.Subscription
	cells     *cells.Store
	timeout   time.Duration
	logger    zerolog.Logger
	collector telemetry.Collector

	mu       sync.Mutex
	desired  map[nostr.Coordinate]struct{}
	inflight map[nostr.Coordinate]time.Time
}

// NewRelayLoader prepares a dormant loader for the given relay URL. The
// subscription is only opened once a reconcile pass finds coordinates to
// fetch.
func NewRelayLoader(url string, dialer relay.Dialer, opts ...LoaderOption) (*RelayLoader, error) {
	l := &RelayLoader{
		relay:     url,
		cells:     cells.NewStore(nil),
		timeout:   defaultRequestTimeout,
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
		desired:   make(map[nostr.Coordinate]struct{}),
		inflight:  make(map[nostr.Coordinate]time.Time),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	l.logger = l.logger.With().Str("relay", url).Logger()

	sub, err := dialer.Dial(url, relay.Handlers{
		OnEvent:      l.handleEvent,
		OnEndOfBatch: l.handleEndOfBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	l.sub = sub
	return l, nil
}

// Cell returns the relay-local cell for coord, creating it when absent. It
// never triggers network activity.
func (l *RelayLoader) Cell(coord nostr.Coordinate) *cells.Cell {
	return l.cells.Get(coord)
}

// Request returns coord's cell and, when the cell holds no value yet, marks
// the coordinate to be included in the next outgoing filter.
func (l *RelayLoader) Request(coord nostr.Coordinate) *cells.Cell {
	cell := l.cells.Get(coord)
	if _, filled := cell.Get(); filled {
		return cell
	}
	l.mu.Lock()
	l.desired[coord] = struct{}{}
	l.mu.Unlock()
	return cell
}

// Reconcile promotes pending coordinates into the in-flight set, expires
// entries the relay never answered and pushes the rebuilt filter set to the
// subscription. A pass without changes leaves the subscription untouched.
//
// A coordinate that is requested again while already in flight stays in the
// desired set; once the in-flight entry clears it is promoted again on the
// following pass.
func (l *RelayLoader) Reconcile(now time.Time) {
	l.mu.Lock()
	changed := false
	promoted := 0
	expired := 0

	for coord := range l.desired {
		if _, open := l.inflight[coord]; open {
			continue
		}
		delete(l.desired, coord)
		l.inflight[coord] = now
		promoted++
		changed = true
	}

	for coord, since := range l.inflight {
		if now.Sub(since) > l.timeout {
			delete(l.inflight, coord)
			expired++
			changed = true
		}
	}

	if !changed {
		l.mu.Unlock()
		return
	}

	open := len(l.inflight)
	filters := buildFilters(l.inflight)
	l.mu.Unlock()

	l.collector.SetInflight(l.relay, open)
	if open == 0 {
		l.logger.Debug().Int("expired", expired).Msg("no open requests, closing subscription")
		l.sub.Close()
		return
	}

	l.logger.Debug().
		Int("promoted", promoted).
		Int("expired", expired).
		Int("open", open).
		Msg("updating subscription filters")
	l.sub.SetFilters(filters)
	if l.sub.State() == relay.StateClosed {
		l.sub.Open()
	}
}

// Close shuts down the relay subscription.
func (l *RelayLoader) Close() {
	l.sub.Close()
}

func (l *RelayLoader) handleEvent(ev *nostr.Event) {
	coord, ok := ev.Coordinate()
	if !ok {
		l.logger.Debug().Int("kind", ev.Kind).Msg("ignoring event without coordinate")
		return
	}

	// An answer settles the request even if the event turns out to be stale.
	l.mu.Lock()
	delete(l.inflight, coord)
	open := len(l.inflight)
	l.mu.Unlock()
	l.collector.SetInflight(l.relay, open)

	if l.cells.Get(coord).Accept(ev) {
		l.collector.IncEventAccepted(l.relay)
	} else {
		l.collector.IncEventStale(l.relay)
	}
}

func (l *RelayLoader) handleEndOfBatch() {
	l.mu.Lock()
	cleared := len(l.inflight)
	l.inflight = make(map[nostr.Coordinate]time.Time)
	l.mu.Unlock()

	l.collector.SetInflight(l.relay, 0)
	if cleared > 0 {
		l.logger.Debug().Int("cleared", cleared).Msg("relay reported end of batch")
	}
}

// buildFilters groups the in-flight coordinates by kind. Within a kind,
// coordinates without an identifier get a filter of their own: an event
// carrying no "d" tag never matches a filter that lists the identifiers of
// its neighbours.
func buildFilters(inflight map[nostr.Coordinate]time.Time) []nostr.Filter {
	type group struct {
		plain       []string
		authors     []string
		identifiers []string
	}
	byKind := make(map[int]*group, len(inflight))
	for coord := range inflight {
		g := byKind[coord.Kind]
		if g == nil {
			g = &group{}
			byKind[coord.Kind] = g
		}
		if coord.Identifier == "" {
			g.plain = append(g.plain, coord.PubKey)
			continue
		}
		g.authors = append(g.authors, coord.PubKey)
		g.identifiers = append(g.identifiers, coord.Identifier)
	}

	kinds := make([]int, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Ints(kinds)

	filters := make([]nostr.Filter, 0, len(byKind))
	for _, kind := range kinds {
		g := byKind[kind]
		if len(g.plain) > 0 {
			filters = append(filters, nostr.Filter{
				Kinds:   []int{kind},
				Authors: sortedUnique(g.plain),
			})
		}
		if len(g.authors) > 0 {
			filters = append(filters, nostr.Filter{
				Kinds:       []int{kind},
				Authors:     sortedUnique(g.authors),
				Identifiers: sortedUnique(g.identifiers),
			})
		}
	}
	return filters
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	sort.Strings(values)
	out := values[:1]
	for _, v := range values[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
