package cells

import (
	"context"
	"sync"

	"github.com/holmbr/norq/nostr"
)

// AcceptFunc decides whether an incoming event replaces the held one.
// current is nil while the cell is empty.
type AcceptFunc func(current, incoming *nostr.Event) bool

// LastWriterWins accepts an event only when the cell is empty or the incoming
// timestamp strictly exceeds the held one. Ties lose, so the held timestamp
// never decreases.
func LastWriterWins(current, incoming *nostr.Event) bool {
	if incoming == nil {
		return false
	}
	return current == nil || incoming.CreatedAt > current.CreatedAt
}

// Cell holds the newest accepted event for a single coordinate and publishes
// every accepted replacement to its subscribers in acceptance order.
//
// Subscribers run synchronously while the cell is locked, which is what
// keeps the delivery order aligned with acceptance; callbacks must return
// quickly and must not call back into the same cell.
type Cell struct {
	mu      sync.Mutex
	accept  AcceptFunc
	value   *nostr.Event
	subs    map[int]func(*nostr.Event)
	nextSub int
	ready   chan struct{}
}

// New creates an empty cell. A nil accept function falls back to
// LastWriterWins.
func New(accept AcceptFunc) *Cell {
	if accept == nil {
		accept = LastWriterWins
	}
	return &Cell{
		accept: accept,
		subs:   make(map[int]func(*nostr.Event)),
		ready:  make(chan struct{}),
	}
}

// Get returns the held event, if any.
func (c *Cell) Get() (*nostr.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil {
		return nil, false
	}
	return c.value, true
}

// Accept offers an event to the cell and reports whether it replaced the
// held value. Rejected events are dropped silently.
func (c *Cell) Accept(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accept(c.value, ev) {
		return false
	}
	first := c.value == nil
	c.value = ev
	if first {
		close(c.ready)
	}
	for _, fn := range c.subs {
		fn(ev)
	}
	return true
}

// Subscribe registers fn for every future accepted update and returns a
// cancel function. The held value, if any, is not replayed.
func (c *Cell) Subscribe(fn func(*nostr.Event)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Await blocks until the cell first holds a value or the context ends.
func (c *Cell) Await(ctx context.Context) (*nostr.Event, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ev, _ := c.Get()
	return ev, nil
}

// Store hands out cells keyed by coordinate. Cells are created on first use
// and never removed, so a cell reference stays valid for the life of the
// store.
type Store struct {
	mu     sync.RWMutex
	accept AcceptFunc
	cells  map[nostr.Coordinate]*Cell
}

// NewStore creates an empty store whose cells use the given acceptance
// function.
func NewStore(accept AcceptFunc) *Store {
	return &Store{accept: accept, cells: make(map[nostr.Coordinate]*Cell)}
}

// Lookup returns the cell for the coordinate if one was ever created.
func (s *Store) Lookup(coord nostr.Coordinate) (*Cell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cells[coord]
	return c, ok
}

// Get returns the cell for the coordinate, creating it on first use.
func (s *Store) Get(coord nostr.Coordinate) *Cell {
	s.mu.RLock()
	c, ok := s.cells[coord]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cells[coord]; ok {
		return c
	}
	c = New(s.accept)
	s.cells[coord] = c
	return c
}

// Len returns the number of cells created so far.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}
