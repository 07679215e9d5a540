package relay

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/holmbr/norq/nostr"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	reconnectMin            = time.Second
	reconnectMax            = time.Minute
)

// WebsocketDialer creates live relay subscriptions over websockets.
type WebsocketDialer struct {
	logger    zerolog.Logger
	handshake time.Duration
}

// NewWebsocketDialer returns a dialer whose subscriptions log through the
// given logger.
func NewWebsocketDialer(logger zerolog.Logger) *WebsocketDialer {
	return &WebsocketDialer{logger: logger, handshake: defaultHandshakeTimeout}
}

// Dial validates the relay URL and returns a dormant subscription for it.
func (d *WebsocketDialer) Dial(rawURL string, handlers Handlers) (Subscription, error) {
	if rawURL == "" {
		return nil, errors.New("relay url must not be empty")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url %s: %w", rawURL, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("relay url %s: unsupported scheme %q", rawURL, parsed.Scheme)
	}
	return &wsSubscription{
		url:      rawURL,
		id:       uuid.NewString(),
		handlers: handlers,
		logger:   d.logger.With().Str("relay", rawURL).Logger(),
		dialer:   &websocket.Dialer{HandshakeTimeout: d.handshake},
	}, nil
}

// wsSubscription keeps one query alive against one relay. While open it owns
// a background goroutine that connects, replays the current filters and
// reconnects with jittered backoff after transport errors.
type wsSubscription struct {
	url      string
	id       string
	handlers Handlers
	logger   zerolog.Logger
	dialer   *websocket.Dialer

	mu      sync.Mutex
	state   State
	filters []nostr.Filter
	conn    *websocket.Conn
	stop    chan struct{}

	// wmu serialises writes; gorilla connections allow one writer at a time.
	wmu sync.Mutex
}

func (s *wsSubscription) SetFilters(filters []nostr.Filter) {
	s.mu.Lock()
	s.filters = append([]nostr.Filter(nil), filters...)
	s.mu.Unlock()
	if err := s.sendFilters(); err != nil {
		s.logger.Debug().Err(err).Msg("update subscription failed")
	}
}

func (s *wsSubscription) Open() {
	s.mu.Lock()
	if s.state == StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateOpen
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()
	go s.run(stop)
}

func (s *wsSubscription) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	stop := s.stop
	s.stop = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		if raw, err := encodeClose(s.id); err == nil {
			_ = s.write(conn, raw)
		}
		_ = conn.Close()
	}
}

func (s *wsSubscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *wsSubscription) run(stop chan struct{}) {
	retry := &backoff.Backoff{Min: reconnectMin, Max: reconnectMax, Jitter: true}
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, err := s.connect()
		if err != nil {
			s.logger.Debug().Err(err).Msg("relay connect failed")
			select {
			case <-stop:
				return
			case <-time.After(retry.Duration()):
			}
			continue
		}
		retry.Reset()

		if !s.install(conn, stop) {
			_ = conn.Close()
			return
		}
		if err := s.sendFilters(); err != nil {
			s.logger.Debug().Err(err).Msg("send subscription failed")
		}
		s.readLoop(conn)
		s.uninstall(conn)

		select {
		case <-stop:
			return
		case <-time.After(retry.Duration()):
		}
	}
}

func (s *wsSubscription) connect() (*websocket.Conn, error) {
	conn, resp, err := s.dialer.Dial(s.url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

func (s *wsSubscription) install(conn *websocket.Conn, stop chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.stop != stop {
		return false
	}
	s.conn = conn
	return true
}

func (s *wsSubscription) uninstall(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// sendFilters issues a REQ carrying the current filter set. Reusing the
// subscription id makes the relay replace the previous filters in place.
func (s *wsSubscription) sendFilters() error {
	s.mu.Lock()
	filters := append([]nostr.Filter(nil), s.filters...)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || len(filters) == 0 {
		return nil
	}
	raw, err := encodeReq(s.id, filters)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	return s.write(conn, raw)
}

func (s *wsSubscription) write(conn *websocket.Conn, raw []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *wsSubscription) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.State() == StateOpen {
				s.logger.Debug().Err(err).Msg("relay connection lost")
			}
			return
		}
		s.dispatch(raw)
	}
}

func (s *wsSubscription) dispatch(raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		s.logger.Debug().Err(err).Msg("drop unreadable frame")
		return
	}
	switch f.label {
	case labelEvent:
		if f.sub == s.id && f.event != nil && s.handlers.OnEvent != nil {
			s.handlers.OnEvent(f.event)
		}
	case labelEOSE:
		if f.sub == s.id && s.handlers.OnEndOfBatch != nil {
			s.handlers.OnEndOfBatch()
		}
	case labelNotice:
		s.logger.Info().Str("notice", f.text).Msg("relay notice")
	case labelClosed:
		if f.sub == s.id {
			s.logger.Warn().Str("reason", f.text).Msg("relay closed subscription")
		}
	}
}
