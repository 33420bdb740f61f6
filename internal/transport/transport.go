// Package transport owns the one persistent websocket to the ClearNode. It
// frames outbound envelopes, reads inbound frames on a single goroutine and
// dispatches them by method name, strictly in arrival order. Exactly one
// Transport instance backs one logical session; reconnecting supersedes the
// previous socket and every frame still in flight on it.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tipstream/tipstream/internal/errs"
	"github.com/tipstream/tipstream/internal/rpc"
)

// connectTimeout is the ceiling on the initial dial. If the socket is still
// connecting when it expires, the attempt is abandoned and reported as a
// timeout.
const connectTimeout = 10 * time.Second

const pingInterval = 20 * time.Second

// State is the connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Handler consumes one inbound envelope. Handlers for the same socket never
// run concurrently with each other.
type Handler func(env rpc.Envelope)

// Transport is the websocket client.
type Transport struct {
	url string
	log zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	gen      uint64
	closed   chan struct{}
	downOnce *sync.Once
	handlers map[string][]Handler
	onDown   []func(error)
}

// New creates a Transport for the given ClearNode URL.
func New(url string, log zerolog.Logger) *Transport {
	return &Transport{
		url:      url,
		log:      log.With().Str("component", "transport").Logger(),
		handlers: make(map[string][]Handler),
	}
}

// Handle registers a handler for an inbound method. Several components may
// subscribe to the same method (the error envelope in particular); they run
// in registration order, one at a time.
func (t *Transport) Handle(method string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = append(t.handlers[method], h)
}

// OnDown registers a terminal-state notification. Registered callbacks fire
// exactly once per connection, with the error that took the socket down
// (nil on an explicit Close).
func (t *Transport) OnDown(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDown = append(t.onDown, fn)
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the coordinator. Any previous connection is superseded:
// its frames are discarded and its terminal notification fires.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.teardownLocked(nil)
	}
	t.state = StateConnecting
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	t.log.Info().Str("url", t.url).Msg("connecting")

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, t.url, nil)
	if err != nil {
		t.mu.Lock()
		if t.gen == gen {
			t.state = StateIdle
		}
		t.mu.Unlock()
		if dialCtx.Err() == context.DeadlineExceeded {
			return errs.Errorf(errs.KindTimeout, "transport.Connect", "connect timed out after %s", connectTimeout)
		}
		return errs.E(errs.KindTransport, "transport.Connect", fmt.Errorf("dial: %w", err))
	}

	t.mu.Lock()
	if t.gen != gen {
		// Superseded by a newer Connect or Close while dialing.
		t.mu.Unlock()
		conn.Close()
		return errs.Errorf(errs.KindTransport, "transport.Connect", "connection superseded")
	}
	t.conn = conn
	t.state = StateConnected
	t.closed = make(chan struct{})
	t.downOnce = &sync.Once{}
	closed := t.closed
	t.mu.Unlock()

	go t.readLoop(conn, gen, closed)
	go t.pingLoop(conn, gen, closed)

	t.log.Info().Msg("connected")
	return nil
}

// Send writes one envelope. It fails when the socket is not connected.
func (t *Transport) Send(env rpc.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConnected || t.conn == nil {
		return errs.Errorf(errs.KindTransport, "transport.Send", "not connected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errs.E(errs.KindTransport, "transport.Send", fmt.Errorf("marshal: %w", err))
	}
	t.log.Debug().Str("method", env.Method).Msg("send")
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.E(errs.KindTransport, "transport.Send", fmt.Errorf("write: %w", err))
	}
	return nil
}

// Close shuts the connection down. It is idempotent and safe to call before
// a connection was ever opened.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked(nil)
	t.state = StateClosed
}

// teardownLocked closes the current connection, fires the terminal
// notification once and bumps the generation so in-flight frames from this
// connection are discarded. Callers hold t.mu.
func (t *Transport) teardownLocked(cause error) {
	if t.conn == nil {
		return
	}
	conn := t.conn
	t.conn = nil
	t.gen++
	t.state = StateIdle
	if t.closed != nil {
		close(t.closed)
		t.closed = nil
	}
	conn.Close()

	if len(t.onDown) > 0 && t.downOnce != nil {
		fns, once := t.onDown, t.downOnce
		// Fire outside the lock; callbacks may call back into the transport.
		go once.Do(func() {
			for _, fn := range fns {
				fn(cause)
			}
		})
	}
}

func (t *Transport) readLoop(conn *websocket.Conn, gen uint64, closed chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closed:
				// Torn down deliberately.
			default:
				t.log.Warn().Err(err).Msg("read error")
				t.mu.Lock()
				if t.gen == gen {
					t.teardownLocked(errs.E(errs.KindTransport, "transport.read", err))
				}
				t.mu.Unlock()
			}
			return
		}

		env, err := rpc.Parse(data)
		if err != nil {
			// Unparsable frames are logged and dropped, never surfaced.
			t.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		t.mu.Lock()
		if t.gen != gen {
			// A reconnect superseded this socket; the frame is stale.
			t.mu.Unlock()
			t.log.Debug().Str("method", env.Method).Msg("dropping frame from superseded connection")
			return
		}
		hs := t.handlers[env.Method]
		t.mu.Unlock()

		if len(hs) == 0 {
			t.log.Debug().Str("method", env.Method).Msg("no handler for method")
			continue
		}
		for _, h := range hs {
			h(env)
		}
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, gen uint64, closed chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			if err != nil {
				select {
				case <-closed:
				default:
					t.log.Warn().Err(err).Msg("ping error")
					t.mu.Lock()
					if t.gen == gen {
						t.teardownLocked(errs.E(errs.KindTransport, "transport.ping", err))
					}
					t.mu.Unlock()
				}
				return
			}
		}
	}
}
