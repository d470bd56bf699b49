// Package session serves the evaluation websocket. Every connected browser
// gets its own [relay.Relay]; the manager tracks live connections so they can
// be closed on shutdown.
//
// Wire protocol on /ws:
//
//	client → server  {"type":"start-evaluation","language":"cn_vip","text":"…"}
//	client → server  {"type":"stop-evaluation"}
//	client → server  binary frame: 16 kHz mono 16-bit little-endian PCM
//	server → client  {"type":"status","message":"Connected"|"Connection Closed"}
//	server → client  {"type":"result","status":2,"xml":"…","raw":{…}}
//	server → client  {"type":"error","message":"…"}
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/tonecoach/internal/observe"
	"github.com/MrWong99/tonecoach/internal/relay"
	"github.com/MrWong99/tonecoach/pkg/provider/scoring"
)

// Config tunes the websocket endpoint.
type Config struct {
	// OriginPatterns lists extra hosts allowed to open the socket
	// cross-origin. Same-origin requests are always accepted.
	OriginPatterns []string

	// ReadLimit caps the size of one client frame in bytes. Default: 1 MiB.
	ReadLimit int64

	// WriteTimeout bounds each write to the client. Default: 5s.
	WriteTimeout time.Duration
}

// Info describes one connected client.
type Info struct {
	ID         string
	RemoteAddr string
	StartedAt  time.Time
}

// client is one accepted websocket and its relay.
type client struct {
	info  Info
	conn  *websocket.Conn
	relay *relay.Relay
}

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithMetrics records the active session gauge and relay counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// Manager is an http.Handler for the evaluation websocket. All exported
// methods are safe for concurrent use.
type Manager struct {
	provider scoring.Provider
	cfg      Config
	metrics  *observe.Metrics

	mu       sync.Mutex
	clients  map[string]*client
	shutdown bool
	wg       sync.WaitGroup
}

// NewManager creates a Manager that opens upstream evaluations through
// provider.
func NewManager(provider scoring.Provider, cfg Config, opts ...Option) *Manager {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	m := &Manager{
		provider: provider,
		cfg:      cfg,
		clients:  make(map[string]*client),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// ServeHTTP upgrades the request and runs the client's read loop until the
// browser disconnects or the manager shuts down.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: m.cfg.OriginPatterns,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("session: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(m.cfg.ReadLimit)

	c := &client{
		info: Info{
			ID:         uuid.NewString(),
			RemoteAddr: r.RemoteAddr,
			StartedAt:  time.Now().UTC(),
		},
		conn: conn,
	}
	c.relay = relay.New(m.provider, m.emitter(c),
		relay.WithMetrics(m.metrics),
		relay.WithID(c.info.ID),
	)

	if !m.register(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer m.unregister(c)

	slog.Info("session: client connected", "session", c.info.ID, "remote", c.info.RemoteAddr)
	m.readLoop(r.Context(), c)
	slog.Info("session: client disconnected", "session", c.info.ID,
		"duration", time.Since(c.info.StartedAt).Round(time.Millisecond))
}

// readLoop dispatches client frames until the socket fails.
//
// A start-evaluation message runs relay.Begin inline, so the upstream dial
// blocks this loop. A client that disconnects mid-dial is noticed only once
// Begin returns, at most the provider's handshake timeout later; the
// upstream is then closed by unregister through relay.Close.
func (m *Manager) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("session: read failed", "session", c.info.ID, "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if err := c.relay.Audio(ctx, data); err != nil {
				slog.Debug("session: audio not forwarded", "session", c.info.ID, "err", err)
			}
		case websocket.MessageText:
			m.handleText(ctx, c, data)
		}
	}
}

func (m *Manager) handleText(ctx context.Context, c *client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("session: ignoring malformed message", "session", c.info.ID, "err", err)
		return
	}

	switch msg.Type {
	case typeStartEvaluation:
		if msg.Text == "" {
			m.send(c, statusMessage{Type: typeError, Message: "text is required"})
			return
		}
		lang := msg.Language
		if lang == "" {
			lang = defaultLanguage
		}
		// Begin reports failures to the client itself.
		_ = c.relay.Begin(ctx, relay.BeginRequest{Language: lang, Text: msg.Text})
	case typeStopEvaluation:
		if err := c.relay.Stop(ctx); err != nil {
			slog.Debug("session: stop failed", "session", c.info.ID, "err", err)
		}
	default:
		slog.Debug("session: ignoring message", "session", c.info.ID, "type", msg.Type)
	}
}

// emitter adapts relay events to websocket writes for c.
func (m *Manager) emitter(c *client) relay.Emitter {
	return func(ev relay.Event) {
		m.send(c, toWire(ev))
	}
}

func (m *Manager) send(c *client, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, v); err != nil {
		slog.Debug("session: write failed", "session", c.info.ID, "err", err)
	}
}

func (m *Manager) register(c *client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return false
	}
	m.clients[c.info.ID] = c
	m.metrics.ActiveSessions.Add(context.Background(), 1)
	return true
}

// unregister closes the client's relay (and with it the upstream) before
// closing the socket.
func (m *Manager) unregister(c *client) {
	m.mu.Lock()
	delete(m.clients, c.info.ID)
	m.mu.Unlock()

	_ = c.relay.Close()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	m.metrics.ActiveSessions.Add(context.Background(), -1)
}

// Active returns the number of connected clients.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Shutdown refuses new connections, closes every live socket with status
// GoingAway and waits for their handlers to return or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		go func() {
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
