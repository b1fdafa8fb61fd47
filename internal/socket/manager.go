package socket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/swiftdrop/driverlink/internal/domain"
	"github.com/swiftdrop/driverlink/internal/identity"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	outboundBuffer = 32
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectScheduled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type (
	// Handler receives the data payload of a subscribed event.
	Handler func(data json.RawMessage)

	// AckFunc resolves an emit that asked for an acknowledgment.
	AckFunc func(data json.RawMessage, err error)
)

type Config struct {
	BaseURL          string
	Path             string
	Reconnect        ReconnectPolicy
	HandshakeTimeout time.Duration
}

type listenerEntry struct {
	id string
	fn Handler
}

type conn struct {
	ws       *websocket.Conn
	outbound chan Envelope
	cancel   context.CancelFunc
}

// Manager owns at most one live socket for its channel. It is constructed
// per login and torn down on logout; the identity triple is immutable for
// the lifetime of a live connection.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer

	mu            sync.Mutex
	id            identity.Identity
	cur           *conn
	state         State
	online        bool
	clientClosed  bool
	reconnecting  bool
	reconnectStop context.CancelFunc
	listeners     map[string][]listenerEntry
	pending       map[string]AckFunc
	connectHooks  []func()
	stateHooks    []func(State)

	lifeCtx  context.Context
	lifeStop context.CancelFunc
}

func NewManager(cfg Config) *Manager {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state:     StateDisconnected,
		online:    true,
		listeners: make(map[string][]listenerEntry),
		pending:   make(map[string]AckFunc),
		lifeCtx:   ctx,
		lifeStop:  cancel,
	}
}

// Initialize opens the channel's socket for the given identity. It is a
// no-op when an identical identity already has a live or connecting socket;
// any other identity tears the existing connection down first.
func (m *Manager) Initialize(ctx context.Context, id identity.Identity) error {
	m.mu.Lock()

	if m.id.Equal(id) && (m.state == StateConnected || m.state == StateConnecting || m.state == StateReconnectScheduled) {
		m.mu.Unlock()
		slog.Info("Socket already initialized for identity",
			"channel", m.cfg.Path,
			"driver_id", id.DriverID,
		)
		return nil
	}

	if !m.id.IsZero() && m.id.SameSubject(id) {
		slog.Info("Switching socket identity for same subject",
			"channel", m.cfg.Path,
			"user_id", id.UserID,
		)
	}

	m.teardownLocked(false)
	m.id = id
	m.clientClosed = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return domain.ErrConnectionFailed.WithMessage(err.Error())
	}
	return nil
}

// dial opens the websocket, presenting the bearer token three ways for
// compatibility with heterogeneous server-side auth extraction.
func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	id := m.id
	m.mu.Unlock()
	if id.IsZero() {
		return domain.ErrConnectionFailed.WithMessage("no identity")
	}

	u, err := url.Parse(m.cfg.BaseURL + m.cfg.Path)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("driverId", id.DriverID)
	q.Set("userId", id.UserID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.Token)
	header.Set("X-Access-Token", id.Token)

	ws, _, err := m.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}

	authData, err := json.Marshal(authPayload{
		Token:    id.Token,
		DriverID: id.DriverID,
		UserID:   id.UserID,
	})
	if err != nil {
		ws.Close()
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(Envelope{Event: "auth", Data: authData}); err != nil {
		ws.Close()
		return err
	}

	pumpCtx, cancel := context.WithCancel(m.lifeCtx)
	c := &conn{
		ws:       ws,
		outbound: make(chan Envelope, outboundBuffer),
		cancel:   cancel,
	}

	m.mu.Lock()
	m.cur = c
	m.setStateLocked(StateConnected)
	hooks := make([]func(), len(m.connectHooks))
	copy(hooks, m.connectHooks)
	m.mu.Unlock()

	slog.Info("Socket connected", "channel", m.cfg.Path, "driver_id", id.DriverID)

	go m.pump(pumpCtx, c)

	for _, hook := range hooks {
		hook()
	}
	return nil
}

func (m *Manager) pump(ctx context.Context, c *conn) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.read(ctx, c)
	})
	g.Go(func() error {
		return m.write(ctx, c)
	})

	err := g.Wait()
	c.ws.Close()
	m.handleDrop(c, err)
}

func (m *Manager) read(ctx context.Context, c *conn) error {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			var env Envelope
			if err := c.ws.ReadJSON(&env); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
					websocket.CloseNoStatusReceived,
					websocket.CloseNormalClosure) {
					slog.Error("Websocket close error", "channel", m.cfg.Path, "error", err)
				}
				return err
			}
			m.dispatch(env)
		}
	}
}

func (m *Manager) write(ctx context.Context, c *conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("Failed to write ping message", "channel", m.cfg.Path, "error", err)
				return err
			}
		case env := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(&env); err != nil {
				slog.Error("Failed to write envelope", "channel", m.cfg.Path, "event", env.Event, "error", err)
				return err
			}
		}
	}
}

func (m *Manager) dispatch(env Envelope) {
	m.mu.Lock()
	if env.AckID != "" {
		if ack, ok := m.pending[env.AckID]; ok {
			delete(m.pending, env.AckID)
			m.mu.Unlock()
			if env.Error != "" {
				ack(env.Data, domain.ErrConnectionFailed.WithMessage(env.Error))
			} else {
				ack(env.Data, nil)
			}
			return
		}
	}
	entries := make([]listenerEntry, len(m.listeners[env.Event]))
	copy(entries, m.listeners[env.Event])
	m.mu.Unlock()

	if len(entries) == 0 {
		slog.Debug("No listeners for event", "channel", m.cfg.Path, "event", env.Event)
		return
	}
	for _, e := range entries {
		e.fn(env.Data)
	}
}

// handleDrop decides whether a dead connection warrants reconnection. A
// client-initiated close never reconnects; anything else does.
func (m *Manager) handleDrop(c *conn, err error) {
	m.mu.Lock()
	if m.cur != c {
		m.mu.Unlock()
		return
	}
	m.cur = nil
	m.failPendingLocked(domain.ErrNotConnected)

	if m.clientClosed {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		slog.Info("Socket closed by client", "channel", m.cfg.Path)
		return
	}
	m.mu.Unlock()

	slog.Warn("Socket dropped by server", "channel", m.cfg.Path, "error", err)
	m.scheduleReconnect()
}

// scheduleReconnect is single-flight: a reconnect already in progress
// suppresses a concurrent request.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.reconnecting || m.id.IsZero() {
		m.mu.Unlock()
		return
	}
	if !m.online {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		slog.Info("Network offline, reconnect deferred until reachability", "channel", m.cfg.Path)
		return
	}
	m.reconnecting = true
	rctx, stop := context.WithCancel(m.lifeCtx)
	m.reconnectStop = stop
	m.setStateLocked(StateReconnectScheduled)
	m.mu.Unlock()

	go func() {
		defer stop()
		err := m.cfg.Reconnect.Run(rctx, func(ctx context.Context) error {
			m.mu.Lock()
			if m.clientClosed || m.id.IsZero() {
				m.mu.Unlock()
				return context.Canceled
			}
			m.mu.Unlock()
			slog.Info("Reconnect attempt", "channel", m.cfg.Path)
			return m.dial(ctx)
		})

		m.mu.Lock()
		m.reconnecting = false
		m.reconnectStop = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Reconnect attempts exhausted, giving up", "channel", m.cfg.Path, "error", err)
			m.teardownLocked(false)
			m.id = identity.Identity{}
			m.setStateLocked(StateFailed)
		}
		m.mu.Unlock()
	}()
}

// Emit sends an event on the live socket. Without a socket it logs and
// fails locally; queuing while disconnected is the caller's concern.
func (m *Manager) Emit(event string, payload any, ack AckFunc) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	c := m.cur
	if c == nil || m.state != StateConnected {
		m.mu.Unlock()
		slog.Error("Emit with no live socket", "channel", m.cfg.Path, "event", event)
		return domain.ErrNotConnected
	}

	env := Envelope{Event: event, Data: data}
	if ack != nil {
		env.AckID = uuid.NewString()
		m.pending[env.AckID] = ack
	}
	m.mu.Unlock()

	select {
	case c.outbound <- env:
		return nil
	default:
		m.mu.Lock()
		delete(m.pending, env.AckID)
		m.mu.Unlock()
		slog.Error("Outbound buffer full, dropping emit", "channel", m.cfg.Path, "event", event)
		return domain.ErrNotConnected.WithMessage("outbound buffer full")
	}
}

// On registers a listener and returns its cancel func.
func (m *Manager) On(event string, fn Handler) (cancel func()) {
	entry := listenerEntry{id: uuid.NewString(), fn: fn}
	m.mu.Lock()
	m.listeners[event] = append(m.listeners[event], entry)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.listeners[event]
		for i, e := range entries {
			if e.id == entry.id {
				m.listeners[event] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Off removes all listeners for the event.
func (m *Manager) Off(event string) {
	m.mu.Lock()
	delete(m.listeners, event)
	m.mu.Unlock()
}

// OnConnect registers a hook invoked after every successful connect,
// including reconnects. Used for deferred starts and queue drains.
func (m *Manager) OnConnect(fn func()) {
	m.mu.Lock()
	m.connectHooks = append(m.connectHooks, fn)
	m.mu.Unlock()
}

// OnStateChange registers a hook observing connection-state transitions.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.stateHooks = append(m.stateHooks, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) Identity() identity.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// SetOnline feeds network-reachability transitions into the manager. Loss
// forces an immediate manual disconnect instead of waiting for a transport
// timeout; recovery triggers the reconnect policy when an identity exists.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	id := m.id
	m.mu.Unlock()

	if was == online {
		return
	}
	if !online {
		slog.Warn("Network unreachable, closing socket", "channel", m.cfg.Path)
		m.mu.Lock()
		m.closeConnLocked()
		if m.state == StateConnected || m.state == StateConnecting {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		return
	}
	if !id.IsZero() && !m.IsConnected() {
		slog.Info("Network restored, reconnecting", "channel", m.cfg.Path)
		m.scheduleReconnect()
	}
}

// Cleanup removes all listeners and closes the socket. With preserveAuth
// the identity triple survives so a later Initialize with the same triple
// is recognized as unchanged.
func (m *Manager) Cleanup(preserveAuth bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardownLocked(preserveAuth)
}

// Close tears the manager down entirely, cancelling any reconnect loop.
func (m *Manager) Close() error {
	m.lifeStop()
	return m.Cleanup(false)
}

func (m *Manager) teardownLocked(preserveAuth bool) error {
	if m.reconnectStop != nil {
		m.reconnectStop()
		m.reconnectStop = nil
	}
	m.listeners = make(map[string][]listenerEntry)
	m.failPendingLocked(domain.ErrNotConnected)

	var err error
	m.clientClosed = true
	if m.cur != nil {
		err = multierr.Append(err, m.closeConnLocked())
	}
	if !preserveAuth {
		m.id = identity.Identity{}
	}
	m.setStateLocked(StateDisconnected)
	return err
}

func (m *Manager) closeConnLocked() error {
	c := m.cur
	if c == nil {
		return nil
	}
	m.cur = nil
	c.cancel()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	closeErr := c.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return multierr.Append(closeErr, c.ws.Close())
}

func (m *Manager) failPendingLocked(cause error) {
	for id, ack := range m.pending {
		delete(m.pending, id)
		go ack(nil, cause)
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	hooks := make([]func(State), len(m.stateHooks))
	copy(hooks, m.stateHooks)
	go func() {
		for _, fn := range hooks {
			fn(s)
		}
	}()
}
