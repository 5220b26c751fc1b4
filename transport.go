package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection state machine
// ============================================================================

// State is the transport connection state. Using one tagged value instead of
// independent booleans rules out impossible combinations like
// connected-and-connecting.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var (
	// ErrNoCredential is returned by Connect when no token is available.
	ErrNoCredential = errors.New("chatsync: connect without credential")
	// ErrNotConnected is returned by Send when the socket is not open.
	ErrNotConnected = errors.New("chatsync: not connected")
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes the socket manager.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://host/api/ws". The
	// credential is appended as a token query parameter: browser clients
	// cannot set handshake headers, so the server accepts it there and the
	// Go client follows the same contract.
	URL string

	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration

	Logger zerolog.Logger
}

func (c *Config) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// ============================================================================
// Socket abstraction
// ============================================================================

// wireConn is the slice of *websocket.Conn the manager needs. Tests inject
// scripted implementations.
type wireConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (wireConn, error)

func defaultDial(ctx context.Context, u string) (wireConn, error) {
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ============================================================================
// SocketManager
// ============================================================================

// SocketManager owns one logical WebSocket connection: dial with the current
// credential, heartbeat, close classification, and bounded exponential
// backoff reconnects. It never touches chat state; decoded envelopes go to
// the Dispatcher and nowhere else.
type SocketManager struct {
	cfg    Config
	codec  *Codec
	disp   *Dispatcher
	dial   dialFunc
	log    zerolog.Logger
	clock  func() time.Time

	mu          sync.Mutex
	state       State
	attempt     int
	lastErr     error
	credential  string
	conn        wireConn
	gen         uint64 // bumps on every retire; stale readers check it
	cancel      context.CancelFunc
	retryTimer  *time.Timer
	lastTraffic time.Time
	stateSubs   []func(State)
}

// NewSocketManager constructs a manager. It does not connect; pass the
// credential to Connect, typically wired from Session.OnCredentialChange.
func NewSocketManager(cfg Config, codec *Codec, disp *Dispatcher) *SocketManager {
	cfg.defaults()
	return &SocketManager{
		cfg:   cfg,
		codec: codec,
		disp:  disp,
		dial:  defaultDial,
		log:   cfg.Logger,
		clock: time.Now,
		state: StateIdle,
	}
}

// State returns the current connection state.
func (m *SocketManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport error, if any.
func (m *SocketManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnStateChange registers a listener for state transitions. Listeners run
// synchronously; keep them short.
func (m *SocketManager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.stateSubs = append(m.stateSubs, fn)
	m.mu.Unlock()
}

// setState transitions under the lock and notifies outside it.
func (m *SocketManager) setStateLocked(s State) []func(State) {
	if m.state == s {
		return nil
	}
	m.state = s
	return append([]func(State){}, m.stateSubs...)
}

func notifyState(subs []func(State), s State) {
	for _, fn := range subs {
		fn(s)
	}
}

// Connect dials the endpoint with the given credential. Valid from Idle,
// Reconnecting, and Failed (a fresh credential restarts a failed
// connection); a no-op while Connecting or Open, so calling it twice in a
// row still yields exactly one live socket.
func (m *SocketManager) Connect(credential string) error {
	return m.connect(credential, nil)
}

// connect is the shared dial path. expectGen, when non-nil, is the
// generation a scheduled retry was armed for; it is re-verified under the
// lock so a disconnect landing after the timer fired still wins.
func (m *SocketManager) connect(credential string, expectGen *uint64) error {
	if credential == "" {
		m.log.Warn().Msg("connect attempted without credential")
		return ErrNoCredential
	}

	m.mu.Lock()
	if expectGen != nil && m.gen != *expectGen {
		m.mu.Unlock()
		return nil
	}
	switch m.state {
	case StateConnecting, StateOpen, StateClosing:
		m.mu.Unlock()
		return nil
	}
	// Retire any previous socket before a new one exists. This is the
	// single-socket invariant: the old generation's handlers stop
	// delivering before the new dial starts.
	m.retireLocked(websocket.StatusNormalClosure, "superseded")
	m.stopRetryLocked()
	m.credential = credential
	gen := m.gen
	subs := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notifyState(subs, StateConnecting)

	ctx, cancelDial := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	conn, err := m.dial(ctx, m.endpoint(credential))
	cancelDial()
	if err != nil {
		m.log.Warn().Err(err).Msg("websocket dial failed")
		m.connectionLost(gen, err)
		return fmt.Errorf("websocket dial: %w", err)
	}

	sockCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.gen != gen {
		// Retired while dialing (disconnect or a newer connect won).
		m.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	m.conn = conn
	m.cancel = cancel
	m.attempt = 0
	m.lastErr = nil
	m.lastTraffic = m.clock()
	subs = m.setStateLocked(StateOpen)
	m.mu.Unlock()
	notifyState(subs, StateOpen)

	m.log.Info().Msg("websocket open")
	go m.readLoop(sockCtx, conn, gen)
	go m.heartbeatLoop(sockCtx, conn, gen)
	return nil
}

// Disconnect closes the live socket, cancels any pending reconnect, and
// settles in Idle. Valid from any state; safe to call from envelope
// handlers.
func (m *SocketManager) Disconnect() {
	m.mu.Lock()
	m.stopRetryLocked()
	m.retireLocked(websocket.StatusNormalClosure, "client disconnect")
	m.credential = ""
	subs := m.setStateLocked(StateIdle)
	m.mu.Unlock()
	notifyState(subs, StateIdle)
	m.log.Info().Msg("websocket disconnected")
}

// Send encodes and writes an envelope on the live socket.
func (m *SocketManager) Send(env Envelope) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	raw, err := m.codec.Encode(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// endpoint builds the dial URL with the credential as a query parameter.
func (m *SocketManager) endpoint(credential string) string {
	return m.cfg.URL + "?token=" + url.QueryEscape(credential)
}

// retireLocked unhooks the current socket: the per-socket context is
// cancelled and the generation bumped so in-flight reads from the old
// socket can never reach the dispatcher.
func (m *SocketManager) retireLocked(code websocket.StatusCode, reason string) {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close(code, reason)
		m.conn = nil
	}
}

func (m *SocketManager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *SocketManager) currentGen(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// ============================================================================
// Read loop
// ============================================================================

func (m *SocketManager) readLoop(ctx context.Context, conn wireConn, gen uint64) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if !m.currentGen(gen) || ctx.Err() != nil {
				return // retired; the close was ours
			}
			if isNormalClose(err) {
				m.peerClosed(gen)
				return
			}
			m.log.Warn().Err(err).Msg("websocket read failed")
			m.connectionLost(gen, err)
			return
		}
		if !m.currentGen(gen) {
			return // frame from a retired socket, drop
		}

		m.mu.Lock()
		m.lastTraffic = m.clock()
		m.mu.Unlock()

		env, err := m.codec.Decode(raw)
		if err != nil {
			m.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		env.ReceivedAt = m.clock()
		if env.Type == TypePing {
			m.answerPing(conn)
		}
		m.disp.Dispatch(env)
	}
}

func (m *SocketManager) answerPing(conn wireConn) {
	env, err := NewEnvelope(TypePong, PingPayload{Timestamp: m.clock()})
	if err != nil {
		return
	}
	raw, err := m.codec.Encode(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, raw)
}

// isNormalClose reports whether the peer closed cleanly (no reconnect).
func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// peerClosed handles a clean shutdown initiated by the server.
func (m *SocketManager) peerClosed(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.retireLocked(websocket.StatusNormalClosure, "")
	subs := m.setStateLocked(StateIdle)
	m.mu.Unlock()
	notifyState(subs, StateIdle)
	m.log.Info().Msg("server closed connection")
}

// ============================================================================
// Heartbeat
// ============================================================================

// heartbeatLoop sends a ping envelope every interval while open. It never
// blocks waiting for the pong; instead, silence on the socket for twice the
// interval counts as a dead connection and forces a reconnect.
func (m *SocketManager) heartbeatLoop(ctx context.Context, conn wireConn, gen uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.currentGen(gen) {
			return
		}

		m.mu.Lock()
		silent := m.clock().Sub(m.lastTraffic) >= 2*m.cfg.HeartbeatInterval
		m.mu.Unlock()
		if silent {
			m.log.Warn().Msg("heartbeat silence, forcing reconnect")
			// Close the socket; the read loop observes the error and
			// runs the reconnect path.
			conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			return
		}

		env, err := NewEnvelope(TypePing, PingPayload{Timestamp: m.clock()})
		if err != nil {
			continue
		}
		raw, err := m.codec.Encode(env)
		if err != nil {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := conn.Write(wctx, websocket.MessageText, raw); err != nil {
			m.log.Debug().Err(err).Msg("heartbeat write failed")
		}
		cancel()
	}
}

// ============================================================================
// Reconnect
// ============================================================================

// connectionLost runs after an abnormal closure or failed dial: schedule the
// next attempt with exponential backoff, or give up after the attempt budget
// and surface a terminal error envelope to subscribers.
func (m *SocketManager) connectionLost(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.retireLocked(websocket.StatusAbnormalClosure, "")
	m.lastErr = cause
	gen = m.gen

	if m.attempt >= m.cfg.MaxReconnectAttempts {
		subs := m.setStateLocked(StateFailed)
		m.mu.Unlock()
		notifyState(subs, StateFailed)
		m.log.Error().Err(cause).Int("attempts", m.cfg.MaxReconnectAttempts).
			Msg("giving up on reconnect")
		if env, err := NewEnvelope(TypeError, ErrorPayload{Message: "connection lost: retries exhausted"}); err == nil {
			m.disp.Dispatch(env)
		}
		return
	}

	delay := backoffDelay(m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay, m.attempt)
	m.attempt++
	attempt := m.attempt
	credential := m.credential
	m.stopRetryLocked()
	m.retryTimer = time.AfterFunc(delay, func() {
		if err := m.connect(credential, &gen); err != nil && !errors.Is(err, ErrNoCredential) {
			m.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}
	})
	subs := m.setStateLocked(StateReconnecting)
	m.mu.Unlock()
	notifyState(subs, StateReconnecting)
	m.log.Info().Dur("delay", delay).Int("attempt", attempt).
		Int("max", m.cfg.MaxReconnectAttempts).Msg("reconnect scheduled")
}

// backoffDelay computes min(base * 2^attempt, cap).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
