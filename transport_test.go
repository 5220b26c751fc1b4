package chatsync

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test helpers
// ============================================================================

// fakeConn is a scripted wireConn. Frames pushed into in come out of Read;
// failWith terminates the connection with a chosen error.
type fakeConn struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	err    error
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = errors.New("use of closed connection")
		}
		return 0, nil, err
	case raw := <-c.in:
		return websocket.MessageText, raw, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	select {
	case <-c.done:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) failWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

func (c *fakeConn) push(t *testing.T, env Envelope) {
	t.Helper()
	raw, err := NewCodec().Encode(env)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	c.in <- raw
}

func testConfig() Config {
	return Config{
		URL:                "wss://chat.test/api/ws",
		HeartbeatInterval:  time.Minute,
		ReconnectBaseDelay: time.Minute,
		Logger:             zerolog.Nop(),
	}
}

func newTestManager(t *testing.T, cfg Config, dial dialFunc) (*SocketManager, *Dispatcher) {
	t.Helper()
	disp := NewDispatcher(zerolog.Nop())
	m := NewSocketManager(cfg, NewCodec(), disp)
	m.dial = dial
	t.Cleanup(m.Disconnect)
	return m, disp
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// Backoff
// ============================================================================

func TestBackoffDelay(t *testing.T) {
	base, limit := time.Second, 30*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, limit, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

func TestConnect(t *testing.T) {
	t.Run("no credential", func(t *testing.T) {
		m, _ := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			t.Error("dial must not run without credential")
			return nil, errors.New("unreachable")
		})
		if err := m.Connect(""); !errors.Is(err, ErrNoCredential) {
			t.Fatalf("expected ErrNoCredential, got %v", err)
		}
		if m.State() != StateIdle {
			t.Fatalf("expected idle, got %s", m.State())
		}
	})

	t.Run("successful dial opens", func(t *testing.T) {
		conn := newFakeConn()
		var dialURL string
		m, _ := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			dialURL = u
			return conn, nil
		})

		if err := m.Connect("secret token"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.State() != StateOpen {
			t.Fatalf("expected open, got %s", m.State())
		}
		want := "wss://chat.test/api/ws?token=" + url.QueryEscape("secret token")
		if dialURL != want {
			t.Fatalf("expected dial url %s, got %s", want, dialURL)
		}
	})

	t.Run("second connect keeps single socket", func(t *testing.T) {
		var mu sync.Mutex
		dials := 0
		m, _ := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return newFakeConn(), nil
		})

		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if dials != 1 {
			t.Fatalf("expected 1 dial, got %d", dials)
		}
	})

	t.Run("disconnect settles idle", func(t *testing.T) {
		conn := newFakeConn()
		m, _ := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			return conn, nil
		})
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		m.Disconnect()
		if m.State() != StateIdle {
			t.Fatalf("expected idle, got %s", m.State())
		}
		select {
		case <-conn.done:
		default:
			t.Fatal("socket not closed on disconnect")
		}
	})

	t.Run("state transitions observed", func(t *testing.T) {
		conn := newFakeConn()
		m, _ := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			return conn, nil
		})
		var mu sync.Mutex
		var states []State
		m.OnStateChange(func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})

		m.Connect("tok")
		m.Disconnect()
		mu.Lock()
		defer mu.Unlock()
		want := []State{StateConnecting, StateOpen, StateIdle}
		if len(states) != len(want) {
			t.Fatalf("expected %v, got %v", want, states)
		}
		for i := range want {
			if states[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, states)
			}
		}
	})
}

// ============================================================================
// Frame flow
// ============================================================================

func TestFrameFlow(t *testing.T) {
	t.Run("inbound frames reach the dispatcher", func(t *testing.T) {
		conn := newFakeConn()
		m, disp := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			return conn, nil
		})

		got := make(chan Envelope, 1)
		disp.Subscribe(TypeText, func(env Envelope) { got <- env })
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		env, _ := NewEnvelope(TypeText, TextPayload{ChatID: "c1", Message: Message{ID: "m1", Content: "hi"}})
		conn.push(t, env)

		select {
		case env := <-got:
			if env.ReceivedAt.IsZero() {
				t.Fatal("receive timestamp not set")
			}
		case <-time.After(time.Second):
			t.Fatal("envelope never dispatched")
		}
	})

	t.Run("undecodable frame dropped, stream continues", func(t *testing.T) {
		conn := newFakeConn()
		m, disp := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			return conn, nil
		})
		got := make(chan Envelope, 1)
		disp.Subscribe(TypeText, func(env Envelope) { got <- env })
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		conn.in <- []byte(`{garbage`)
		env, _ := NewEnvelope(TypeText, TextPayload{Message: Message{ID: "m2"}})
		conn.push(t, env)

		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("stream did not survive bad frame")
		}
		if m.State() != StateOpen {
			t.Fatalf("expected open, got %s", m.State())
		}
	})

	t.Run("send writes encoded envelope", func(t *testing.T) {
		conn := newFakeConn()
		m, _ := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			return conn, nil
		})
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		env, _ := NewEnvelope(TypeTyping, TypingPayload{ChatID: "c1", UserID: "me", IsTyping: true})
		if err := m.Send(env); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		raw := conn.lastWrite()
		if raw == nil || !strings.Contains(string(raw), `"typing"`) {
			t.Fatalf("unexpected write: %s", raw)
		}
	})

	t.Run("send while disconnected", func(t *testing.T) {
		m, _ := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			return newFakeConn(), nil
		})
		env, _ := NewEnvelope(TypePing, nil)
		if err := m.Send(env); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("server ping answered with pong", func(t *testing.T) {
		conn := newFakeConn()
		m, _ := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			return conn, nil
		})
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		env, _ := NewEnvelope(TypePing, PingPayload{Timestamp: time.Now()})
		conn.push(t, env)

		waitFor(t, time.Second, "pong reply", func() bool {
			raw := conn.lastWrite()
			if raw == nil {
				return false
			}
			var reply Envelope
			return json.Unmarshal(raw, &reply) == nil && reply.Type == TypePong
		})
	})

	t.Run("frames after disconnect never dispatched", func(t *testing.T) {
		conn := newFakeConn()
		m, disp := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			return conn, nil
		})
		var mu sync.Mutex
		delivered := 0
		disp.Subscribe(TypeText, func(Envelope) {
			mu.Lock()
			delivered++
			mu.Unlock()
		})
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		m.Disconnect()
		env, _ := NewEnvelope(TypeText, TextPayload{Message: Message{ID: "stale"}})
		raw, _ := NewCodec().Encode(env)
		select {
		case conn.in <- raw:
		default:
		}

		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		if delivered != 0 {
			t.Fatalf("retired socket delivered %d frames", delivered)
		}
	})
}

// ============================================================================
// Reconnect
// ============================================================================

func TestReconnect(t *testing.T) {
	t.Run("gives up after attempt budget", func(t *testing.T) {
		cfg := testConfig()
		cfg.ReconnectBaseDelay = time.Millisecond
		cfg.ReconnectMaxDelay = 2 * time.Millisecond
		cfg.MaxReconnectAttempts = 2

		var mu sync.Mutex
		dials := 0
		m, disp := newTestManager(t, cfg, func(ctx context.Context, u string) (wireConn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("connection refused")
		})
		terminal := make(chan Envelope, 1)
		disp.Subscribe(TypeError, func(env Envelope) { terminal <- env })

		if err := m.Connect("tok"); err == nil {
			t.Fatal("expected dial error")
		}
		waitFor(t, time.Second, "terminal failure", func() bool { return m.State() == StateFailed })

		mu.Lock()
		got := dials
		mu.Unlock()
		if got != 3 { // the initial dial plus two retries
			t.Fatalf("expected 3 dials, got %d", got)
		}
		select {
		case env := <-terminal:
			var p ErrorPayload
			if json.Unmarshal(env.Payload, &p) != nil || p.Message == "" {
				t.Fatalf("unexpected terminal envelope: %s", env.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("terminal error envelope not dispatched")
		}
		if m.LastError() == nil {
			t.Fatal("last error not recorded")
		}
	})

	t.Run("recovers when a retry succeeds", func(t *testing.T) {
		cfg := testConfig()
		cfg.ReconnectBaseDelay = time.Millisecond
		cfg.MaxReconnectAttempts = 5

		var mu sync.Mutex
		dials := 0
		m, _ := newTestManager(t, cfg, func(ctx context.Context, u string) (wireConn, error) {
			mu.Lock()
			dials++
			failing := dials <= 2
			mu.Unlock()
			if failing {
				return nil, errors.New("connection refused")
			}
			return newFakeConn(), nil
		})

		m.Connect("tok")
		waitFor(t, time.Second, "recovered connection", func() bool { return m.State() == StateOpen })
		if m.LastError() != nil {
			t.Fatalf("last error not cleared: %v", m.LastError())
		}
	})

	t.Run("abnormal close triggers reconnect", func(t *testing.T) {
		cfg := testConfig()
		conn := newFakeConn()
		m, _ := newTestManager(t, cfg, func(ctx context.Context, u string) (wireConn, error) {
			return conn, nil
		})
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		conn.failWith(errors.New("connection reset by peer"))
		waitFor(t, time.Second, "reconnecting state", func() bool { return m.State() == StateReconnecting })
	})

	t.Run("normal close settles idle without retry", func(t *testing.T) {
		conn := newFakeConn()
		var mu sync.Mutex
		dials := 0
		m, _ := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return conn, nil
		})
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		conn.failWith(websocket.CloseError{Code: websocket.StatusNormalClosure})
		waitFor(t, time.Second, "idle state", func() bool { return m.State() == StateIdle })

		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		if dials != 1 {
			t.Fatalf("expected no redial after clean close, got %d dials", dials)
		}
	})

	t.Run("retry armed before disconnect is abandoned", func(t *testing.T) {
		var mu sync.Mutex
		dials := 0
		m, _ := newTestManager(t, testConfig(), func(ctx context.Context, u string) (wireConn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return newFakeConn(), nil
		})
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		m.mu.Lock()
		stale := m.gen
		m.mu.Unlock()
		m.Disconnect()

		// A timer that fired for the retired generation must not redial,
		// even though the state is back to idle.
		if err := m.connect("tok", &stale); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.State() != StateIdle {
			t.Fatalf("stale retry reconnected: %s", m.State())
		}
		mu.Lock()
		defer mu.Unlock()
		if dials != 1 {
			t.Fatalf("stale retry redialed: %d dials", dials)
		}
	})

	t.Run("disconnect cancels pending retry", func(t *testing.T) {
		cfg := testConfig()
		cfg.ReconnectBaseDelay = 20 * time.Millisecond

		var mu sync.Mutex
		dials := 0
		m, _ := newTestManager(t, cfg, func(ctx context.Context, u string) (wireConn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("connection refused")
		})

		m.Connect("tok")
		waitFor(t, time.Second, "reconnecting state", func() bool { return m.State() == StateReconnecting })
		m.Disconnect()

		time.Sleep(60 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		if dials != 1 {
			t.Fatalf("retry ran after disconnect: %d dials", dials)
		}
	})
}

// ============================================================================
// Heartbeat
// ============================================================================

func TestHeartbeat(t *testing.T) {
	t.Run("ping sent on interval", func(t *testing.T) {
		cfg := testConfig()
		cfg.HeartbeatInterval = 15 * time.Millisecond
		conn := newFakeConn()
		m, _ := newTestManager(t, cfg, func(ctx context.Context, u string) (wireConn, error) {
			return conn, nil
		})
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Keep traffic flowing so the silence watchdog stays quiet.
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			for {
				select {
				case <-stop:
					return
				case <-time.After(5 * time.Millisecond):
					env, _ := NewEnvelope(TypePong, nil)
					raw, _ := NewCodec().Encode(env)
					select {
					case conn.in <- raw:
					default:
					}
				}
			}
		}()

		waitFor(t, time.Second, "heartbeat ping", func() bool {
			raw := conn.lastWrite()
			if raw == nil {
				return false
			}
			var env Envelope
			return json.Unmarshal(raw, &env) == nil && env.Type == TypePing
		})
	})

	t.Run("silence forces reconnect", func(t *testing.T) {
		cfg := testConfig()
		cfg.HeartbeatInterval = 10 * time.Millisecond
		conn := newFakeConn()
		m, _ := newTestManager(t, cfg, func(ctx context.Context, u string) (wireConn, error) {
			return conn, nil
		})
		if err := m.Connect("tok"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// No inbound traffic at all: the watchdog must kill the socket.
		waitFor(t, time.Second, "watchdog reconnect", func() bool { return m.State() == StateReconnecting })
	})
}
