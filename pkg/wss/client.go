// Package wss keeps a WebSocket session to an upstream feed alive. A Client
// dials, greets the server, hands every message to a callback and redials
// with exponential backoff when the connection drops.
package wss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrClosed       = errors.New("client is closed")
	ErrNotConnected = errors.New("not connected")
	ErrRunning      = errors.New("client is already running")
)

// State is the session state reported by Client.State.
type State int32

const (
	StateIdle State = iota
	StateDialing
	StateOnline
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateOnline:
		return "online"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds client settings. Zero durations disable the matching
// deadline or keepalive.
type Config struct {
	URL    string
	Header http.Header

	// Hello messages are JSON encoded and sent after every successful dial,
	// typically subscribe requests.
	Hello []any

	// Redial is false for one-shot sessions.
	Redial     bool
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxRedials bounds consecutive failed dials; 0 retries forever.
	MaxRedials uint64
	// StableAfter is how long a session must stay up before the delay
	// between sessions drops back to MinBackoff. Zero means 10s.
	StableAfter time.Duration

	PingInterval time.Duration
	// PongWait is how long the connection may stay silent.
	PongWait  time.Duration
	WriteWait time.Duration
	ReadLimit int64

	Logger zerolog.Logger
}

// DefaultConfig redials forever between 1s and 30s and pings every 30s.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		Redial:       true,
		MinBackoff:   time.Second,
		MaxBackoff:   30 * time.Second,
		StableAfter:  10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     75 * time.Second,
		WriteWait:    10 * time.Second,
		ReadLimit:    1 << 20,
		Logger:       zerolog.Nop(),
	}
}

// MessageFunc receives every data frame in arrival order.
type MessageFunc func(data []byte)

// Client is one logical connection. Run owns the socket; Send and Close may
// be called from any goroutine.
type Client struct {
	cfg Config
	log zerolog.Logger

	state    atomic.Int32
	running  atomic.Bool
	sessions atomic.Int64

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  chan struct{}
	once    sync.Once
}

// NewClient creates an idle client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "wss").Str("url", cfg.URL).Logger(),
		closed: make(chan struct{}),
	}
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Sessions returns how many connections have been established.
func (c *Client) Sessions() int64 {
	return c.sessions.Load()
}

// Run dials and serves sessions until ctx is cancelled, Close is called or
// redialing gives up. It returns ctx.Err() on cancellation and ErrClosed
// after Close.
func (c *Client) Run(ctx context.Context, onMessage MessageFunc) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer c.running.Store(false)

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	// flaps spaces out sessions that drop soon after connecting; dial's own
	// backoff only covers failed dials.
	flaps := c.exponential()
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return c.exitErr(ctx, err)
		}

		started := time.Now()
		err = c.serve(ctx, conn, onMessage)
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return c.exitErr(ctx, ctx.Err())
		}
		c.log.Warn().Err(err).Dur("uptime", time.Since(started)).Msg("[WSS] session ended")
		if !c.cfg.Redial {
			c.setState(StateIdle)
			return err
		}

		if time.Since(started) >= c.stableAfter() {
			flaps.Reset()
		}
		if err := c.pause(ctx, flaps.NextBackOff()); err != nil {
			return c.exitErr(ctx, err)
		}
	}
}

// pause waits d before the next dial.
func (c *Client) pause(ctx context.Context, d time.Duration) error {
	c.setState(StateBackoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) stableAfter() time.Duration {
	if c.cfg.StableAfter > 0 {
		return c.cfg.StableAfter
	}
	return 10 * time.Second
}

// Send JSON encodes v onto the live connection.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, v)
}

// Close stops Run and closes the live connection. It is idempotent.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.setState(StateClosed)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *Client) exitErr(ctx context.Context, err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if ctx.Err() != nil {
		c.setState(StateIdle)
		return ctx.Err()
	}
	c.setState(StateIdle)
	return err
}

// dial connects, retrying with backoff when redial is enabled.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}

	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		c.setState(StateDialing)
		cn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		}
		conn = cn
		return nil
	}
	if !c.cfg.Redial {
		if err := op(); err != nil {
			return nil, err
		}
		return conn, nil
	}

	notify := func(err error, next time.Duration) {
		c.setState(StateBackoff)
		c.log.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("[WSS] dial failed")
	}
	if err := backoff.RetryNotify(op, c.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) exponential() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	if c.cfg.MinBackoff > 0 {
		eb.InitialInterval = c.cfg.MinBackoff
	}
	if c.cfg.MaxBackoff > 0 {
		eb.MaxInterval = c.cfg.MaxBackoff
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = c.exponential()
	if c.cfg.MaxRedials > 0 {
		b = backoff.WithMaxRetries(b, c.cfg.MaxRedials)
	}
	return backoff.WithContext(b, ctx)
}

// serve runs one session and returns why it ended.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, onMessage MessageFunc) error {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	n := c.sessions.Add(1)
	c.setState(StateOnline)
	c.log.Info().Int64("session", n).Msg("[WSS] connected")

	for _, m := range c.cfg.Hello {
		if err := c.write(conn, m); err != nil {
			return fmt.Errorf("hello: %w", err)
		}
	}

	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}
	c.extendRead(conn)
	conn.SetPongHandler(func(string) error {
		c.extendRead(conn)
		return nil
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	if c.cfg.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ping(conn, done)
		}()
	}
	defer func() {
		close(done)
		wg.Wait()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.extendRead(conn)
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (c *Client) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, c.writeDeadline())
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Msg("[WSS] ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(c.writeDeadline())
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writeDeadline() time.Time {
	if c.cfg.WriteWait <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.cfg.WriteWait)
}

func (c *Client) extendRead(conn *websocket.Conn) {
	if c.cfg.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	}
}

func (c *Client) setState(s State) {
	for {
		old := c.state.Load()
		if State(old) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(old, int32(s)) {
			return
		}
	}
}
