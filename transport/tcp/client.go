package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flashbots/secagg/protocol"
	"go.uber.org/atomic"
)

var ErrClientClosed = fmt.Errorf("%w: client closed", protocol.ErrTransport)

// RetryPolicy bounds dialing and reconnection.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// DefaultRetryPolicy makes five attempts with backoff doubling from 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Backoff returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// ClientConfig configures a participant connection.
type ClientConfig struct {
	// Addr is the coordinator's host:port.
	Addr string

	// ID is announced in the hello frame.
	ID protocol.ParticipantID

	// DialTimeout bounds one dial plus handshake. Defaults to 5s.
	DialTimeout time.Duration

	// WriteTimeout bounds each frame write. Defaults to 10s.
	WriteTimeout time.Duration

	Retry RetryPolicy

	Log *slog.Logger
}

// Client is a participant's connection to a Server. It implements
// protocol.ParticipantTransport and protocol.Reconnector.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu           sync.Mutex
	conn         *frameConn
	onMessage    func(*protocol.Envelope)
	onDisconnect func(error)

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closed    atomic.Bool
	attempts  atomic.Int64
}

var (
	_ protocol.ParticipantTransport = (*Client)(nil)
	_ protocol.Reconnector          = (*Client)(nil)
)

// Dial connects to the coordinator, retrying under cfg.Retry. Frames are
// held back until OnMessage is called.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: empty participant id", protocol.ErrInvalidParameters)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		cfg:   cfg,
		log:   cfg.Log.With("participant", cfg.ID),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ID() protocol.ParticipantID { return c.cfg.ID }

// Attempts reports the total number of dial attempts made so far.
func (c *Client) Attempts() int64 { return c.attempts.Load() }

func (c *Client) OnMessage(handler func(*protocol.Envelope)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Client) OnDisconnect(handler func(error)) {
	c.mu.Lock()
	c.onDisconnect = handler
	c.mu.Unlock()
}

func (c *Client) Send(ctx context.Context, msg *protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		if c.closed.Load() {
			return ErrClientClosed
		}
		return fmt.Errorf("%w: not connected", protocol.ErrTransport)
	}
	return conn.write(ctx, msg)
}

// Reconnect re-establishes a dropped connection under the retry policy.
// Exhausting the policy yields an error wrapping protocol.ErrConnectionLost.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		return nil
	}
	if err := c.connect(ctx); err != nil {
		if errors.Is(err, ErrClientClosed) {
			return err
		}
		return fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err)
	}
	return nil
}

// Close shuts the connection down without notifying the disconnect handler.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.close()
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		if c.closed.Load() {
			return ErrClientClosed
		}
		if attempt > 1 {
			wait := c.cfg.Retry.Backoff(attempt - 1)
			c.log.Debug("retrying coordinator connection", "attempt", attempt, "backoff", wait, "err", lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v (last error: %v)", protocol.ErrTransport, ctx.Err(), lastErr)
			}
		}

		c.attempts.Inc()
		conn, err := c.dialOnce(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			_ = conn.close()
			return ErrClientClosed
		}
		c.conn = conn
		c.mu.Unlock()

		go c.readLoop(conn)
		c.log.Info("connected to coordinator", "addr", c.cfg.Addr, "attempt", attempt)
		return nil
	}
	return fmt.Errorf("%w: %d attempts: %w", protocol.ErrTransport, c.cfg.Retry.MaxAttempts, lastErr)
}

func (c *Client) dialOnce(ctx context.Context) (*frameConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(dialCtx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, err
	}
	conn := newFrameConn(raw, c.cfg.WriteTimeout)

	hello, err := protocol.NewEnvelope(protocol.MsgHello, "", c.cfg.ID, &protocol.Hello{ParticipantID: c.cfg.ID})
	if err != nil {
		_ = conn.close()
		return nil, err
	}
	if err := conn.write(dialCtx, hello); err != nil {
		_ = conn.close()
		return nil, err
	}

	deadline, _ := dialCtx.Deadline()
	if err := raw.SetReadDeadline(deadline); err != nil {
		_ = conn.close()
		return nil, err
	}
	ack, err := conn.read()
	if err != nil {
		_ = conn.close()
		return nil, err
	}
	_ = raw.SetReadDeadline(time.Time{})

	switch ack.Type {
	case protocol.MsgHello:
		return conn, nil
	case protocol.MsgError:
		_ = conn.close()
		msg, err := protocol.DecodePayload[protocol.ErrorMessage](ack)
		if err != nil {
			return nil, err
		}
		return nil, msg.Err()
	default:
		_ = conn.close()
		return nil, fmt.Errorf("%w: handshake answered with %s", protocol.ErrUnexpectedMessage, ack.Type)
	}
}

func (c *Client) readLoop(conn *frameConn) {
	select {
	case <-c.ready:
	case <-c.done:
		_ = conn.close()
		return
	}

	var readErr error
	for {
		env, err := conn.read()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedPayload) {
				c.log.Warn("dropping malformed frame", "err", err)
				continue
			}
			readErr = err
			break
		}
		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		handler(env)
	}

	_ = conn.close()
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	handler := c.onDisconnect
	c.mu.Unlock()

	if !current || c.closed.Load() {
		return
	}
	c.log.Warn("connection to coordinator lost", "err", readErr)
	if handler != nil {
		handler(fmt.Errorf("%w: %v", protocol.ErrConnectionLost, readErr))
	}
}
