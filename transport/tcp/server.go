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

// ServerConfig configures the coordinator-side listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":7000" or "127.0.0.1:0".
	Addr string

	// HandshakeTimeout bounds reading the hello frame. Defaults to 5s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write. Defaults to 10s.
	WriteTimeout time.Duration

	Log *slog.Logger
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Log == nil {
		c.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Server accepts participant connections and implements
// protocol.CoordinatorTransport. Inbound frames are handed to the message
// handler in arrival order per connection; a connection's disconnect is
// reported after its last message.
type Server struct {
	cfg ServerConfig
	log *slog.Logger
	ln  net.Listener

	mu    sync.RWMutex
	conns map[protocol.ParticipantID]*frameConn

	onMessage    func(protocol.ParticipantID, *protocol.Envelope)
	onDisconnect func(protocol.ParticipantID)
	ready        chan struct{}
	readyOnce    sync.Once

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ protocol.CoordinatorTransport = (*Server)(nil)

// Listen binds cfg.Addr and starts accepting connections. Frames are held
// back until OnMessage is called.
func Listen(cfg ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen: %w", err)
	}

	s := &Server{
		cfg:   cfg,
		log:   cfg.Log,
		ln:    ln,
		conns: make(map[protocol.ParticipantID]*frameConn),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) OnMessage(handler func(protocol.ParticipantID, *protocol.Envelope)) {
	s.mu.Lock()
	s.onMessage = handler
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Server) OnDisconnect(handler func(protocol.ParticipantID)) {
	s.mu.Lock()
	s.onDisconnect = handler
	s.mu.Unlock()
}

// Connected lists the participants with a live connection.
func (s *Server) Connected() []protocol.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]protocol.ParticipantID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) Send(ctx context.Context, to protocol.ParticipantID, msg *protocol.Envelope) error {
	s.mu.RLock()
	conn, ok := s.conns[to]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s not connected", protocol.ErrTransport, to)
	}
	return conn.write(ctx, msg)
}

func (s *Server) Broadcast(ctx context.Context, msg *protocol.Envelope) error {
	s.mu.RLock()
	targets := make(map[protocol.ParticipantID]*frameConn, len(s.conns))
	for id, conn := range s.conns {
		targets[id] = conn
	}
	s.mu.RUnlock()

	var errs []error
	for id, conn := range targets {
		if err := conn.write(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops accepting, drops every connection and waits for the read loops.
// No disconnect notifications are delivered after Close.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	err := s.ln.Close()

	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Error("accept failed", "err", err)
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(raw net.Conn) {
	defer s.wg.Done()
	conn := newFrameConn(raw, s.cfg.WriteTimeout)

	id, err := s.handshake(conn)
	if err != nil {
		s.log.Debug("handshake failed", "remote", raw.RemoteAddr(), "err", err)
		_ = conn.close()
		return
	}
	log := s.log.With("participant", id)
	log.Debug("participant connected", "remote", raw.RemoteAddr())

	select {
	case <-s.ready:
	case <-s.done:
	}

	var readErr error
	for {
		env, err := conn.read()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedPayload) {
				log.Warn("dropping malformed frame", "err", err)
				continue
			}
			readErr = err
			break
		}
		s.mu.RLock()
		handler := s.onMessage
		s.mu.RUnlock()
		if handler != nil {
			handler(id, env)
		}
	}

	_ = conn.close()
	s.mu.Lock()
	current := s.conns[id] == conn
	if current {
		delete(s.conns, id)
	}
	handler := s.onDisconnect
	s.mu.Unlock()

	if !current || s.closed.Load() {
		return
	}
	log.Info("participant disconnected", "err", readErr)
	if handler != nil {
		handler(id)
	}
}

// handshake reads the hello frame, registers the connection and acknowledges it.
func (s *Server) handshake(conn *frameConn) (protocol.ParticipantID, error) {
	if err := conn.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return "", err
	}
	env, err := conn.read()
	if err != nil {
		return "", err
	}
	if err := conn.conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	if env.Type != protocol.MsgHello {
		return "", fmt.Errorf("%w: expected hello, got %s", protocol.ErrUnexpectedMessage, env.Type)
	}
	hello, err := protocol.DecodePayload[protocol.Hello](env)
	if err != nil {
		return "", err
	}
	id := hello.ParticipantID
	if id == "" || (env.Sender != "" && env.Sender != id) {
		return "", fmt.Errorf("%w: bad participant id %q", protocol.ErrMalformedPayload, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	s.mu.Lock()
	_, taken := s.conns[id]
	closed := s.closed.Load()
	if !taken && !closed {
		s.conns[id] = conn
	}
	s.mu.Unlock()

	if closed {
		return "", net.ErrClosed
	}
	if taken {
		reject, _ := protocol.NewEnvelope(protocol.MsgError, "", "", &protocol.ErrorMessage{
			Code:    protocol.CodeJoinRejected,
			Message: fmt.Sprintf("participant %s already connected", id),
		})
		_ = conn.write(ctx, reject)
		return "", fmt.Errorf("%w: %s already connected", protocol.ErrJoinRejected, id)
	}

	ack, err := protocol.NewEnvelope(protocol.MsgHello, "", "", &protocol.Hello{ParticipantID: id})
	if err != nil {
		return "", err
	}
	if err := conn.write(ctx, ack); err != nil {
		s.mu.Lock()
		if s.conns[id] == conn {
			delete(s.conns, id)
		}
		s.mu.Unlock()
		return "", err
	}
	return id, nil
}
