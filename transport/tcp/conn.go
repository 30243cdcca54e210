package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flashbots/secagg/protocol"
)

// frameConn serializes writes on a net.Conn and bounds each by a deadline.
type frameConn struct {
	conn         net.Conn
	writeTimeout time.Duration

	wmu sync.Mutex
}

func newFrameConn(conn net.Conn, writeTimeout time.Duration) *frameConn {
	return &frameConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *frameConn) write(ctx context.Context, env *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransport, err)
	}
	if err := writeEnvelope(c.conn, env); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransport, err)
	}
	return nil
}

func (c *frameConn) read() (*protocol.Envelope, error) {
	return readEnvelope(c.conn)
}

func (c *frameConn) close() error {
	return c.conn.Close()
}
