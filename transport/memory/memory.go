package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/flashbots/secagg/protocol"
)

var (
	// ErrNotConnected is returned when sending to or from a participant that
	// is not attached to the network.
	ErrNotConnected = fmt.Errorf("%w: not connected", protocol.ErrTransport)

	// ErrAlreadyConnected is returned when a participant id is already attached.
	ErrAlreadyConnected = fmt.Errorf("%w: already connected", protocol.ErrTransport)

	// ErrDisconnected is reported to a participant whose link was cut.
	ErrDisconnected = fmt.Errorf("%w: disconnected", protocol.ErrConnectionLost)
)

// Network connects one coordinator with any number of participants in
// memory. Messages on each participant link are delivered in order, on a
// goroutine separate from the sender.
type Network struct {
	mu          sync.Mutex
	conns       map[protocol.ParticipantID]*Conn
	coordinator *Endpoint
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	n := &Network{conns: make(map[protocol.ParticipantID]*Conn)}
	n.coordinator = &Endpoint{net: n, ready: make(chan struct{})}
	return n
}

// Coordinator returns the coordinator side of the network.
func (n *Network) Coordinator() *Endpoint {
	return n.coordinator
}

// Connect attaches a participant.
func (n *Network) Connect(id protocol.ParticipantID) (*Conn, error) {
	c := &Conn{net: n, id: id, ready: make(chan struct{})}
	if err := n.attach(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (n *Network) attach(c *Conn) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[c.id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, c.id)
	}
	c.inbox = newMailbox(c.ready)
	c.outbox = newMailbox(n.coordinator.ready)
	n.conns[c.id] = c
	return nil
}

// Connected lists the attached participants.
func (n *Network) Connected() []protocol.ParticipantID {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]protocol.ParticipantID, 0, len(n.conns))
	for id := range n.conns {
		ids = append(ids, id)
	}
	return ids
}

// Disconnect cuts a participant's link. Both sides are notified after every
// message already in flight on the link.
func (n *Network) Disconnect(id protocol.ParticipantID) bool {
	c, inbox := n.detach(id)
	if c == nil {
		return false
	}
	inbox.push(func() {
		if h := c.disconnectHandler(); h != nil {
			h(ErrDisconnected)
		}
	})
	inbox.close()
	return true
}

// detach removes id from the network and queues the coordinator's disconnect
// notification behind the participant's earlier messages. It returns the
// link and its still open inbox.
func (n *Network) detach(id protocol.ParticipantID) (*Conn, *mailbox) {
	n.mu.Lock()
	c, ok := n.conns[id]
	var inbox, outbox *mailbox
	if ok {
		delete(n.conns, id)
		inbox, outbox = c.inbox, c.outbox
	}
	n.mu.Unlock()
	if !ok {
		return nil, nil
	}

	coordinator := n.coordinator
	outbox.push(func() {
		if h := coordinator.disconnectHandler(); h != nil {
			h(id)
		}
	})
	outbox.close()
	return c, inbox
}

// Close disconnects every participant.
func (n *Network) Close() {
	n.mu.Lock()
	ids := make([]protocol.ParticipantID, 0, len(n.conns))
	for id := range n.conns {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	for _, id := range ids {
		n.Disconnect(id)
	}
}

func (n *Network) lookup(id protocol.ParticipantID) (*Conn, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[id]
	return c, ok
}

// mailboxes returns c's current mailboxes if c is still attached.
func (n *Network) mailboxes(c *Conn) (inbox, outbox *mailbox, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[c.id] != c {
		return nil, nil, false
	}
	return c.inbox, c.outbox, true
}

// Endpoint is the coordinator side of a Network. It implements
// protocol.CoordinatorTransport.
type Endpoint struct {
	net       *Network
	ready     chan struct{}
	readyOnce sync.Once

	mu           sync.RWMutex
	onMessage    func(protocol.ParticipantID, *protocol.Envelope)
	onDisconnect func(protocol.ParticipantID)
}

var _ protocol.CoordinatorTransport = (*Endpoint)(nil)

func (e *Endpoint) Send(ctx context.Context, to protocol.ParticipantID, msg *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := e.net.lookup(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}
	return c.deliver(msg.Clone())
}

func (e *Endpoint) Broadcast(ctx context.Context, msg *protocol.Envelope) error {
	for _, id := range e.net.Connected() {
		if err := e.Send(ctx, id, msg); err != nil && ctx.Err() != nil {
			return err
		}
	}
	return nil
}

// OnMessage registers the handler and starts delivery to the coordinator.
func (e *Endpoint) OnMessage(handler func(protocol.ParticipantID, *protocol.Envelope)) {
	e.mu.Lock()
	e.onMessage = handler
	e.mu.Unlock()
	e.readyOnce.Do(func() { close(e.ready) })
}

func (e *Endpoint) OnDisconnect(handler func(protocol.ParticipantID)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDisconnect = handler
}

func (e *Endpoint) messageHandler() func(protocol.ParticipantID, *protocol.Envelope) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.onMessage
}

func (e *Endpoint) disconnectHandler() func(protocol.ParticipantID) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.onDisconnect
}

// Conn is a participant's link to the coordinator. It implements
// protocol.ParticipantTransport and protocol.Reconnector.
type Conn struct {
	net       *Network
	id        protocol.ParticipantID
	ready     chan struct{}
	readyOnce sync.Once

	// inbox carries coordinator messages, outbox carries the participant's.
	// Both are replaced on reconnect and guarded by the network's mutex.
	inbox  *mailbox
	outbox *mailbox

	mu           sync.RWMutex
	onMessage    func(*protocol.Envelope)
	onDisconnect func(error)
}

var (
	_ protocol.ParticipantTransport = (*Conn)(nil)
	_ protocol.Reconnector          = (*Conn)(nil)
)

// ID returns the participant the link belongs to.
func (c *Conn) ID() protocol.ParticipantID { return c.id }

func (c *Conn) Send(ctx context.Context, msg *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, outbox, ok := c.net.mailboxes(c)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.id)
	}

	msg = msg.Clone()
	coordinator := c.net.coordinator
	if !outbox.push(func() {
		if h := coordinator.messageHandler(); h != nil {
			h(c.id, msg)
		}
	}) {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.id)
	}
	return nil
}

func (c *Conn) deliver(msg *protocol.Envelope) error {
	inbox, _, ok := c.net.mailboxes(c)
	if !ok || !inbox.push(func() {
		if h := c.messageHandler(); h != nil {
			h(msg)
		}
	}) {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.id)
	}
	return nil
}

// OnMessage registers the handler and starts delivery to the participant.
func (c *Conn) OnMessage(handler func(*protocol.Envelope)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Conn) OnDisconnect(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = handler
}

// Close detaches the participant. Only the coordinator is notified.
func (c *Conn) Close() error {
	if _, _, ok := c.net.mailboxes(c); !ok {
		return nil
	}
	if _, inbox := c.net.detach(c.id); inbox != nil {
		inbox.close()
	}
	return nil
}

// Reconnect re-attaches a disconnected link under the same participant id.
func (c *Conn) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if current, ok := c.net.lookup(c.id); ok && current == c {
		return nil
	}
	return c.net.attach(c)
}

func (c *Conn) messageHandler() func(*protocol.Envelope) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onMessage
}

func (c *Conn) disconnectHandler() func(error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onDisconnect
}
