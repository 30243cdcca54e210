package memory

import "sync"

// mailbox runs queued deliveries one at a time, in order, on its own
// goroutine. Deliveries are held back until gate is closed.
type mailbox struct {
	gate <-chan struct{}
	stop chan struct{}
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newMailbox(gate <-chan struct{}) *mailbox {
	m := &mailbox{
		gate: gate,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) push(deliver func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, deliver)
	m.cond.Signal()
	return true
}

// close rejects further pushes. Deliveries already queued still run.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.stop)
	m.cond.Broadcast()
}

func (m *mailbox) run() {
	defer close(m.done)

	select {
	case <-m.gate:
	case <-m.stop:
		select {
		case <-m.gate:
		default:
			return
		}
	}

	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		deliver := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		deliver()
	}
}
