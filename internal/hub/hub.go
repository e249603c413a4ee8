// Package hub serializes every protocol event onto one goroutine.
package hub

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

// DefaultQueueSize is the event buffer used when none is configured.
const DefaultQueueSize = 1000

// Processor handles events. Its methods are only ever called from the hub
// goroutine, one at a time.
type Processor interface {
	HandleMessage(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity, payload []byte)
	HandleDisconnect(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity)
}

type event struct {
	conn       interfaces.Connection
	ident      *types.ConnectionIdentity
	payload    []byte
	disconnect bool
	done       chan struct{}
}

// Hub feeds queued events to a Processor in arrival order. Each event's
// store mutations and sends finish before the next event starts.
type Hub struct {
	processor Processor
	events    chan event
	logger    *logrus.Entry

	mu       sync.RWMutex
	running  bool
	shutdown chan struct{}
	done     chan struct{}
}

func NewHub(processor Processor, queueSize int, logger *logrus.Entry) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		processor: processor,
		events:    make(chan event, queueSize),
		logger:    logger,
	}
}

// Start launches the hub goroutine. ctx is passed to every handler call.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("starting hub")
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop asks the hub goroutine to exit and waits for the event in progress
// to finish. Queued events are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("hub stopped")
	return nil
}

func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// QueueLength returns the number of events waiting.
func (h *Hub) QueueLength() int {
	return len(h.events)
}

// Deliver queues an inbound frame without blocking.
func (h *Hub) Deliver(conn interfaces.Connection, ident *types.ConnectionIdentity, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.events <- event{conn: conn, ident: ident, payload: payload}:
		return nil
	default:
		return ErrEventQueueFull
	}
}

// Disconnect queues a disconnect behind the connection's earlier frames
// and waits until it has been handled. It returns at once if the hub is
// not running.
func (h *Hub) Disconnect(conn interfaces.Connection, ident *types.ConnectionIdentity) {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return
	}
	done := h.done
	h.mu.RUnlock()

	ev := event{conn: conn, ident: ident, disconnect: true, done: make(chan struct{})}
	select {
	case h.events <- ev:
	case <-done:
		return
	}

	select {
	case <-ev.done:
	case <-done:
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case ev := <-h.events:
			h.process(ctx, ev)
		case <-shutdown:
			return
		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdown)
			}
			h.mu.Unlock()
			return
		}
	}
}

// process runs one event. A panicking handler is logged and the hub keeps going.
func (h *Hub) process(ctx context.Context, ev event) {
	defer func() {
		if ev.done != nil {
			close(ev.done)
		}
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"conn_id": ev.conn.ID(),
				"panic":   r,
			}).Error("event handler panicked")
		}
	}()

	if ev.disconnect {
		h.processor.HandleDisconnect(ctx, ev.conn, ev.ident)
		return
	}
	h.processor.HandleMessage(ctx, ev.conn, ev.ident, ev.payload)
}
