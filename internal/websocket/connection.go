package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

// ConnectionOptions tunes a connection's writer.
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// DefaultConnectionOptions returns the writer settings used when none are configured.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		BufferSize:   100,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Connection wraps a gorilla socket with a single writer goroutine. Every
// frame, pings included, is written by writeLoop.
type Connection struct {
	id      string
	conn    *websocket.Conn
	opts    ConnectionOptions
	writeCh chan []byte
	logger  *logrus.Entry

	// identity is read and written only by the hub goroutine.
	identity types.ConnectionIdentity

	ctx    context.Context
	cancel context.CancelFunc
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection starts the writer for conn.
func NewConnection(conn *websocket.Conn, opts ConnectionOptions, logger *logrus.Entry) *Connection {
	defaults := DefaultConnectionOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      id,
		conn:    conn,
		opts:    opts,
		writeCh: make(chan []byte, opts.BufferSize),
		logger:  logger.WithField("conn_id", id),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()
	return c
}

func (c *Connection) ID() string {
	return c.id
}

// Identity returns the record describing who is behind the connection.
func (c *Connection) Identity() *types.ConnectionIdentity {
	return &c.identity
}

// writeLoop owns the socket: it is the only writer and it closes the
// socket on exit. writeCh is never closed; senders select on ctx instead.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.WithError(err).Debug("write failed")
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.WithError(err).Debug("ping failed")
				return
			}

		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued within one write timeout, then
// sends a close frame.
func (c *Connection) flush() {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	_ = c.conn.SetWriteDeadline(deadline)
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// WriteJSON encodes v and queues it without blocking. A client that lets
// its queue fill up is disconnected.
func (c *Connection) WriteJSON(v interface{}) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("send buffer full, closing slow connection")
		_ = c.Close()
		return ErrSendBufferFull
	}
}

// Send wraps msg in its envelope and queues it.
func (c *Connection) Send(msg types.Outbound) error {
	return c.WriteJSON(types.Wrap(msg))
}

func (c *Connection) IsOpen() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

// Done is closed once the connection starts shutting down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close stops the writer, which flushes queued frames and closes the
// socket. The blocked reader then returns an error.
func (c *Connection) Close() error {
	c.cancel()
	return nil
}
