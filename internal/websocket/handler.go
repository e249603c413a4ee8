package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

// BusyMessage is sent when the event queue cannot take another message.
const BusyMessage = "Server busy, please retry"

// EventSink receives everything a connection reads. Deliver must not block;
// Disconnect may.
type EventSink interface {
	Deliver(conn interfaces.Connection, ident *types.ConnectionIdentity, payload []byte) error
	Disconnect(conn interfaces.Connection, ident *types.ConnectionIdentity)
}

// HandlerOptions configures the read side of each connection.
type HandlerOptions struct {
	ReadTimeout    time.Duration
	MaxMessageSize int64
	Connection     ConnectionOptions
}

func DefaultHandlerOptions() HandlerOptions {
	return HandlerOptions{
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 8 << 20,
		Connection:     DefaultConnectionOptions(),
	}
}

// Handler upgrades requests on /ws and pumps frames into the sink.
type Handler struct {
	sink     EventSink
	opts     HandlerOptions
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mu     sync.Mutex
	active map[*Connection]struct{}
}

func NewHandler(sink EventSink, opts HandlerOptions, logger *logrus.Entry) *Handler {
	defaults := DefaultHandlerOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	return &Handler{
		sink:   sink,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Classroom devices load the page from the same host; any origin is accepted.
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		active: make(map[*Connection]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.opts.Connection, h.logger)
	h.track(conn)
	defer h.untrack(conn)

	h.logger.WithFields(logrus.Fields{
		"conn_id": conn.ID(),
		"remote":  r.RemoteAddr,
	}).Info("client connected")

	if err := conn.Send(types.ConnectionEstablished{}); err != nil {
		_ = conn.Close()
		return
	}

	h.readPump(conn)
}

// readPump runs until the socket fails or idles past the read timeout.
// The disconnect goes through the sink so it is ordered with the
// connection's earlier messages.
func (h *Handler) readPump(conn *Connection) {
	logger := h.logger.WithField("conn_id", conn.ID())
	defer func() {
		h.sink.Disconnect(conn, conn.Identity())
		_ = conn.Close()
		logger.Info("client disconnected")
	}()

	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxMessageSize)
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	}
	if err := extend(); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.WithError(err).Warn("websocket read error")
			}
			return
		}
		if err := extend(); err != nil {
			return
		}

		if err := h.sink.Deliver(conn, conn.Identity(), data); err != nil {
			logger.WithError(err).Warn("event rejected")
			_ = conn.Send(types.NewError(BusyMessage))
		}
	}
}

func (h *Handler) track(conn *Connection) {
	h.mu.Lock()
	h.active[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(conn *Connection) {
	h.mu.Lock()
	delete(h.active, conn)
	h.mu.Unlock()
}

// ActiveConnections returns how many sockets are open, joined or not.
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// CloseAll closes every open socket. http.Server.Shutdown does not touch
// hijacked connections, so the application calls this on stop.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.active))
	for conn := range h.active {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
