package handlers

import (
	"context"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"periscope/internal/dispatch"
	"periscope/internal/models"
	"periscope/internal/session"
	"periscope/internal/stream"
)

// Inline socket actions are rate limited per attachment.
const (
	socketActionRate  = 10 // actions per second
	socketActionBurst = 20
)

// WSHandler handles the per-session data plane: it attaches the socket as
// the session's event sink, starts the frame streamer and dispatches
// inline actions from the client.
type WSHandler struct {
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
}

// NewWSHandler creates a new websocket handler.
func NewWSHandler(registry *session.Registry, dispatcher *dispatch.Dispatcher) *WSHandler {
	return &WSHandler{registry: registry, dispatcher: dispatcher}
}

// UpgradeGate runs as plain HTTP middleware before the handshake so bad
// requests are rejected with a real status code, never a half-open socket.
// The worker key middleware runs before this.
func (h *WSHandler) UpgradeGate(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error": "WebSocket upgrade required",
		})
	}
	if h.registry.Get(c.Params("sessionId")) == nil {
		return sessionNotFound(c)
	}
	return c.Next()
}

// Handle runs after a successful upgrade. Last attach wins: a previous
// sink for the same session receives stream_takeover and is closed.
func (h *WSHandler) Handle(c *websocket.Conn) {
	sessionID := c.Params("sessionId")

	// The session can be reaped between the gate and the handshake.
	sess := h.registry.Get(sessionID)
	if sess == nil {
		c.WriteJSON(models.NewEvent(models.EventActionError, map[string]interface{}{
			"message": "session not found",
		}))
		c.Close()
		return
	}

	log.Printf("🔌 [WS] Viewer attached to session %s", sessionID)
	sink := newWSSink()
	go h.writeLoop(c, sink)

	sess.Attach(sink)
	sink.Send(models.NewEvent(models.EventStreamStart, nil))
	sink.Send(models.NewEvent(models.EventState, map[string]interface{}{
		"state": sess.State(),
	}))

	streamCtx, cancelStream := context.WithCancel(context.Background())
	go stream.Run(streamCtx, sess, sink)

	h.readLoop(c, sess, sink)

	cancelStream()
	sess.Detach(sink)
	sink.Close()
	log.Printf("🔌 [WS] Viewer detached from session %s", sessionID)
}

// readLoop handles incoming messages from the client until the socket
// dies or the sink is superseded.
func (h *WSHandler) readLoop(c *websocket.Conn, sess *session.Session, sink *wsSink) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [WS] Panic in readLoop: %v", r)
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(socketActionRate), socketActionBurst)

	for {
		var req models.SocketRequest
		if err := c.ReadJSON(&req); err != nil {
			return
		}
		if sink.Done() {
			return
		}
		h.handleMessage(sess, sink, limiter, req)
	}
}

// handleMessage processes one inbound frame. Any message counts as client
// activity for the idle reaper, rejected ones included.
func (h *WSHandler) handleMessage(sess *session.Session, sink *wsSink, limiter *rate.Limiter, req models.SocketRequest) {
	sess.Touch()

	if req.Type != "action" || req.Action == nil {
		sink.Send(models.NewEvent(models.EventActionError, map[string]interface{}{
			"message": "expected {type:'action', action:{...}}",
		}))
		return
	}
	if !limiter.Allow() {
		sink.Send(models.NewEvent(models.EventActionError, map[string]interface{}{
			"action": req.Action.Type, "message": "rate limit exceeded",
		}))
		return
	}
	if err := req.Action.Validate(); err != nil {
		sink.Send(models.NewEvent(models.EventActionError, map[string]interface{}{
			"action": req.Action.Type, "message": err.Error(),
		}))
		return
	}

	// Same dispatcher as the HTTP batch path; the session's batch lock
	// keeps the two from interleaving.
	h.dispatcher.Run(context.Background(), sess, []models.Action{*req.Action})
}

// writeLoop drains the sink's channel onto the wire. On sink close it
// flushes whatever is still queued (the takeover notice in particular)
// and closes the socket.
func (h *WSHandler) writeLoop(c *websocket.Conn, sink *wsSink) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [WS] Panic in writeLoop: %v", r)
		}
	}()
	defer c.Close()

	for {
		select {
		case ev := <-sink.writeChan:
			if err := c.WriteJSON(ev); err != nil {
				sink.Close()
				return
			}
		case <-sink.done:
			for {
				select {
				case ev := <-sink.writeChan:
					c.WriteJSON(ev)
				default:
					c.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// wsSink adapts one websocket attachment to the session event sink. Send
// never blocks dispatch: a full channel counts as a dead consumer.
type wsSink struct {
	writeChan chan models.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newWSSink() *wsSink {
	return &wsSink{
		writeChan: make(chan models.Event, 256),
		done:      make(chan struct{}),
	}
}

func (s *wsSink) Send(ev models.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.writeChan <- ev:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

func (s *wsSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done reports whether the sink has been closed (superseded or failed).
func (s *wsSink) Done() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
