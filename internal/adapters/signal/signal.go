package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/core"
	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
)

var ErrBackpressure = errors.New("backpressure")

// Controller is the signaling gateway: one WebSocket per client, handlers
// mutating session state and emitting notifications to affected peers.
type Controller struct {
	Registry *core.Registry
	Router   media.Router

	// GracePeriod bounds how long a disconnected participant may rejoin
	// before it is removed for good.
	GracePeriod time.Duration
	ChatLimiter *RateLimiter
}

func NewController(registry *core.Registry, router media.Router, gracePeriod time.Duration) *Controller {
	return &Controller{
		Registry:    registry,
		Router:      router,
		GracePeriod: gracePeriod,
		ChatLimiter: NewRateLimiter(20, 10*time.Second),
	}
}

// wsConn wraps a websocket with a buffered outbound queue. TrySend never
// blocks; a full queue is backpressure the caller decides about.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

// client is the per-connection state: which session and participant this
// socket is bound to after join.
type client struct {
	conn *wsConn

	mu              sync.Mutex
	session         *core.Session
	participant     *core.Participant
	recvTransportID string
}

func (c *client) bound() (*core.Session, *core.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.participant, c.session != nil && c.participant != nil
}

func (c *client) bind(s *core.Session, p *core.Participant) {
	c.mu.Lock()
	c.session = s
	c.participant = p
	c.mu.Unlock()
}

func (c *client) unbind() {
	c.mu.Lock()
	c.session = nil
	c.participant = nil
	c.recvTransportID = ""
	c.mu.Unlock()
}

func (c *client) setRecvTransport(id string) {
	c.mu.Lock()
	c.recvTransportID = id
	c.mu.Unlock()
}

func (c *client) recvTransport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvTransportID
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the connection and runs the read/write pumps until
// the client goes away.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 64),
	}
	cl := &client{conn: conn}
	connID := uuid.NewString()
	log.Info().Str("module", "signal").Str("conn", connID).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, cl)
	}()
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

// sendError reports a failure only to the originating caller.
func (ctl *Controller) sendError(c *wsConn, err error) {
	ctl.sendJSON(c, map[string]string{
		"type":    "error",
		"error":   errorCode(err),
		"message": err.Error(),
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrSessionNotFound),
		errors.Is(err, core.ErrParticipantNotFound),
		errors.Is(err, core.ErrTransportNotFound),
		errors.Is(err, core.ErrProducerNotFound),
		errors.Is(err, core.ErrConsumerNotFound),
		errors.Is(err, core.ErrHostNotFound):
		return "not_found"
	case errors.Is(err, core.ErrSessionExists),
		errors.Is(err, core.ErrAlreadyRecording),
		errors.Is(err, core.ErrNotRecording),
		errors.Is(err, core.ErrSessionEnded):
		return "conflict"
	case errors.Is(err, core.ErrNotHost):
		return "forbidden"
	case errors.Is(err, core.ErrIncompatibleCaps):
		return "capability_mismatch"
	case errors.Is(err, core.ErrNoMediaToRecord):
		return "no_media"
	default:
		return "upstream_unavailable"
	}
}

// broadcastOthers notifies every active participant except the sender. It
// runs only after the triggering mutation has committed.
func (ctl *Controller) broadcastOthers(sess *core.Session, except domain.ParticipantID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	for _, p := range sess.ActiveParticipants() {
		if p.ID == except {
			continue
		}
		if conn := p.Conn(); conn != nil {
			if err := conn.TrySend(b); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("pid", string(p.ID)).Msg("broadcast dropped")
			}
		}
	}
}

func (ctl *Controller) broadcastAll(sess *core.Session, v any) {
	ctl.broadcastOthers(sess, "", v)
}
