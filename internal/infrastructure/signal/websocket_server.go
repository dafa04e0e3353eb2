package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/logger"
	"huddle/pkg/utils"
	"huddle/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EventHandler processes one inbound event. Errors are *errors.AppError.
type EventHandler interface {
	Handle(ctx context.Context, connID domain.ConnID, event string, data json.RawMessage) (interface{}, error)
}

type Lifecycle interface {
	Connect(ctx context.Context, connID domain.ConnID)
	// Heartbeat runs on every pong from the client.
	Heartbeat(ctx context.Context, connID domain.ConnID)
	Disconnect(ctx context.Context, connID domain.ConnID)
}

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	EventQueueSize int
	MaxMessageSize int64
	MaxConnections int

	// Zero MessagesPerSecond disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int

	AllowedOrigins []string
	// RequireToken rejects upgrades without a valid ?token= join token.
	RequireToken bool
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  256,
		EventQueueSize: 64,
		MaxMessageSize: 64 * 1024,
	}
}

type WebSocketServer struct {
	opts      Options
	upgrader  websocket.Upgrader
	hub       *Hub
	handler   EventHandler
	lifecycle Lifecycle
	auth      services.AuthService

	wg     sync.WaitGroup
	logger *zap.SugaredLogger
	log    *logger.ContextLogger
}

func NewWebSocketServer(
	opts Options,
	hub *Hub,
	handler EventHandler,
	lifecycle Lifecycle,
	auth services.AuthService, // nil accepts connections without tokens
	log *zap.SugaredLogger,
) *WebSocketServer {
	s := &WebSocketServer{
		opts:      opts,
		hub:       hub,
		handler:   handler,
		lifecycle: lifecycle,
		auth:      auth,
		logger:    log,
		log:       logger.NewContextLogger(log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// Handle is the gin entry point for the upgrade endpoint.
func (s *WebSocketServer) Handle(c *gin.Context) {
	s.HandleWebSocket(c.Writer, c.Request)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxConnections > 0 && s.hub.Count() >= s.opts.MaxConnections {
		s.logger.Warnw("connection limit reached", "limit", s.opts.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	claims, err := s.admit(r)
	if err != nil {
		s.logger.Infow("websocket admission rejected", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	connID := domain.ConnID(utils.NewConnID())
	ctx, cancel := context.WithCancel(logger.WithConnID(context.Background(), string(connID)))
	defer cancel()
	if claims != nil {
		ctx = services.WithJoinClaims(ctx, claims)
	}

	c := &client{
		id:      connID,
		conn:    conn,
		send:    make(chan []byte, s.opts.SendQueueSize),
		inbound: make(chan InboundMessage, s.opts.EventQueueSize),
	}
	if s.opts.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	s.hub.register(c)
	s.hub.metrics.ConnectionOpened()
	go s.writePump(c)

	s.lifecycle.Connect(ctx, connID)
	s.log.WithContext(ctx).Infow("peer connected", "remote_addr", r.RemoteAddr)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.worker(ctx, c)
	}()

	s.readPump(ctx, c)

	// In-flight engine calls for this connection give up here.
	cancel()
	close(c.inbound)
	<-workerDone

	s.lifecycle.Disconnect(logger.WithConnID(context.Background(), string(connID)), connID)
	s.hub.unregister(connID)
	close(c.send)
	s.hub.metrics.ConnectionClosed()
}

func (s *WebSocketServer) admit(r *http.Request) (*services.JoinClaims, error) {
	if s.auth == nil {
		return nil, nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		if s.opts.RequireToken {
			return nil, services.ErrInvalidToken
		}
		return nil, nil
	}
	return s.auth.ValidateJoinToken(token)
}

func (s *WebSocketServer) readPump(ctx context.Context, c *client) {
	conn := c.conn
	if s.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		s.lifecycle.Heartbeat(ctx, c.id)
		return nil
	})

	log := s.log.WithContext(ctx)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Infow("error reading message from peer", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(c, errorMessage("", apperrors.NewInvalidInputError("malformed message")))
			continue
		}
		if err := validation.ValidateCorrelationID(msg.ID); err != nil {
			s.reply(c, errorMessage("", apperrors.NewInvalidInputError(err.Error())))
			continue
		}
		if msg.Event == "" {
			s.reply(c, errorMessage(msg.ID, apperrors.NewInvalidInputError("event is required")))
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			s.hub.metrics.RateLimited()
			log.Debugw("message rate limited", "event", msg.Event)
			if msg.ID != "" {
				s.reply(c, errorMessage(msg.ID, apperrors.NewRateLimitError()))
			}
			continue
		}

		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// worker handles the connection's events one at a time, in arrival order.
func (s *WebSocketServer) worker(ctx context.Context, c *client) {
	for msg := range c.inbound {
		if ctx.Err() != nil {
			continue
		}

		requestID := msg.ID
		if requestID == "" {
			requestID = utils.NewRequestID()
		}
		reqCtx := logger.WithRequestID(ctx, requestID)

		reply, err := s.handler.Handle(reqCtx, c.id, msg.Event, msg.Data)
		if msg.ID == "" {
			continue
		}
		if err != nil {
			s.reply(c, errorMessage(msg.ID, err))
			continue
		}
		s.reply(c, responseMessage(msg.ID, reply))
	}
}

func (s *WebSocketServer) reply(c *client, msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to encode reply", "conn_id", c.id, "error", err)
		return
	}
	if !c.enqueue(data) {
		s.hub.metrics.MessageDropped()
		s.logger.Warnw("send queue full, dropping reply", "conn_id", c.id, "id", msg.ID)
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debugw("write failed", "conn_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("ping failed", "conn_id", c.id, "error", err)
				return
			}
		}
	}
}

// Shutdown closes every connection and waits until their teardown has run
// or ctx ends.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	deadline := time.Now().Add(s.opts.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range s.hub.snapshot() {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type client struct {
	id      domain.ConnID
	conn    *websocket.Conn
	send    chan []byte
	inbound chan InboundMessage
	limiter *rate.Limiter
}

// enqueue never blocks; it reports false when the queue is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
