package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/circuitbreaker"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/logger"
	"huddle/pkg/tracing"
	"huddle/pkg/utils"
	"huddle/pkg/validation"

	"go.uber.org/zap"
)

type CoordinatorOptions struct {
	// PauseOnMute also pauses the peer's producer in the engine when the
	// peer mutes, instead of only flipping the flag.
	PauseOnMute bool
}

type eventHandler func(ctx context.Context, connID domain.ConnID, data json.RawMessage) (interface{}, error)

// SessionCoordinator handles inbound signaling events. It holds no state of
// its own; every mutation goes through the registries, and no registry lock
// is held while the engine is called.
type SessionCoordinator struct {
	peers     ports.PeerRegistry
	rooms     ports.RoomRegistry
	resources ports.ResourceRegistry
	notifier  ports.Notifier
	publisher ports.EventPublisher
	metrics   ports.SessionMetrics
	opts      CoordinatorOptions
	logger    *zap.SugaredLogger
	log       *logger.ContextLogger
	now       func() time.Time

	handlers map[string]eventHandler
}

func NewSessionCoordinator(
	peers ports.PeerRegistry,
	rooms ports.RoomRegistry,
	resources ports.ResourceRegistry,
	notifier ports.Notifier,
	publisher ports.EventPublisher, // nil disables cross-instance events
	metrics ports.SessionMetrics, // nil disables metrics
	opts CoordinatorOptions,
	log *zap.SugaredLogger,
) *SessionCoordinator {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	c := &SessionCoordinator{
		peers:     peers,
		rooms:     rooms,
		resources: resources,
		notifier:  notifier,
		publisher: publisher,
		metrics:   metrics,
		opts:      opts,
		logger:    log,
		log:       logger.NewContextLogger(log),
		now:       time.Now,
	}

	c.handlers = map[string]eventHandler{
		EventJoinRoom:            c.joinRoom,
		EventGetRTPCapabilities:  c.getRTPCapabilities,
		EventCreateTransport:     c.createTransport,
		EventConnectTransport:    c.connectTransport,
		EventProduce:             c.produce,
		EventConsume:             c.consume,
		EventGetAllProducers:     c.getAllProducers,
		EventPausedProducerVideo: c.muteHandler(domain.KindVideo, false, NotifyUserPausedVideo),
		EventResumeProducerVideo: c.muteHandler(domain.KindVideo, true, NotifyUserResumeVideo),
		EventPausedProducerAudio: c.muteHandler(domain.KindAudio, false, NotifyUserPausedAudio),
		EventResumeProducerAudio: c.muteHandler(domain.KindAudio, true, NotifyUserResumeAudio),
		EventSendNewMessage:      c.sendNewMessage,
	}

	return c
}

// Handle processes one inbound event for connID. The returned error, if any,
// is always an *errors.AppError.
func (c *SessionCoordinator) Handle(ctx context.Context, connID domain.ConnID, event string, data json.RawMessage) (interface{}, error) {
	handler, ok := c.handlers[event]
	if !ok {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown event %q", utils.TruncateRunes(event, 64)))
	}

	ctx, span := tracing.TraceSignalEvent(ctx, event, string(connID))
	defer span.End()

	start := time.Now()
	reply, err := handler(ctx, connID, data)
	c.metrics.RecordEvent(event, time.Since(start), err)

	if err != nil {
		tracing.RecordError(ctx, err)
		appErr := toAppError(err)
		c.log.WithContext(ctx).Warnw("signal event failed",
			"event", event,
			"code", appErr.Code,
			"error", err,
		)
		return nil, appErr
	}
	return reply, nil
}

func (c *SessionCoordinator) joinRoom(ctx context.Context, connID domain.ConnID, data json.RawMessage) (interface{}, error) {
	var req JoinRoomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateRoomID(req.RoomID); err != nil {
		return nil, invalid(err)
	}
	name := utils.SanitizeString(req.UserName)
	if err := validation.ValidateUserName(name); err != nil {
		return nil, invalid(err)
	}
	roomID := domain.RoomID(req.RoomID)

	if claims, ok := JoinClaimsFromContext(ctx); ok {
		if claims.RoomID != req.RoomID {
			return nil, apperrors.NewForbiddenError("join token does not grant access to this room")
		}
		name = claims.UserName
	}

	moved := false
	prev, err := c.peers.Lookup(ctx, connID)
	switch {
	case err == nil && prev.RoomID == roomID:
		prev.Name = name
		if err := c.peers.Register(ctx, prev); err != nil {
			return nil, fmt.Errorf("failed to update peer: %w", err)
		}
		c.rooms.Join(roomID, connID, name)
		return nil, nil
	case err == nil:
		// A connection belongs to one room at a time. Its media was bound
		// to the old room's router, so it goes too.
		if err := c.resources.ReleaseAll(connID); err != nil {
			c.logger.Warnw("failed to release resources on room change",
				"conn_id", connID,
				"error", err,
			)
		}
		c.resources.Open(connID)
		c.departRoom(ctx, prev)
		moved = true
	case !errors.Is(err, domain.ErrPeerNotFound):
		return nil, fmt.Errorf("failed to look up peer: %w", err)
	}

	peer := domain.NewPeer(connID, name, roomID)
	if err := c.peers.Register(ctx, peer); err != nil {
		return nil, fmt.Errorf("failed to register peer: %w", err)
	}
	if c.rooms.Join(roomID, connID, name) {
		c.metrics.RecordRoomCreated()
	}
	if !moved {
		c.metrics.RecordPeerConnected()
	}

	c.broadcast(roomID, connID, NotifyUserJoined, UserPresence{UserName: name, SocketID: connID})

	if err := c.publisher.PublishPeerJoined(ctx, roomID, connID); err != nil {
		c.logger.Warnw("failed to publish peer joined", "room_id", roomID, "error", err)
	}

	c.log.WithContext(logger.WithRoomID(ctx, string(roomID))).Infow("peer joined room",
		"user_name", name,
		"moved", moved,
	)
	return nil, nil
}

func (c *SessionCoordinator) getRTPCapabilities(ctx context.Context, connID domain.ConnID, data json.RawMessage) (interface{}, error) {
	var req RTPCapabilitiesRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateRoomID(req.RoomID); err != nil {
		return nil, invalid(err)
	}

	router, err := c.rooms.EnsureRouter(ctx, domain.RoomID(req.RoomID))
	if err != nil {
		return nil, engineError("failed to create router", err)
	}
	return router.RTPCapabilities(), nil
}

func (c *SessionCoordinator) createTransport(ctx context.Context, connID domain.ConnID, data json.RawMessage) (interface{}, error) {
	var req CreateTransportRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateRoomID(req.RoomID); err != nil {
		return nil, invalid(err)
	}
	if !req.Direction.Valid() {
		return nil, apperrors.NewInvalidInputError(`direction must be "send" or "recv"`)
	}
	if c.resources.HasTransport(connID, req.Direction) {
		return nil, domain.ErrTransportExists
	}

	roomID := domain.RoomID(req.RoomID)
	router, ok := c.rooms.Router(roomID)
	if !ok {
		c.log.WithContext(ctx).Warnw("transport requested before capabilities, creating router",
			"room_id", roomID,
		)
		var err error
		router, err = c.rooms.EnsureRouter(ctx, roomID)
		if err != nil {
			return nil, engineError("failed to create router", err)
		}
	}

	transport, err := router.CreateWebRTCTransport(ctx, ports.TransportOptions{Direction: req.Direction})
	if err != nil {
		return nil, engineError("failed to create transport", err)
	}

	entry := ports.TransportEntry{Transport: transport, Direction: req.Direction}
	if err := c.resources.AddTransport(connID, entry); err != nil {
		c.discard("transport", string(transport.ID()), transport.Close)
		return nil, err
	}
	c.metrics.SetResourceCounts(c.resources.Counts())

	c.log.WithContext(ctx).Debugw("transport created",
		"transport_id", transport.ID(),
		"direction", req.Direction,
	)
	return transport.Parameters(), nil
}

func (c *SessionCoordinator) connectTransport(ctx context.Context, connID domain.ConnID, data json.RawMessage) (interface{}, error) {
	var req ConnectTransportRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateNonEmptyString(req.TransportID, "transportId"); err != nil {
		return nil, invalid(err)
	}
	if len(req.DTLSParameters.Fingerprints) == 0 {
		return nil, apperrors.NewInvalidInputError("dtlsParameters.fingerprints is required")
	}

	transport, err := c.resources.FindTransport(connID, domain.TransportID(req.TransportID))
	if err != nil {
		return nil, err
	}

	params := domain.ConnectParameters{
		DTLSParameters: req.DTLSParameters,
		ICEParameters:  req.ICEParameters,
		ICECandidates:  req.ICECandidates,
	}
	if err := transport.Connect(ctx, params); err != nil {
		return nil, engineError("failed to connect transport", err)
	}
	return "connected", nil
}

func (c *SessionCoordinator) produce(ctx context.Context, connID domain.ConnID, data json.RawMessage) (interface{}, error) {
	peer, err := c.joinedPeer(ctx, connID)
	if err != nil {
		return nil, err
	}

	var req ProduceRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if !req.Kind.Valid() {
		return nil, apperrors.NewInvalidInputError(`kind must be "audio" or "video"`)
	}
	if err := validation.ValidateNonEmptyString(req.TransportID, "transportId"); err != nil {
		return nil, invalid(err)
	}
	if c.resources.HasProducer(connID, req.Kind) {
		return nil, domain.ErrProducerExists
	}

	transport, err := c.resources.FindTransport(connID, domain.TransportID(req.TransportID))
	if err != nil {
		return nil, err
	}

	producer, err := transport.Produce(ctx, req.Kind, req.RTPParameters)
	if err != nil {
		return nil, engineError("failed to create producer", err)
	}
	if err := c.resources.AddProducer(connID, producer); err != nil {
		c.discard("producer", string(producer.ID()), producer.Close)
		return nil, err
	}
	c.metrics.SetResourceCounts(c.resources.Counts())

	if c.opts.PauseOnMute && !mediaEnabled(peer, req.Kind) {
		if err := producer.Pause(); err != nil {
			c.logger.Warnw("failed to pause muted producer",
				"producer_id", producer.ID(),
				"error", err,
			)
		}
	}

	c.broadcast(peer.RoomID, connID, NotifyNewProducer, NewProducerNotice{
		SocketID:   connID,
		ProducerID: producer.ID(),
		Kind:       producer.Kind(),
	})

	c.log.WithContext(ctx).Infow("producer created",
		"room_id", peer.RoomID,
		"producer_id", producer.ID(),
		"kind", producer.Kind(),
	)
	return ProducerReply{ID: producer.ID()}, nil
}

// consume answers capability and transport problems with a {error} payload
// rather than a protocol error, which is what clients branch on.
func (c *SessionCoordinator) consume(ctx context.Context, connID domain.ConnID, data json.RawMessage) (interface{}, error) {
	var req ConsumeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateNonEmptyString(req.ProducerID, "producerId"); err != nil {
		return nil, invalid(err)
	}

	caller, err := c.joinedPeer(ctx, connID)
	if err != nil {
		return nil, err
	}
	producerID := domain.ProducerID(req.ProducerID)

	owner, ok := c.producerOwner(ctx, caller.RoomID, producerID)
	if !ok {
		return ConsumeReply{Error: consumeErrCannotConsume}, nil
	}
	if req.TargetSocketID != "" && domain.ConnID(req.TargetSocketID) != owner.ConnID {
		c.logger.Debugw("consume target does not own producer",
			"producer_id", producerID,
			"target_socket_id", req.TargetSocketID,
			"owner", owner.ConnID,
		)
	}

	router, ok := c.rooms.Router(caller.RoomID)
	if !ok || !router.CanConsume(producerID, req.RTPCapabilities) {
		return ConsumeReply{Error: consumeErrCannotConsume}, nil
	}

	transport, err := c.resources.FindRecvTransport(connID)
	if err != nil {
		return ConsumeReply{Error: consumeErrNoRecv}, nil
	}

	consumer, err := transport.Consume(ctx, producerID, req.RTPCapabilities)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		c.log.WithContext(ctx).Errorw("failed to create consumer",
			"producer_id", producerID,
			"error", err,
		)
		return ConsumeReply{Error: consumeErrEngine}, nil
	}
	if err := c.resources.AddConsumer(connID, consumer); err != nil {
		c.discard("consumer", string(consumer.ID()), consumer.Close)
		return nil, err
	}
	c.metrics.SetResourceCounts(c.resources.Counts())

	return ConsumeReply{
		ProducerInfo: &ConsumerInfo{
			ID:            consumer.ID(),
			ProducerID:    producerID,
			Kind:          consumer.Kind(),
			RTPParameters: consumer.RTPParameters(),
		},
		UserInfo: &UserInfo{
			SocketID:     owner.ConnID,
			UserName:     owner.Name,
			VideoEnabled: owner.VideoEnabled,
			AudioEnabled: owner.AudioEnabled,
			IsSpeaking:   owner.IsSpeaking,
		},
	}, nil
}

// producerOwner returns a snapshot of the peer owning producerID, provided it
// is in roomID.
func (c *SessionCoordinator) producerOwner(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) (*domain.Peer, bool) {
	owned, err := c.resources.FindProducer(producerID)
	if err != nil {
		return nil, false
	}
	owner, err := c.peers.Lookup(ctx, owned.Owner)
	if err != nil || owner.RoomID != roomID {
		return nil, false
	}
	return owner, true
}

func (c *SessionCoordinator) getAllProducers(ctx context.Context, connID domain.ConnID, _ json.RawMessage) (interface{}, error) {
	reply := ProducersReply{Producers: []ProducerEntry{}}

	peer, err := c.peers.Lookup(ctx, connID)
	if errors.Is(err, domain.ErrPeerNotFound) {
		return reply, nil
	}
	if err != nil {
		return nil, err
	}

	infos, err := c.resources.AllProducersExcept(ctx, connID, peer.RoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list producers: %w", err)
	}
	for _, info := range infos {
		reply.Producers = append(reply.Producers, ProducerEntry{
			SocketID:   info.ConnID,
			ProducerID: info.ProducerID,
			Kind:       info.Kind,
		})
	}
	return reply, nil
}

func (c *SessionCoordinator) muteHandler(kind domain.MediaKind, enabled bool, notice string) eventHandler {
	return func(ctx context.Context, connID domain.ConnID, data json.RawMessage) (interface{}, error) {
		target, err := decodeConnectionID(data)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "malformed connectionId", http.StatusBadRequest)
		}
		if target != "" && target != connID {
			return nil, apperrors.NewForbiddenError("cannot change another peer's media state")
		}

		peer, err := c.joinedPeer(ctx, connID)
		if err != nil {
			return nil, err
		}

		set := c.peers.SetAudioEnabled
		if kind == domain.KindVideo {
			set = c.peers.SetVideoEnabled
		}
		if err := set(ctx, connID, enabled); err != nil {
			if errors.Is(err, domain.ErrPeerNotFound) {
				return nil, domain.ErrNotJoined
			}
			return nil, fmt.Errorf("failed to update media state: %w", err)
		}

		if c.opts.PauseOnMute {
			c.applyPause(connID, kind, enabled)
		}

		c.broadcast(peer.RoomID, connID, notice, MuteNotice{SocketID: connID})
		return nil, nil
	}
}

func (c *SessionCoordinator) applyPause(connID domain.ConnID, kind domain.MediaKind, enabled bool) {
	for _, p := range c.resources.ProducersOf(connID) {
		if p.Kind() != kind {
			continue
		}
		op := p.Pause
		if enabled {
			op = p.Resume
		}
		if err := op(); err != nil {
			c.logger.Warnw("failed to toggle producer",
				"producer_id", p.ID(),
				"enabled", enabled,
				"error", err,
			)
		}
	}
}

func (c *SessionCoordinator) sendNewMessage(ctx context.Context, connID domain.ConnID, data json.RawMessage) (interface{}, error) {
	peer, err := c.joinedPeer(ctx, connID)
	if err != nil {
		return nil, err
	}

	var req ChatMessageRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.RoomID != "" && domain.RoomID(req.RoomID) != peer.RoomID {
		return nil, domain.ErrRoomMismatch
	}
	text := utils.SanitizeString(req.text())
	if err := validation.ValidateChatMessage(text); err != nil {
		return nil, invalid(err)
	}

	timeStamp := req.TimeStamp
	if len(timeStamp) == 0 {
		timeStamp = json.RawMessage(strconv.FormatInt(c.now().UnixMilli(), 10))
	}

	c.broadcast(peer.RoomID, connID, NotifyReceiveNewMessage, ChatNotice{
		UserName:   peer.Name,
		NewMessage: text,
		TimeStamp:  timeStamp,
	})
	return nil, nil
}

// departRoom removes peer from its room and tells the remaining members.
// The peer registry entry is left to the caller.
func (c *SessionCoordinator) departRoom(ctx context.Context, peer *domain.Peer) {
	if c.rooms.Leave(peer.RoomID, peer.ConnID) {
		c.metrics.RecordRoomClosed()
		if err := c.publisher.PublishRoomClosed(ctx, peer.RoomID); err != nil {
			c.logger.Warnw("failed to publish room closed", "room_id", peer.RoomID, "error", err)
		}
	}

	c.broadcast(peer.RoomID, peer.ConnID, NotifyUserLeft, UserPresence{
		UserName: peer.Name,
		SocketID: peer.ConnID,
	})

	if err := c.publisher.PublishPeerLeft(ctx, peer.RoomID, peer.ConnID); err != nil {
		c.logger.Warnw("failed to publish peer left", "room_id", peer.RoomID, "error", err)
	}
}

// broadcast notifies every current member of roomID except the originator.
func (c *SessionCoordinator) broadcast(roomID domain.RoomID, except domain.ConnID, event string, payload interface{}) {
	for _, member := range c.rooms.Members(roomID) {
		if member.ConnID == except {
			continue
		}
		c.notifier.Notify(member.ConnID, event, payload)
	}
}

func (c *SessionCoordinator) joinedPeer(ctx context.Context, connID domain.ConnID) (*domain.Peer, error) {
	peer, err := c.peers.Lookup(ctx, connID)
	if errors.Is(err, domain.ErrPeerNotFound) {
		return nil, domain.ErrNotJoined
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up peer: %w", err)
	}
	return peer, nil
}

// discard closes a handle the engine produced after its owner went away.
func (c *SessionCoordinator) discard(kind, id string, closeFn func() error) {
	if err := closeFn(); err != nil {
		c.logger.Warnw("failed to close orphaned handle",
			"handle", kind,
			"id", id,
			"error", err,
		)
		return
	}
	c.logger.Debugw("closed orphaned handle", "handle", kind, "id", id)
}

func mediaEnabled(peer *domain.Peer, kind domain.MediaKind) bool {
	if kind == domain.KindAudio {
		return peer.AudioEnabled
	}
	return peer.VideoEnabled
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return apperrors.NewInvalidInputError("payload is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "malformed payload", http.StatusBadRequest)
	}
	return nil
}

func invalid(err error) error {
	return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
}

// engineError classifies a failed engine call. Cancellation passes through
// untouched since nobody is waiting for the reply.
func engineError(message string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, circuitbreaker.ErrOpen):
		return apperrors.NewEngineError(err, "media engine unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewEngineError(err, message+": timed out")
	}
	return apperrors.NewEngineError(err, message)
}

func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrNotJoined):
		return apperrors.WrapError(err, apperrors.ErrCodeForbidden, "join a room first", http.StatusForbidden)
	case errors.Is(err, domain.ErrRoomMismatch):
		return apperrors.WrapError(err, apperrors.ErrCodeForbidden, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrPeerNotFound),
		errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrTransportNotFound),
		errors.Is(err, domain.ErrRecvTransportNotFound),
		errors.Is(err, domain.ErrProducerNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrTransportExists),
		errors.Is(err, domain.ErrProducerExists):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrPeerGone),
		errors.Is(err, context.Canceled):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "connection closed", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrRouterClosed):
		return apperrors.NewEngineError(err, err.Error())
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

type nopPublisher struct{}

func (nopPublisher) PublishPeerJoined(context.Context, domain.RoomID, domain.ConnID) error { return nil }
func (nopPublisher) PublishPeerLeft(context.Context, domain.RoomID, domain.ConnID) error   { return nil }
func (nopPublisher) PublishRoomClosed(context.Context, domain.RoomID) error                { return nil }

type nopMetrics struct{}

func (nopMetrics) RecordEvent(string, time.Duration, error) {}
func (nopMetrics) RecordPeerConnected()                     {}
func (nopMetrics) RecordPeerDisconnected()                  {}
func (nopMetrics) RecordRoomCreated()                       {}
func (nopMetrics) RecordRoomClosed()                        {}
func (nopMetrics) RecordEngineError(string)                 {}
func (nopMetrics) RecordRoutersReaped(int)                  {}
func (nopMetrics) SetResourceCounts(ports.ResourceCounts)   {}
