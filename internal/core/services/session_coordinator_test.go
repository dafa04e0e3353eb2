package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/repositories/memory"
	"huddle/internal/testutils"
	apperrors "huddle/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	engine    *testutils.FakeEngine
	notifier  *testutils.RecordingNotifier
	peers     ports.PeerRegistry
	rooms     *memory.RoomRegistry
	resources *memory.ResourceRegistry
	coord     *SessionCoordinator
	lifecycle *ConnectionLifecycle
}

func newHarness(t *testing.T, opts CoordinatorOptions, publisher ports.EventPublisher) *harness {
	return newHarnessWithPeers(t, memory.NewPeerRegistry(), opts, publisher)
}

func newHarnessWithPeers(t *testing.T, peers ports.PeerRegistry, opts CoordinatorOptions, publisher ports.EventPublisher) *harness {
	logger := zaptest.NewLogger(t).Sugar()
	engine := testutils.NewFakeEngine()
	notifier := testutils.NewRecordingNotifier()
	rooms := memory.NewRoomRegistry(engine, memory.RoomRegistryOptions{
		Codecs:               testutils.DefaultCodecs(),
		ReleaseRouterOnEmpty: true,
	}, logger)
	resources := memory.NewResourceRegistry(peers)

	coord := NewSessionCoordinator(peers, rooms, resources, notifier, publisher, nil, opts, logger)
	return &harness{
		engine:    engine,
		notifier:  notifier,
		peers:     peers,
		rooms:     rooms,
		resources: resources,
		coord:     coord,
		lifecycle: NewConnectionLifecycle(coord),
	}
}

func (h *harness) call(t *testing.T, connID domain.ConnID, event string, payload interface{}) (interface{}, error) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		data = raw
	}
	return h.coord.Handle(context.Background(), connID, event, data)
}

func (h *harness) join(t *testing.T, connID domain.ConnID, roomID, name string) {
	t.Helper()
	h.lifecycle.Connect(context.Background(), connID)
	_, err := h.call(t, connID, EventJoinRoom, JoinRoomRequest{RoomID: roomID, UserName: name})
	require.NoError(t, err)
}

func (h *harness) capabilities(t *testing.T, connID domain.ConnID, roomID string) domain.RTPCapabilities {
	t.Helper()
	reply, err := h.call(t, connID, EventGetRTPCapabilities, RTPCapabilitiesRequest{RoomID: roomID})
	require.NoError(t, err)
	return reply.(domain.RTPCapabilities)
}

func (h *harness) transport(t *testing.T, connID domain.ConnID, roomID string, dir domain.Direction) domain.TransportID {
	t.Helper()
	reply, err := h.call(t, connID, EventCreateTransport, CreateTransportRequest{RoomID: roomID, Direction: dir})
	require.NoError(t, err)
	return reply.(domain.TransportParameters).ID
}

func (h *harness) produce(t *testing.T, connID domain.ConnID, transportID domain.TransportID, kind domain.MediaKind) domain.ProducerID {
	t.Helper()
	reply, err := h.call(t, connID, EventProduce, ProduceRequest{TransportID: string(transportID), Kind: kind})
	require.NoError(t, err)
	return reply.(ProducerReply).ID
}

func requireCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr, "expected an AppError, got %v", err)
	assert.Equal(t, code, appErr.Code)
}

func TestScenario_JoinProduceDisconnect(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)

	h.join(t, "A", "abc", "alice")
	h.join(t, "B", "abc", "bob")

	joined, ok := h.notifier.Last("A", NotifyUserJoined)
	require.True(t, ok)
	assert.Equal(t, UserPresence{UserName: "bob", SocketID: "B"}, joined.Payload)
	assert.NotContains(t, h.notifier.Events("B"), NotifyUserJoined)

	h.capabilities(t, "A", "abc")
	send := h.transport(t, "A", "abc", domain.DirectionSend)
	producerID := h.produce(t, "A", send, domain.KindVideo)

	notice, ok := h.notifier.Last("B", NotifyNewProducer)
	require.True(t, ok)
	assert.Equal(t, NewProducerNotice{SocketID: "A", ProducerID: producerID, Kind: domain.KindVideo}, notice.Payload)
	assert.NotContains(t, h.notifier.Events("A"), NotifyNewProducer)

	h.lifecycle.Disconnect(context.Background(), "B")

	left, ok := h.notifier.Last("A", NotifyUserLeft)
	require.True(t, ok)
	assert.Equal(t, UserPresence{UserName: "bob", SocketID: "B"}, left.Payload)
	assert.True(t, h.rooms.Exists("abc"))
	assert.Equal(t, []domain.Member{{ConnID: "A", Name: "alice"}}, h.rooms.Members("abc"))
}

func TestJoin_ConnectedGreeting(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.lifecycle.Connect(context.Background(), "A")

	greeting, ok := h.notifier.Last("A", NotifyConnected)
	require.True(t, ok)
	assert.Equal(t, map[string]domain.ConnID{"socketId": "A"}, greeting.Payload)
}

func TestJoin_Validation(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.lifecycle.Connect(context.Background(), "A")

	_, err := h.call(t, "A", EventJoinRoom, JoinRoomRequest{RoomID: "", UserName: "alice"})
	requireCode(t, err, apperrors.ErrCodeInvalidInput)

	_, err = h.call(t, "A", EventJoinRoom, JoinRoomRequest{RoomID: "abc", UserName: "  "})
	requireCode(t, err, apperrors.ErrCodeInvalidInput)

	_, err = h.coord.Handle(context.Background(), "A", EventJoinRoom, json.RawMessage(`{"roomId":`))
	requireCode(t, err, apperrors.ErrCodeInvalidInput)

	assert.False(t, h.rooms.Exists("abc"))
}

func TestJoin_MovesBetweenRooms(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "one", "alice")
	h.join(t, "B", "one", "bob")
	h.join(t, "C", "two", "carol")

	h.capabilities(t, "A", "one")
	send := h.transport(t, "A", "one", domain.DirectionSend)
	h.produce(t, "A", send, domain.KindAudio)

	_, err := h.call(t, "A", EventJoinRoom, JoinRoomRequest{RoomID: "two", UserName: "alice"})
	require.NoError(t, err)

	left, ok := h.notifier.Last("B", NotifyUserLeft)
	require.True(t, ok)
	assert.Equal(t, UserPresence{UserName: "alice", SocketID: "A"}, left.Payload)

	joined, ok := h.notifier.Last("C", NotifyUserJoined)
	require.True(t, ok)
	assert.Equal(t, UserPresence{UserName: "alice", SocketID: "A"}, joined.Payload)

	peer, err := h.peers.Lookup(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("two"), peer.RoomID)
	assert.Empty(t, h.resources.ProducersOf("A"))
	assert.Len(t, h.rooms.Members("one"), 1)
	assert.Len(t, h.rooms.Members("two"), 2)
}

func TestJoin_SameRoomTwice(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.join(t, "B", "abc", "bob")
	h.notifier.Reset()

	_, err := h.call(t, "B", EventJoinRoom, JoinRoomRequest{RoomID: "abc", UserName: "bobby"})
	require.NoError(t, err)

	assert.Empty(t, h.notifier.Events("A"))
	assert.Contains(t, h.rooms.Members("abc"), domain.Member{ConnID: "B", Name: "bobby"})
}

func TestProduce_BroadcastExcludesProducer(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.join(t, "B", "abc", "bob")
	h.join(t, "C", "abc", "carol")
	h.join(t, "D", "elsewhere", "dave")

	h.capabilities(t, "A", "abc")
	send := h.transport(t, "A", "abc", domain.DirectionSend)
	h.produce(t, "A", send, domain.KindAudio)

	for _, id := range []domain.ConnID{"B", "C"} {
		assert.Contains(t, h.notifier.Events(id), NotifyNewProducer, "member %s", id)
	}
	assert.NotContains(t, h.notifier.Events("A"), NotifyNewProducer)
	assert.NotContains(t, h.notifier.Events("D"), NotifyNewProducer)
}

func TestProduce_Errors(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)

	h.lifecycle.Connect(context.Background(), "X")
	_, err := h.call(t, "X", EventProduce, ProduceRequest{TransportID: "t", Kind: domain.KindAudio})
	requireCode(t, err, apperrors.ErrCodeForbidden)

	h.join(t, "A", "abc", "alice")
	_, err = h.call(t, "A", EventProduce, ProduceRequest{TransportID: "missing", Kind: domain.KindAudio})
	requireCode(t, err, apperrors.ErrCodeNotFound)

	_, err = h.call(t, "A", EventProduce, ProduceRequest{TransportID: "missing", Kind: "screen"})
	requireCode(t, err, apperrors.ErrCodeInvalidInput)

	send := h.transport(t, "A", "abc", domain.DirectionSend)
	h.produce(t, "A", send, domain.KindVideo)
	_, err = h.call(t, "A", EventProduce, ProduceRequest{TransportID: string(send), Kind: domain.KindVideo})
	requireCode(t, err, apperrors.ErrCodeConflict)

	h.engine.ProduceErr = testutils.ErrEngineFailure
	_, err = h.call(t, "A", EventProduce, ProduceRequest{TransportID: string(send), Kind: domain.KindAudio})
	requireCode(t, err, apperrors.ErrCodeEngine)
}

func TestCreateTransport(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")

	// No capability request yet: the router is created on the fly.
	_, ok := h.rooms.Router("abc")
	require.False(t, ok)

	reply, err := h.call(t, "A", EventCreateTransport, CreateTransportRequest{RoomID: "abc", Direction: domain.DirectionRecv})
	require.NoError(t, err)
	params := reply.(domain.TransportParameters)
	assert.NotEmpty(t, params.ID)
	assert.NotEmpty(t, params.DTLSParameters.Fingerprints)

	_, ok = h.rooms.Router("abc")
	assert.True(t, ok)

	_, err = h.call(t, "A", EventCreateTransport, CreateTransportRequest{RoomID: "abc", Direction: domain.DirectionRecv})
	requireCode(t, err, apperrors.ErrCodeConflict)

	_, err = h.call(t, "A", EventCreateTransport, CreateTransportRequest{RoomID: "abc", Direction: "sideways"})
	requireCode(t, err, apperrors.ErrCodeInvalidInput)

	h.engine.CreateTransportErr = testutils.ErrEngineFailure
	_, err = h.call(t, "A", EventCreateTransport, CreateTransportRequest{RoomID: "abc", Direction: domain.DirectionSend})
	requireCode(t, err, apperrors.ErrCodeEngine)
	assert.Equal(t, 1, h.resources.Counts().Transports)
}

func TestConnectTransport(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.join(t, "B", "abc", "bob")
	send := h.transport(t, "A", "abc", domain.DirectionSend)

	dtls := domain.DTLSParameters{
		Role:         "client",
		Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}

	_, err := h.call(t, "B", EventConnectTransport, ConnectTransportRequest{TransportID: string(send), DTLSParameters: dtls})
	requireCode(t, err, apperrors.ErrCodeNotFound)

	_, err = h.call(t, "A", EventConnectTransport, ConnectTransportRequest{TransportID: string(send)})
	requireCode(t, err, apperrors.ErrCodeInvalidInput)

	reply, err := h.call(t, "A", EventConnectTransport, ConnectTransportRequest{TransportID: string(send), DTLSParameters: dtls})
	require.NoError(t, err)
	assert.Equal(t, "connected", reply)

	router, _ := h.rooms.Router("abc")
	fake := router.(*testutils.FakeRouter)
	require.Len(t, fake.Transports(), 1)
	assert.True(t, fake.Transports()[0].Connected())

	assert.Empty(t, h.notifier.Events("B")[1:])
}

func TestGetAllProducers(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.join(t, "C", "other", "carol")

	sendA := h.transport(t, "A", "abc", domain.DirectionSend)
	audio := h.produce(t, "A", sendA, domain.KindAudio)
	video := h.produce(t, "A", sendA, domain.KindVideo)
	sendC := h.transport(t, "C", "other", domain.DirectionSend)
	h.produce(t, "C", sendC, domain.KindAudio)

	h.join(t, "B", "abc", "bob")
	reply, err := h.call(t, "B", EventGetAllProducers, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ProducerEntry{
		{SocketID: "A", ProducerID: audio, Kind: domain.KindAudio},
		{SocketID: "A", ProducerID: video, Kind: domain.KindVideo},
	}, reply.(ProducersReply).Producers)

	reply, err = h.call(t, "A", EventGetAllProducers, nil)
	require.NoError(t, err)
	assert.Empty(t, reply.(ProducersReply).Producers)

	h.lifecycle.Connect(context.Background(), "X")
	reply, err = h.call(t, "X", EventGetAllProducers, nil)
	require.NoError(t, err)
	assert.NotNil(t, reply.(ProducersReply).Producers)
	assert.Empty(t, reply.(ProducersReply).Producers)
}

func TestConsume(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.join(t, "B", "abc", "bob")
	caps := h.capabilities(t, "B", "abc")

	send := h.transport(t, "A", "abc", domain.DirectionSend)
	producerID := h.produce(t, "A", send, domain.KindVideo)
	_, err := h.call(t, "A", EventPausedProducerVideo, nil)
	require.NoError(t, err)

	t.Run("no recv transport", func(t *testing.T) {
		reply, err := h.call(t, "B", EventConsume, ConsumeRequest{ProducerID: string(producerID), RTPCapabilities: caps})
		require.NoError(t, err)
		assert.Equal(t, ConsumeReply{Error: "Receive transport not found"}, reply)
	})

	h.transport(t, "B", "abc", domain.DirectionRecv)

	t.Run("incompatible capabilities", func(t *testing.T) {
		audioOnly := domain.RTPCapabilities{Codecs: caps.Codecs[:1]}
		reply, err := h.call(t, "B", EventConsume, ConsumeRequest{ProducerID: string(producerID), RTPCapabilities: audioOnly})
		require.NoError(t, err)
		assert.Equal(t, ConsumeReply{Error: "Cannot consume this producer"}, reply)
	})

	t.Run("unknown producer", func(t *testing.T) {
		reply, err := h.call(t, "B", EventConsume, ConsumeRequest{ProducerID: "nope", RTPCapabilities: caps})
		require.NoError(t, err)
		assert.Equal(t, ConsumeReply{Error: "Cannot consume this producer"}, reply)
	})

	t.Run("success", func(t *testing.T) {
		reply, err := h.call(t, "B", EventConsume, ConsumeRequest{
			ProducerID:      string(producerID),
			RTPCapabilities: caps,
			TargetSocketID:  "A",
		})
		require.NoError(t, err)

		consume := reply.(ConsumeReply)
		require.NotNil(t, consume.ProducerInfo)
		assert.Equal(t, producerID, consume.ProducerInfo.ProducerID)
		assert.Equal(t, domain.KindVideo, consume.ProducerInfo.Kind)
		assert.NotEmpty(t, consume.ProducerInfo.RTPParameters.Codecs)
		assert.Equal(t, &UserInfo{
			SocketID:     "A",
			UserName:     "alice",
			VideoEnabled: false,
			AudioEnabled: true,
		}, consume.UserInfo)
		assert.Equal(t, 1, h.resources.Counts().Consumers)
	})

	t.Run("engine failure", func(t *testing.T) {
		h.engine.ConsumeErr = testutils.ErrEngineFailure
		defer func() { h.engine.ConsumeErr = nil }()

		reply, err := h.call(t, "B", EventConsume, ConsumeRequest{ProducerID: string(producerID), RTPCapabilities: caps})
		require.NoError(t, err)
		assert.Equal(t, ConsumeReply{Error: "Internal server error during consume"}, reply)
	})
}

func TestConsume_OtherRoomProducer(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "one", "alice")
	h.join(t, "B", "two", "bob")
	caps := h.capabilities(t, "B", "two")
	h.transport(t, "B", "two", domain.DirectionRecv)

	send := h.transport(t, "A", "one", domain.DirectionSend)
	producerID := h.produce(t, "A", send, domain.KindAudio)

	reply, err := h.call(t, "B", EventConsume, ConsumeRequest{ProducerID: string(producerID), RTPCapabilities: caps})
	require.NoError(t, err)
	assert.Equal(t, ConsumeReply{Error: "Cannot consume this producer"}, reply)
}

func TestMute(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.join(t, "B", "abc", "bob")

	_, err := h.call(t, "A", EventPausedProducerAudio, "A")
	require.NoError(t, err)

	notice, ok := h.notifier.Last("B", NotifyUserPausedAudio)
	require.True(t, ok)
	assert.Equal(t, MuteNotice{SocketID: "A"}, notice.Payload)
	assert.NotContains(t, h.notifier.Events("A"), NotifyUserPausedAudio)

	peer, err := h.peers.Lookup(context.Background(), "A")
	require.NoError(t, err)
	assert.False(t, peer.AudioEnabled)
	assert.True(t, peer.VideoEnabled)

	_, err = h.call(t, "A", EventResumeProducerAudio, map[string]string{"connectionId": "A"})
	require.NoError(t, err)
	assert.Contains(t, h.notifier.Events("B"), NotifyUserResumeAudio)

	peer, err = h.peers.Lookup(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, peer.AudioEnabled)

	_, err = h.call(t, "A", EventPausedProducerVideo, "B")
	requireCode(t, err, apperrors.ErrCodeForbidden)
}

func TestMute_PauseOnMute(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{PauseOnMute: true}, nil)
	h.join(t, "A", "abc", "alice")
	send := h.transport(t, "A", "abc", domain.DirectionSend)
	video := h.produce(t, "A", send, domain.KindVideo)
	audio := h.produce(t, "A", send, domain.KindAudio)

	_, err := h.call(t, "A", EventPausedProducerVideo, nil)
	require.NoError(t, err)

	videoProducer, ok := h.engine.Producer(video)
	require.True(t, ok)
	audioProducer, ok := h.engine.Producer(audio)
	require.True(t, ok)
	assert.True(t, videoProducer.Paused())
	assert.False(t, audioProducer.Paused())

	_, err = h.call(t, "A", EventResumeProducerVideo, nil)
	require.NoError(t, err)
	assert.False(t, videoProducer.Paused())
}

func TestSendNewMessage(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.join(t, "B", "abc", "bob")
	h.join(t, "C", "other", "carol")

	_, err := h.call(t, "A", EventSendNewMessage, map[string]interface{}{
		"roomId":     "abc",
		"userName":   "mallory",
		"newMessage": "hello",
		"timeStamp":  "10:42",
	})
	require.NoError(t, err)

	msg, ok := h.notifier.Last("B", NotifyReceiveNewMessage)
	require.True(t, ok)
	assert.Equal(t, ChatNotice{
		UserName:   "alice",
		NewMessage: "hello",
		TimeStamp:  json.RawMessage(`"10:42"`),
	}, msg.Payload)
	assert.NotContains(t, h.notifier.Events("A"), NotifyReceiveNewMessage)
	assert.NotContains(t, h.notifier.Events("C"), NotifyReceiveNewMessage)

	_, err = h.call(t, "A", EventSendNewMessage, map[string]string{"roomId": "other", "newMessage": "hi"})
	requireCode(t, err, apperrors.ErrCodeForbidden)

	_, err = h.call(t, "A", EventSendNewMessage, map[string]string{"roomId": "abc", "newMessage": ""})
	requireCode(t, err, apperrors.ErrCodeInvalidInput)
}

func TestHandle_UnknownEvent(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	_, err := h.call(t, "A", "launch-rockets", nil)
	requireCode(t, err, apperrors.ErrCodeInvalidInput)
}

func TestDisconnect_ReleasesEverything(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.capabilities(t, "A", "abc")
	send := h.transport(t, "A", "abc", domain.DirectionSend)
	producerID := h.produce(t, "A", send, domain.KindAudio)

	router, ok := h.rooms.Router("abc")
	require.True(t, ok)
	fakeRouter := router.(*testutils.FakeRouter)

	h.lifecycle.Disconnect(context.Background(), "A")

	producer, _ := h.engine.Producer(producerID)
	assert.True(t, producer.Closed())
	assert.True(t, fakeRouter.Transports()[0].Closed())
	assert.True(t, fakeRouter.Closed())
	assert.False(t, h.rooms.Exists("abc"))
	assert.Equal(t, ports.ResourceCounts{}, h.resources.Counts())

	_, err := h.peers.Lookup(context.Background(), "A")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)

	// Second disconnect is a no-op.
	h.lifecycle.Disconnect(context.Background(), "A")
	assert.NoError(t, h.resources.ReleaseAll("A"))
}

var errRedisTimeout = errors.New("redis: i/o timeout")

// unreachablePeers fails every call once down is set, like a peer store
// that lost its Redis connection.
type unreachablePeers struct {
	ports.PeerRegistry
	down    atomic.Bool
	touches atomic.Int32
}

func (p *unreachablePeers) Lookup(ctx context.Context, id domain.ConnID) (*domain.Peer, error) {
	if p.down.Load() {
		return nil, errRedisTimeout
	}
	return p.PeerRegistry.Lookup(ctx, id)
}

func (p *unreachablePeers) Touch(ctx context.Context, id domain.ConnID) error {
	p.touches.Add(1)
	if p.down.Load() {
		return errRedisTimeout
	}
	return p.PeerRegistry.Touch(ctx, id)
}

func (p *unreachablePeers) Remove(ctx context.Context, id domain.ConnID) error {
	if p.down.Load() {
		return errRedisTimeout
	}
	return p.PeerRegistry.Remove(ctx, id)
}

func TestDisconnect_PeerRegistryUnavailable(t *testing.T) {
	peers := &unreachablePeers{PeerRegistry: memory.NewPeerRegistry()}
	h := newHarnessWithPeers(t, peers, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.join(t, "B", "abc", "bob")
	h.capabilities(t, "A", "abc")

	router, ok := h.rooms.Router("abc")
	require.True(t, ok)
	fakeRouter := router.(*testutils.FakeRouter)

	peers.down.Store(true)
	h.lifecycle.Disconnect(context.Background(), "A")

	assert.Equal(t, []domain.Member{{ConnID: "B", Name: "bob"}}, h.rooms.Members("abc"))
	left, ok := h.notifier.Last("B", NotifyUserLeft)
	require.True(t, ok)
	assert.Equal(t, UserPresence{UserName: "alice", SocketID: "A"}, left.Payload)

	h.lifecycle.Disconnect(context.Background(), "B")
	assert.False(t, h.rooms.Exists("abc"))
	assert.True(t, fakeRouter.Closed())
	_, _, ok = h.rooms.RoomOf("A")
	assert.False(t, ok)
}

func TestHeartbeat_TouchesPeer(t *testing.T) {
	peers := &unreachablePeers{PeerRegistry: memory.NewPeerRegistry()}
	h := newHarnessWithPeers(t, peers, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")

	h.lifecycle.Heartbeat(context.Background(), "A")
	h.lifecycle.Heartbeat(context.Background(), "unknown")
	assert.Equal(t, int32(2), peers.touches.Load())

	// A failing store is logged, not fatal.
	peers.down.Store(true)
	h.lifecycle.Heartbeat(context.Background(), "A")
	assert.True(t, h.rooms.Exists("abc"))
}

func TestDisconnect_DuringTransportCreation(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.join(t, "B", "abc", "bob")
	h.capabilities(t, "A", "abc")

	gate := make(chan struct{})
	h.engine.TransportGate = gate

	type result struct {
		reply interface{}
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := h.coord.Handle(context.Background(), "A", EventCreateTransport,
			json.RawMessage(`{"roomId":"abc","direction":"send"}`))
		done <- result{reply, err}
	}()

	h.lifecycle.Disconnect(context.Background(), "A")
	close(gate)

	res := <-done
	assert.Nil(t, res.reply)
	requireCode(t, res.err, apperrors.ErrCodeServiceUnavailable)

	for _, router := range h.engine.Routers() {
		for _, tr := range router.Transports() {
			assert.True(t, tr.Closed(), "transport %s leaked", tr.ID())
		}
	}
	assert.Equal(t, ports.ResourceCounts{}, h.resources.Counts())
}

func TestDisconnect_CancelledContext(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.join(t, "A", "abc", "alice")
	h.capabilities(t, "A", "abc")
	h.engine.TransportGate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Handle(ctx, "A", EventCreateTransport,
			json.RawMessage(`{"roomId":"abc","direction":"recv"}`))
		done <- err
	}()

	cancel()
	requireCode(t, <-done, apperrors.ErrCodeServiceUnavailable)
	h.lifecycle.Disconnect(context.Background(), "A")
	assert.Equal(t, 0, h.resources.Counts().Transports)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishPeerJoined(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error {
	return m.Called(roomID, connID).Error(0)
}

func (m *mockPublisher) PublishPeerLeft(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error {
	return m.Called(roomID, connID).Error(0)
}

func (m *mockPublisher) PublishRoomClosed(ctx context.Context, roomID domain.RoomID) error {
	return m.Called(roomID).Error(0)
}

func TestPublisher_PresenceEvents(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PublishPeerJoined", domain.RoomID("abc"), domain.ConnID("A")).Return(nil).Once()
	pub.On("PublishPeerLeft", domain.RoomID("abc"), domain.ConnID("A")).Return(nil).Once()
	pub.On("PublishRoomClosed", domain.RoomID("abc")).Return(assert.AnError).Once()

	h := newHarness(t, CoordinatorOptions{}, pub)
	h.join(t, "A", "abc", "alice")
	h.lifecycle.Disconnect(context.Background(), "A")

	pub.AssertExpectations(t)
}

func TestJoin_TokenClaims(t *testing.T) {
	h := newHarness(t, CoordinatorOptions{}, nil)
	h.lifecycle.Connect(context.Background(), "A")

	ctx := WithJoinClaims(context.Background(), &JoinClaims{RoomID: "abc", UserName: "alice"})
	_, err := h.coord.Handle(ctx, "A", EventJoinRoom, json.RawMessage(`{"roomId":"xyz","userName":"alice"}`))
	requireCode(t, err, apperrors.ErrCodeForbidden)

	_, err = h.coord.Handle(ctx, "A", EventJoinRoom, json.RawMessage(`{"roomId":"abc","userName":"eve"}`))
	require.NoError(t, err)
	assert.Equal(t, []domain.Member{{ConnID: "A", Name: "alice"}}, h.rooms.Members("abc"))
}
