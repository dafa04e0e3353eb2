package memory

import (
	"context"
	"testing"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resourceFixture struct {
	peers  ports.PeerRegistry
	reg    *ResourceRegistry
	router ports.Router
}

func newResourceFixture(t *testing.T) *resourceFixture {
	engine := testutils.NewFakeEngine()
	router, err := engine.CreateRouter(context.Background(), testutils.DefaultCodecs())
	require.NoError(t, err)

	peers := NewPeerRegistry()
	return &resourceFixture{
		peers:  peers,
		reg:    NewResourceRegistry(peers),
		router: router,
	}
}

func (f *resourceFixture) join(t *testing.T, connID domain.ConnID, roomID domain.RoomID) {
	require.NoError(t, f.peers.Register(context.Background(), domain.NewPeer(connID, string(connID), roomID)))
	f.reg.Open(connID)
}

func (f *resourceFixture) transport(t *testing.T, connID domain.ConnID, dir domain.Direction) ports.Transport {
	tr, err := f.router.CreateWebRTCTransport(context.Background(), ports.TransportOptions{Direction: dir})
	require.NoError(t, err)
	require.NoError(t, f.reg.AddTransport(connID, ports.TransportEntry{Transport: tr, Direction: dir}))
	return tr
}

func (f *resourceFixture) produce(t *testing.T, connID domain.ConnID, tr ports.Transport, kind domain.MediaKind) ports.Producer {
	p, err := tr.Produce(context.Background(), kind, domain.RTPParameters{})
	require.NoError(t, err)
	require.NoError(t, f.reg.AddProducer(connID, p))
	return p
}

func TestResourceRegistry_FindTransport(t *testing.T) {
	f := newResourceFixture(t)
	f.join(t, "a", "abc")
	f.join(t, "b", "abc")
	send := f.transport(t, "a", domain.DirectionSend)

	found, err := f.reg.FindTransport("a", send.ID())
	require.NoError(t, err)
	assert.Equal(t, send.ID(), found.ID())

	_, err = f.reg.FindTransport("b", send.ID())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	_, err = f.reg.FindTransport("a", "stale")
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	require.NoError(t, f.reg.ReleaseAll("a"))
	_, err = f.reg.FindTransport("a", send.ID())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestResourceRegistry_FindRecvTransport(t *testing.T) {
	f := newResourceFixture(t)
	f.join(t, "a", "abc")
	f.transport(t, "a", domain.DirectionSend)

	_, err := f.reg.FindRecvTransport("a")
	assert.ErrorIs(t, err, domain.ErrRecvTransportNotFound)

	recv := f.transport(t, "a", domain.DirectionRecv)
	found, err := f.reg.FindRecvTransport("a")
	require.NoError(t, err)
	assert.Equal(t, recv.ID(), found.ID())
}

func TestResourceRegistry_RejectsDuplicates(t *testing.T) {
	f := newResourceFixture(t)
	f.join(t, "a", "abc")
	send := f.transport(t, "a", domain.DirectionSend)

	extra, err := f.router.CreateWebRTCTransport(context.Background(), ports.TransportOptions{Direction: domain.DirectionSend})
	require.NoError(t, err)
	err = f.reg.AddTransport("a", ports.TransportEntry{Transport: extra, Direction: domain.DirectionSend})
	assert.ErrorIs(t, err, domain.ErrTransportExists)
	assert.True(t, f.reg.HasTransport("a", domain.DirectionSend))
	assert.False(t, f.reg.HasTransport("a", domain.DirectionRecv))

	f.produce(t, "a", send, domain.KindVideo)
	second, err := send.Produce(context.Background(), domain.KindVideo, domain.RTPParameters{})
	require.NoError(t, err)
	assert.ErrorIs(t, f.reg.AddProducer("a", second), domain.ErrProducerExists)
	assert.True(t, f.reg.HasProducer("a", domain.KindVideo))
	assert.False(t, f.reg.HasProducer("a", domain.KindAudio))
}

func TestResourceRegistry_AddAfterReleaseFails(t *testing.T) {
	f := newResourceFixture(t)
	f.join(t, "a", "abc")
	require.NoError(t, f.reg.ReleaseAll("a"))

	tr, err := f.router.CreateWebRTCTransport(context.Background(), ports.TransportOptions{Direction: domain.DirectionRecv})
	require.NoError(t, err)
	err = f.reg.AddTransport("a", ports.TransportEntry{Transport: tr, Direction: domain.DirectionRecv})
	assert.ErrorIs(t, err, domain.ErrPeerGone)
	assert.ErrorIs(t, f.reg.AddProducer("a", testutils.NewFakeProducer(domain.KindAudio)), domain.ErrPeerGone)
	assert.ErrorIs(t, f.reg.AddConsumer("a", testutils.NewFakeConsumer("p", domain.KindAudio)), domain.ErrPeerGone)
}

func TestResourceRegistry_AllProducersExcept(t *testing.T) {
	f := newResourceFixture(t)
	f.join(t, "a", "abc")
	f.join(t, "b", "abc")
	f.join(t, "c", "other")

	aSend := f.transport(t, "a", domain.DirectionSend)
	aVideo := f.produce(t, "a", aSend, domain.KindVideo)
	aAudio := f.produce(t, "a", aSend, domain.KindAudio)
	bSend := f.transport(t, "b", domain.DirectionSend)
	f.produce(t, "b", bSend, domain.KindVideo)
	cSend := f.transport(t, "c", domain.DirectionSend)
	f.produce(t, "c", cSend, domain.KindVideo)

	infos, err := f.reg.AllProducersExcept(context.Background(), "b", "abc")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.ProducerInfo{
		{ConnID: "a", ProducerID: aVideo.ID(), Kind: domain.KindVideo},
		{ConnID: "a", ProducerID: aAudio.ID(), Kind: domain.KindAudio},
	}, infos)

	infos, err = f.reg.AllProducersExcept(context.Background(), "c", "other")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestResourceRegistry_FindProducer(t *testing.T) {
	f := newResourceFixture(t)
	f.join(t, "a", "abc")
	p := f.produce(t, "a", f.transport(t, "a", domain.DirectionSend), domain.KindAudio)

	owned, err := f.reg.FindProducer(p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.ConnID("a"), owned.Owner)
	assert.Equal(t, p.ID(), owned.Producer.ID())
	assert.Len(t, f.reg.ProducersOf("a"), 1)

	require.NoError(t, f.reg.ReleaseAll("a"))
	_, err = f.reg.FindProducer(p.ID())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestResourceRegistry_ReleaseAllClosesEverything(t *testing.T) {
	f := newResourceFixture(t)
	f.join(t, "a", "abc")
	send := f.transport(t, "a", domain.DirectionSend).(*testutils.FakeTransport)
	recv := f.transport(t, "a", domain.DirectionRecv).(*testutils.FakeTransport)
	producer := f.produce(t, "a", send, domain.KindVideo).(*testutils.FakeProducer)
	consumer := testutils.NewFakeConsumer("other", domain.KindVideo)
	require.NoError(t, f.reg.AddConsumer("a", consumer))

	assert.Equal(t, ports.ResourceCounts{Peers: 1, Transports: 2, Producers: 1, Consumers: 1}, f.reg.Counts())

	require.NoError(t, f.reg.ReleaseAll("a"))
	assert.True(t, send.Closed())
	assert.True(t, recv.Closed())
	assert.True(t, producer.Closed())
	assert.True(t, consumer.Closed())
	assert.Equal(t, ports.ResourceCounts{}, f.reg.Counts())

	// Second release is a no-op.
	assert.NoError(t, f.reg.ReleaseAll("a"))
	assert.NoError(t, f.reg.ReleaseAll("never-opened"))
}
