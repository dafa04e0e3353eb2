package memory

import (
	"context"
	"testing"
	"time"

	"huddle/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerRegistry_RegisterOverwrites(t *testing.T) {
	ctx := context.Background()
	reg := NewPeerRegistry()

	require.NoError(t, reg.Register(ctx, domain.NewPeer("c1", "alice", "abc")))
	require.NoError(t, reg.Register(ctx, domain.NewPeer("c1", "alice2", "xyz")))

	peer, err := reg.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice2", peer.Name)
	assert.Equal(t, domain.RoomID("xyz"), peer.RoomID)

	count, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPeerRegistry_LookupReturnsCopy(t *testing.T) {
	ctx := context.Background()
	reg := NewPeerRegistry()
	require.NoError(t, reg.Register(ctx, domain.NewPeer("c1", "alice", "abc")))

	peer, err := reg.Lookup(ctx, "c1")
	require.NoError(t, err)
	peer.AudioEnabled = false

	again, err := reg.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, again.AudioEnabled)
}

func TestPeerRegistry_MuteFlags(t *testing.T) {
	ctx := context.Background()
	reg := NewPeerRegistry()
	require.NoError(t, reg.Register(ctx, domain.NewPeer("c1", "alice", "abc")))

	require.NoError(t, reg.SetAudioEnabled(ctx, "c1", false))
	require.NoError(t, reg.SetVideoEnabled(ctx, "c1", false))

	peer, err := reg.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, peer.AudioEnabled)
	assert.False(t, peer.VideoEnabled)
	assert.False(t, peer.IsSpeaking)

	assert.ErrorIs(t, reg.SetAudioEnabled(ctx, "missing", true), domain.ErrPeerNotFound)
}

func TestPeerRegistry_Remove(t *testing.T) {
	ctx := context.Background()
	reg := NewPeerRegistry()
	require.NoError(t, reg.Register(ctx, domain.NewPeer("c1", "alice", "abc")))

	require.NoError(t, reg.Remove(ctx, "c1"))
	_, err := reg.Lookup(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
	assert.ErrorIs(t, reg.Remove(ctx, "c1"), domain.ErrPeerNotFound)
}

func TestPeerRegistry_Touch(t *testing.T) {
	ctx := context.Background()
	reg := NewPeerRegistry()

	assert.ErrorIs(t, reg.Touch(ctx, "c1"), domain.ErrPeerNotFound)
	require.NoError(t, reg.Register(ctx, domain.NewPeer("c1", "alice", "abc")))
	assert.NoError(t, reg.Touch(ctx, "c1"))
}

func TestPeerRegistry_FindByRoom(t *testing.T) {
	ctx := context.Background()
	reg := NewPeerRegistry()

	first := domain.NewPeer("c1", "alice", "abc")
	second := domain.NewPeer("c2", "bob", "abc")
	second.JoinedAt = first.JoinedAt.Add(time.Second)
	require.NoError(t, reg.Register(ctx, second))
	require.NoError(t, reg.Register(ctx, first))
	require.NoError(t, reg.Register(ctx, domain.NewPeer("c3", "carol", "other")))

	peers, err := reg.FindByRoom(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, domain.ConnID("c1"), peers[0].ConnID)
	assert.Equal(t, domain.ConnID("c2"), peers[1].ConnID)
}
