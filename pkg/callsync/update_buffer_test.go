package callsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

func deltaUpdate(version int32, participants ...models.CallParticipant) gateway.ParticipantsUpdate {
	return gateway.ParticipantsUpdate{
		Call:         testInput(),
		Version:      version,
		Participants: participants,
	}
}

func (fx *fixture) visiblePeers(id models.CallID) []int64 {
	var out []int64
	for _, p := range fx.manager.GetParticipants(id) {
		out = append(out, p.PeerID)
	}
	return out
}

func TestSequentialUpdatesApplyImmediately(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	now := fx.clock.Now().Unix()
	p := participant(100, now)
	p.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, p))

	call, _ := fx.manager.GetCall(id)
	assert.EqualValues(t, 11, call.Version)
	assert.EqualValues(t, 2, call.ParticipantCount)
	assert.Contains(t, fx.visiblePeers(id), int64(100))
}

func TestGapBuffersUntilMissingVersionArrives(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	second := participant(101, now)
	second.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(13, second))

	// Version 13 cannot apply on top of 10+1=11; nothing becomes visible.
	call, _ := fx.manager.GetCall(id)
	assert.EqualValues(t, 10, call.Version)
	assert.NotContains(t, fx.visiblePeers(id), int64(101))

	first := participant(100, now)
	first.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(12, first))
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, participant(testSelfPeer, now)))

	// Draining 11 unlocks 12 and 13 recursively.
	call, _ = fx.manager.GetCall(id)
	assert.EqualValues(t, 13, call.Version)
	assert.Contains(t, fx.visiblePeers(id), int64(100))
	assert.Contains(t, fx.visiblePeers(id), int64(101))

	// No resync happened: the gap closed on its own.
	fx.clock.Add(2 * time.Second)
	assert.Nil(t, fx.gateway.take(gateway.MethodGetParticipants))
}

func TestStaleVersionReplaysWithoutRegression(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	joined := participant(100, now)
	joined.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, joined))
	call, _ := fx.manager.GetCall(id)
	require.EqualValues(t, 2, call.ParticipantCount)

	// The same batch again: version 11 is already covered. The participant
	// exists, so the replay must not double count.
	replay := participant(100, now)
	replay.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, replay))

	call, _ = fx.manager.GetCall(id)
	assert.EqualValues(t, 11, call.Version)
	assert.EqualValues(t, 2, call.ParticipantCount)

	// A stale leave for someone else must not remove them.
	left := participant(100, 0)
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, left))
	assert.Contains(t, fx.visiblePeers(id), int64(100))
}

func TestFirstGapResyncsImmediately(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	p := participant(100, now)
	p.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(15, p))

	fx.clock.Add(time.Millisecond)
	req := fx.gateway.takeSoon(gateway.MethodGetParticipants)
	require.NotNil(t, req, "the first gap must resync without waiting")

	fx.gateway.respond(t, req, gateway.ParticipantsPage{
		Participants: []models.CallParticipant{
			participant(testSelfPeer, now),
			participant(100, now),
		},
		Count:   2,
		Version: 15,
	}, nil)

	call, _ := fx.manager.GetCall(id)
	assert.EqualValues(t, 15, call.Version)
	assert.EqualValues(t, 2, call.ParticipantCount)
	assert.Contains(t, fx.visiblePeers(id), int64(100))
}

func TestLaterGapsDebounceTheResync(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	first := participant(100, now)
	first.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(12, first))
	fx.clock.Add(time.Millisecond)
	req := fx.gateway.takeSoon(gateway.MethodGetParticipants)
	require.NotNil(t, req)
	fx.gateway.respond(t, req, gateway.ParticipantsPage{
		Participants: []models.CallParticipant{
			participant(testSelfPeer, now),
			participant(100, now),
		},
		Count:   2,
		Version: 12,
	}, nil)

	second := participant(101, now)
	second.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(15, second))

	fx.clock.Add(500 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	require.Nil(t, fx.gateway.take(gateway.MethodGetParticipants),
		"a later gap must honor the debounce window")

	fx.clock.Add(500 * time.Millisecond)
	req = fx.gateway.takeSoon(gateway.MethodGetParticipants)
	require.NotNil(t, req, "resync must fire after the debounce window")
	fx.gateway.respond(t, req, gateway.ParticipantsPage{
		Participants: []models.CallParticipant{
			participant(testSelfPeer, now),
			participant(100, now),
			participant(101, now),
		},
		Count:   3,
		Version: 15,
	}, nil)

	call, _ := fx.manager.GetCall(id)
	assert.EqualValues(t, 15, call.Version)
	assert.Contains(t, fx.visiblePeers(id), int64(101))
}

func TestResyncDropsCoveredBufferedBatches(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	stale := participant(100, now)
	stale.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(14, stale))
	ahead := participant(101, now)
	ahead.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(17, ahead))

	fx.clock.Add(time.Second)
	req := fx.gateway.takeSoon(gateway.MethodGetParticipants)
	require.NotNil(t, req)

	// The load answers with version 16: batch 14 is covered and dropped,
	// batch 17 is exactly next and applies on top.
	fx.gateway.respond(t, req, gateway.ParticipantsPage{
		Participants: []models.CallParticipant{
			participant(testSelfPeer, now),
			participant(100, now),
		},
		Count:   2,
		Version: 16,
	}, nil)

	call, _ := fx.manager.GetCall(id)
	assert.EqualValues(t, 17, call.Version)
	assert.Contains(t, fx.visiblePeers(id), int64(101))
}

func TestMuteOnlyUpdatesApplyOnceVersionCaughtUp(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	joined := participant(100, now)
	joined.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, joined))

	// A sparse mute change at a future version waits for the stream.
	muted := participant(100, now)
	muted.IsMin = true
	muted.IsMuted = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(13, muted))

	var target *models.CallParticipant
	for _, p := range fx.manager.GetParticipants(id) {
		if p.PeerID == 100 {
			q := p
			target = &q
		}
	}
	require.NotNil(t, target)
	assert.False(t, target.EffectiveIsMuted(), "mute ahead of the stream must wait")

	next := participant(101, now)
	next.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(12, next))
	fx.manager.OnParticipantsUpdate(deltaUpdate(13, func() models.CallParticipant {
		p := participant(102, now)
		p.IsJustJoined = true
		return p
	}()))

	target = nil
	for _, p := range fx.manager.GetParticipants(id) {
		if p.PeerID == 100 {
			q := p
			target = &q
		}
	}
	require.NotNil(t, target)
	assert.True(t, target.EffectiveIsMuted())
}

func TestMuteOnlyGapSchedulesResync(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	// The whole batch is sparse mute state, yet its version is a gap.
	muted := participant(100, now)
	muted.IsMin = true
	muted.IsMuted = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(13, muted))

	fx.clock.Add(time.Millisecond)
	req := fx.gateway.takeSoon(gateway.MethodGetParticipants)
	require.NotNil(t, req, "a mute-only gap must still resync")

	full := participant(100, now)
	full.IsMuted = true
	fx.gateway.respond(t, req, gateway.ParticipantsPage{
		Participants: []models.CallParticipant{
			participant(testSelfPeer, now),
			full,
		},
		Count:   2,
		Version: 13,
	}, nil)

	call, _ := fx.manager.GetCall(id)
	assert.EqualValues(t, 13, call.Version)
	for _, p := range fx.manager.GetParticipants(id) {
		if p.PeerID == 100 {
			assert.True(t, p.EffectiveIsMuted())
			return
		}
	}
	t.Fatal("participant 100 not visible")
}

func TestResyncCountsParticipantsMissingFromLoad(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	for i, peer := range []int64{100, 101} {
		p := participant(peer, now)
		p.IsJustJoined = true
		fx.manager.OnParticipantsUpdate(deltaUpdate(11+int32(i), p))
	}
	call, _ := fx.manager.GetCall(id)
	require.EqualValues(t, 3, call.ParticipantCount)

	gap := participant(102, now)
	gap.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(15, gap))
	fx.clock.Add(time.Millisecond)
	req := fx.gateway.takeSoon(gateway.MethodGetParticipants)
	require.NotNil(t, req)

	// The authoritative load no longer contains 101 and carries no count.
	fx.gateway.respond(t, req, gateway.ParticipantsPage{
		Participants: []models.CallParticipant{
			participant(testSelfPeer, now),
			participant(100, now),
		},
		Version: 15,
	}, nil)

	call, _ = fx.manager.GetCall(id)
	assert.EqualValues(t, 2, call.ParticipantCount)
	assert.Contains(t, fx.visiblePeers(id), int64(100))
	assert.NotContains(t, fx.visiblePeers(id), int64(101))
}

func TestLeaveFenceBlocksOldSessionDeltas(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	p := participant(100, now)
	p.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, p))

	leaveDone := false
	fx.manager.LeaveCall(id, func(err error) {
		leaveDone = true
		require.NoError(t, err)
	})
	fx.gateway.respond(t, fx.gateway.take(gateway.MethodLeaveCall), map[string]any{}, nil)
	require.True(t, leaveDone)

	call, _ := fx.manager.GetCall(id)
	require.False(t, call.IsJoined)
	require.EqualValues(t, -1, call.Version)
	countAfterLeave := call.ParticipantCount

	// A replay of the old session's delta is behind the fence.
	replay := participant(100, now)
	replay.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, replay))
	call, _ = fx.manager.GetCall(id)
	assert.Equal(t, countAfterLeave, call.ParticipantCount)
	assert.Empty(t, fx.visiblePeers(id))

	// A genuinely newer delta still moves the count.
	fresh := participant(300, now)
	fresh.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(12, fresh))
	call, _ = fx.manager.GetCall(id)
	assert.Equal(t, countAfterLeave+1, call.ParticipantCount)
}

func TestParticipantNamesComeFromDirectory(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	fx.directory[100] = "alice"
	now := fx.clock.Now().Unix()

	p := participant(100, now)
	p.IsJustJoined = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, p))

	for _, got := range fx.manager.GetParticipants(id) {
		if got.PeerID == 100 {
			assert.Equal(t, "alice", got.DisplayName)
			return
		}
	}
	t.Fatal("participant 100 not visible")
}

func TestMinUpdateForUnknownParticipantTriggersFetch(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	// A sparse update at an already-covered version for a peer the roster
	// never saw: the record cannot be materialized locally.
	sparse := participant(100, now)
	sparse.IsMin = true
	sparse.IsMuted = true
	fx.manager.OnParticipantsUpdate(deltaUpdate(10, sparse))

	req := fx.gateway.take(gateway.MethodGetParticipant)
	require.NotNil(t, req, "unknown sparse participant must be fetched")
	full := participant(100, now)
	full.IsMuted = true
	fx.gateway.respond(t, req, full, nil)

	assert.Contains(t, fx.visiblePeers(id), int64(100))
	call, _ := fx.manager.GetCall(id)
	assert.EqualValues(t, 2, call.ParticipantCount)
}
