package callsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

func TestSnapshotFieldVersionGuards(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	s := activeSnapshot(10)
	s.Title = "renamed"
	s.TitleVersion = 3
	fx.manager.OnCallUpdate(s)

	call, _ := fx.manager.GetCall(id)
	require.Equal(t, "renamed", call.Title)

	// A stale snapshot with an older title version must not roll back.
	stale := activeSnapshot(10)
	stale.Title = "standup"
	stale.TitleVersion = 2
	fx.manager.OnCallUpdate(stale)

	call, _ = fx.manager.GetCall(id)
	assert.Equal(t, "renamed", call.Title)

	// Equal versions are accepted; the server may re-send the same counter.
	again := activeSnapshot(10)
	again.Title = "renamed again"
	again.TitleVersion = 3
	fx.manager.OnCallUpdate(again)
	call, _ = fx.manager.GetCall(id)
	assert.Equal(t, "renamed again", call.Title)
}

func TestPartialSnapshotKeepsFullOnlyState(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	full := activeSnapshot(10)
	full.InviteLink = "https://meshtalk.local/j/abc"
	full.CanBeManaged = true
	fx.manager.OnCallUpdate(full)

	partial := models.CallSnapshot{
		Input:        testInput(),
		IsActive:     true,
		IsPartial:    true,
		Title:        "renamed",
		TitleVersion: 5,
		Version:      10,
	}
	fx.manager.OnCallUpdate(partial)

	call, _ := fx.manager.GetCall(id)
	assert.Equal(t, "renamed", call.Title)
	assert.Equal(t, "https://meshtalk.local/j/abc", call.InviteLink, "partial snapshots must not discard full-only state")
	assert.True(t, call.CanBeManaged)
}

func TestSnapshotVersionAheadTriggersImmediateResync(t *testing.T) {
	fx := newFixture(t)
	fx.join(t)

	s := activeSnapshot(20)
	fx.manager.OnCallUpdate(s)

	// No debounce: deltas between 10 and 20 are gone for good.
	fx.clock.Add(time.Millisecond)
	req := fx.gateway.takeSoon(gateway.MethodGetParticipants)
	require.NotNil(t, req, "a snapshot ahead of the stream must resync immediately")
}

func TestCallEndedClearsEverything(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	fx.manager.OnMessageUpdate(gateway.MessageUpdate{
		Call: testInput(), ServerID: 5, SenderID: 100, Text: "hello", Date: fx.clock.Now().Unix(),
	})
	require.Len(t, fx.manager.GetMessages(id), 1)

	ended := models.CallSnapshot{Input: testInput(), IsActive: false}
	fx.manager.OnCallUpdate(ended)

	call, _ := fx.manager.GetCall(id)
	assert.False(t, call.IsActive)
	assert.False(t, call.IsJoined)
	assert.False(t, call.NeedRejoin)
	assert.Empty(t, fx.manager.GetMessages(id))
	assert.Empty(t, fx.manager.GetParticipants(id))

	deleted := fx.notifier.byAction(models.EventMessageDeleted)
	require.NotEmpty(t, deleted)
}

func TestLivenessCheckHandlesTerminalError(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	fx.clock.Add(10 * time.Second)
	req := fx.gateway.takeSoon(gateway.MethodCheckJoined)
	require.NotNil(t, req, "liveness check must fire on schedule")

	fx.gateway.respond(t, req, nil, &gateway.RPCError{Code: 400, Message: gateway.ErrJoinMissing})

	call, _ := fx.manager.GetCall(id)
	assert.False(t, call.IsJoined)
	assert.True(t, call.NeedRejoin, "JOIN_MISSING keeps the call rejoinable")
}

func TestLivenessCheckRetriesTransientError(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	fx.clock.Add(10 * time.Second)
	req := fx.gateway.takeSoon(gateway.MethodCheckJoined)
	require.NotNil(t, req)
	fx.gateway.respond(t, req, nil, &gateway.RPCError{Code: 500, Message: "INTERNAL"})

	call, _ := fx.manager.GetCall(id)
	require.True(t, call.IsJoined, "transient errors do not end the membership")

	fx.clock.Add(time.Second)
	retry := fx.gateway.takeSoon(gateway.MethodCheckJoined)
	require.NotNil(t, retry, "the check retries quickly after a transient error")
	fx.gateway.respond(t, retry, map[string]any{}, nil)

	fx.clock.Add(10 * time.Second)
	assert.NotNil(t, fx.gateway.takeSoon(gateway.MethodCheckJoined), "a healthy check re-arms the regular period")
}

func TestForbiddenDisallowsRejoin(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	fx.clock.Add(10 * time.Second)
	req := fx.gateway.takeSoon(gateway.MethodCheckJoined)
	require.NotNil(t, req)
	fx.gateway.respond(t, req, nil, &gateway.RPCError{Code: 403, Message: gateway.ErrCallForbidden})

	call, _ := fx.manager.GetCall(id)
	assert.False(t, call.IsJoined)
	assert.False(t, call.NeedRejoin)
}

func TestOptimisticSettingToggle(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	t.Run("confirmed on success", func(t *testing.T) {
		fx.manager.ToggleMuteNewParticipants(id, true, func(err error) { require.NoError(t, err) })

		call, _ := fx.manager.GetCall(id)
		assert.True(t, call.MuteNewParticipants.Effective(), "the new value shows before the server answers")

		fx.gateway.respond(t, fx.gateway.take(gateway.MethodToggleSettings), map[string]any{}, nil)
		call, _ = fx.manager.GetCall(id)
		assert.True(t, call.MuteNewParticipants.Effective())
		assert.False(t, call.MuteNewParticipants.HavePending)
	})

	t.Run("reverted on failure", func(t *testing.T) {
		var gotErr error
		fx.manager.ToggleStartSubscribed(id, true, func(err error) { gotErr = err })
		call, _ := fx.manager.GetCall(id)
		require.True(t, call.StartSubscribed.Effective())

		fx.gateway.respond(t, fx.gateway.take(gateway.MethodToggleSettings), nil,
			&gateway.RPCError{Code: 400, Message: "SCHEDULE_DATE_INVALID"})
		require.Error(t, gotErr)

		call, _ = fx.manager.GetCall(id)
		assert.False(t, call.StartSubscribed.Effective(), "a failed toggle rolls the value back")
	})
}

func TestRecordingPendingState(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	// Recording needs management rights.
	full := activeSnapshot(10)
	full.CanBeManaged = true
	fx.manager.OnCallUpdate(full)

	fx.manager.ToggleRecording(id, true, "all hands", true, func(err error) { require.NoError(t, err) })
	call, _ := fx.manager.GetCall(id)
	require.True(t, call.HavePendingRecording)
	require.Equal(t, "all hands", call.PendingRecordTitle)

	fx.gateway.respond(t, fx.gateway.take(gateway.MethodToggleRecording), map[string]any{}, nil)

	// Confirmation arrives through the snapshot's record start date.
	confirmed := activeSnapshot(10)
	confirmed.CanBeManaged = true
	confirmed.RecordStartDate = fx.clock.Now().Unix()
	confirmed.IsVideoRecorded = true
	confirmed.RecordStartDateVersion = 2
	fx.manager.OnCallUpdate(confirmed)

	call, _ = fx.manager.GetCall(id)
	assert.False(t, call.HavePendingRecording)
	assert.NotZero(t, call.RecordStartDate)
	assert.True(t, call.IsVideoRecorded)
}

func TestScheduledCallStart(t *testing.T) {
	fx := newFixture(t)

	s := activeSnapshot(0)
	s.ScheduledStartDate = fx.clock.Now().Add(time.Hour).Unix()
	s.ScheduledStartDateVersion = 1
	fx.manager.OnCallUpdate(s)

	id := fx.manager.GetCallID(testInput())
	call, _ := fx.manager.GetCall(id)
	require.NotZero(t, call.ScheduledStartDate)

	var startErr error
	fx.manager.StartScheduledCall(id, func(err error) { startErr = err })
	fx.gateway.respond(t, fx.gateway.take(gateway.MethodStartScheduled), map[string]any{}, nil)
	require.NoError(t, startErr)

	call, _ = fx.manager.GetCall(id)
	assert.Zero(t, call.ScheduledStartDate)
	assert.True(t, call.IsActive)
}

func TestSelfLeftDeltaSchedulesImmediateCheck(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	// The server reports our own audio source gone in a delta.
	left := models.CallParticipant{PeerID: testSelfPeer, JoinedDate: 0, AudioSource: 1234}
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, left))

	fx.clock.Add(time.Millisecond)
	req := fx.gateway.takeSoon(gateway.MethodCheckJoined)
	require.NotNil(t, req, "losing the own membership triggers an immediate liveness check")
	fx.gateway.respond(t, req, nil, &gateway.RPCError{Code: 400, Message: gateway.ErrJoinMissing})

	call, _ := fx.manager.GetCall(id)
	assert.False(t, call.IsJoined)
	assert.True(t, call.NeedRejoin)
}

func TestLeaveWhileJoiningCancelsHandshake(t *testing.T) {
	fx := newFixture(t)

	var joinErr error
	fx.manager.JoinCall(testInput(), JoinOptions{AudioSource: 1}, func(err error) { joinErr = err })
	id := fx.manager.GetCallID(testInput())

	var leaveErr error
	fx.manager.LeaveCall(id, func(err error) { leaveErr = err })

	require.ErrorIs(t, joinErr, ErrCanceled)
	require.NoError(t, leaveErr)
	call, _ := fx.manager.GetCall(id)
	assert.False(t, call.IsBeingJoined)
	assert.Nil(t, fx.gateway.take(gateway.MethodLeaveCall), "no leave request for a membership that never existed")
}
