package callsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

func TestRecentSpeakersStripIsCappedAndOrdered(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	for i, peer := range []int64{100, 101, 102, 103} {
		p := participant(peer, now)
		p.IsSpeaking = true
		p.ActiveDate = now + int64(i+1)
		fx.manager.OnParticipantsUpdate(deltaUpdate(int32(11+i), p))
	}

	speakers := fx.manager.GetRecentSpeakers(id)
	require.Len(t, speakers, 3, "the strip holds the most recent speakers only")
	assert.Equal(t, []int64{103, 102, 101}, speakers)
	require.NotEmpty(t, fx.notifier.byAction(models.EventRecentSpeakers))
}

func TestSetSpeakingForOwnSourceReportsToServer(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)

	fx.manager.SetParticipantSpeakingBySource(id, 1234, true)

	call, _ := fx.manager.GetCall(id)
	assert.True(t, call.IsSpeaking)
	req := fx.gateway.take(gateway.MethodSetSpeaking)
	require.NotNil(t, req, "own speaking is announced to the server")

	// Flipping back off is local only.
	fx.manager.SetParticipantSpeakingBySource(id, 1234, false)
	call, _ = fx.manager.GetCall(id)
	assert.False(t, call.IsSpeaking)
	assert.Nil(t, fx.gateway.take(gateway.MethodSetSpeaking))
}

func TestSetSpeakingBySourceMarksParticipant(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	p := participant(100, now)
	p.AudioSource = 555
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, p))
	fx.notifier.reset()

	fx.manager.SetParticipantSpeakingBySource(id, 555, true)

	participants := fx.manager.GetParticipants(id)
	require.Len(t, participants, 2)
	for _, item := range participants {
		if item.PeerID == 100 {
			assert.True(t, item.IsSpeaking)
		}
	}
	assert.Contains(t, fx.manager.GetRecentSpeakers(id), int64(100))
	assert.Nil(t, fx.gateway.take(gateway.MethodSetSpeaking),
		"another participant's activity is a local observation")
}

func TestSpeakingForUnknownSourceFetchesParticipant(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	fx.manager.SetParticipantSpeakingBySource(id, 888, true)

	req := fx.gateway.take(gateway.MethodGetParticipant)
	require.NotNil(t, req, "an unmapped audio source must be resolved")
	full := participant(300, now)
	full.AudioSource = 888
	fx.gateway.respond(t, req, full, nil)

	assert.Contains(t, fx.visiblePeers(id), int64(300))
	assert.Contains(t, fx.manager.GetRecentSpeakers(id), int64(300))
}

func TestOrderRefreshDecaysStaleSpeaking(t *testing.T) {
	fx := newFixture(t)
	id := fx.join(t)
	now := fx.clock.Now().Unix()

	p := participant(100, now)
	p.AudioSource = 555
	fx.manager.OnParticipantsUpdate(deltaUpdate(11, p))
	fx.manager.SetParticipantSpeakingBySource(id, 555, true)

	// The periodic order refresh clears speaking flags with no fresh
	// activity behind them.
	fx.clock.Add(21 * time.Second)
	require.Eventually(t, func() bool {
		for _, item := range fx.manager.GetParticipants(id) {
			if item.PeerID == 100 {
				return !item.IsSpeaking
			}
		}
		return false
	}, time.Second, time.Millisecond, "stale speaking flags must decay")
}
