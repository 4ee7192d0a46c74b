package callsync

import (
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

// enqueueOrRun parks the operation behind a join handshake still in flight,
// runs it directly on a joined call, and rejects it otherwise. Parked
// operations replay in submission order or fail as a group with the join.
func (m *Manager) enqueueOrRun(c *callState, op pendingOp) {
	if c.pendingJoin != nil || c.call.IsBeingJoined {
		c.afterJoin.PushBack(op)
		return
	}
	if !c.call.IsJoined {
		m.queueCallback(op.Done, errNotJoined())
		return
	}
	m.dispatchOp(c, op)
}

func (m *Manager) dispatchOp(c *callState, op pendingOp) {
	switch op.Kind {
	case opToggleMuted:
		m.sendToggleMuted(c, op.Peer, op.Flag, op.Done)
	case opSetVolume:
		m.sendSetVolume(c, op.Peer, int32(op.Value), op.Done)
	case opToggleHandRaised:
		m.sendToggleHandRaised(c, op.Peer, op.Flag, op.Done)
	case opToggleRecording:
		m.sendToggleRecording(c, op.Flag, op.Text, op.Value != 0, op.Done)
	case opToggleSetting:
		m.sendToggleSetting(c, op.Setting, op.Flag, op.Value, op.Done)
	case opSetTitle:
		m.sendSetTitle(c, op.Text, op.Done)
	case opSetSpeaking:
		m.applySpeakingBySource(c, int32(op.Value), op.Flag)
	}
}

// ToggleParticipantMuted mutes or unmutes a participant (or self, for the
// own peer id). The new state shows immediately and is reconciled against
// the server.
func (m *Manager) ToggleParticipantMuted(id models.CallID, peerID int64, muted bool, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	m.enqueueOrRun(c, pendingOp{Kind: opToggleMuted, Peer: peerID, Flag: muted, Done: done})
}

func (m *Manager) sendToggleMuted(c *callState, peerID int64, muted bool, done func(error)) {
	r := c.participants
	idx := -1
	if r != nil {
		idx = r.find(peerID)
	}
	if idx < 0 {
		m.queueCallback(done, ErrParticipantNotFound)
		return
	}
	id := c.call.ID
	ticket := m.requests.start(id, RequestToggleMuted, peerID)

	p := &r.items[idx]
	wasEffective := p.EffectiveIsMuted()
	p.PendingIsMuted = muted
	p.HavePendingIsMuted = true
	p.PendingIsMutedGeneration = ticket.Generation
	if p.EffectiveIsMuted() != wasEffective {
		p.UpdateCanBeMuted(c.call.CanBeManaged)
		m.notifyParticipant(c, *p)
	}

	params := map[string]any{"call": c.call.Input, "peer_id": peerID, "is_muted": muted}
	m.gateway.Send(gateway.MethodEditParticipant, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		defer m.queueCallback(done, err)
		c, ok := m.calls[id]
		if !ok || !m.requests.finish(id, peerID, ticket) || c.participants == nil {
			return
		}
		idx := c.participants.find(peerID)
		if idx < 0 {
			return
		}
		p := &c.participants.items[idx]
		if p.PendingIsMutedGeneration != ticket.Generation {
			return
		}
		wasEffective := p.EffectiveIsMuted()
		if err == nil {
			p.IsMuted = p.PendingIsMuted
			if p.IsSelf {
				p.MutedByAdmin = false
			}
		}
		p.HavePendingIsMuted = false
		p.PendingIsMutedGeneration = 0
		if p.EffectiveIsMuted() != wasEffective || err == nil {
			p.UpdateCanBeMuted(c.call.CanBeManaged)
			p.Order = m.participantOrder(c, *p)
			m.notifyParticipant(c, *p)
		}
	})
}

// SetParticipantVolume adjusts another participant's playback volume,
// 1..20000 with 10000 meaning 100%.
func (m *Manager) SetParticipantVolume(id models.CallID, peerID int64, volume int32, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if volume < 1 || volume > 2*models.DefaultVolumeLevel {
		m.queueCallback(done, ErrVolumeOutOfRange)
		return
	}
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	m.enqueueOrRun(c, pendingOp{Kind: opSetVolume, Peer: peerID, Value: int64(volume), Done: done})
}

func (m *Manager) sendSetVolume(c *callState, peerID int64, volume int32, done func(error)) {
	r := c.participants
	idx := -1
	if r != nil {
		idx = r.find(peerID)
	}
	if idx < 0 {
		m.queueCallback(done, ErrParticipantNotFound)
		return
	}
	id := c.call.ID
	ticket := m.requests.start(id, RequestSetVolume, peerID)

	p := &r.items[idx]
	wasEffective := p.EffectiveVolumeLevel()
	p.PendingVolumeLevel = volume
	p.PendingVolumeGeneration = ticket.Generation
	if p.EffectiveVolumeLevel() != wasEffective {
		m.notifyParticipant(c, *p)
	}

	params := map[string]any{"call": c.call.Input, "peer_id": peerID, "volume_level": volume}
	m.gateway.Send(gateway.MethodEditParticipant, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		defer m.queueCallback(done, err)
		c, ok := m.calls[id]
		if !ok || !m.requests.finish(id, peerID, ticket) || c.participants == nil {
			return
		}
		idx := c.participants.find(peerID)
		if idx < 0 {
			return
		}
		p := &c.participants.items[idx]
		if p.PendingVolumeGeneration != ticket.Generation {
			return
		}
		wasEffective := p.EffectiveVolumeLevel()
		if err == nil {
			p.VolumeLevel = p.PendingVolumeLevel
			p.VolumeByAdmin = !p.IsSelf
		}
		p.PendingVolumeGeneration = 0
		p.PendingVolumeLevel = 0
		if p.EffectiveVolumeLevel() != wasEffective {
			m.notifyParticipant(c, *p)
		}
	})
}

// ToggleHandRaised raises the own hand or, with management rights, lowers
// someone else's.
func (m *Manager) ToggleHandRaised(id models.CallID, peerID int64, raised bool, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	m.enqueueOrRun(c, pendingOp{Kind: opToggleHandRaised, Peer: peerID, Flag: raised, Done: done})
}

func (m *Manager) sendToggleHandRaised(c *callState, peerID int64, raised bool, done func(error)) {
	r := c.participants
	idx := -1
	if r != nil {
		idx = r.find(peerID)
	}
	if idx < 0 {
		m.queueCallback(done, ErrParticipantNotFound)
		return
	}
	id := c.call.ID
	ticket := m.requests.start(id, RequestToggleHandRaised, peerID)

	p := &r.items[idx]
	wasEffective := p.EffectiveIsHandRaised()
	p.PendingIsHandRaised = raised
	p.HavePendingIsHandRaised = true
	p.PendingIsHandRaisedGeneration = ticket.Generation
	if p.EffectiveIsHandRaised() != wasEffective {
		m.notifyParticipant(c, *p)
	}

	params := map[string]any{"call": c.call.Input, "peer_id": peerID, "is_hand_raised": raised}
	m.gateway.Send(gateway.MethodRaiseHand, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		defer m.queueCallback(done, err)
		c, ok := m.calls[id]
		if !ok || !m.requests.finish(id, peerID, ticket) || c.participants == nil {
			return
		}
		idx := c.participants.find(peerID)
		if idx < 0 {
			return
		}
		p := &c.participants.items[idx]
		if p.PendingIsHandRaisedGeneration != ticket.Generation {
			return
		}
		wasEffective := p.EffectiveIsHandRaised()
		if err == nil {
			p.IsHandRaised = p.PendingIsHandRaised
			if !p.IsHandRaised {
				p.RaiseHandRating = 0
			}
		}
		p.HavePendingIsHandRaised = false
		p.PendingIsHandRaisedGeneration = 0
		if p.EffectiveIsHandRaised() != wasEffective {
			p.Order = m.participantOrder(c, *p)
			m.notifyParticipant(c, *p)
		}
	})
}

// SetTitle renames the call; requires management rights.
func (m *Manager) SetTitle(id models.CallID, title string, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	if utf8.RuneCountInString(title) > m.settings.MaxTitleLength {
		m.queueCallback(done, ErrTitleTooLong)
		return
	}
	m.enqueueOrRun(c, pendingOp{Kind: opSetTitle, Text: title, Done: done})
}

func (m *Manager) sendSetTitle(c *callState, title string, done func(error)) {
	id := c.call.ID
	ticket := m.requests.start(id, RequestSetTitle, 0)
	params := map[string]any{"call": c.call.Input, "title": title}
	m.gateway.Send(gateway.MethodEditTitle, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		defer m.queueCallback(done, err)
		c, ok := m.calls[id]
		if !ok || !m.requests.finish(id, 0, ticket) || err != nil {
			return
		}
		// The confirmed title arrives through a snapshot with a bumped
		// title version; nothing to apply locally.
		_ = c
	})
}

// ToggleStartSubscribed flips the start-notification subscription of a
// scheduled call.
func (m *Manager) ToggleStartSubscribed(id models.CallID, subscribed bool, done func(error)) {
	m.toggleSetting(id, SettingStartSubscribed, subscribed, 0, done)
}

// ToggleMuteNewParticipants controls whether newcomers join muted; requires
// management rights.
func (m *Manager) ToggleMuteNewParticipants(id models.CallID, mute bool, done func(error)) {
	m.toggleSetting(id, SettingMuteNewParticipants, mute, 0, done)
}

// ToggleMyVideoEnabled flags the own outgoing video on or off.
func (m *Manager) ToggleMyVideoEnabled(id models.CallID, enabled bool, done func(error)) {
	m.toggleSetting(id, SettingMyVideoEnabled, enabled, 0, done)
}

// ToggleMyVideoPaused flags the own outgoing video paused.
func (m *Manager) ToggleMyVideoPaused(id models.CallID, paused bool, done func(error)) {
	m.toggleSetting(id, SettingMyVideoPaused, paused, 0, done)
}

// ToggleMessagesEnabled switches the call message stream on or off; requires
// management rights.
func (m *Manager) ToggleMessagesEnabled(id models.CallID, enabled bool, done func(error)) {
	m.toggleSetting(id, SettingMessagesEnabled, enabled, 0, done)
}

// SetPaidMessageStarCount sets the star price of call messages; requires
// management rights.
func (m *Manager) SetPaidMessageStarCount(id models.CallID, starCount int64, done func(error)) {
	m.toggleSetting(id, SettingPaidMessageStarCount, false, starCount, done)
}

func (m *Manager) toggleSetting(id models.CallID, setting settingKind, flag bool, value int64, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	m.enqueueOrRun(c, pendingOp{Kind: opToggleSetting, Setting: setting, Flag: flag, Value: value, Done: done})
}

func (m *Manager) settingSlot(c *callState, setting settingKind) *models.Optimistic[bool] {
	switch setting {
	case SettingStartSubscribed:
		return &c.call.StartSubscribed
	case SettingMuteNewParticipants:
		return &c.call.MuteNewParticipants
	case SettingMyVideoEnabled:
		return &c.call.IsMyVideoEnabled
	case SettingMyVideoPaused:
		return &c.call.IsMyVideoPaused
	case SettingMessagesEnabled:
		return &c.call.AreMessagesEnabled
	}
	return nil
}

func settingWireName(setting settingKind) string {
	switch setting {
	case SettingStartSubscribed:
		return "start_subscribed"
	case SettingMuteNewParticipants:
		return "mute_new_participants"
	case SettingMyVideoEnabled:
		return "my_video_enabled"
	case SettingMyVideoPaused:
		return "my_video_paused"
	case SettingMessagesEnabled:
		return "messages_enabled"
	case SettingPaidMessageStarCount:
		return "paid_message_star_count"
	}
	return ""
}

// sendToggleSetting applies a call setting optimistically and reconciles it
// with the server answer. A response overtaken by a newer request of the
// same setting changes nothing.
func (m *Manager) sendToggleSetting(c *callState, setting settingKind, flag bool, value int64, done func(error)) {
	id := c.call.ID
	ticket := m.requests.start(id, RequestToggleSetting, int64(setting))

	changed := false
	if setting == SettingPaidMessageStarCount {
		changed = c.call.PaidMessageStarCount.SetPending(value)
	} else if slot := m.settingSlot(c, setting); slot != nil {
		changed = slot.SetPending(flag)
	}
	if changed {
		m.notifyCallChanged(c)
	}

	params := map[string]any{
		"call":    c.call.Input,
		"setting": settingWireName(setting),
		"flag":    flag,
		"value":   value,
	}
	m.gateway.Send(gateway.MethodToggleSettings, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		defer m.queueCallback(done, err)
		c, ok := m.calls[id]
		if !ok || !m.requests.finish(id, int64(setting), ticket) {
			return
		}
		changed := false
		if setting == SettingPaidMessageStarCount {
			if err != nil {
				changed = c.call.PaidMessageStarCount.Revert()
			} else {
				changed = c.call.PaidMessageStarCount.Confirm()
			}
		} else if slot := m.settingSlot(c, setting); slot != nil {
			if err != nil {
				changed = slot.Revert()
			} else {
				changed = slot.Confirm()
			}
		}
		if changed {
			m.notifyCallChanged(c)
		}
	})
}

// ToggleRecording starts or stops the server-side call recording; requires
// management rights. Confirmation arrives through the record-start-date
// snapshot field.
func (m *Manager) ToggleRecording(id models.CallID, enabled bool, title string, recordVideo bool, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	value := int64(0)
	if recordVideo {
		value = 1
	}
	m.enqueueOrRun(c, pendingOp{Kind: opToggleRecording, Flag: enabled, Text: title, Value: value, Done: done})
}

func (m *Manager) sendToggleRecording(c *callState, enabled bool, title string, recordVideo bool, done func(error)) {
	if !c.call.CanBeManaged {
		m.queueCallback(done, &gateway.RPCError{Code: 403, Message: gateway.ErrCallForbidden})
		return
	}
	id := c.call.ID
	ticket := m.requests.start(id, RequestToggleRecording, 0)

	c.call.HavePendingRecording = true
	c.call.PendingRecordTitle = title
	c.call.PendingRecordVideo = recordVideo
	m.notifyCallChanged(c)

	params := map[string]any{
		"call":         c.call.Input,
		"enabled":      enabled,
		"title":        title,
		"record_video": recordVideo,
	}
	m.gateway.Send(gateway.MethodToggleRecording, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		defer m.queueCallback(done, err)
		c, ok := m.calls[id]
		if !ok || !m.requests.finish(id, 0, ticket) {
			return
		}
		if err != nil && c.call.HavePendingRecording {
			c.call.HavePendingRecording = false
			c.call.PendingRecordTitle = ""
			c.call.PendingRecordVideo = false
			m.notifyCallChanged(c)
		}
	})
}

// SetParticipantSpeakingBySource marks the owner of a media source as
// speaking or silent; the mapping comes from the media stack, which only
// knows ssrc values.
func (m *Manager) SetParticipantSpeakingBySource(id models.CallID, audioSource int32, speaking bool) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		return
	}
	if c.pendingJoin != nil || c.call.IsBeingJoined {
		c.afterJoin.PushBack(pendingOp{Kind: opSetSpeaking, Flag: speaking, Value: int64(audioSource)})
		return
	}
	m.applySpeakingBySource(c, audioSource, speaking)
}

func (m *Manager) applySpeakingBySource(c *callState, audioSource int32, speaking bool) {
	if audioSource == 0 || c.participants == nil {
		return
	}
	now := m.clock.Now().Unix()

	if audioSource == c.call.AudioSource && c.call.IsSpeaking != speaking {
		c.call.IsSpeaking = speaking
		if speaking {
			// The server learns about own speaking through an explicit action.
			params := map[string]any{"call": c.call.Input, "audio_source": audioSource}
			m.gateway.Send(gateway.MethodSetSpeaking, params, func(data []byte, err error) {
				if err != nil {
					log.Debug().Err(err).Msg("Failed to report a speaking action.")
				}
			})
		}
		m.notifyCallChanged(c)
	}

	for i := range c.participants.items {
		p := &c.participants.items[i]
		if p.AudioSource != audioSource {
			continue
		}
		if speaking {
			p.LocalActiveDate = now
		}
		if p.IsSpeaking != speaking {
			p.IsSpeaking = speaking
			m.notifyParticipant(c, *p)
		}
		m.noteSpeaking(c, *p)
		return
	}

	if speaking && audioSource != c.call.AudioSource {
		// Activity for a source nothing maps to: the roster is missing a
		// record the server believes exists.
		m.fetchParticipantBySource(c, audioSource)
	}
}

// StartScreenShare joins the auxiliary presentation stream of the call.
func (m *Manager) StartScreenShare(id models.CallID, payload string, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	if !c.call.IsJoined {
		m.queueCallback(done, errNotJoined())
		return
	}
	if c.pendingScreenShare != nil {
		old := c.pendingScreenShare
		c.pendingScreenShare = nil
		old.Query.Cancel()
		m.queueCallback(old.Done, ErrCanceled)
	}

	audioSource := int32(0)
	for audioSource == 0 {
		audioSource = int32(uuid.New().ID())
	}
	ticket := m.requests.start(id, RequestScreenShare, 0)
	params := map[string]any{"call": c.call.Input, "audio_source": audioSource, "payload": payload}
	query := m.gateway.Send(gateway.MethodJoinPresentation, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		c, ok := m.calls[id]
		if !ok || c.pendingScreenShare == nil || c.pendingScreenShare.Ticket != ticket {
			return
		}
		if !m.requests.finish(id, 0, ticket) {
			return
		}
		pending := c.pendingScreenShare
		c.pendingScreenShare = nil
		if err != nil {
			if gateway.IsTerminalCallError(err) {
				m.onCallLeft(c, gateway.AllowsRejoin(err))
			}
			m.queueCallback(pending.Done, err)
			return
		}
		c.isScreenShared = true
		m.queueCallback(pending.Done, nil)
	})
	c.pendingScreenShare = &pendingScreenShareRequest{
		Ticket:      ticket,
		AudioSource: audioSource,
		Query:       query,
		Done:        done,
	}
}

// EndScreenShare leaves the presentation stream.
func (m *Manager) EndScreenShare(id models.CallID, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	m.cancelScreenShare(c)
	if !c.call.IsJoined {
		m.queueCallback(done, nil)
		return
	}
	params := map[string]any{"call": c.call.Input}
	m.gateway.Send(gateway.MethodLeavePresentation, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		m.queueCallback(done, err)
	})
}

// cancelScreenShare drops local screen-share state without a server round
// trip; used on leave and eviction.
func (m *Manager) cancelScreenShare(c *callState) {
	if c.pendingScreenShare != nil {
		pending := c.pendingScreenShare
		c.pendingScreenShare = nil
		pending.Query.Cancel()
		m.requests.cancel(c.call.ID, RequestScreenShare, 0)
		m.queueCallback(pending.Done, ErrCanceled)
	}
	c.isScreenShared = false
}
