package callsync

import (
	"fmt"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

// JoinOptions parameterize one join attempt.
type JoinOptions struct {
	// AudioSource is the client media ssrc; zero reuses the last persisted
	// one or generates a fresh value.
	AudioSource  int32
	Muted        bool
	VideoStopped bool
	InviteHash   string
	// Payload is the opaque media-stack offer forwarded verbatim.
	Payload string
}

type joinPrefs struct {
	AudioSource int32 `json:"audio_source"`
	Muted       bool  `json:"muted"`
}

func prefsKey(serverID int64) string     { return fmt.Sprintf("callsync:prefs:%d", serverID) }
func transportKey(serverID int64) string { return fmt.Sprintf("callsync:transport:%d", serverID) }

// JoinCall starts or restarts the join handshake. A join already in flight
// is superseded: its callback fails with ErrCanceled and the new attempt
// takes over the slot.
func (m *Manager) JoinCall(input models.InputCallID, opts JoinOptions, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		m.queueCallback(done, ErrClosed)
		return
	}
	if !input.IsValid() {
		m.queueCallback(done, ErrCallNotFound)
		return
	}
	c := m.callStateFor(input)
	if c.call.IsJoined && !c.call.NeedRejoin {
		m.queueCallback(done, nil)
		return
	}
	m.cancelPendingJoin(c)

	audioSource := opts.AudioSource
	if audioSource == 0 {
		audioSource = m.loadJoinPrefs(input.ID).AudioSource
	}
	for audioSource == 0 {
		audioSource = int32(uuid.New().ID())
	}
	m.persistJoinPrefs(input.ID, joinPrefs{AudioSource: audioSource, Muted: opts.Muted})

	var privateKey gateway.KeyID
	if c.call.IsConference() && m.chain != nil {
		key, err := m.chain.GenerateKey()
		if err != nil {
			m.queueCallback(done, fmt.Errorf("unable to generate a call key: %w", err))
			return
		}
		privateKey = key
	}

	c.call.IsBeingJoined = true
	c.call.NeedRejoin = false
	callID := c.call.ID
	ticket := m.requests.start(callID, RequestJoin, 0)
	request := gateway.JoinRequest{
		Call:         input,
		AudioSource:  audioSource,
		Payload:      opts.Payload,
		InviteHash:   opts.InviteHash,
		Muted:        opts.Muted,
		VideoStopped: opts.VideoStopped,
	}
	query := m.gateway.Send(gateway.MethodJoinCall, request, func(data []byte, err error) {
		m.onJoinResponse(callID, ticket, data, err)
	})
	c.pendingJoin = &pendingJoinRequest{
		Ticket:      ticket,
		AudioSource: audioSource,
		PrivateKey:  privateKey,
		Query:       query,
		Done:        done,
	}
	m.notifyCallChanged(c)
}

// cancelPendingJoin retires a superseded join attempt. Caller holds the lock.
func (m *Manager) cancelPendingJoin(c *callState) {
	pj := c.pendingJoin
	if pj == nil {
		return
	}
	c.pendingJoin = nil
	c.call.IsBeingJoined = false
	pj.Query.Cancel()
	m.requests.cancel(c.call.ID, RequestJoin, 0)
	m.destroyJoinKey(pj)
	m.queueCallback(pj.Done, ErrCanceled)
}

func (m *Manager) destroyJoinKey(pj *pendingJoinRequest) {
	if pj.PrivateKey != 0 && m.chain != nil {
		m.chain.DestroyKey(pj.PrivateKey)
		pj.PrivateKey = 0
	}
}

func (m *Manager) onJoinResponse(callID models.CallID, ticket Ticket, data []byte, err error) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return
	}
	c, ok := m.calls[callID]
	if !ok || c.pendingJoin == nil || c.pendingJoin.Ticket != ticket {
		return
	}
	if !m.requests.finish(callID, 0, ticket) {
		return
	}
	pj := c.pendingJoin
	c.pendingJoin = nil
	c.call.IsBeingJoined = false

	if err != nil {
		log.Warn().Err(err).Int32("call_id", int32(callID)).Msg("Joining a group call failed.")
		m.destroyJoinKey(pj)
		if gateway.IsTerminalCallError(err) {
			m.onCallLeft(c, gateway.AllowsRejoin(err))
		} else {
			m.failAfterJoin(c, errNotJoined())
			m.notifyCallChanged(c)
		}
		m.queueCallback(pj.Done, err)
		return
	}

	var resp gateway.JoinResponse
	if err := jsoniter.Unmarshal(data, &resp); err != nil {
		m.destroyJoinKey(pj)
		m.failAfterJoin(c, errNotJoined())
		m.notifyCallChanged(c)
		m.queueCallback(pj.Done, fmt.Errorf("unable to decode the join response: %w", err))
		return
	}

	c.call.IsJoined = true
	c.call.NeedRejoin = false
	c.call.IsBeingLeft = false
	c.call.AudioSource = pj.AudioSource
	c.call.JoinedDate = m.clock.Now().Unix()
	c.call.IsSpeaking = false

	c.participants = newRosterState()
	c.call.Version = resp.Version
	c.call.LeaveVersion = -1
	m.applyCallSnapshot(c, resp.Call)
	m.applyParticipantsPage(c, gateway.ParticipantsPage{
		Participants: resp.Participants,
		Version:      resp.Version,
	})
	c.call.IsInited = true

	if m.store != nil && resp.TransportParams != "" {
		if err := m.store.Persist(transportKey(c.call.Input.ID), []byte(resp.TransportParams)); err != nil {
			log.Warn().Err(err).Msg("Failed to persist call transport parameters.")
		}
	}

	m.loadAdmins(c)
	m.loadTopDonors(c)
	m.attachChain(c, pj.PrivateKey)

	key := int64(callID)
	m.checkTimeouts.set(key, m.settings.LivenessPeriod)
	m.orderTimeouts.set(key, m.settings.OrderRefreshPeriod)

	m.flushEarlyMessages(c)
	m.processAfterJoin(c)
	m.notifyCallChanged(c)
	m.queueCallback(pj.Done, nil)
}

// LeaveCall leaves the joined call. Leaving while the join handshake is in
// flight cancels the handshake instead.
func (m *Manager) LeaveCall(id models.CallID, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	if c.pendingJoin != nil {
		m.cancelPendingJoin(c)
		m.notifyCallChanged(c)
		m.queueCallback(done, nil)
		return
	}
	if !c.call.IsJoined {
		if c.call.NeedRejoin {
			c.call.NeedRejoin = false
			m.notifyCallChanged(c)
			m.queueCallback(done, nil)
			return
		}
		m.queueCallback(done, errNotJoined())
		return
	}

	c.call.IsBeingLeft = true
	ticket := m.requests.start(id, RequestLeave, 0)
	params := map[string]any{"call": c.call.Input, "audio_source": c.call.AudioSource}
	m.gateway.Send(gateway.MethodLeaveCall, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		c, ok := m.calls[id]
		if !ok || !m.requests.finish(id, 0, ticket) {
			return
		}
		c.call.IsBeingLeft = false
		if err != nil && !gateway.IsTerminalCallError(err) {
			log.Warn().Err(err).Int32("call_id", int32(id)).Msg("Leaving a group call failed.")
			m.notifyCallChanged(c)
			m.queueCallback(done, err)
			return
		}
		m.onCallLeft(c, false)
		m.queueCallback(done, nil)
	})
	m.notifyCallChanged(c)
}

// DiscardCall ends the call for everyone; requires management rights.
func (m *Manager) DiscardCall(id models.CallID, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	params := map[string]any{"call": c.call.Input}
	m.gateway.Send(gateway.MethodDiscardCall, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		c, ok := m.calls[id]
		if !ok {
			return
		}
		if err != nil {
			log.Warn().Err(err).Int32("call_id", int32(id)).Msg("Discarding a group call failed.")
			m.queueCallback(done, err)
			return
		}
		m.onCallEnded(c)
		m.queueCallback(done, nil)
	})
}

// StartScheduledCall flips a scheduled call live.
func (m *Manager) StartScheduledCall(id models.CallID, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	if c.call.ScheduledStartDate == 0 {
		m.queueCallback(done, nil)
		return
	}
	params := map[string]any{"call": c.call.Input}
	m.gateway.Send(gateway.MethodStartScheduled, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		c, ok := m.calls[id]
		if !ok {
			return
		}
		if err != nil {
			m.queueCallback(done, err)
			return
		}
		if c.call.ScheduledStartDate != 0 || !c.call.IsActive {
			c.call.ScheduledStartDate = 0
			c.call.IsActive = true
			m.notifyCallChanged(c)
		}
		m.queueCallback(done, nil)
	})
}

// LoadParticipants requests the next roster page.
func (m *Manager) LoadParticipants(id models.CallID, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	if c.participants == nil {
		m.queueCallback(done, errNotJoined())
		return
	}
	if c.call.LoadedAllParticipants {
		m.queueCallback(done, nil)
		return
	}
	params := map[string]any{
		"call":   c.call.Input,
		"offset": c.participants.nextOffset,
		"limit":  m.settings.ParticipantPageSize,
	}
	m.gateway.Send(gateway.MethodGetParticipants, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		c, ok := m.calls[id]
		if !ok || c.participants == nil {
			m.queueCallback(done, errNotJoined())
			return
		}
		if err != nil {
			m.queueCallback(done, err)
			return
		}
		var page gateway.ParticipantsPage
		if err := jsoniter.Unmarshal(data, &page); err != nil {
			m.queueCallback(done, fmt.Errorf("unable to decode a participants page: %w", err))
			return
		}
		m.applyParticipantsPage(c, page)
		m.queueCallback(done, nil)
	})
}

// CachedTransportParams returns the media transport blob persisted at the
// last successful join of the call.
func (m *Manager) CachedTransportParams(id models.CallID) (string, bool) {
	m.mu.Lock()
	c, err := m.lookup(id)
	if err != nil || m.store == nil {
		m.mu.Unlock()
		return "", false
	}
	key := transportKey(c.call.Input.ID)
	m.mu.Unlock()

	raw, ok, err := m.store.Load(key)
	if err != nil || !ok {
		return "", false
	}
	return string(raw), true
}

// OnCallUpdate feeds one server-pushed call snapshot into the engine.
func (m *Manager) OnCallUpdate(snapshot models.CallSnapshot) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed || !snapshot.Input.IsValid() {
		return
	}
	c := m.callStateFor(snapshot.Input)
	m.applyCallSnapshot(c, snapshot)
}

// applyCallSnapshot merges a snapshot into the call record. Fields guarded by
// their own version counter are accepted only at or past the known counter;
// the rest is taken from full snapshots and left untouched by partial ones.
func (m *Manager) applyCallSnapshot(c *callState, s models.CallSnapshot) {
	if !s.IsActive {
		m.onCallEnded(c)
		return
	}

	changed := !c.call.IsInited
	if !c.call.IsActive {
		c.call.IsActive = true
		changed = true
	}
	if !c.call.IsInited || !s.IsPartial {
		c.call.Kind = s.Kind
		c.call.IsRTMPStream = s.IsRTMPStream
	}

	if s.TitleVersion >= c.call.TitleVersion {
		c.call.TitleVersion = s.TitleVersion
		if c.call.Title != s.Title {
			c.call.Title = s.Title
			changed = true
		}
	}
	if s.MuteVersion >= c.call.MuteVersion {
		c.call.MuteVersion = s.MuteVersion
		if c.call.MuteNewParticipants.Apply(s.MuteNewParticipants) {
			changed = true
		}
	}
	if s.StartSubscribedVersion >= c.call.StartSubscribedVersion {
		c.call.StartSubscribedVersion = s.StartSubscribedVersion
		if c.call.StartSubscribed.Apply(s.StartSubscribed) {
			changed = true
		}
	}
	if s.RecordStartDateVersion >= c.call.RecordStartDateVersion {
		c.call.RecordStartDateVersion = s.RecordStartDateVersion
		if c.call.RecordStartDate != s.RecordStartDate || c.call.IsVideoRecorded != s.IsVideoRecorded {
			c.call.RecordStartDate = s.RecordStartDate
			c.call.IsVideoRecorded = s.IsVideoRecorded
			c.call.HavePendingRecording = false
			changed = true
		}
	}
	if s.ScheduledStartDateVersion >= c.call.ScheduledStartDateVersion {
		c.call.ScheduledStartDateVersion = s.ScheduledStartDateVersion
		if c.call.ScheduledStartDate != s.ScheduledStartDate {
			c.call.ScheduledStartDate = s.ScheduledStartDate
			changed = true
		}
	}

	if !s.IsPartial {
		if c.call.InviteLink != s.InviteLink {
			c.call.InviteLink = s.InviteLink
			changed = true
		}
		if c.call.IsCreator != s.IsCreator {
			c.call.IsCreator = s.IsCreator
			changed = true
		}
		if c.call.CanBeManaged != s.CanBeManaged {
			c.call.CanBeManaged = s.CanBeManaged
			changed = true
			if c.participants != nil {
				for i := range c.participants.items {
					if c.participants.items[i].UpdateCanBeMuted(s.CanBeManaged) {
						m.notifyParticipant(c, c.participants.items[i])
					}
				}
			}
		}
		if c.call.JoinedDateAsc != s.JoinedDateAsc {
			c.call.JoinedDateAsc = s.JoinedDateAsc
			changed = true
		}
		if !c.call.IsJoined && c.call.CanSelfUnmute != s.CanSelfUnmute {
			// While joined, the own participant record is authoritative.
			c.call.CanSelfUnmute = s.CanSelfUnmute
			changed = true
			m.updateRosterOrders(c)
		}
		if c.call.AreMessagesEnabled.Apply(s.AreMessagesEnabled) {
			changed = true
		}
		if c.call.PaidMessageStarCount.Apply(s.PaidMessageStarCount) {
			changed = true
		}
		if c.call.UnmutedVideoLimit != s.UnmutedVideoLimit {
			c.call.UnmutedVideoLimit = s.UnmutedVideoLimit
			changed = true
		}
		if m.tuning.UnmutedVideoLimit != s.UnmutedVideoLimit {
			m.tuning.UnmutedVideoLimit = s.UnmutedVideoLimit
			m.persistTuning()
		}
		if c.participants == nil && c.call.UnmutedVideoCount != s.UnmutedVideoCount {
			c.call.UnmutedVideoCount = s.UnmutedVideoCount
			changed = true
		}
		if c.participants == nil && c.call.ParticipantCount != s.ParticipantCount {
			c.call.ParticipantCount = s.ParticipantCount
			changed = true
		}
		c.call.IsInited = true
	}

	m.onReceiveCallVersion(c, s.Version)
	m.flushEarlyMessages(c)
	if changed {
		m.notifyCallChanged(c)
	}
}

// onCallEnded handles the call being discarded server-side. All per-call
// state dies with it; messages are announced as deleted.
func (m *Manager) onCallEnded(c *callState) {
	if c.call.IsJoined || c.call.IsBeingJoined || c.pendingJoin != nil {
		m.onCallLeft(c, false)
	}
	changed := c.call.IsActive || !c.call.IsInited
	c.call.IsActive = false
	c.call.IsInited = true
	c.call.NeedRejoin = false
	c.call.ScheduledStartDate = 0

	if removed := c.ledger.Clear(); len(removed) > 0 {
		m.notify(models.EventMessageDeleted, models.MessagesDeleted{CallID: c.call.ID, MessageIDs: removed})
	}
	c.earlyMessages = nil
	m.dropCallTimers(c)

	if changed {
		m.notifyCallChanged(c)
	}
}

// onCallLeft finalizes the loss of own membership, however it happened:
// explicit leave, server eviction, or a terminal error.
func (m *Manager) onCallLeft(c *callState, needRejoin bool) {
	m.cancelPendingJoin(c)

	c.call.IsJoined = false
	c.call.IsBeingLeft = false
	c.call.IsSpeaking = false
	c.call.NeedRejoin = needRejoin && c.call.IsActive
	c.call.AudioSource = 0
	c.call.JoinedDate = 0

	m.cancelScreenShare(c)
	m.tryClearParticipants(c)
	m.failAfterJoin(c, errNotJoined())
	m.teardownChain(c)
	m.checkTimeouts.cancel(int64(c.call.ID))
	m.requests.cancelCall(c.call.ID)

	log.Info().Int32("call_id", int32(c.call.ID)).Bool("need_rejoin", c.call.NeedRejoin).
		Msg("Left a group call.")
	m.notifyCallChanged(c)
}

// failAfterJoin fails every operation parked behind the join handshake with
// one uniform error.
func (m *Manager) failAfterJoin(c *callState, err error) {
	for c.afterJoin.Len() > 0 {
		op := c.afterJoin.PopFront()
		m.queueCallback(op.Done, err)
	}
}

// processAfterJoin replays parked operations in submission order now that
// the membership exists.
func (m *Manager) processAfterJoin(c *callState) {
	for c.afterJoin.Len() > 0 {
		op := c.afterJoin.PopFront()
		m.dispatchOp(c, op)
	}
}

// Liveness: periodically confirm the server still counts us as joined, and
// immediately when something suggests it may not.
func (m *Manager) onCheckTimeout(key int64) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return
	}
	c, ok := m.calls[models.CallID(key)]
	if !ok || !c.call.IsJoined || c.call.IsBeingLeft {
		return
	}
	id := c.call.ID
	ticket := m.requests.start(id, RequestLivenessCheck, 0)
	params := map[string]any{"call": c.call.Input, "audio_source": c.call.AudioSource}
	m.gateway.Send(gateway.MethodCheckJoined, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		c, ok := m.calls[id]
		if !ok || !m.requests.finish(id, 0, ticket) || !c.call.IsJoined {
			return
		}
		if err != nil {
			if gateway.IsTerminalCallError(err) {
				log.Info().Err(err).Int32("call_id", int32(id)).
					Msg("Liveness check reported the membership gone.")
				m.onCallLeft(c, gateway.AllowsRejoin(err))
				return
			}
			log.Warn().Err(err).Int32("call_id", int32(id)).
				Msg("Liveness check failed, retrying shortly.")
			m.checkTimeouts.set(key, m.settings.LivenessRetry)
			return
		}
		m.checkTimeouts.set(key, m.settings.LivenessPeriod)
	})
}

func (m *Manager) loadJoinPrefs(serverID int64) joinPrefs {
	var prefs joinPrefs
	if m.store == nil {
		return prefs
	}
	raw, ok, err := m.store.Load(prefsKey(serverID))
	if err != nil || !ok {
		return prefs
	}
	if err := jsoniter.Unmarshal(raw, &prefs); err != nil {
		log.Warn().Err(err).Msg("Failed to decode persisted call preferences.")
	}
	return prefs
}

func (m *Manager) persistJoinPrefs(serverID int64, prefs joinPrefs) {
	if m.store == nil {
		return
	}
	raw, err := jsoniter.Marshal(prefs)
	if err != nil {
		return
	}
	if err := m.store.Persist(prefsKey(serverID), raw); err != nil {
		log.Warn().Err(err).Msg("Failed to persist call preferences.")
	}
}
