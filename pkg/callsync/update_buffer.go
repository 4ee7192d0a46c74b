package callsync

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

// OnParticipantsUpdate feeds one server-pushed participant delta batch into
// the engine. Batches may arrive out of order; the version stream restores
// the order, buffers ahead-of-time batches and schedules a resync when a gap
// refuses to close.
func (m *Manager) OnParticipantsUpdate(u gateway.ParticipantsUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !u.Call.IsValid() {
		return
	}
	c := m.callStateFor(u.Call)

	if c.participants == nil {
		m.applyUntrackedUpdate(c, u)
		return
	}

	versioned := make(map[int64]models.CallParticipant)
	muteOnly := make(map[int64]models.CallParticipant)
	for _, p := range u.Participants {
		if p.IsVersionedUpdate() {
			versioned[p.PeerID] = p
		} else {
			muteOnly[p.PeerID] = p
		}
	}
	r := c.participants
	if len(versioned) > 0 {
		mergeParticipantSet(r.pendingVersion, u.Version, versioned)
	}
	if len(muteOnly) > 0 {
		mergeParticipantSet(r.pendingMute, u.Version, muteOnly)
	}
	if c.call.IsJoined {
		// Server traffic for the call counts as proof of membership. Re-armed
		// before the batch applies so a self-left delta may replace it with
		// an immediate check.
		m.checkTimeouts.set(int64(c.call.ID), m.settings.LivenessPeriod)
	}
	m.processPendingUpdates(c)
}

func mergeParticipantSet(pending map[int32]map[int64]models.CallParticipant, version int32, set map[int64]models.CallParticipant) {
	slot, ok := pending[version]
	if !ok {
		pending[version] = set
		return
	}
	for peer, p := range set {
		slot[peer] = p
	}
}

// applyUntrackedUpdate handles deltas for calls whose roster is not tracked:
// only the participant count and own-membership loss matter, and only for
// versions past the fence left by the last roster teardown.
func (m *Manager) applyUntrackedUpdate(c *callState, u gateway.ParticipantsUpdate) {
	if u.Version <= c.call.LeaveVersion {
		log.Debug().Int32("call_id", int32(c.call.ID)).Int32("version", u.Version).
			Msg("Ignored a participant update behind the leave fence.")
		return
	}
	diff := int32(0)
	for _, p := range u.Participants {
		if p.IsLeft() {
			diff--
			if p.PeerID == m.selfPeer || (p.AudioSource != 0 && p.AudioSource == c.call.AudioSource) {
				m.onSelfParticipantLeft(c)
			}
		} else if p.IsJustJoined {
			diff++
		}
		m.noteSpeaking(c, p)
	}
	if diff != 0 && c.call.ParticipantCount+diff >= 0 {
		c.call.ParticipantCount += diff
		m.notifyCallChanged(c)
	}
}

// processPendingUpdates drains the buffered version stream. Exactly-next
// batches advance the version and apply; already-covered batches replay for
// their side effects only; a remaining future batch is a gap and arms the
// resync debounce. Mute-only batches apply as soon as the version stream has
// caught up to them.
func (m *Manager) processPendingUpdates(c *callState) {
	r := c.participants
	if r == nil {
		return
	}
	diff := int32(0)
	for len(r.pendingVersion) > 0 {
		m.drainMuteUpdates(c, &diff)
		version := lo.Min(lo.Keys(r.pendingVersion))
		batch := r.pendingVersion[version]

		if version <= c.call.Version {
			// Already covered: replay join/leave side effects so counts and
			// speaking activity stay right, but never regress the state.
			for _, p := range batch {
				m.noteSpeaking(c, p)
				if p.PeerID == m.selfPeer || !p.IsLeft() {
					diff += m.applyParticipant(c, p)
				}
			}
			delete(r.pendingVersion, version)
			continue
		}
		if version == c.call.Version+1 {
			c.call.Version = version
			for _, p := range batch {
				m.noteSpeaking(c, p)
				diff += m.applyParticipant(c, p)
			}
			delete(r.pendingVersion, version)
			continue
		}

		// Gap: keep the batch buffered and resync after the debounce window.
		log.Debug().Int32("call_id", int32(c.call.ID)).
			Int32("have", c.call.Version).Int32("next", version).
			Msg("Participant version gap, scheduling a resync.")
		m.scheduleResync(c, false)
		break
	}
	m.drainMuteUpdates(c, &diff)
	if len(r.pendingMute) > 0 {
		// Mute batches still ahead of the stream are a gap too; without this
		// a batch classified entirely mute-only would buffer forever.
		m.scheduleResync(c, false)
	}

	if r.pendingUpdateCount() == 0 {
		m.resyncTimeouts.cancel(int64(c.call.ID))
	}
	if diff != 0 {
		next := c.call.ParticipantCount + diff
		if next < 0 {
			log.Warn().Int32("call_id", int32(c.call.ID)).Int32("count", next).
				Msg("Participant count went negative, forcing a resync.")
			next = 0
			m.scheduleResync(c, false)
		}
		c.call.ParticipantCount = next
		m.notifyCallChanged(c)
	}
	m.refreshVideoCount(c)
}

// drainMuteUpdates applies buffered mute-only batches the version stream has
// caught up to. They carry no join or leave transitions, so order within the
// caught-up prefix does not matter.
func (m *Manager) drainMuteUpdates(c *callState, diff *int32) {
	r := c.participants
	for len(r.pendingMute) > 0 {
		version := lo.Min(lo.Keys(r.pendingMute))
		if version > c.call.Version {
			return
		}
		for _, p := range r.pendingMute[version] {
			m.noteSpeaking(c, p)
			*diff += m.applyParticipant(c, p)
		}
		delete(r.pendingMute, version)
	}
}

// onReceiveCallVersion reacts to a version learned outside the delta stream,
// from a call snapshot. A snapshot ahead of the stream means deltas were
// lost for good; that case resyncs immediately instead of debouncing.
func (m *Manager) onReceiveCallVersion(c *callState, version int32) {
	if c.participants == nil || version <= c.call.Version {
		return
	}
	if _, ok := c.participants.pendingVersion[version]; ok {
		m.processPendingUpdates(c)
		return
	}
	m.scheduleResync(c, true)
}

func (m *Manager) scheduleResync(c *callState, immediate bool) {
	key := int64(c.call.ID)
	if r := c.participants; r != nil && !r.hadGap {
		r.hadGap = true
		immediate = true
	}
	if immediate {
		m.resyncTimeouts.set(key, 0)
		return
	}
	m.resyncTimeouts.setIfAbsent(key, m.settings.ResyncDebounce)
}

func (m *Manager) onResyncTimeout(key int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	c, ok := m.calls[models.CallID(key)]
	if !ok || c.participants == nil {
		return
	}
	m.syncParticipants(c)
}

// syncParticipants reloads the authoritative roster after the delta stream
// broke. Only one reload is in flight at a time; deltas arriving meanwhile
// keep buffering and are reconciled against the loaded version.
func (m *Manager) syncParticipants(c *callState) {
	if c.syncInFlight {
		c.needResync = true
		return
	}
	c.syncInFlight = true
	c.needResync = false
	callID := c.call.ID
	params := map[string]any{
		"call":   c.call.Input,
		"offset": "",
		"limit":  m.settings.ParticipantPageSize,
	}
	m.gateway.Send(gateway.MethodGetParticipants, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		c, ok := m.calls[callID]
		if !ok {
			return
		}
		c.syncInFlight = false
		if c.participants == nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Int32("call_id", int32(callID)).
				Msg("Failed to resync call participants.")
			if gateway.IsTerminalCallError(err) {
				m.onCallLeft(c, gateway.AllowsRejoin(err))
				return
			}
			m.scheduleResync(c, false)
			return
		}
		var page gateway.ParticipantsPage
		if err := jsoniter.Unmarshal(data, &page); err != nil {
			log.Warn().Err(err).Msg("Failed to decode a participants resync page.")
			m.scheduleResync(c, false)
			return
		}
		m.applySyncedPage(c, page)
		if c.needResync {
			m.syncParticipants(c)
		}
	})
}

// applySyncedPage replaces the roster with the authoritative load, drops
// buffered batches the load already covers and lets the rest of the buffer
// drain against the new version.
func (m *Manager) applySyncedPage(c *callState, page gateway.ParticipantsPage) {
	r := c.participants
	seen := make(map[int64]bool, len(page.Participants))
	for _, p := range page.Participants {
		if !p.IsLeft() {
			seen[p.PeerID] = true
		}
	}
	removed := int32(0)
	for _, p := range lo.Filter(r.items, func(p models.CallParticipant, _ int) bool {
		return !seen[p.PeerID]
	}) {
		p.JoinedDate = 0
		p.AudioSource = 0
		removed += m.applyParticipant(c, p)
	}
	if removed != 0 {
		c.call.ParticipantCount = max(c.call.ParticipantCount+removed, 0)
		m.notifyCallChanged(c)
	}

	if page.Version > c.call.Version {
		c.call.Version = page.Version
	}
	for version := range r.pendingVersion {
		if version <= c.call.Version {
			delete(r.pendingVersion, version)
		}
	}
	for version := range r.pendingMute {
		if version <= c.call.Version {
			delete(r.pendingMute, version)
		}
	}

	m.applyParticipantsPage(c, page)
	m.processPendingUpdates(c)
}
