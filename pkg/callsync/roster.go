package callsync

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

// rosterState tracks the participant list of one joined call. It only exists
// while the list is tracked; leaving the call drops it wholesale.
type rosterState struct {
	items []models.CallParticipant

	// minOrder is the smallest order among server-loaded participants; known
	// participants ranking below it stay hidden until more pages arrive.
	minOrder   models.ParticipantOrder
	nextOffset string

	adminsLoaded bool
	admins       map[int64]bool
	donorsLoaded bool
	donorStars   map[int64]int64

	pendingVersion map[int32]map[int64]models.CallParticipant
	pendingMute    map[int32]map[int64]models.CallParticipant

	// hadGap flips on the first observed version gap of the session; later
	// gaps debounce their resync instead of firing it immediately.
	hadGap bool
}

func newRosterState() *rosterState {
	return &rosterState{
		minOrder:       models.MaxParticipantOrder(),
		admins:         make(map[int64]bool),
		donorStars:     make(map[int64]int64),
		pendingVersion: make(map[int32]map[int64]models.CallParticipant),
		pendingMute:    make(map[int32]map[int64]models.CallParticipant),
	}
}

func (r *rosterState) find(peerID int64) int {
	for i := range r.items {
		if r.items[i].PeerID == peerID {
			return i
		}
	}
	return -1
}

func (r *rosterState) pendingUpdateCount() int {
	return len(r.pendingVersion) + len(r.pendingMute)
}

// applyParticipant is the single funnel every participant delta goes through
// once its version slot is settled. It returns the participant-count delta.
// Caller holds the lock.
func (m *Manager) applyParticipant(c *callState, p models.CallParticipant) int32 {
	r := c.participants
	if r == nil {
		return 0
	}
	if p.PeerID == m.selfPeer {
		p.IsSelf = true
	}

	if p.IsLeft() {
		idx := r.find(p.PeerID)
		if idx < 0 {
			return 0
		}
		gone := r.items[idx]
		r.items = append(r.items[:idx], r.items[idx+1:]...)
		if gone.Order.IsValid() {
			gone.JoinedDate = 0
			gone.Order = models.ParticipantOrder{}
			m.notifyParticipant(c, gone)
		}
		if gone.IsSelf {
			m.onSelfParticipantLeft(c)
		}
		return -1
	}

	idx := r.find(p.PeerID)
	if idx < 0 && p.IsMin {
		// A sparse update cannot materialize a record; fetch the full one.
		m.fetchParticipant(c, p.PeerID)
		return 0
	}

	delta := int32(0)
	if idx >= 0 {
		old := r.items[idx]
		if p.IsMin {
			p.ResolveMin(old)
		} else {
			p.MergeLocalState(old)
		}
		m.decorateParticipant(c, &p)
		p.Order = m.participantOrder(c, p)
		r.items[idx] = p
		if p != old {
			m.notifyParticipant(c, p)
		}
	} else {
		m.decorateParticipant(c, &p)
		p.IsJustJoined = false
		p.Order = m.participantOrder(c, p)
		r.items = append(r.items, p)
		delta = 1
		if p.Order.IsValid() {
			m.notifyParticipant(c, p)
		}
	}

	if p.IsSelf {
		m.applySelfParticipant(c, p)
	}
	return delta
}

// decorateParticipant folds the separately loaded admin and donor tables plus
// the viewer's management rights into the record.
func (m *Manager) decorateParticipant(c *callState, p *models.CallParticipant) {
	r := c.participants
	if p.DisplayName == "" && m.peers != nil {
		if peer, ok := m.peers.ResolvePeer(p.PeerID); ok {
			p.DisplayName = peer.Name
		}
	}
	if r.adminsLoaded {
		p.IsAdmin = r.admins[p.PeerID]
	}
	if r.donorsLoaded {
		p.StarsDonated = r.donorStars[p.PeerID]
		p.IsTopDonor = p.StarsDonated > 0
	}
	p.UpdateCanBeMuted(c.call.CanBeManaged)
}

// participantOrder ranks the participant and clamps it against the loaded
// floor so pagination gaps never reorder visibly.
func (m *Manager) participantOrder(c *callState, p models.CallParticipant) models.ParticipantOrder {
	order := p.ComputeOrder(c.call.CanSelfUnmute)
	if !order.IsValid() {
		return order
	}
	if c.call.LoadedAllParticipants || order.Compare(c.participants.minOrder, c.call.JoinedDateAsc) >= 0 {
		return order
	}
	return models.ParticipantOrder{}
}

// applySelfParticipant mirrors own-membership fields into the call record.
func (m *Manager) applySelfParticipant(c *callState, p models.CallParticipant) {
	changed := false
	if c.call.CanSelfUnmute != p.CanSelfUnmute {
		c.call.CanSelfUnmute = p.CanSelfUnmute
		changed = true
		m.updateRosterOrders(c)
	}
	if p.AudioSource != 0 && c.call.AudioSource != p.AudioSource {
		c.call.AudioSource = p.AudioSource
	}
	if changed {
		m.notifyCallChanged(c)
	}
}

// onSelfParticipantLeft reacts to the server removing our own membership.
// While our own join or rejoin is still settling this is the old session
// dying, not an eviction.
func (m *Manager) onSelfParticipantLeft(c *callState) {
	if c.pendingJoin != nil || c.call.IsBeingJoined || c.call.IsBeingLeft {
		return
	}
	if !c.call.IsJoined {
		return
	}
	log.Info().Int32("call_id", int32(c.call.ID)).
		Msg("Server dropped own call membership, scheduling a liveness check.")
	m.checkTimeouts.set(int64(c.call.ID), 0)
}

// applyParticipantsPage folds one loaded roster page in, lowering the
// visibility floor to the page's smallest order.
func (m *Manager) applyParticipantsPage(c *callState, page gateway.ParticipantsPage) {
	r := c.participants
	if r == nil {
		return
	}

	pageMin := models.MaxParticipantOrder()
	for _, p := range page.Participants {
		if p.IsLeft() {
			continue
		}
		order := p.ComputeOrder(c.call.CanSelfUnmute)
		if order.IsValid() && order.Compare(pageMin, c.call.JoinedDateAsc) < 0 {
			pageMin = order
		}
	}
	if pageMin.Compare(r.minOrder, c.call.JoinedDateAsc) < 0 {
		r.minOrder = pageMin
	}

	countDelta := int32(0)
	for _, p := range page.Participants {
		countDelta += m.applyParticipant(c, p)
	}

	r.nextOffset = page.NextOffset
	changed := false
	if page.NextOffset == "" && !c.call.LoadedAllParticipants {
		c.call.LoadedAllParticipants = true
		changed = true
		m.updateRosterOrders(c)
	}
	if page.Count != 0 && c.call.ParticipantCount != page.Count {
		c.call.ParticipantCount = page.Count
		changed = true
	} else if countDelta != 0 {
		c.call.ParticipantCount += countDelta
		changed = true
	}
	if changed {
		m.notifyCallChanged(c)
	}
	m.refreshVideoCount(c)
}

// updateRosterOrders recomputes every ranking after something that affects
// all of them changed: viewer rights, the visibility floor, or activity decay.
func (m *Manager) updateRosterOrders(c *callState) {
	r := c.participants
	if r == nil {
		return
	}
	for i := range r.items {
		order := m.participantOrder(c, r.items[i])
		if order != r.items[i].Order {
			r.items[i].Order = order
			m.notifyParticipant(c, r.items[i])
		}
	}
}

// refreshVideoCount recounts participants with live unmuted video. The count
// is server-owned only while the roster is untracked.
func (m *Manager) refreshVideoCount(c *callState) {
	r := c.participants
	if r == nil {
		return
	}
	count := int32(0)
	for _, p := range r.items {
		if p.HasVideo && !p.EffectiveIsMuted() {
			count++
		}
	}
	if count != c.call.UnmutedVideoCount {
		c.call.UnmutedVideoCount = count
		m.notifyCallChanged(c)
	}
}

// fetchParticipant loads the full record behind a sparse update and replays
// it through the regular funnel.
func (m *Manager) fetchParticipant(c *callState, peerID int64) {
	callID := c.call.ID
	ticket := m.requests.start(callID, RequestLoadParticipants, peerID)
	params := map[string]any{"call": c.call.Input, "peer_id": peerID}
	m.gateway.Send(gateway.MethodGetParticipant, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || !m.requests.finish(callID, peerID, ticket) {
			return
		}
		c, ok := m.calls[callID]
		if !ok || c.participants == nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Int32("call_id", int32(callID)).Int64("peer_id", peerID).
				Msg("Failed to load a call participant.")
			return
		}
		var p models.CallParticipant
		if err := jsoniter.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Msg("Failed to decode a call participant.")
			return
		}
		p.IsMin = false
		delta := m.applyParticipant(c, p)
		if delta != 0 {
			c.call.ParticipantCount += delta
			m.notifyCallChanged(c)
		}
	})
}

// fetchParticipantBySource resolves speaking activity reported for an audio
// source the roster has no record for.
func (m *Manager) fetchParticipantBySource(c *callState, audioSource int32) {
	callID := c.call.ID
	// Negated so the key space does not collide with peer-id keyed fetches.
	key := -int64(audioSource)
	ticket := m.requests.start(callID, RequestLoadParticipants, key)
	params := map[string]any{"call": c.call.Input, "audio_source": audioSource}
	m.gateway.Send(gateway.MethodGetParticipant, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || !m.requests.finish(callID, key, ticket) {
			return
		}
		c, ok := m.calls[callID]
		if !ok || c.participants == nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Int32("call_id", int32(callID)).Int32("audio_source", audioSource).
				Msg("Failed to resolve an audio source.")
			return
		}
		var p models.CallParticipant
		if err := jsoniter.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Msg("Failed to decode a call participant.")
			return
		}
		p.IsMin = false
		delta := m.applyParticipant(c, p)
		if delta != 0 {
			c.call.ParticipantCount += delta
			m.notifyCallChanged(c)
		}
		m.refreshVideoCount(c)
		if !p.IsLeft() && p.AudioSource == audioSource {
			m.applySpeakingBySource(c, audioSource, true)
		}
	})
}

// loadAdmins resolves the administrator table, which arrives separately from
// the roster and retroactively decorates it.
func (m *Manager) loadAdmins(c *callState) {
	callID := c.call.ID
	params := map[string]any{"call": c.call.Input}
	m.gateway.Send(gateway.MethodGetAdmins, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		c, ok := m.calls[callID]
		if !ok || c.participants == nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Int32("call_id", int32(callID)).
				Msg("Failed to load call administrators.")
			return
		}
		var adminIDs []int64
		if err := jsoniter.Unmarshal(data, &adminIDs); err != nil {
			log.Warn().Err(err).Msg("Failed to decode call administrators.")
			return
		}
		r := c.participants
		r.adminsLoaded = true
		r.admins = make(map[int64]bool, len(adminIDs))
		for _, id := range adminIDs {
			r.admins[id] = true
		}
		for i := range r.items {
			isAdmin := r.admins[r.items[i].PeerID]
			if r.items[i].IsAdmin != isAdmin {
				r.items[i].IsAdmin = isAdmin
				m.notifyParticipant(c, r.items[i])
			}
		}
		m.flushEarlyMessages(c)
	})
}

// loadTopDonors resolves the star-donor table used for donor badges and the
// admin context of the message ledger.
func (m *Manager) loadTopDonors(c *callState) {
	callID := c.call.ID
	params := map[string]any{"call": c.call.Input}
	m.gateway.Send(gateway.MethodGetTopDonors, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		c, ok := m.calls[callID]
		if !ok || c.participants == nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Int32("call_id", int32(callID)).
				Msg("Failed to load call top donors.")
			return
		}
		var donors map[int64]int64
		if err := jsoniter.Unmarshal(data, &donors); err != nil {
			log.Warn().Err(err).Msg("Failed to decode call top donors.")
			return
		}
		r := c.participants
		r.donorsLoaded = true
		r.donorStars = donors
		for i := range r.items {
			stars := donors[r.items[i].PeerID]
			if r.items[i].StarsDonated != stars {
				r.items[i].StarsDonated = stars
				r.items[i].IsTopDonor = stars > 0
				m.notifyParticipant(c, r.items[i])
			}
		}
	})
}

// tryClearParticipants tears the roster down after the membership ended. The
// version the list had at teardown fences later replays of the same deltas.
func (m *Manager) tryClearParticipants(c *callState) {
	r := c.participants
	if r == nil {
		return
	}
	c.participants = nil
	m.resyncTimeouts.cancel(int64(c.call.ID))
	m.orderTimeouts.cancel(int64(c.call.ID))
	c.syncInFlight = false
	c.needResync = false

	if c.call.Version > c.call.LeaveVersion {
		c.call.LeaveVersion = c.call.Version
	}
	c.call.Version = -1
	c.call.LoadedAllParticipants = false

	for _, p := range r.items {
		if p.Order.IsValid() {
			p.JoinedDate = 0
			p.Order = models.ParticipantOrder{}
			m.notifyParticipant(c, p)
		}
	}
}
