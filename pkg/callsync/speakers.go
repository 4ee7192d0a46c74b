package callsync

import (
	"slices"

	"github.com/samber/lo"

	"github.com/meshtalk/callsync/pkg/models"
)

type recentSpeaker struct {
	PeerID     int64
	Date       int64
	IsSpeaking bool
}

// noteSpeaking records observed speaking activity for the recent-speakers
// strip. Called from every participant funnel, including replays of already
// covered versions, which exist exactly for this side effect.
func (m *Manager) noteSpeaking(c *callState, p models.CallParticipant) {
	if p.IsLeft() || p.PeerID == 0 {
		return
	}
	date := max(p.ActiveDate, p.LocalActiveDate)
	now := m.clock.Now().Unix()
	if date <= now-int64(m.settings.RecentSpeakerTimeout.Seconds()) {
		return
	}

	idx := slices.IndexFunc(c.recentSpeakers, func(s recentSpeaker) bool { return s.PeerID == p.PeerID })
	changed := false
	if idx >= 0 {
		s := &c.recentSpeakers[idx]
		if s.Date < date {
			s.Date = date
		}
		if s.IsSpeaking != p.IsSpeaking {
			s.IsSpeaking = p.IsSpeaking
			changed = true
		}
	} else {
		c.recentSpeakers = append(c.recentSpeakers, recentSpeaker{PeerID: p.PeerID, Date: date, IsSpeaking: p.IsSpeaking})
		changed = true
	}

	slices.SortStableFunc(c.recentSpeakers, func(a, b recentSpeaker) int {
		return int(b.Date - a.Date)
	})
	if len(c.recentSpeakers) > m.settings.RecentSpeakerCap {
		c.recentSpeakers = c.recentSpeakers[:m.settings.RecentSpeakerCap]
		changed = true
	}
	if changed {
		m.emitRecentSpeakers(c)
	}
	m.speakerTimeouts.setIfAbsent(int64(c.call.ID), m.settings.RecentSpeakerTimeout)
}

// onSpeakerTimeout ages entries out of the strip once their activity falls
// outside the window.
func (m *Manager) onSpeakerTimeout(key int64) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return
	}
	c, ok := m.calls[models.CallID(key)]
	if !ok || len(c.recentSpeakers) == 0 {
		return
	}
	cutoff := m.clock.Now().Unix() - int64(m.settings.RecentSpeakerTimeout.Seconds())
	kept := lo.Filter(c.recentSpeakers, func(s recentSpeaker, _ int) bool {
		return s.Date > cutoff
	})
	if len(kept) != len(c.recentSpeakers) {
		c.recentSpeakers = kept
		m.emitRecentSpeakers(c)
	}
	if len(c.recentSpeakers) > 0 {
		m.speakerTimeouts.set(key, m.settings.RecentSpeakerTimeout)
	}
}

func (m *Manager) emitRecentSpeakers(c *callState) {
	change := models.RecentSpeakersChange{
		CallID:   c.call.ID,
		PeerIDs:  lo.Map(c.recentSpeakers, func(s recentSpeaker, _ int) int64 { return s.PeerID }),
		Speaking: lo.Map(c.recentSpeakers, func(s recentSpeaker, _ int) bool { return s.IsSpeaking }),
	}
	m.notify(models.EventRecentSpeakers, change)
}

// GetRecentSpeakers returns the current strip, most recent first.
func (m *Manager) GetRecentSpeakers(id models.CallID) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil
	}
	return lo.Map(c.recentSpeakers, func(s recentSpeaker, _ int) int64 { return s.PeerID })
}

// onOrderTimeout periodically re-evaluates roster ordering and decays stale
// speaking flags; activity-based ranks change with time even without server
// traffic.
func (m *Manager) onOrderTimeout(key int64) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return
	}
	c, ok := m.calls[models.CallID(key)]
	if !ok || c.participants == nil {
		return
	}
	cutoff := m.clock.Now().Unix() - int64(m.settings.OrderRefreshPeriod.Seconds())
	for i := range c.participants.items {
		p := &c.participants.items[i]
		if p.IsSpeaking && !p.IsSelf && max(p.ActiveDate, p.LocalActiveDate) < cutoff {
			p.IsSpeaking = false
			m.notifyParticipant(c, *p)
		}
	}
	m.updateRosterOrders(c)
	if c.call.IsJoined {
		m.orderTimeouts.set(key, m.settings.OrderRefreshPeriod)
	}
}
