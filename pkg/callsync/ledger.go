package callsync

import (
	"math"
	"slices"

	"github.com/meshtalk/callsync/pkg/models"
)

type randomKey struct {
	SenderID int64
	RandomID int64
}

// MessageLedger holds the ephemeral messages of a single call. Messages live
// under wrapping 31-bit local ids; server-confirmed messages are additionally
// addressable by server id, unconfirmed local echoes by (sender, random id).
// Pinned messages (no delete time) compete for space inside their star tier
// and evict the oldest entry of the tier once it runs over capacity.
type MessageLedger struct {
	tierCap int

	nextLocalID int32
	byLocalID   map[int32]*models.CallMessage
	byServerID  map[int64]int32
	byRandomID  map[randomKey]int32
	tiers       [models.MessageTierCount][]int32
}

func NewMessageLedger(tierCap int) *MessageLedger {
	return &MessageLedger{
		tierCap:    tierCap,
		byLocalID:  make(map[int32]*models.CallMessage),
		byServerID: make(map[int64]int32),
		byRandomID: make(map[randomKey]int32),
	}
}

func (l *MessageLedger) Len() int {
	return len(l.byLocalID)
}

func (l *MessageLedger) Get(localID int32) (models.CallMessage, bool) {
	message, ok := l.byLocalID[localID]
	if !ok {
		return models.CallMessage{}, false
	}
	return *message, true
}

// Messages returns the live messages in local id insertion order, which is
// also arrival order modulo the 31-bit wrap.
func (l *MessageLedger) Messages() []models.CallMessage {
	out := make([]models.CallMessage, 0, len(l.byLocalID))
	ids := make([]int32, 0, len(l.byLocalID))
	for id := range l.byLocalID {
		ids = append(ids, id)
	}
	sortInt32(ids)
	for _, id := range ids {
		out = append(out, *l.byLocalID[id])
	}
	return out
}

// Add stores a message under a fresh local id. Duplicates, detected by server
// id or by (sender, random id), are dropped and reported with id 0. The
// second result lists local ids evicted to keep the message's star tier under
// capacity; the caller is expected to announce those as deletions.
func (l *MessageLedger) Add(message models.CallMessage) (int32, []int32) {
	if message.ServerID != 0 {
		if _, ok := l.byServerID[message.ServerID]; ok {
			return 0, nil
		}
	}
	if message.RandomID != 0 {
		if _, ok := l.byRandomID[randomKey{message.SenderID, message.RandomID}]; ok {
			return 0, nil
		}
	}

	message.LocalID = l.allocateLocalID()
	stored := message
	l.byLocalID[stored.LocalID] = &stored
	if stored.ServerID != 0 {
		l.byServerID[stored.ServerID] = stored.LocalID
	}
	if stored.RandomID != 0 {
		l.byRandomID[randomKey{stored.SenderID, stored.RandomID}] = stored.LocalID
	}

	var evicted []int32
	if stored.DeleteAt == 0 {
		evicted = l.pinToTier(&stored)
	}
	return stored.LocalID, evicted
}

// Confirm attaches the server acknowledgement to a local echo, adopting the
// server-assigned id and delete time. It returns false for unknown or
// already-confirmed messages.
func (l *MessageLedger) Confirm(localID int32, serverID int64, deleteAt int64) bool {
	message, ok := l.byLocalID[localID]
	if !ok || !message.IsLocal {
		return false
	}
	if serverID != 0 {
		if _, taken := l.byServerID[serverID]; taken {
			return false
		}
		message.ServerID = serverID
		l.byServerID[serverID] = localID
	}
	message.IsLocal = false
	if deleteAt != 0 {
		if message.DeleteAt == 0 {
			l.unpinFromTier(message)
		}
		message.DeleteAt = deleteAt
	}
	return true
}

// ConfirmByRandomID resolves the local echo matching the sender's random id.
func (l *MessageLedger) ConfirmByRandomID(senderID, randomID, serverID, deleteAt int64) (int32, bool) {
	localID, ok := l.byRandomID[randomKey{senderID, randomID}]
	if !ok {
		return 0, false
	}
	return localID, l.Confirm(localID, serverID, deleteAt)
}

// Delete removes a message by local id and reports its server id, so the
// caller can forward the deletion upstream when needed.
func (l *MessageLedger) Delete(localID int32) (int64, bool) {
	message, ok := l.byLocalID[localID]
	if !ok {
		return 0, false
	}
	l.remove(message)
	return message.ServerID, true
}

// DeleteByServerID removes a server-side message and reports the vacated
// local id.
func (l *MessageLedger) DeleteByServerID(serverID int64) (int32, bool) {
	localID, ok := l.byServerID[serverID]
	if !ok {
		return 0, false
	}
	l.remove(l.byLocalID[localID])
	return localID, true
}

// DeleteBySender removes every message from one sender, the shape of a
// server-side "participant banned" sweep.
func (l *MessageLedger) DeleteBySender(senderID int64) []int32 {
	var removed []int32
	for localID, message := range l.byLocalID {
		if message.SenderID == senderID {
			removed = append(removed, localID)
		}
	}
	for _, localID := range removed {
		l.remove(l.byLocalID[localID])
	}
	sortInt32(removed)
	return removed
}

// DeleteExpired removes every message whose delete time has passed.
func (l *MessageLedger) DeleteExpired(now int64) []int32 {
	var removed []int32
	for localID, message := range l.byLocalID {
		if message.DeleteAt != 0 && message.DeleteAt <= now {
			removed = append(removed, localID)
		}
	}
	for _, localID := range removed {
		l.remove(l.byLocalID[localID])
	}
	sortInt32(removed)
	return removed
}

// NextDeleteTime reports the earliest pending expiry, or 0 when no message
// carries a delete time.
func (l *MessageLedger) NextDeleteTime() int64 {
	var next int64
	for _, message := range l.byLocalID {
		if message.DeleteAt == 0 {
			continue
		}
		if next == 0 || message.DeleteAt < next {
			next = message.DeleteAt
		}
	}
	return next
}

// Clear drops every message and reports the vacated local ids.
func (l *MessageLedger) Clear() []int32 {
	removed := make([]int32, 0, len(l.byLocalID))
	for localID := range l.byLocalID {
		removed = append(removed, localID)
	}
	l.byLocalID = make(map[int32]*models.CallMessage)
	l.byServerID = make(map[int64]int32)
	l.byRandomID = make(map[randomKey]int32)
	for i := range l.tiers {
		l.tiers[i] = nil
	}
	sortInt32(removed)
	return removed
}

// remove is the single deletion funnel; every code path that drops a message
// goes through here so the side tables can never drift.
func (l *MessageLedger) remove(message *models.CallMessage) {
	delete(l.byLocalID, message.LocalID)
	if message.ServerID != 0 {
		delete(l.byServerID, message.ServerID)
	}
	if message.RandomID != 0 {
		delete(l.byRandomID, randomKey{message.SenderID, message.RandomID})
	}
	if message.DeleteAt == 0 {
		l.unpinFromTier(message)
	}
}

// pinToTier registers a pinned message with its star tier and evicts the
// oldest tier entry when the tier overflows.
func (l *MessageLedger) pinToTier(message *models.CallMessage) []int32 {
	tier := message.Tier()
	l.tiers[tier] = append(l.tiers[tier], message.LocalID)
	var evicted []int32
	for len(l.tiers[tier]) > l.tierCap {
		oldest := l.tiers[tier][0]
		l.remove(l.byLocalID[oldest])
		evicted = append(evicted, oldest)
	}
	return evicted
}

func (l *MessageLedger) unpinFromTier(message *models.CallMessage) {
	tier := message.Tier()
	ids := l.tiers[tier]
	for i, id := range ids {
		if id == message.LocalID {
			l.tiers[tier] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// allocateLocalID hands out the next 31-bit local id. The counter wraps back
// to 1 and skips ids still in use; collisions after a full wrap are
// vanishingly unlikely at call-message volumes.
func (l *MessageLedger) allocateLocalID() int32 {
	for {
		if l.nextLocalID == math.MaxInt32 {
			l.nextLocalID = 0
		}
		l.nextLocalID++
		if _, ok := l.byLocalID[l.nextLocalID]; !ok {
			return l.nextLocalID
		}
	}
}

func sortInt32(ids []int32) {
	slices.Sort(ids)
}
