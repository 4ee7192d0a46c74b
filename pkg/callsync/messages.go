package callsync

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

// messageDeleteAt computes the expiry of a fresh message. Reaction-only
// messages never expire on their own; they compete for their star tier
// instead. Live-story calls show messages for a shorter window.
func (m *Manager) messageDeleteAt(c *callState, msg models.CallMessage) int64 {
	if msg.IsReactionOnly() {
		return 0
	}
	show := m.settings.MessageShowTime
	if c.call.Kind == models.CallKindLiveStory {
		show = m.settings.StoryMessageShowTime
	}
	if show <= 0 {
		return 0
	}
	return m.clock.Now().Add(show).Unix()
}

func (m *Manager) resolveSenderName(senderID int64) string {
	if m.peers == nil {
		return ""
	}
	peer, ok := m.peers.ResolvePeer(senderID)
	if !ok {
		return ""
	}
	return peer.Name
}

func newRandomID() int64 {
	for {
		u := uuid.New()
		id := int64(binary.BigEndian.Uint64(u[:8]) >> 1)
		if id != 0 {
			return id
		}
	}
}

// SendMessage sends a call message or paid reaction. The message shows up
// locally right away; a failed send announces the failure and takes the echo
// back down.
func (m *Manager) SendMessage(id models.CallID, text string, starCount int64, done func(error)) {
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
	if !c.call.AreMessagesEnabled.Effective() {
		m.queueCallback(done, ErrMessagesDisabled)
		return
	}

	randomID := newRandomID()
	msg := models.CallMessage{
		RandomID:   randomID,
		SenderID:   m.selfPeer,
		SenderName: m.resolveSenderName(m.selfPeer),
		Text:       text,
		StarCount:  starCount,
		Date:       m.clock.Now().Unix(),
		IsLocal:    true,
	}
	if c.participants != nil && c.participants.adminsLoaded {
		msg.FromAdmin = c.participants.admins[m.selfPeer]
	}
	msg.DeleteAt = m.messageDeleteAt(c, msg)

	localID, evicted := c.ledger.Add(msg)
	if localID == 0 {
		m.queueCallback(done, nil)
		return
	}
	stored, _ := c.ledger.Get(localID)
	m.notify(models.EventMessageReceived, models.MessageReceived{CallID: id, Message: stored})
	if len(evicted) > 0 {
		m.notify(models.EventMessageDeleted, models.MessagesDeleted{CallID: id, MessageIDs: evicted})
	}
	m.rescheduleExpiry(c)

	params := map[string]any{
		"call":       c.call.Input,
		"text":       text,
		"star_count": starCount,
		"random_id":  randomID,
	}
	m.gateway.Send(gateway.MethodSendMessage, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		defer m.queueCallback(done, err)
		c, ok := m.calls[id]
		if !ok {
			return
		}
		if err != nil {
			log.Warn().Err(err).Int32("call_id", int32(id)).Msg("Sending a call message failed.")
			if _, found := c.ledger.Get(localID); found {
				m.notify(models.EventMessageSendFailed, models.MessageSendFailed{
					CallID:    id,
					MessageID: localID,
					Reason:    err.Error(),
				})
				c.ledger.Delete(localID)
				m.notify(models.EventMessageDeleted, models.MessagesDeleted{CallID: id, MessageIDs: []int32{localID}})
				m.rescheduleExpiry(c)
			}
			if gateway.IsTerminalCallError(err) {
				m.onCallLeft(c, gateway.AllowsRejoin(err))
			}
			return
		}
		var out struct {
			ServerID int64 `json:"server_id"`
			DeleteAt int64 `json:"delete_at"`
		}
		if err := jsoniter.Unmarshal(data, &out); err != nil {
			log.Warn().Err(err).Msg("Failed to decode a message send response.")
			return
		}
		deleteAt := out.DeleteAt
		if deleteAt == 0 {
			if stored, found := c.ledger.Get(localID); found {
				deleteAt = stored.DeleteAt
			}
		}
		c.ledger.Confirm(localID, out.ServerID, deleteAt)
		m.rescheduleExpiry(c)
	})
}

// DeleteMessage removes one message locally and, when it exists server-side,
// for everyone.
func (m *Manager) DeleteMessage(id models.CallID, messageID int32, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	serverID, ok := c.ledger.Delete(messageID)
	if !ok {
		m.queueCallback(done, nil)
		return
	}
	m.notify(models.EventMessageDeleted, models.MessagesDeleted{CallID: id, MessageIDs: []int32{messageID}})
	m.rescheduleExpiry(c)
	if serverID == 0 {
		m.queueCallback(done, nil)
		return
	}
	params := map[string]any{"call": c.call.Input, "server_ids": []int64{serverID}}
	m.gateway.Send(gateway.MethodDeleteMessages, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if !m.closed {
			m.queueCallback(done, err)
		}
	})
}

// DeleteMessagesBySender removes everything one sender posted, the local
// half of a ban; requires management rights for the server half.
func (m *Manager) DeleteMessagesBySender(id models.CallID, senderID int64, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	removed := c.ledger.DeleteBySender(senderID)
	if len(removed) > 0 {
		m.notify(models.EventMessageDeleted, models.MessagesDeleted{CallID: id, MessageIDs: removed})
		m.rescheduleExpiry(c)
	}
	params := map[string]any{"call": c.call.Input, "peer_id": senderID}
	m.gateway.Send(gateway.MethodDeleteMessages, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if !m.closed {
			m.queueCallback(done, err)
		}
	})
}

// OnMessageUpdate feeds one server-pushed message event into the engine.
func (m *Manager) OnMessageUpdate(u gateway.MessageUpdate) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed || !u.Call.IsValid() {
		return
	}
	c := m.callStateFor(u.Call)
	m.processMessageUpdate(c, u)
}

func (m *Manager) processMessageUpdate(c *callState, u gateway.MessageUpdate) {
	if u.Deleted {
		if u.ServerID == 0 {
			return
		}
		if localID, ok := c.ledger.DeleteByServerID(u.ServerID); ok {
			m.notify(models.EventMessageDeleted, models.MessagesDeleted{CallID: c.call.ID, MessageIDs: []int32{localID}})
			m.rescheduleExpiry(c)
		}
		return
	}

	if !c.call.IsInited {
		// Sender context is not ready yet; replay once the call settles.
		c.earlyMessages = append(c.earlyMessages, u)
		return
	}

	if u.SenderID == m.selfPeer && u.RandomID != 0 {
		if _, ok := c.ledger.ConfirmByRandomID(u.SenderID, u.RandomID, u.ServerID, 0); ok {
			m.rescheduleExpiry(c)
			return
		}
	}

	msg := models.CallMessage{
		ServerID:   u.ServerID,
		RandomID:   u.RandomID,
		SenderID:   u.SenderID,
		SenderName: m.resolveSenderName(u.SenderID),
		Text:       u.Text,
		StarCount:  u.StarCount,
		FromAdmin:  u.FromAdmin,
		Date:       u.Date,
	}
	if !msg.FromAdmin && c.participants != nil && c.participants.adminsLoaded {
		msg.FromAdmin = c.participants.admins[u.SenderID]
	}
	msg.DeleteAt = m.messageDeleteAt(c, msg)

	localID, evicted := c.ledger.Add(msg)
	if localID == 0 {
		return
	}
	stored, _ := c.ledger.Get(localID)
	m.notify(models.EventMessageReceived, models.MessageReceived{CallID: c.call.ID, Message: stored})
	if len(evicted) > 0 {
		m.notify(models.EventMessageDeleted, models.MessagesDeleted{CallID: c.call.ID, MessageIDs: evicted})
	}
	m.rescheduleExpiry(c)
}

// flushEarlyMessages replays messages buffered before the call finished
// initializing.
func (m *Manager) flushEarlyMessages(c *callState) {
	if !c.call.IsInited || len(c.earlyMessages) == 0 {
		return
	}
	buffered := c.earlyMessages
	c.earlyMessages = nil
	for _, u := range buffered {
		m.processMessageUpdate(c, u)
	}
}

// rescheduleExpiry re-arms the per-call expiry timer at the ledger's next
// delete time; one timer per call, re-armed after every change.
func (m *Manager) rescheduleExpiry(c *callState) {
	key := int64(c.call.ID)
	next := c.ledger.NextDeleteTime()
	if next == 0 {
		m.expiryTimeouts.cancel(key)
		return
	}
	delay := time.Duration(next-m.clock.Now().Unix()) * time.Second
	if delay < 0 {
		delay = 0
	}
	m.expiryTimeouts.set(key, delay)
}

func (m *Manager) onExpiryTimeout(key int64) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return
	}
	c, ok := m.calls[models.CallID(key)]
	if !ok {
		return
	}
	removed := c.ledger.DeleteExpired(m.clock.Now().Unix())
	if len(removed) > 0 {
		m.notify(models.EventMessageDeleted, models.MessagesDeleted{CallID: c.call.ID, MessageIDs: removed})
	}
	m.rescheduleExpiry(c)
}
