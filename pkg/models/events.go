package models

import jsoniter "github.com/json-iterator/go"

// Actions of the outbound notification stream. Exactly one event is emitted
// per observable state transition; no-op updates are suppressed.
const (
	EventCallChanged        = "calls.changed"
	EventParticipantChanged = "calls.participant"
	EventMessageReceived    = "calls.messages.new"
	EventMessageDeleted     = "calls.messages.delete"
	EventMessageSendFailed  = "calls.messages.failed"
	EventVerificationState  = "calls.verification"
	EventRecentSpeakers     = "calls.speakers"
)

// SyncEvent is the envelope every outbound notification is wrapped in.
type SyncEvent struct {
	Action  string `json:"w"`
	Payload any    `json:"p"`
}

func (e SyncEvent) Marshal() []byte {
	raw, _ := jsoniter.Marshal(e)
	return raw
}

// Event payloads

type ParticipantChange struct {
	CallID      CallID          `json:"call_id"`
	Participant CallParticipant `json:"participant"`
}

type MessageReceived struct {
	CallID  CallID      `json:"call_id"`
	Message CallMessage `json:"message"`
}

type MessagesDeleted struct {
	CallID     CallID  `json:"call_id"`
	MessageIDs []int32 `json:"message_ids"`
}

type MessageSendFailed struct {
	CallID    CallID `json:"call_id"`
	MessageID int32  `json:"message_id"`
	Reason    string `json:"reason"`
}

type VerificationState struct {
	CallID    CallID   `json:"call_id"`
	Height    int32    `json:"height"`
	EmojiHash []string `json:"emoji_hash"`
}

type RecentSpeakersChange struct {
	CallID   CallID  `json:"call_id"`
	PeerIDs  []int64 `json:"peer_ids"`
	Speaking []bool  `json:"speaking"`
}
