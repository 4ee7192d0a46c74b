package models

// Star-tier retention: messages that never expire are capped per reaction
// tier so star-donation bursts stay bounded in memory.
const (
	MessageTierCount = 20
	MessageTierCap   = 100
)

// CallMessage is one ephemeral call message or paid reaction. A message is
// never mutated after creation except to attach its server id.
type CallMessage struct {
	// LocalID is the ledger-assigned id, a wrapping 31-bit counter.
	LocalID int32 `json:"local_id"`
	// ServerID is positive once the server confirmed the message.
	ServerID int64 `json:"server_id,omitempty"`
	// RandomID deduplicates local sends; only unique per sender.
	RandomID int64 `json:"random_id,omitempty"`

	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text,omitempty"`
	StarCount  int64  `json:"star_count,omitempty"`
	FromAdmin  bool   `json:"from_admin,omitempty"`
	Date       int64  `json:"date"`
	IsLocal    bool   `json:"is_local,omitempty"`

	// DeleteAt is the absolute expiry time in unix seconds; zero means the
	// message only leaves through tier eviction or explicit deletion.
	DeleteAt int64 `json:"-"`
}

// IsReactionOnly reports whether the message carries stars but no text.
func (m CallMessage) IsReactionOnly() bool {
	return m.Text == "" && m.StarCount > 0
}

// Tier buckets the message by stars spent: tier 0 for plain messages, then
// one tier per power of two, saturating at the top tier.
func (m CallMessage) Tier() int {
	if m.StarCount <= 0 {
		return 0
	}
	tier := 1
	for n := m.StarCount; n > 1 && tier < MessageTierCount-1; n >>= 1 {
		tier++
	}
	return tier
}
