package callsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshtalk/callsync/pkg/models"
)

func TestMessageLedgerDeduplication(t *testing.T) {
	t.Run("by server id", func(t *testing.T) {
		ledger := NewMessageLedger(100)
		first, _ := ledger.Add(models.CallMessage{ServerID: 5, SenderID: 1, Text: "hi", DeleteAt: 50})
		require.NotZero(t, first)
		dup, _ := ledger.Add(models.CallMessage{ServerID: 5, SenderID: 1, Text: "hi", DeleteAt: 50})
		assert.Zero(t, dup)
		assert.Equal(t, 1, ledger.Len())
	})

	t.Run("by sender and random id", func(t *testing.T) {
		ledger := NewMessageLedger(100)
		first, _ := ledger.Add(models.CallMessage{RandomID: 9, SenderID: 1, Text: "hi", IsLocal: true, DeleteAt: 50})
		require.NotZero(t, first)
		dup, _ := ledger.Add(models.CallMessage{RandomID: 9, SenderID: 1, Text: "hi", DeleteAt: 50})
		assert.Zero(t, dup)

		// Same random id from another sender is a different message.
		other, _ := ledger.Add(models.CallMessage{RandomID: 9, SenderID: 2, Text: "yo", DeleteAt: 50})
		assert.NotZero(t, other)
	})
}

func TestMessageLedgerConfirm(t *testing.T) {
	ledger := NewMessageLedger(100)
	localID, _ := ledger.Add(models.CallMessage{RandomID: 9, SenderID: 1, Text: "hi", IsLocal: true, DeleteAt: 50})
	require.NotZero(t, localID)

	confirmed, ok := ledger.ConfirmByRandomID(1, 9, 321, 80)
	require.True(t, ok)
	assert.Equal(t, localID, confirmed)

	message, found := ledger.Get(localID)
	require.True(t, found)
	assert.False(t, message.IsLocal)
	assert.EqualValues(t, 321, message.ServerID)
	assert.EqualValues(t, 80, message.DeleteAt)

	// The server echo arriving again is now a duplicate.
	dup, _ := ledger.Add(models.CallMessage{ServerID: 321, SenderID: 1, Text: "hi"})
	assert.Zero(t, dup)

	// A second confirm is rejected.
	_, ok = ledger.ConfirmByRandomID(1, 9, 322, 90)
	assert.False(t, ok)
}

func TestMessageLedgerTierEviction(t *testing.T) {
	ledger := NewMessageLedger(3)

	// Pinned reactions of the same tier; the fourth evicts the oldest.
	var ids []int32
	for i := 0; i < 3; i++ {
		id, evicted := ledger.Add(models.CallMessage{ServerID: int64(100 + i), SenderID: 1, StarCount: 4})
		require.NotZero(t, id)
		require.Empty(t, evicted)
		ids = append(ids, id)
	}
	id, evicted := ledger.Add(models.CallMessage{ServerID: 200, SenderID: 1, StarCount: 5})
	require.NotZero(t, id)
	require.Equal(t, []int32{ids[0]}, evicted)
	assert.Equal(t, 3, ledger.Len())

	// A different tier has its own budget.
	other, evicted := ledger.Add(models.CallMessage{ServerID: 300, SenderID: 1, StarCount: 1000})
	assert.NotZero(t, other)
	assert.Empty(t, evicted)

	// Expiring messages never count against a tier.
	timed, evicted := ledger.Add(models.CallMessage{ServerID: 400, SenderID: 1, StarCount: 4, Text: "gg", DeleteAt: 50})
	assert.NotZero(t, timed)
	assert.Empty(t, evicted)
}

func TestMessageLedgerExpiry(t *testing.T) {
	ledger := NewMessageLedger(100)
	a, _ := ledger.Add(models.CallMessage{ServerID: 1, SenderID: 1, Text: "a", DeleteAt: 50})
	b, _ := ledger.Add(models.CallMessage{ServerID: 2, SenderID: 1, Text: "b", DeleteAt: 70})
	pinned, _ := ledger.Add(models.CallMessage{ServerID: 3, SenderID: 1, StarCount: 2})

	assert.EqualValues(t, 50, ledger.NextDeleteTime())

	removed := ledger.DeleteExpired(50)
	assert.Equal(t, []int32{a}, removed)
	assert.EqualValues(t, 70, ledger.NextDeleteTime())

	removed = ledger.DeleteExpired(100)
	assert.Equal(t, []int32{b}, removed)
	assert.Zero(t, ledger.NextDeleteTime())

	_, found := ledger.Get(pinned)
	assert.True(t, found)
}

func TestMessageLedgerDeleteBySender(t *testing.T) {
	ledger := NewMessageLedger(100)
	a, _ := ledger.Add(models.CallMessage{ServerID: 1, SenderID: 1, Text: "a", DeleteAt: 50})
	ledger.Add(models.CallMessage{ServerID: 2, SenderID: 2, Text: "b", DeleteAt: 50})
	c, _ := ledger.Add(models.CallMessage{ServerID: 3, SenderID: 1, StarCount: 8})

	removed := ledger.DeleteBySender(1)
	assert.ElementsMatch(t, []int32{a, c}, removed)
	assert.Equal(t, 1, ledger.Len())

	// The evicted reaction no longer occupies its tier slot.
	small := NewMessageLedger(1)
	x, _ := small.Add(models.CallMessage{ServerID: 10, SenderID: 5, StarCount: 2})
	small.DeleteBySender(5)
	y, evicted := small.Add(models.CallMessage{ServerID: 11, SenderID: 6, StarCount: 2})
	assert.NotZero(t, y)
	assert.Empty(t, evicted)
	assert.NotEqual(t, x, y)
}

func TestMessageLedgerLocalIDWrap(t *testing.T) {
	ledger := NewMessageLedger(100)
	ledger.nextLocalID = 1<<31 - 3
	first, _ := ledger.Add(models.CallMessage{ServerID: 1, SenderID: 1, Text: "a", DeleteAt: 50})
	second, _ := ledger.Add(models.CallMessage{ServerID: 2, SenderID: 1, Text: "b", DeleteAt: 50})
	third, _ := ledger.Add(models.CallMessage{ServerID: 3, SenderID: 1, Text: "c", DeleteAt: 50})
	assert.EqualValues(t, 1<<31-2, first)
	assert.EqualValues(t, 1<<31-1, second)
	assert.EqualValues(t, 1, third, "the counter wraps back to 1")
}

func TestMessageTiers(t *testing.T) {
	assert.Equal(t, 0, models.CallMessage{}.Tier())
	assert.Equal(t, 1, models.CallMessage{StarCount: 1}.Tier())
	assert.Equal(t, 2, models.CallMessage{StarCount: 2}.Tier())
	assert.Equal(t, 3, models.CallMessage{StarCount: 5}.Tier())
	assert.Equal(t, models.MessageTierCount-1, models.CallMessage{StarCount: 1 << 40}.Tier())
}
