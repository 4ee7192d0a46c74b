package callsync

import (
	"slices"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

// chainState tracks the verifiable end-to-end state channel of a conference
// call. Two sub-chains exist: 0 carries membership, 1 carries rekeys.
type chainState struct {
	id           gateway.ChainID
	nextOffset   [2]int32
	verification gateway.VerificationSnapshot
}

func chainPollKey(id models.CallID, subChain int32) int64 {
	return int64(id)<<1 | int64(subChain&1)
}

// attachChain brings the verification chain up after a successful conference
// join. The private key's ownership moves into the chain; a failed attach
// destroys it here, so the key is released exactly once either way.
func (m *Manager) attachChain(c *callState, privateKey gateway.KeyID) {
	if !c.call.IsConference() || m.chain == nil {
		if privateKey != 0 && m.chain != nil {
			m.chain.DestroyKey(privateKey)
		}
		return
	}
	chainID, err := m.chain.Create(privateKey)
	if err != nil {
		log.Error().Err(err).Int32("call_id", int32(c.call.ID)).
			Msg("Failed to create the call verification chain.")
		m.chain.DestroyKey(privateKey)
		return
	}
	c.chain = chainState{id: chainID}
	m.pollTimeouts.set(chainPollKey(c.call.ID, 0), 0)
	m.pollTimeouts.set(chainPollKey(c.call.ID, 1), 0)
}

func (m *Manager) teardownChain(c *callState) {
	m.pollTimeouts.cancel(chainPollKey(c.call.ID, 0))
	m.pollTimeouts.cancel(chainPollKey(c.call.ID, 1))
	if c.chain.id != 0 && m.chain != nil {
		m.chain.Destroy(c.chain.id)
	}
	c.chain = chainState{}
}

func (m *Manager) onPollTimeout(key int64) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return
	}
	id := models.CallID(key >> 1)
	subChain := int32(key & 1)
	c, ok := m.calls[id]
	if !ok || c.chain.id == 0 {
		return
	}
	params := map[string]any{
		"call":      c.call.Input,
		"sub_chain": subChain,
		"offset":    c.chain.nextOffset[subChain],
	}
	m.gateway.Send(gateway.MethodGetChainBlocks, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		c, ok := m.calls[id]
		if !ok || c.chain.id == 0 {
			return
		}
		if err != nil {
			if gateway.IsTerminalCallError(err) {
				m.onCallLeft(c, gateway.AllowsRejoin(err))
				return
			}
			log.Warn().Err(err).Int32("call_id", int32(id)).Int32("sub_chain", subChain).
				Msg("Failed to poll call chain blocks.")
			m.pollTimeouts.set(key, m.settings.BlockPollPeriod)
			return
		}
		var update gateway.ChainBlocksUpdate
		if err := jsoniter.Unmarshal(data, &update); err != nil {
			log.Warn().Err(err).Msg("Failed to decode a chain block page.")
			m.pollTimeouts.set(key, m.settings.BlockPollPeriod)
			return
		}
		update.SubChain = subChain
		m.applyChainBlocks(c, update)
		m.pollTimeouts.set(key, m.settings.BlockPollPeriod)
	})
}

// OnChainBlocks feeds server-pushed chain blocks into the engine; pushes and
// poll results go through the same funnel.
func (m *Manager) OnChainBlocks(u gateway.ChainBlocksUpdate) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed || !u.Call.IsValid() {
		return
	}
	c := m.callStateFor(u.Call)
	if c.chain.id == 0 {
		return
	}
	m.applyChainBlocks(c, u)
}

func (m *Manager) applyChainBlocks(c *callState, u gateway.ChainBlocksUpdate) {
	subChain := u.SubChain & 1
	for _, block := range u.Blocks {
		if err := m.chain.ApplyBlock(c.chain.id, subChain, block); err != nil {
			log.Warn().Err(err).Int32("call_id", int32(c.call.ID)).Int32("sub_chain", subChain).
				Msg("Rejected a call chain block.")
		}
	}
	if u.NextOffset > c.chain.nextOffset[subChain] {
		c.chain.nextOffset[subChain] = u.NextOffset
	}
	if subChain == 0 && len(u.Blocks) > 0 {
		m.syncChainParticipants(c)
	}
	m.refreshVerificationState(c)
}

// syncChainParticipants reconciles the roster against the chain's membership:
// the chain, not the server roster, is authoritative in a conference.
func (m *Manager) syncChainParticipants(c *callState) {
	if c.participants == nil {
		return
	}
	ids := m.chain.ParticipantIDs(c.chain.id)
	member := lo.SliceToMap(ids, func(id int64) (int64, bool) { return id, true })

	for _, p := range lo.Filter(c.participants.items, func(p models.CallParticipant, _ int) bool {
		return !member[p.PeerID]
	}) {
		p.JoinedDate = 0
		p.AudioSource = 0
		if delta := m.applyParticipant(c, p); delta != 0 {
			c.call.ParticipantCount = max(c.call.ParticipantCount+delta, 0)
			m.notifyCallChanged(c)
		}
	}
	for _, id := range ids {
		if c.participants.find(id) < 0 {
			m.fetchParticipant(c, id)
		}
	}
}

func (m *Manager) refreshVerificationState(c *callState) {
	state, err := m.chain.State(c.chain.id)
	if err != nil {
		log.Warn().Err(err).Int32("call_id", int32(c.call.ID)).
			Msg("Failed to read the call verification state.")
		return
	}
	if state.Height == c.chain.verification.Height &&
		slices.Equal(state.EmojiHash, c.chain.verification.EmojiHash) {
		return
	}
	c.chain.verification = state
	m.notify(models.EventVerificationState, models.VerificationState{
		CallID:    c.call.ID,
		Height:    state.Height,
		EmojiHash: state.EmojiHash,
	})
}

// SendChainBlock publishes one locally built block to a sub-chain.
func (m *Manager) SendChainBlock(id models.CallID, subChain int32, block []byte, done func(error)) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	c, err := m.lookup(id)
	if err != nil {
		m.queueCallback(done, err)
		return
	}
	if c.chain.id == 0 {
		m.queueCallback(done, errNotJoined())
		return
	}
	params := map[string]any{"call": c.call.Input, "sub_chain": subChain & 1, "block": block}
	m.gateway.Send(gateway.MethodSendChainBlock, params, func(data []byte, err error) {
		m.mu.Lock()
		defer m.unlockAndFlush()
		if m.closed {
			return
		}
		if err != nil && gateway.IsTerminalCallError(err) {
			if c, ok := m.calls[id]; ok {
				m.onCallLeft(c, gateway.AllowsRejoin(err))
			}
		}
		m.queueCallback(done, err)
	})
}

// EncryptCallData encrypts an outgoing media frame with the chain's current
// epoch keys.
func (m *Manager) EncryptCallData(id models.CallID, channel int32, data []byte, unencryptedPrefix int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if c.chain.id == 0 || m.chain == nil {
		return nil, errNotJoined()
	}
	return m.chain.Encrypt(c.chain.id, channel, data, unencryptedPrefix)
}

// DecryptCallData decrypts an incoming media frame from one peer.
func (m *Manager) DecryptCallData(id models.CallID, peerID int64, channel int32, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if c.chain.id == 0 || m.chain == nil {
		return nil, errNotJoined()
	}
	return m.chain.Decrypt(c.chain.id, peerID, channel, data)
}
