package callsync

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	jsoniter "github.com/json-iterator/go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
	"github.com/meshtalk/callsync/pkg/storage"
)

// Config wires a Manager to its surroundings. Gateway, Notifier and
// SelfPeerID are mandatory; everything else degrades gracefully when absent.
type Config struct {
	Gateway    gateway.Gateway
	Notifier   gateway.Notifier
	Blockchain gateway.Blockchain
	Peers      gateway.PeerResolver
	Store      storage.Store
	Clock      clock.Clock
	Settings   *Settings

	// SelfPeerID is the identity the client joins calls under.
	SelfPeerID int64
}

// Manager is the group-call state engine. One mutex serializes every state
// transition: public API calls, server pushes, query completions and timer
// fires all funnel through it, so call state is only ever observed between
// transitions.
type Manager struct {
	settings Settings
	clock    clock.Clock
	gateway  gateway.Gateway
	chain    gateway.Blockchain
	peers    gateway.PeerResolver
	store    storage.Store
	sink     gateway.Notifier
	selfPeer int64

	mu     sync.Mutex
	closed bool

	// Callbacks queued under the lock and invoked after it is released, so a
	// callback may freely re-enter the manager.
	deferred []func()

	nextCallID models.CallID
	calls      map[models.CallID]*callState
	inputToID  map[int64]models.CallID

	requests *requestRegistry
	tuning   tuningBlob

	resyncTimeouts  *multiTimeout
	checkTimeouts   *multiTimeout
	orderTimeouts   *multiTimeout
	expiryTimeouts  *multiTimeout
	speakerTimeouts *multiTimeout
	pollTimeouts    *multiTimeout

	cron *cron.Cron
}

type callState struct {
	call models.Call

	participants *rosterState
	ledger       *MessageLedger

	// Messages that arrived before the call finished initializing; replayed
	// once the join handshake settles so sender context is available.
	earlyMessages []gateway.MessageUpdate

	afterJoin          deque.Deque[pendingOp]
	pendingJoin        *pendingJoinRequest
	pendingScreenShare *pendingScreenShareRequest
	isScreenShared     bool

	recentSpeakers []recentSpeaker

	chain chainState

	syncInFlight bool
	needResync   bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("callsync: gateway is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("callsync: notifier is required")
	}
	if cfg.SelfPeerID == 0 {
		return nil, errors.New("callsync: self peer id is required")
	}

	settings := Settings{}
	if cfg.Settings != nil {
		settings = *cfg.Settings
	} else {
		var err error
		if settings, err = ReadSettings(); err != nil {
			return nil, err
		}
	}

	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}

	m := &Manager{
		settings:  settings,
		clock:     c,
		gateway:   cfg.Gateway,
		chain:     cfg.Blockchain,
		peers:     cfg.Peers,
		store:     cfg.Store,
		sink:      cfg.Notifier,
		selfPeer:  cfg.SelfPeerID,
		calls:     make(map[models.CallID]*callState),
		inputToID: make(map[int64]models.CallID),
		requests:  newRequestRegistry(),
	}
	m.loadTuning()
	m.resyncTimeouts = newMultiTimeout(c, m.onResyncTimeout)
	m.checkTimeouts = newMultiTimeout(c, m.onCheckTimeout)
	m.orderTimeouts = newMultiTimeout(c, m.onOrderTimeout)
	m.expiryTimeouts = newMultiTimeout(c, m.onExpiryTimeout)
	m.speakerTimeouts = newMultiTimeout(c, m.onSpeakerTimeout)
	m.pollTimeouts = newMultiTimeout(c, m.onPollTimeout)

	m.cron = cron.New()
	if _, err := m.cron.AddFunc("@every 60m", m.sweepEndedCalls); err != nil {
		return nil, fmt.Errorf("unable to schedule call sweeper: %w", err)
	}
	m.cron.Start()

	return m, nil
}

// Close shuts the engine down. Every queued and in-flight operation fails
// with ErrClosed; no notification is emitted afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.collectPendingCallbacks()
	m.mu.Unlock()

	m.cron.Stop()
	m.resyncTimeouts.cancelAll()
	m.checkTimeouts.cancelAll()
	m.orderTimeouts.cancelAll()
	m.expiryTimeouts.cancelAll()
	m.speakerTimeouts.cancelAll()
	m.pollTimeouts.cancelAll()

	for _, done := range pending {
		done(ErrClosed)
	}
}

func (m *Manager) collectPendingCallbacks() []func(error) {
	var pending []func(error)
	for _, c := range m.calls {
		if c.pendingJoin != nil {
			c.pendingJoin.Query.Cancel()
			pending = append(pending, c.pendingJoin.Done)
			c.pendingJoin = nil
		}
		if c.pendingScreenShare != nil {
			c.pendingScreenShare.Query.Cancel()
			pending = append(pending, c.pendingScreenShare.Done)
			c.pendingScreenShare = nil
		}
		for c.afterJoin.Len() > 0 {
			op := c.afterJoin.PopFront()
			if op.Done != nil {
				pending = append(pending, op.Done)
			}
		}
		if c.chain.id != 0 && m.chain != nil {
			m.chain.Destroy(c.chain.id)
			c.chain.id = 0
		}
	}
	return lo.Filter(pending, func(done func(error), _ int) bool { return done != nil })
}

// GetCallID returns the local handle for a server call id, allocating one on
// first sight.
func (m *Manager) GetCallID(input models.InputCallID) models.CallID {
	if !input.IsValid() {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	return m.callStateFor(input).call.ID
}

// GetCall returns a snapshot of the call's current state.
func (m *Manager) GetCall(id models.CallID) (models.Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return models.Call{}, false
	}
	return c.call, true
}

// GetParticipants returns the visible roster ordered greatest first.
// Participants without a valid order are withheld.
func (m *Manager) GetParticipants(id models.CallID) []models.CallParticipant {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok || c.participants == nil {
		return nil
	}
	visible := lo.Filter(c.participants.items, func(p models.CallParticipant, _ int) bool {
		return p.Order.IsValid()
	})
	sortParticipantsByOrder(visible, c.call.JoinedDateAsc)
	return visible
}

// GetMessages returns the live message ledger in arrival order.
func (m *Manager) GetMessages(id models.CallID) []models.CallMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok || c.ledger == nil {
		return nil
	}
	return c.ledger.Messages()
}

const tuningKey = "callsync:tuning"

// tuningBlob carries the server-tuned limits worth remembering across
// restarts, so a fresh manager starts from the last known values instead of
// zeroes until the first snapshot arrives.
type tuningBlob struct {
	UnmutedVideoLimit int32 `json:"unmuted_video_limit"`
	MessageTierCap    int   `json:"message_tier_cap,omitempty"`
}

func (m *Manager) loadTuning() {
	if m.store == nil {
		return
	}
	raw, ok, err := m.store.Load(tuningKey)
	if err != nil || !ok {
		return
	}
	if err := jsoniter.Unmarshal(raw, &m.tuning); err != nil {
		log.Warn().Err(err).Msg("Failed to decode the persisted call tuning.")
		return
	}
	if m.tuning.MessageTierCap > 0 {
		m.settings.MessageTierCap = m.tuning.MessageTierCap
	}
}

func (m *Manager) persistTuning() {
	if m.store == nil {
		return
	}
	raw, err := jsoniter.Marshal(m.tuning)
	if err != nil {
		return
	}
	if err := m.store.Persist(tuningKey, raw); err != nil {
		log.Warn().Err(err).Msg("Failed to persist the call tuning.")
	}
}

// callStateFor resolves or creates the state record of a server call id.
// Caller holds the lock.
func (m *Manager) callStateFor(input models.InputCallID) *callState {
	if id, ok := m.inputToID[input.ID]; ok {
		c := m.calls[id]
		if input.AccessHash != 0 {
			c.call.Input.AccessHash = input.AccessHash
		}
		return c
	}
	m.nextCallID++
	c := &callState{
		call: models.Call{
			ID:                m.nextCallID,
			Input:             input,
			Version:           -1,
			LeaveVersion:      -1,
			UnmutedVideoLimit: m.tuning.UnmutedVideoLimit,
		},
		ledger: NewMessageLedger(m.settings.MessageTierCap),
	}
	m.calls[c.call.ID] = c
	m.inputToID[input.ID] = c.call.ID
	log.Debug().Int32("call_id", int32(c.call.ID)).Int64("server_id", input.ID).
		Msg("Tracking a new group call.")
	return c
}

func (m *Manager) lookup(id models.CallID) (*callState, error) {
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return c, nil
}

// unlockAndFlush releases the lock and runs the callbacks queued while it
// was held. Every code path that may queue a callback must end through here.
func (m *Manager) unlockAndFlush() {
	fns := m.deferred
	m.deferred = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// queueCallback schedules a completion callback for after the lock drops.
func (m *Manager) queueCallback(done func(error), err error) {
	if done != nil {
		m.deferred = append(m.deferred, func() { done(err) })
	}
}

func (m *Manager) notify(action string, payload any) {
	m.sink.Notify(models.SyncEvent{Action: action, Payload: payload})
}

func (m *Manager) notifyCallChanged(c *callState) {
	m.notify(models.EventCallChanged, c.call)
}

func (m *Manager) notifyParticipant(c *callState, p models.CallParticipant) {
	m.notify(models.EventParticipantChanged, models.ParticipantChange{
		CallID:      c.call.ID,
		Participant: p,
	})
}

// sweepEndedCalls drops state records of calls that ended and hold nothing
// the client could still act on.
func (m *Manager) sweepEndedCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for id, c := range m.calls {
		if c.call.IsActive || c.call.IsJoined || c.call.IsBeingJoined ||
			c.call.NeedRejoin || c.pendingJoin != nil || c.afterJoin.Len() > 0 {
			continue
		}
		if !c.call.IsInited {
			continue
		}
		m.dropCallTimers(c)
		delete(m.inputToID, c.call.Input.ID)
		delete(m.calls, id)
		log.Debug().Int32("call_id", int32(id)).Msg("Swept an ended group call.")
	}
}

func (m *Manager) dropCallTimers(c *callState) {
	key := int64(c.call.ID)
	m.resyncTimeouts.cancel(key)
	m.checkTimeouts.cancel(key)
	m.orderTimeouts.cancel(key)
	m.expiryTimeouts.cancel(key)
	m.speakerTimeouts.cancel(key)
	m.pollTimeouts.cancel(chainPollKey(c.call.ID, 0))
	m.pollTimeouts.cancel(chainPollKey(c.call.ID, 1))
}

func sortParticipantsByOrder(items []models.CallParticipant, joinedDateAsc bool) {
	slices.SortStableFunc(items, func(a, b models.CallParticipant) int {
		return -a.Order.Compare(b.Order, joinedDateAsc)
	})
}
