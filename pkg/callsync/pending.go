package callsync

import (
	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

// RequestKind partitions in-flight requests; at most one request per
// (call, kind, peer) slot is live at a time, and a newer request silently
// retires the older one's ticket.
type RequestKind uint8

const (
	RequestJoin RequestKind = iota
	RequestScreenShare
	RequestLeave
	RequestLoadParticipants
	RequestToggleMuted
	RequestSetVolume
	RequestToggleHandRaised
	RequestToggleRecording
	RequestToggleSetting
	RequestSetTitle
	RequestLivenessCheck
)

// Ticket identifies one issued request. A response is acted upon only while
// its ticket still matches the live generation of its slot; anything else is
// a stale answer and is dropped without side effects.
type Ticket struct {
	Kind       RequestKind
	Generation uint64
}

type requestKey struct {
	Call models.CallID
	Kind RequestKind
	Peer int64
}

type requestRegistry struct {
	nextGeneration uint64
	live           map[requestKey]uint64
}

func newRequestRegistry() *requestRegistry {
	return &requestRegistry{live: make(map[requestKey]uint64)}
}

func (r *requestRegistry) start(call models.CallID, kind RequestKind, peer int64) Ticket {
	r.nextGeneration++
	r.live[requestKey{call, kind, peer}] = r.nextGeneration
	return Ticket{Kind: kind, Generation: r.nextGeneration}
}

func (r *requestRegistry) matches(call models.CallID, peer int64, ticket Ticket) bool {
	return r.live[requestKey{call, ticket.Kind, peer}] == ticket.Generation
}

// finish retires the slot when the ticket is still current and reports
// whether the response may be applied.
func (r *requestRegistry) finish(call models.CallID, peer int64, ticket Ticket) bool {
	key := requestKey{call, ticket.Kind, peer}
	if r.live[key] != ticket.Generation {
		return false
	}
	delete(r.live, key)
	return true
}

func (r *requestRegistry) cancel(call models.CallID, kind RequestKind, peer int64) {
	delete(r.live, requestKey{call, kind, peer})
}

func (r *requestRegistry) cancelCall(call models.CallID) {
	for key := range r.live {
		if key.Call == call {
			delete(r.live, key)
		}
	}
}

// settingKind names the optimistic boolean and counter settings of a call.
type settingKind uint8

const (
	SettingStartSubscribed settingKind = iota
	SettingMuteNewParticipants
	SettingMyVideoEnabled
	SettingMyVideoPaused
	SettingMessagesEnabled
	SettingPaidMessageStarCount
)

// opKind tags an operation parked until the join handshake settles.
type opKind uint8

const (
	opToggleMuted opKind = iota
	opSetVolume
	opToggleHandRaised
	opToggleRecording
	opToggleSetting
	opSetTitle
	opSetSpeaking
)

// pendingOp is one deferred operation. Operations issued between
// "join sent" and "join confirmed" queue up here and either replay in order
// once the membership exists or fail as a group when the join falls through.
type pendingOp struct {
	Kind    opKind
	Peer    int64
	Flag    bool
	Value   int64
	Text    string
	Setting settingKind
	Done    func(error)
}

type pendingJoinRequest struct {
	Ticket      Ticket
	AudioSource int32
	PrivateKey  gateway.KeyID
	Query       gateway.QueryRef
	Done        func(error)
}

type pendingScreenShareRequest struct {
	Ticket      Ticket
	AudioSource int32
	Query       gateway.QueryRef
	Done        func(error)
}
