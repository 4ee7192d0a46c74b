package gateway

import (
	"errors"
	"fmt"

	"github.com/meshtalk/callsync/pkg/models"
)

// RPC methods understood by the transport layer.
const (
	MethodJoinCall          = "calls.join"
	MethodJoinPresentation  = "calls.joinPresentation"
	MethodLeavePresentation = "calls.leavePresentation"
	MethodLeaveCall         = "calls.leave"
	MethodDiscardCall       = "calls.discard"
	MethodStartScheduled    = "calls.startScheduled"
	MethodGetCall           = "calls.get"
	MethodGetParticipants   = "calls.getParticipants"
	MethodGetParticipant    = "calls.getParticipant"
	MethodCheckJoined       = "calls.checkJoined"
	MethodEditTitle         = "calls.editTitle"
	MethodToggleSettings    = "calls.toggleSettings"
	MethodToggleRecording   = "calls.toggleRecording"
	MethodEditParticipant   = "calls.editParticipant"
	MethodRaiseHand         = "calls.raiseHand"
	MethodSetSpeaking       = "calls.setSpeaking"
	MethodSendMessage       = "calls.sendMessage"
	MethodDeleteMessages    = "calls.deleteMessages"
	MethodGetAdmins         = "calls.getAdmins"
	MethodGetTopDonors      = "calls.getTopDonors"
	MethodGetChainBlocks    = "calls.getChainBlocks"
	MethodSendChainBlock    = "calls.sendChainBlock"
)

// Server push stream methods.
const (
	PushCallUpdate   = "updates.call"
	PushParticipants = "updates.participants"
	PushMessage      = "updates.message"
	PushChainBlocks  = "updates.chainBlocks"
)

// RPCError is the structured failure a query can produce.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// The authoritative "you are no longer in the call" conditions. Receiving one
// of these forces a left transition instead of a retry.
const (
	ErrJoinMissing   = "GROUPCALL_JOIN_MISSING"
	ErrCallForbidden = "GROUPCALL_FORBIDDEN"
	ErrCallInvalid   = "GROUPCALL_INVALID"
)

// IsTerminalCallError reports whether err names one of the conditions after
// which the current join is definitely gone.
func IsTerminalCallError(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.Message {
	case ErrJoinMissing, ErrCallForbidden, ErrCallInvalid:
		return true
	}
	return false
}

// AllowsRejoin reports whether the left transition may keep chat access and
// therefore offer a rejoin.
func AllowsRejoin(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Message == ErrJoinMissing
}

// QueryRef is a handle on an in-flight query.
type QueryRef interface {
	Cancel()
}

// Gateway is the narrow seam to the wire/transport layer. Send dispatches one
// request; done is invoked exactly once with the raw response payload or an
// error. Cancelled queries must not invoke done.
type Gateway interface {
	Send(method string, params any, done func(data []byte, err error)) QueryRef
}

// Peer is a resolved directory entry for a participant or message sender.
type Peer struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsChannel bool   `json:"is_channel,omitempty"`
}

// PeerResolver is the directory lookup consumed for senders and participants.
type PeerResolver interface {
	ResolvePeer(id int64) (Peer, bool)
}

// Notifier receives one event per observable state transition.
type Notifier interface {
	Notify(event models.SyncEvent)
}

// Wire payloads

// JoinRequest is the body of MethodJoinCall.
type JoinRequest struct {
	Call         models.InputCallID `json:"call"`
	AudioSource  int32              `json:"audio_source"`
	Payload      string             `json:"payload"`
	InviteHash   string             `json:"invite_hash,omitempty"`
	Muted        bool               `json:"muted,omitempty"`
	VideoStopped bool               `json:"video_stopped,omitempty"`
	PublicKey    string             `json:"public_key,omitempty"`
}

// JoinResponse carries everything the engine needs to materialize the joined
// call: the full snapshot, the first participant page and transport params.
type JoinResponse struct {
	Call            models.CallSnapshot      `json:"call"`
	Participants    []models.CallParticipant `json:"participants"`
	Version         int32                    `json:"version"`
	TransportParams string                   `json:"transport_params"`
}

// ParticipantsPage is the body of MethodGetParticipants responses and of the
// full-resync snapshot.
type ParticipantsPage struct {
	Participants []models.CallParticipant `json:"participants"`
	Count        int32                    `json:"count"`
	NextOffset   string                   `json:"next_offset,omitempty"`
	Version      int32                    `json:"version"`
}

// ParticipantsUpdate is one pushed delta batch of the version stream.
type ParticipantsUpdate struct {
	Call         models.InputCallID       `json:"call"`
	Participants []models.CallParticipant `json:"participants"`
	Version      int32                    `json:"version"`
}

// MessageUpdate is one pushed ephemeral call message.
type MessageUpdate struct {
	Call      models.InputCallID `json:"call"`
	ServerID  int64              `json:"server_id,omitempty"`
	RandomID  int64              `json:"random_id,omitempty"`
	SenderID  int64              `json:"sender_id"`
	Text      string             `json:"text,omitempty"`
	StarCount int64              `json:"star_count,omitempty"`
	FromAdmin bool               `json:"from_admin,omitempty"`
	Date      int64              `json:"date"`
	Deleted   bool               `json:"deleted,omitempty"`
}

// ChainBlocksUpdate is a pushed batch of verification chain blocks.
type ChainBlocksUpdate struct {
	Call       models.InputCallID `json:"call"`
	SubChain   int32              `json:"sub_chain"`
	Blocks     [][]byte           `json:"blocks"`
	NextOffset int32              `json:"next_offset"`
}
