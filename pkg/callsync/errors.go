package callsync

import (
	"errors"

	"github.com/meshtalk/callsync/pkg/gateway"
)

var (
	// ErrCanceled is delivered to callbacks of requests that were superseded
	// by a newer request of the same kind before the server answered.
	ErrCanceled = errors.New("request canceled")

	// ErrClosed is delivered once the manager is shut down.
	ErrClosed = errors.New("manager closed")

	// ErrCallNotFound reports an unknown call handle.
	ErrCallNotFound = errors.New("call not found")

	// ErrTitleTooLong reports a title exceeding the configured limit.
	ErrTitleTooLong = errors.New("call title is too long")

	// ErrParticipantNotFound reports an operation on a peer the roster does
	// not know.
	ErrParticipantNotFound = errors.New("call participant not found")

	// ErrVolumeOutOfRange reports a volume level outside 1..20000.
	ErrVolumeOutOfRange = errors.New("volume level out of range")

	// ErrMessagesDisabled reports a message sent into a call that has
	// messages switched off.
	ErrMessagesDisabled = errors.New("messages are disabled in this call")
)

// errNotJoined mirrors the server-side rejection of operations that require
// an established membership, so local and remote failures look alike to the
// caller.
func errNotJoined() error {
	return &gateway.RPCError{Code: 400, Message: gateway.ErrJoinMissing}
}
