package gateway

// KeyID is a handle on a locally held key pair. Handles are exclusively
// owned by one call and destroyed exactly once.
type KeyID int64

// ChainID is a handle on one verifiable call state chain.
type ChainID int64

// VerificationSnapshot is the observable state of a chain.
type VerificationSnapshot struct {
	Height    int32
	EmojiHash []string
}

// Blockchain is the opaque verifiable-state channel attached to conference
// calls. The engine never interprets blocks; it only moves them between the
// server and this interface and mirrors the resulting state.
type Blockchain interface {
	GenerateKey() (KeyID, error)
	DestroyKey(key KeyID)

	Create(privateKey KeyID) (ChainID, error)
	Destroy(chain ChainID)

	ApplyBlock(chain ChainID, subChain int32, block []byte) error
	ParticipantIDs(chain ChainID) []int64
	State(chain ChainID) (VerificationSnapshot, error)

	Encrypt(chain ChainID, channel int32, data []byte, unencryptedPrefix int) ([]byte, error)
	Decrypt(chain ChainID, peerID int64, channel int32, data []byte) ([]byte, error)
}
