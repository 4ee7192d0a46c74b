package callsync

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

// DispatchPush decodes one raw push frame and routes it to the matching
// engine entry point. Frames for unknown methods are dropped; the push
// stream is shared with unrelated subsystems.
func (m *Manager) DispatchPush(method string, data []byte) {
	switch method {
	case gateway.PushCallUpdate:
		var snapshot models.CallSnapshot
		if err := jsoniter.Unmarshal(data, &snapshot); err != nil {
			log.Warn().Err(err).Msg("Dropped an undecodable call snapshot push.")
			return
		}
		m.OnCallUpdate(snapshot)
	case gateway.PushParticipants:
		var update gateway.ParticipantsUpdate
		if err := jsoniter.Unmarshal(data, &update); err != nil {
			log.Warn().Err(err).Msg("Dropped an undecodable participants push.")
			return
		}
		m.OnParticipantsUpdate(update)
	case gateway.PushMessage:
		var update gateway.MessageUpdate
		if err := jsoniter.Unmarshal(data, &update); err != nil {
			log.Warn().Err(err).Msg("Dropped an undecodable message push.")
			return
		}
		m.OnMessageUpdate(update)
	case gateway.PushChainBlocks:
		var update gateway.ChainBlocksUpdate
		if err := jsoniter.Unmarshal(data, &update); err != nil {
			log.Warn().Err(err).Msg("Dropped an undecodable chain block push.")
			return
		}
		m.OnChainBlocks(update)
	}
}
