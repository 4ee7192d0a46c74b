package main

import (
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/meshtalk/callsync/pkg/callsync"
	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
	"github.com/meshtalk/callsync/pkg/storage"
)

const AppVersion = "1.0.0"

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

// logNotifier writes every engine event to the log stream; a UI embedding
// the engine supplies its own Notifier instead.
type logNotifier struct{}

func (logNotifier) Notify(event models.SyncEvent) {
	log.Info().Str("action", event.Action).RawJSON("payload", event.Marshal()).
		Msg("Call state changed.")
}

func main() {
	// Configure settings
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("settings")
	viper.SetConfigType("toml")

	// Load settings
	if err := viper.ReadInConfig(); err != nil {
		log.Panic().Err(err).Msg("An error occurred when loading settings.")
	}

	// Open the local store
	store, err := storage.OpenPebble(viper.GetString("callsync.store_path"))
	if err != nil {
		log.Fatal().Err(err).Msg("An error occurred when opening the local store.")
	}
	defer store.Close()

	// Connect the gateway and the engine
	header := http.Header{}
	if token := viper.GetString("callsync.gateway_token"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	// The gateway starts dialing immediately; pushes arriving before the
	// engine exists are dropped.
	var engine atomic.Pointer[callsync.Manager]
	ws := gateway.NewWebsocketGateway(viper.GetString("callsync.gateway_url"), header,
		func(method string, data []byte) {
			if m := engine.Load(); m != nil {
				m.DispatchPush(method, data)
			}
		})
	defer ws.Close()

	manager, err := callsync.NewManager(callsync.Config{
		Gateway:    ws,
		Notifier:   logNotifier{},
		Store:      store,
		SelfPeerID: viper.GetInt64("callsync.self_peer_id"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("An error occurred when starting the call engine.")
	}
	defer manager.Close()
	engine.Store(manager)

	log.Info().Msgf("Callsync v%s is started...", AppVersion)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msgf("Callsync v%s is quitting...", AppVersion)
}
