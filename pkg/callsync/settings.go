package callsync

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

func init() {
	viper.SetDefault("callsync.resync_debounce", "1s")
	viper.SetDefault("callsync.liveness_period", "10s")
	viper.SetDefault("callsync.liveness_retry", "1s")
	viper.SetDefault("callsync.order_refresh_period", "10s")
	viper.SetDefault("callsync.block_poll_period", "10s")
	viper.SetDefault("callsync.recent_speaker_timeout", "1h")
	viper.SetDefault("callsync.recent_speaker_cap", 3)
	viper.SetDefault("callsync.message_show_time", "1m")
	viper.SetDefault("callsync.story_message_show_time", "30s")
	viper.SetDefault("callsync.message_tier_cap", 100)
	viper.SetDefault("callsync.max_title_length", 64)
	viper.SetDefault("callsync.participant_page_size", 100)
}

// Settings are the product-tuned knobs of the engine. The defaults match the
// protocol reference client; none of them is semantically load-bearing beyond
// keeping retry and eviction budgets small.
type Settings struct {
	ResyncDebounce       time.Duration `validate:"gt=0"`
	LivenessPeriod       time.Duration `validate:"gt=0"`
	LivenessRetry        time.Duration `validate:"gt=0"`
	OrderRefreshPeriod   time.Duration `validate:"gt=0"`
	BlockPollPeriod      time.Duration `validate:"gt=0"`
	RecentSpeakerTimeout time.Duration `validate:"gt=0"`
	RecentSpeakerCap     int           `validate:"gt=0"`
	MessageShowTime      time.Duration `validate:"gte=0"`
	StoryMessageShowTime time.Duration `validate:"gte=0"`
	MessageTierCap       int           `validate:"gt=0"`
	MaxTitleLength       int           `validate:"gt=0"`
	ParticipantPageSize  int32         `validate:"gt=0"`
}

// ReadSettings loads the callsync section of the active viper configuration.
func ReadSettings() (Settings, error) {
	settings := Settings{
		ResyncDebounce:       viper.GetDuration("callsync.resync_debounce"),
		LivenessPeriod:       viper.GetDuration("callsync.liveness_period"),
		LivenessRetry:        viper.GetDuration("callsync.liveness_retry"),
		OrderRefreshPeriod:   viper.GetDuration("callsync.order_refresh_period"),
		BlockPollPeriod:      viper.GetDuration("callsync.block_poll_period"),
		RecentSpeakerTimeout: viper.GetDuration("callsync.recent_speaker_timeout"),
		RecentSpeakerCap:     viper.GetInt("callsync.recent_speaker_cap"),
		MessageShowTime:      viper.GetDuration("callsync.message_show_time"),
		StoryMessageShowTime: viper.GetDuration("callsync.story_message_show_time"),
		MessageTierCap:       viper.GetInt("callsync.message_tier_cap"),
		MaxTitleLength:       viper.GetInt("callsync.max_title_length"),
		ParticipantPageSize:  viper.GetInt32("callsync.participant_page_size"),
	}
	if err := validator.New().Struct(settings); err != nil {
		return settings, fmt.Errorf("invalid callsync settings: %w", err)
	}
	return settings, nil
}
