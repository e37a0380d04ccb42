package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	ServerURL string `mapstructure:"server_url"`

	ICEServers []string `mapstructure:"ice_servers"`

	// Scheduler tunables. Defaults match the reference timings: 30s
	// heartbeat, 3s redial delay, 15s answer/candidate safety net.
	HeartbeatPeriod   time.Duration `mapstructure:"heartbeat_period"`
	RecoveryDelay     time.Duration `mapstructure:"recovery_delay"`
	RecoveryTimeout   time.Duration `mapstructure:"recovery_timeout"`
	BatchWindow       time.Duration `mapstructure:"batch_window"`
	BroadcastDebounce time.Duration `mapstructure:"broadcast_debounce"`

	// Voice link.
	UsePushToTalk       bool          `mapstructure:"use_push_to_talk"`
	PushToTalkKey       string        `mapstructure:"push_to_talk_key"`
	VoiceActiveDuration time.Duration `mapstructure:"voice_active_duration"`
	VoiceThreshold      float64       `mapstructure:"voice_threshold"`

	// relayd only.
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("server_url", "http://127.0.0.1:8080")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("heartbeat_period", "30s")
	v.SetDefault("recovery_delay", "3s")
	v.SetDefault("recovery_timeout", "15s")
	v.SetDefault("batch_window", "50ms")
	v.SetDefault("broadcast_debounce", "3s")
	v.SetDefault("use_push_to_talk", false)
	v.SetDefault("push_to_talk_key", "KeyT")
	v.SetDefault("voice_active_duration", "200ms")
	v.SetDefault("voice_threshold", 0.3)
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "huddle-dev-secret")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
