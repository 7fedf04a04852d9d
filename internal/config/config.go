package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	// GracePeriod is how long a disconnected participant may rejoin before
	// it is removed from its session.
	GracePeriod time.Duration `mapstructure:"grace_period"`

	FileStoragePath string `mapstructure:"file_storage_path"`

	MediaListenIP    string `mapstructure:"media_listen_ip"`
	MediaAnnouncedIP string `mapstructure:"media_announced_ip"`

	RecordingPath         string        `mapstructure:"recording_path"`
	RecordingPortMin      int           `mapstructure:"recording_port_min"`
	RecordingPortMax      int           `mapstructure:"recording_port_max"`
	PipelineBinary        string        `mapstructure:"pipeline_binary"`
	PipelineStopTimeout   time.Duration `mapstructure:"pipeline_stop_timeout"`
	PipelineReadyTimeout  time.Duration `mapstructure:"pipeline_ready_timeout"`
	LedgerURL             string        `mapstructure:"ledger_url"`
	LedgerTimeout         time.Duration `mapstructure:"ledger_timeout"`
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
	v.SetDefault("port", 3001)
	v.SetDefault("secret", "change-me")
	v.SetDefault("grace_period", "30m")
	v.SetDefault("file_storage_path", "./uploads")
	v.SetDefault("media_listen_ip", "127.0.0.1")
	v.SetDefault("media_announced_ip", "127.0.0.1")
	v.SetDefault("recording_path", "./recordings")
	v.SetDefault("recording_port_min", 50000)
	v.SetDefault("recording_port_max", 50100)
	v.SetDefault("pipeline_binary", "ffmpeg")
	v.SetDefault("pipeline_stop_timeout", "5s")
	v.SetDefault("pipeline_ready_timeout", "2s")
	v.SetDefault("ledger_url", "http://localhost:8080")
	v.SetDefault("ledger_timeout", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
