// Package config loads the daemon's boot configuration from file and
// environment. Boot config covers everything fixed for the process
// lifetime (paths, endpoints, identity); operator-tunable values live in
// the settings table (see Settings).
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the static boot configuration.
type Config struct {
	RobotID   string `mapstructure:"robot_id"`
	RobotName string `mapstructure:"robot_name"`
	RobotAddr string `mapstructure:"robot_addr"` // motion/capture gRPC endpoint

	DataDir string `mapstructure:"data_dir"`
	LogDir  string `mapstructure:"log_dir"`

	ListenAddr string `mapstructure:"listen_addr"` // HTTP API

	// Relay ingest endpoints (mediamtx): internal is where ffmpeg pushes,
	// external is the address advertised to the vision-alerting service.
	RelayInternal string `mapstructure:"relay_internal"`
	RelayExternal string `mapstructure:"relay_external"`
	FFmpegPath    string `mapstructure:"ffmpeg_path"`
	PresetFile    string `mapstructure:"preset_file"` // optional encoder preset YAML

	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("robot_id", "robot-1")
	v.SetDefault("robot_name", "Sigma")
	v.SetDefault("robot_addr", "192.168.50.133:26400")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_dir", "./logs")
	v.SetDefault("listen_addr", ":8800")
	v.SetDefault("relay_internal", "127.0.0.1:8554")
	v.SetDefault("relay_external", "127.0.0.1:8554")
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("shutdown_grace", 15*time.Second)
}

// Load reads configuration from the given file (optional) merged over
// defaults, with PATROL_-prefixed environment variables taking precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("PATROL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// DBPath returns the record-store location under the data dir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "report", "patrol.db")
}

// ImagesDir returns the root directory for inspection images.
func (c Config) ImagesDir() string {
	return filepath.Join(c.DataDir, "report", "images")
}

// AlertEvidenceDir returns the directory for live-alert evidence frames.
func (c Config) AlertEvidenceDir() string {
	return filepath.Join(c.DataDir, "report", "live_alerts")
}

// VideoDir returns the directory for recorded patrol videos.
func (c Config) VideoDir() string {
	return filepath.Join(c.DataDir, "report", "video")
}
