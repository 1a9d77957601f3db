// Package config loads the relay configuration from an optional config
// file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrMissingSecret = errors.New("missing required Zoom credentials")

type Config struct {
	Zoom    ZoomConfig    `mapstructure:"zoom"`
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	RTMS    RTMSConfig    `mapstructure:"rtms"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
	Log     LogConfig     `mapstructure:"log"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

type ZoomConfig struct {
	ClientID               string `mapstructure:"client_id"`
	ClientSecret           string `mapstructure:"client_secret"`
	SecretToken            string `mapstructure:"secret_token"`
	VerifyWebhookSignature bool   `mapstructure:"verify_webhook_signature"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	WebhookPath string `mapstructure:"webhook_path"`
	Mode        string `mapstructure:"mode"`
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	LiveDir string `mapstructure:"live_dir"`
}

type RTMSConfig struct {
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

type FFmpegConfig struct {
	Path               string  `mapstructure:"path"`
	VideoFrameRate     float64 `mapstructure:"video_frame_rate"`
	UserVideoFrameRate int     `mapstructure:"user_video_frame_rate"`
	AudioSampleRate    int     `mapstructure:"audio_sample_rate"`
	AudioChannels      int     `mapstructure:"audio_channels"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
}

// Enabled reports whether archival upload is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

var envBindings = map[string]string{
	"zoom.client_id":                "ZM_RTMS_CLIENT",
	"zoom.client_secret":            "ZM_RTMS_SECRET",
	"zoom.secret_token":             "ZM_RTMS_SECRET_TOKEN",
	"zoom.verify_webhook_signature": "RTMS_VERIFY_WEBHOOK_SIGNATURE",
	"server.port":                   "ZM_RTMS_PORT",
	"server.mode":                   "GIN_MODE",
	"storage.data_dir":              "RTMS_DATA_DIR",
	"storage.live_dir":              "RTMS_LIVE_DIR",
	"rtms.insecure_skip_verify":     "RTMS_INSECURE_SKIP_VERIFY",
	"ffmpeg.path":                   "FFMPEG_PATH",
	"log.level":                     "LOG_LEVEL",
	"archive.bucket":                "ARCHIVE_S3_BUCKET",
	"archive.region":                "ARCHIVE_S3_REGION",
	"archive.endpoint":              "ARCHIVE_S3_ENDPOINT",
	"archive.access_key_id":         "ARCHIVE_S3_ACCESS_KEY_ID",
	"archive.secret_access_key":     "ARCHIVE_S3_SECRET_ACCESS_KEY",
	"archive.prefix":                "ARCHIVE_S3_PREFIX",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.webhook_path", "/rtms")
	v.SetDefault("server.mode", "release")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.live_dir", "./frontend-data")
	v.SetDefault("rtms.handshake_timeout", 10*time.Second)
	v.SetDefault("rtms.write_timeout", 10*time.Second)
	v.SetDefault("rtms.send_buffer", 64)
	v.SetDefault("rtms.insecure_skip_verify", false)
	v.SetDefault("rtms.shutdown_timeout", 30*time.Second)
	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.video_frame_rate", 5.8)
	v.SetDefault("ffmpeg.user_video_frame_rate", 9)
	v.SetDefault("ffmpeg.audio_sample_rate", 16000)
	v.SetDefault("ffmpeg.audio_channels", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Read loads configuration without validating it. Missing env files are
// skipped; a missing config file given explicitly is an error.
func Read(configFile string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot read config from %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Zoom.SecretToken == "" {
		cfg.Zoom.SecretToken = cfg.Zoom.ClientSecret
	}
	return &cfg, nil
}

// Load reads and validates the configuration.
func Load(configFile string, envFiles ...string) (*Config, error) {
	cfg, err := Read(configFile, envFiles...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the relay cannot start without.
func (c *Config) Validate() error {
	var missing []string
	if c.Zoom.ClientID == "" {
		missing = append(missing, "ZM_RTMS_CLIENT")
	}
	if c.Zoom.ClientSecret == "" {
		missing = append(missing, "ZM_RTMS_SECRET")
	}
	if c.Zoom.SecretToken == "" {
		missing = append(missing, "ZM_RTMS_SECRET_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSecret, strings.Join(missing, ", "))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.WebhookPath == "" || !strings.HasPrefix(c.Server.WebhookPath, "/") {
		return fmt.Errorf("invalid webhook path %q", c.Server.WebhookPath)
	}
	return nil
}
