package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/20af02/PairCopy/p2p"
	"github.com/20af02/PairCopy/transfer"
)

// DefaultServiceID is the service both sides agree on during the handshake.
const DefaultServiceID = "34b1cf4d-1069-4ad6-89b6-e161d79be4d8"

type Config struct {
	// Mode is client or server.
	Mode string `mapstructure:"mode"`
	// Frame is file or text.
	Frame string `mapstructure:"frame"`
	// Transport is tcp, quic or mem.
	Transport  string `mapstructure:"transport"`
	ListenAddr string `mapstructure:"listen_addr"`
	ServiceID  string `mapstructure:"service_id"`
	// AutoConnect is the peer id or name a client keeps reconnecting to.
	AutoConnect string `mapstructure:"auto_connect"`
	PeersFile   string `mapstructure:"peers_file"`

	SendDir    string `mapstructure:"send_dir"`
	RecvDir    string `mapstructure:"recv_dir"`
	ArchiveDir string `mapstructure:"archive_dir"`

	HistoryDB    string `mapstructure:"history_db"`
	HistoryLimit int    `mapstructure:"history_limit"`

	TickInterval time.Duration `mapstructure:"tick_interval"`
	SendInterval time.Duration `mapstructure:"send_interval"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	Log LogConfig `mapstructure:"log"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func DefaultConfig() *Config {
	return &Config{
		Mode:         "client",
		Frame:        "file",
		Transport:    "tcp",
		ListenAddr:   ":4000",
		ServiceID:    DefaultServiceID,
		SendDir:      "./send",
		RecvDir:      "./recv",
		ArchiveDir:   "./archive",
		HistoryDB:    "./paircopy.db",
		HistoryLimit: 100,
		TickInterval: time.Second,
		SendInterval: transfer.DefaultSendInterval,
		PollInterval: transfer.DefaultPollInterval,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"paircopy.log"},
			Rotation: RotationConfig{
				Filename:   "paircopy.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// LoadConfig reads envFile (or ./.env when present) into the environment,
// then layers the YAML file at path and PAIRCOPY_* variables over the
// defaults. Example: PAIRCOPY_LOG_LEVEL=debug
func LoadConfig(envFile, path string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("error loading env file: %w", err)
		}
	} else if fileExists(".env") {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PAIRCOPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("frame", cfg.Frame)
	v.SetDefault("transport", cfg.Transport)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("service_id", cfg.ServiceID)
	v.SetDefault("auto_connect", cfg.AutoConnect)
	v.SetDefault("peers_file", cfg.PeersFile)
	v.SetDefault("send_dir", cfg.SendDir)
	v.SetDefault("recv_dir", cfg.RecvDir)
	v.SetDefault("archive_dir", cfg.ArchiveDir)
	v.SetDefault("history_db", cfg.HistoryDB)
	v.SetDefault("history_limit", cfg.HistoryLimit)
	v.SetDefault("tick_interval", cfg.TickInterval)
	v.SetDefault("send_interval", cfg.SendInterval)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("PAIRCOPY_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("paircopy")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.paircopy")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if _, err := transfer.ParseRole(c.Mode); err != nil {
		return fmt.Errorf("invalid mode: %w", err)
	}
	if _, err := transfer.ParseFrameKind(c.Frame); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}

	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case "tcp", "quic", "mem":
	default:
		return fmt.Errorf("invalid transport: %q", c.Transport)
	}

	if _, err := uuid.Parse(c.ServiceID); err != nil {
		return fmt.Errorf("invalid service_id %q: %w", c.ServiceID, err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.TickInterval <= 0 || c.SendInterval <= 0 || c.PollInterval <= 0 {
		return errors.New("tick_interval, send_interval and poll_interval must be positive")
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if c.SendDir == "" || c.RecvDir == "" {
		return errors.New("send_dir and recv_dir must be set")
	}
	return nil
}

func (c *Config) Role() transfer.Role {
	r, _ := transfer.ParseRole(c.Mode)
	return r
}

func (c *Config) FrameKind() transfer.FrameKind {
	k, _ := transfer.ParseFrameKind(c.Frame)
	return k
}

// fileExists checks if a file exists and is not a directory
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && !info.IsDir()
}

type peerBookFile struct {
	Peers []p2p.PeerDescriptor `yaml:"peers"`
}

// loadPeerBook reads the known peers the socket transports can discover.
// An empty path means no known peers.
func loadPeerBook(path string) ([]p2p.PeerDescriptor, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading peers file: %w", err)
	}

	var book peerBookFile
	if err := yaml.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("error parsing peers file: %w", err)
	}
	for i, p := range book.Peers {
		if strings.TrimSpace(p.Addr) == "" {
			return nil, fmt.Errorf("peer %d (%q) has no addr", i, p.Name)
		}
	}
	return book.Peers, nil
}
