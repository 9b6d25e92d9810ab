// Package config provides YAML and environment based configuration for the relay.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/ZentaChain/zentalk-relay/pkg/network"
)

// EnvPrefix is the prefix of environment overrides, e.g. RELAY_PEERS_LIMIT=64
const EnvPrefix = "RELAY"

// Config is the root relay configuration.
type Config struct {
	// Listen is a multiaddr for the TCP listener. UDP binds the same host and port.
	Listen string `mapstructure:"listen"`

	PendingLimit      int           `mapstructure:"pending_limit"`
	PeersLimit        int           `mapstructure:"peers_limit"`
	ChannelsLimit     int           `mapstructure:"channels_limit"`
	PeerChannelsLimit int           `mapstructure:"peer_channels_limit"`
	ChannelPeersLimit int           `mapstructure:"channel_peers_limit"` // 0 = unlimited
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WelcomeMessage    string        `mapstructure:"welcome_message"`
	GiveNewMaster     bool          `mapstructure:"give_new_master"`
	PendingOverflow   string        `mapstructure:"pending_overflow"`
	MaxFrameSize      int           `mapstructure:"max_frame_size"`
	SendQueue         int           `mapstructure:"send_queue"`

	Admin   AdminConfig   `mapstructure:"admin"`
	BanList BanListConfig `mapstructure:"banlist"`
	Log     LogConfig     `mapstructure:"log"`
}

// AdminConfig controls the HTTP admin API.
type AdminConfig struct {
	// Listen is a host:port; empty disables the API
	Listen string `mapstructure:"listen"`
}

// BanListConfig controls the persistent ban list.
type BanListConfig struct {
	// Path of the sqlite database; empty disables banning
	Path string `mapstructure:"path"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
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

// Default returns a Config populated with the relay defaults.
func Default() *Config {
	opts := network.DefaultOptions()
	return &Config{
		Listen:            "/ip4/0.0.0.0/tcp/6121",
		PendingLimit:      opts.PendingLimit,
		PeersLimit:        opts.PeersLimit,
		ChannelsLimit:     opts.ChannelsLimit,
		PeerChannelsLimit: opts.PeerChannelsLimit,
		ChannelPeersLimit: opts.ChannelPeersLimit,
		PingInterval:      opts.PingInterval,
		HandshakeTimeout:  opts.HandshakeTimeout,
		WelcomeMessage:    opts.WelcomeMessage,
		GiveNewMaster:     opts.GiveNewMaster,
		PendingOverflow:   string(opts.PendingOverflow),
		MaxFrameSize:      opts.MaxFrameSize,
		SendQueue:         opts.SendQueue,
		Admin:             AdminConfig{Listen: "127.0.0.1:6122"},
		BanList:           BanListConfig{Path: "./data/banlist.db"},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/relay.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations for relay.yaml. A missing file is not an error.
// Environment variables use the prefix RELAY and `.`/`-` become `_`.
// Example: RELAY_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("pending_limit", cfg.PendingLimit)
	v.SetDefault("peers_limit", cfg.PeersLimit)
	v.SetDefault("channels_limit", cfg.ChannelsLimit)
	v.SetDefault("peer_channels_limit", cfg.PeerChannelsLimit)
	v.SetDefault("channel_peers_limit", cfg.ChannelPeersLimit)
	v.SetDefault("ping_interval", cfg.PingInterval)
	v.SetDefault("handshake_timeout", cfg.HandshakeTimeout)
	v.SetDefault("welcome_message", cfg.WelcomeMessage)
	v.SetDefault("give_new_master", cfg.GiveNewMaster)
	v.SetDefault("pending_overflow", cfg.PendingOverflow)
	v.SetDefault("max_frame_size", cfg.MaxFrameSize)
	v.SetDefault("send_queue", cfg.SendQueue)
	v.SetDefault("admin.listen", cfg.Admin.Listen)
	v.SetDefault("banlist.path", cfg.BanList.Path)
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
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".zentalk-relay"))
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// MustLoad is like Load but panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var err error
	if _, e := c.ListenAddr(); e != nil {
		err = multierr.Append(err, e)
	}
	if c.Admin.Listen != "" {
		if _, _, e := net.SplitHostPort(c.Admin.Listen); e != nil {
			err = multierr.Append(err, fmt.Errorf("admin.listen: %w", e))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return multierr.Append(err, c.RelayOptions().Validate())
}

// ListenAddr converts the listen multiaddr into a host:port usable by net.Listen.
// Only /ip4, /ip6 and /dns* hosts with a /tcp port are accepted.
func (c *Config) ListenAddr() (string, error) {
	return ToHostPort(c.Listen)
}

// ToHostPort converts a multiaddr such as /ip4/0.0.0.0/tcp/6121 to "0.0.0.0:6121".
func ToHostPort(addr string) (string, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}

	var host string
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6} {
		if v, err := maddr.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", fmt.Errorf("listen: %s has no ip or dns component", addr)
	}

	port, err := maddr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", fmt.Errorf("listen: %s has no tcp component", addr)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("listen: bad tcp port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

// RelayOptions maps the configuration onto engine options
func (c *Config) RelayOptions() network.Options {
	return network.Options{
		PendingLimit:      c.PendingLimit,
		PeersLimit:        c.PeersLimit,
		ChannelsLimit:     c.ChannelsLimit,
		PeerChannelsLimit: c.PeerChannelsLimit,
		ChannelPeersLimit: c.ChannelPeersLimit,
		PingInterval:      c.PingInterval,
		HandshakeTimeout:  c.HandshakeTimeout,
		WelcomeMessage:    c.WelcomeMessage,
		GiveNewMaster:     c.GiveNewMaster,
		PendingOverflow:   network.OverflowPolicy(strings.ToLower(c.PendingOverflow)),
		MaxFrameSize:      c.MaxFrameSize,
		SendQueue:         c.SendQueue,
	}
}
