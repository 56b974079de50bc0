package ccproxy

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the complete configuration of a proxy, usually loaded from a
// YAML file with environment overrides on top.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Limits   LimitsConfig   `yaml:"limits"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig configures the root logger of the binary.
type LogConfig struct {
	// Level is the minimum level logged: debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is either text or json.
	Format string `yaml:"format"`
	// File, if set, is a path log lines are appended to in addition to
	// stdout.
	File string `yaml:"file"`
}

// ProxyConfig configures the client-facing side of the proxy.
type ProxyConfig struct {
	// Address is the UDP address clients connect to.
	Address string `yaml:"address"`
	// FallbackMotd is the server list entry served while the upstream does
	// not answer pings itself.
	FallbackMotd MotdConfig `yaml:"fallback_motd"`
	// FallbackQuery is the extra data served in query responses.
	FallbackQuery QueryConfig `yaml:"fallback_query"`
}

// MotdConfig is the configured shape of a server list entry.
type MotdConfig struct {
	ServerName  string `yaml:"name"`
	SubName     string `yaml:"sub_name"`
	Protocol    int    `yaml:"protocol"`
	Version     string `yaml:"version"`
	PlayerCount int    `yaml:"players"`
	MaxPlayers  int    `yaml:"max_players"`
	GameType    string `yaml:"game_type"`
}

// Motd converts the configured fields into a Motd.
func (c MotdConfig) Motd() Motd {
	return Motd{
		ServerName:  c.ServerName,
		SubName:     c.SubName,
		Protocol:    c.Protocol,
		Version:     c.Version,
		PlayerCount: c.PlayerCount,
		MaxPlayers:  c.MaxPlayers,
		GameType:    c.GameType,
	}
}

// QueryConfig is the extra content of query stat responses: free-form
// key/value pairs merged into the full stat section and a static player
// sample.
type QueryConfig struct {
	Values  map[string]string `yaml:"values"`
	Players []string          `yaml:"players"`
}

// UpstreamConfig configures the backend side of the proxy.
type UpstreamConfig struct {
	// Address is the backend game server sessions are relayed to.
	Address string `yaml:"address"`
	// Addresses, if set, is a list of backends balanced over round-robin,
	// taking precedence over Address for session routing.
	Addresses []string `yaml:"addresses"`
	// QueryAddress, if set, is pinged for the live MOTD instead of Address.
	QueryAddress string `yaml:"query_address"`
	// ProxyProtocol makes every backend connection start with a PROXY
	// protocol v2 header carrying the client's real address.
	ProxyProtocol bool `yaml:"proxy_protocol"`
}

// LimitsConfig bounds the resources a proxy spends on its clients.
type LimitsConfig struct {
	// MaxSessions caps concurrent sessions, including ones still in their
	// handshake. 0 means no cap.
	MaxSessions int `yaml:"max_sessions"`
	// HandshakeRate and HandshakeBurst rate-limit new connections per
	// second. A rate of 0 disables the limit.
	HandshakeRate  float64 `yaml:"handshake_rate"`
	HandshakeBurst int64   `yaml:"handshake_burst"`
	// SelectTimeout bounds how long backend selection plus the backend
	// handshake may take before session creation fails.
	SelectTimeout Duration `yaml:"select_timeout"`
	// LoginWindow is the number of client packets offered to the login hook
	// before passthrough becomes unconditional.
	LoginWindow int `yaml:"login_window"`
	// MTU caps the MTU negotiated with clients and offered to backends.
	// 0 means the protocol maximum.
	MTU int `yaml:"mtu"`
	// Timeout is how long a connection may go without traffic before it is
	// closed.
	Timeout Duration `yaml:"timeout"`
}

// MetricsConfig configures the observability endpoint.
type MetricsConfig struct {
	// Address, if set, serves prometheus metrics over HTTP at /metrics.
	Address string `yaml:"address"`
}

// Duration wraps time.Duration so config values like "5s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler, so written defaults stay readable.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// DefaultConfig returns the configuration used where the config file does
// not override it.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Proxy: ProxyConfig{
			Address: ":19132",
			FallbackMotd: MotdConfig{
				ServerName: "ccproxy",
				SubName:    "Bedrock",
				Protocol:   671,
				Version:    "1.20.80",
				MaxPlayers: 20,
				GameType:   "Survival",
			},
		},
		Upstream: UpstreamConfig{Address: "127.0.0.1:19133"},
		Limits: LimitsConfig{
			MaxSessions:   1024,
			SelectTimeout: Duration(time.Second * 5),
			LoginWindow:   8,
			Timeout:       Duration(time.Second * 5),
		},
	}
}

// LoadConfig reads the YAML configuration at path and applies CCPROXY_
// environment overrides on top. If no file exists at path, the default
// configuration is written there first, so a first run leaves an editable
// file behind.
func LoadConfig(path string) (Config, error) {
	conf := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		out, _ := yaml.Marshal(conf)
		if err := os.WriteFile(path, out, 0644); err != nil {
			return conf, fmt.Errorf("write default config: %w", err)
		}
	case err != nil:
		return conf, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &conf); err != nil {
			return conf, fmt.Errorf("parse config: %w", err)
		}
	}
	conf.applyEnv()
	return conf, conf.validate()
}

// applyEnv overrides scalar fields from CCPROXY_-prefixed environment
// variables, so a deployment can change a setting without editing the file.
func (conf *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("CCPROXY_" + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv("CCPROXY_" + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv("CCPROXY_" + key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}
	str("LOG_LEVEL", &conf.Log.Level)
	str("LOG_FORMAT", &conf.Log.Format)
	str("LOG_FILE", &conf.Log.File)
	str("PROXY_ADDRESS", &conf.Proxy.Address)
	str("UPSTREAM_ADDRESS", &conf.Upstream.Address)
	str("UPSTREAM_QUERY_ADDRESS", &conf.Upstream.QueryAddress)
	str("METRICS_ADDRESS", &conf.Metrics.Address)
	num("LIMITS_MAX_SESSIONS", &conf.Limits.MaxSessions)
	num("LIMITS_LOGIN_WINDOW", &conf.Limits.LoginWindow)
	num("LIMITS_MTU", &conf.Limits.MTU)
	dur("LIMITS_SELECT_TIMEOUT", &conf.Limits.SelectTimeout)
	dur("LIMITS_TIMEOUT", &conf.Limits.Timeout)
	if v, ok := os.LookupEnv("CCPROXY_UPSTREAM_PROXY_PROTOCOL"); ok {
		conf.Upstream.ProxyProtocol = v == "1" || v == "true"
	}
}

// validate rejects configurations the proxy cannot run with.
func (conf Config) validate() error {
	if conf.Proxy.Address == "" {
		return errors.New("config: proxy.address must be set")
	}
	if conf.Upstream.Address == "" && len(conf.Upstream.Addresses) == 0 {
		return errors.New("config: upstream.address or upstream.addresses must be set")
	}
	switch conf.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", conf.Log.Format)
	}
	switch conf.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", conf.Log.Level)
	}
	if conf.Limits.MTU != 0 && (conf.Limits.MTU < 400 || conf.Limits.MTU > 1492) {
		return fmt.Errorf("config: limits.mtu %v out of range (400 - 1492)", conf.Limits.MTU)
	}
	if conf.Limits.LoginWindow < 0 {
		return errors.New("config: limits.login_window must not be negative")
	}
	return nil
}
