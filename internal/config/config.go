// Package config loads the process run configuration from the environment,
// optional .env files and command line flags.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Transport names the transport a process runs under.
type Transport string

const (
	// TransportStdio serves MCP over standard input/output.
	TransportStdio Transport = "stdio"
	// TransportNetwork serves MCP over HTTP.
	TransportNetwork Transport = "network"
)

// Known reports whether t is one of the supported transports.
func (t Transport) Known() bool {
	return t == TransportStdio || t == TransportNetwork
}

// Viper keys. Environment variables are HASS_MCP_<KEY> unless bound explicitly.
const (
	KeyRunMode         = "run_mode"
	KeyHost            = "host"
	KeyPort            = "port"
	KeyReload          = "reload"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
	KeyLogFile         = "log_file"
	KeyApp             = "app"
	KeyReloadPaths     = "reload_paths"
	KeyShutdownGrace   = "shutdown_grace"
	KeyTeardownTimeout = "teardown_timeout"
	KeyHassURL         = "ha_url"
	KeyHassToken       = "ha_token"
	KeyHassTimeout     = "ha_timeout"
)

const envPrefix = "HASS_MCP"

// Defaults.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8008
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultReloadPaths     = ".env"
	DefaultShutdownGrace   = 10 * time.Second
	DefaultTeardownTimeout = 5 * time.Second
	DefaultHassURL         = "http://localhost:8123"
	DefaultHassTimeout     = 30 * time.Second
)

// HassConfig holds the Home Assistant connection settings.
type HassConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// RunConfig is populated once at startup and is not modified afterwards.
type RunConfig struct {
	Transport Transport
	Host      string
	Port      int
	Reload    bool
	LogLevel  string
	LogFormat string
	// LogFile, when set, receives a rotated JSON copy of the log.
	LogFile string

	// AppRef names a registered application factory. Reload needs it because
	// a live instance cannot be rebuilt.
	AppRef          string
	ReloadPaths     []string
	ShutdownGrace   time.Duration
	TeardownTimeout time.Duration

	Hass HassConfig
}

// Addr returns the host:port the network transport binds to.
func (c RunConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Warning records a configuration value that was replaced by a default.
type Warning struct {
	Key      string
	Value    string
	Fallback string
	Reason   string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s=%q %s, using %q", w.Key, w.Value, w.Reason, w.Fallback)
}

// LoadEnvFiles loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadEnvFiles(files ...string) {
	_ = godotenv.Load(files...)
}

// NewViper returns a viper instance with defaults and environment bindings
// for every RunConfig key.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyRunMode, string(TransportStdio))
	v.SetDefault(KeyHost, DefaultHost)
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyReload, false)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, DefaultLogFormat)
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyApp, "")
	v.SetDefault(KeyReloadPaths, DefaultReloadPaths)
	v.SetDefault(KeyShutdownGrace, DefaultShutdownGrace.String())
	v.SetDefault(KeyTeardownTimeout, DefaultTeardownTimeout.String())
	v.SetDefault(KeyHassURL, DefaultHassURL)
	v.SetDefault(KeyHassToken, "")
	v.SetDefault(KeyHassTimeout, DefaultHassTimeout.String())

	// Home Assistant settings keep the names the upstream project uses.
	_ = v.BindEnv(KeyHassURL, "HA_URL")
	_ = v.BindEnv(KeyHassToken, "HA_TOKEN")
	_ = v.BindEnv(KeyHassTimeout, "HA_TIMEOUT")
	return v
}

// Load builds a RunConfig from v. It never fails: every invalid value is
// replaced by its default and reported as a Warning.
//
// The transport is only normalised here. Unknown modes are resolved by the
// dispatcher, which owns that warning.
func Load(v *viper.Viper) (RunConfig, []Warning) {
	var warnings []Warning
	warn := func(key, value, fallback, reason string) {
		warnings = append(warnings, Warning{Key: key, Value: value, Fallback: fallback, Reason: reason})
	}

	cfg := RunConfig{
		Transport: normalizeTransport(v.GetString(KeyRunMode)),
		Host:      strings.TrimSpace(v.GetString(KeyHost)),
		Port:      DefaultPort,
		LogLevel:  strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		LogFormat: strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		LogFile:   strings.TrimSpace(v.GetString(KeyLogFile)),
		AppRef:    strings.TrimSpace(v.GetString(KeyApp)),
		Hass: HassConfig{
			URL:   strings.TrimRight(strings.TrimSpace(v.GetString(KeyHassURL)), "/"),
			Token: strings.TrimSpace(v.GetString(KeyHassToken)),
		},
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportStdio
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		if cfg.LogFormat != "" {
			warn(KeyLogFormat, cfg.LogFormat, DefaultLogFormat, "is not console or json")
		}
		cfg.LogFormat = DefaultLogFormat
	}
	if cfg.Hass.URL == "" {
		cfg.Hass.URL = DefaultHassURL
	}

	rawPort := strings.TrimSpace(v.GetString(KeyPort))
	if port, err := strconv.Atoi(rawPort); err != nil {
		warn(KeyPort, rawPort, strconv.Itoa(DefaultPort), "is not a number")
	} else if port < 1 || port > 65535 {
		warn(KeyPort, rawPort, strconv.Itoa(DefaultPort), "is outside 1-65535")
	} else {
		cfg.Port = port
	}

	rawReload := strings.TrimSpace(v.GetString(KeyReload))
	if rawReload != "" {
		reload, err := strconv.ParseBool(rawReload)
		if err != nil {
			warn(KeyReload, rawReload, "false", "is not a boolean")
		}
		cfg.Reload = reload
	}

	cfg.ShutdownGrace = parseDuration(v, KeyShutdownGrace, DefaultShutdownGrace, warn)
	cfg.TeardownTimeout = parseDuration(v, KeyTeardownTimeout, DefaultTeardownTimeout, warn)
	cfg.Hass.Timeout = parseDuration(v, KeyHassTimeout, DefaultHassTimeout, warn)

	for _, p := range strings.Split(v.GetString(KeyReloadPaths), ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.ReloadPaths = append(cfg.ReloadPaths, p)
		}
	}

	// Reload rebuilds the application from a named factory. Without one the
	// process would serve a live instance, which cannot be reloaded.
	if cfg.Reload && cfg.AppRef == "" {
		warn(KeyReload, "true", "false", "requires "+envPrefix+"_APP to name an application factory")
		cfg.Reload = false
	}
	return cfg, warnings
}

// normalizeTransport lowercases and trims the mode. A value that is only
// whitespace is kept as is: it was set, so the dispatcher must warn about it.
func normalizeTransport(raw string) Transport {
	mode := strings.ToLower(strings.TrimSpace(raw))
	if mode == "" {
		return Transport(raw)
	}
	return Transport(mode)
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration, warn func(key, value, fallback, reason string)) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		warn(key, raw, fallback.String(), "is not a positive duration")
		return fallback
	}
	return d
}
