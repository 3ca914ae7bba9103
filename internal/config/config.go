// Package config loads the engine's configuration per SPEC_FULL.md §6.3 and
// §10, using viper so the same key table can come from environment
// variables, an optional file, or defaults (env > file > default), the
// convention kubilitics-backend uses for its own spf13/viper setup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/state"
)

// Config is the fully-resolved engine configuration.
type Config struct {
	Host             string
	User             string
	Pass             string
	CredentialID     string
	AuthMode         string // basic | token | auto

	RequestTimeout   time.Duration
	PoolSize         int
	BatchMaxParallel int

	HistoryHotCapacity   int
	HistoryColdDir       string
	HistoryRetentionDays map[string]int

	RateLimitCapacity     float64
	RateLimitRefillPerSec float64

	WSGracePeriod time.Duration
	MetricsAddr   string
	LogLevel      string

	MCPTransport string // stdio | http
	MCPAddr      string
}

// Defaults mirrors the defaults named throughout SPEC_FULL.md §4.
func Defaults() Config {
	return Config{
		AuthMode:         "auto",
		RequestTimeout:   30 * time.Second,
		PoolSize:         10,
		BatchMaxParallel: 8,

		HistoryHotCapacity: 10000,
		HistoryRetentionDays: map[string]int{
			"SensorReading": 30,
			"Audit":         180,
			"DeviceState":   30,
			"SystemHealth":  30,
			"Discovery":     30,
		},

		RateLimitCapacity:     10,
		RateLimitRefillPerSec: 1,

		WSGracePeriod: 10 * time.Second,
		LogLevel:      "info",

		MCPTransport: "stdio",
		MCPAddr:      ":8080",
	}
}

// Load reads the SPEC_FULL.md §6.3 key table from environment variables
// prefixed LOXONE_ (e.g. LOXONE_HOST), an optional config file at path (if
// non-empty), and falls back to Defaults() for anything unset.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("LOXONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, loxerr.Wrap(loxerr.KindConfigInvalid, "reading config file", err).WithField(path)
		}
	}

	if h := v.GetString("host"); h != "" {
		cfg.Host = h
	}
	if u := v.GetString("user"); u != "" {
		cfg.User = u
	}
	if p := v.GetString("pass"); p != "" {
		cfg.Pass = p
	}
	if id := v.GetString("credential_id"); id != "" {
		cfg.CredentialID = id
	}
	if m := v.GetString("auth_mode"); m != "" {
		cfg.AuthMode = m
	}
	if s := v.GetInt("request_timeout_s"); s > 0 {
		cfg.RequestTimeout = time.Duration(s) * time.Second
	}
	if n := v.GetInt("pool_size"); n > 0 {
		cfg.PoolSize = n
	}
	if n := v.GetInt("batch_max_parallel"); n > 0 {
		cfg.BatchMaxParallel = n
	}
	if n := v.GetInt("history_hot_capacity"); n > 0 {
		cfg.HistoryHotCapacity = n
	}
	if d := v.GetString("history_cold_dir"); d != "" {
		cfg.HistoryColdDir = d
	} else if d, err := state.HistoryColdDir(); err == nil {
		cfg.HistoryColdDir = d
	}
	if c := v.GetFloat64("rate_limit.capacity"); c > 0 {
		cfg.RateLimitCapacity = c
	}
	if r := v.GetFloat64("rate_limit.refill_per_s"); r > 0 {
		cfg.RateLimitRefillPerSec = r
	}
	if s := v.GetInt("ws_grace_period_s"); s > 0 {
		cfg.WSGracePeriod = time.Duration(s) * time.Second
	}
	if a := v.GetString("metrics_addr"); a != "" {
		cfg.MetricsAddr = a
	}
	if l := v.GetString("log_level"); l != "" {
		cfg.LogLevel = l
	}
	if t := v.GetString("mcp_transport"); t != "" {
		cfg.MCPTransport = t
	}
	if a := v.GetString("mcp_addr"); a != "" {
		cfg.MCPAddr = a
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the resolved configuration is internally consistent.
func (c Config) Validate() error {
	if c.Host == "" {
		return loxerr.New(loxerr.KindConfigMissing, "host is required").WithField("host")
	}
	switch c.AuthMode {
	case "basic", "token", "auto":
	default:
		return loxerr.New(loxerr.KindConfigInvalid, fmt.Sprintf("unrecognized auth_mode %q", c.AuthMode)).WithField("auth_mode")
	}
	if c.CredentialID == "" && (c.User == "" || c.Pass == "") {
		return loxerr.New(loxerr.KindConfigMissing, "either credential_id or user+pass is required").WithField("credential_id")
	}
	switch c.MCPTransport {
	case "stdio", "http":
	default:
		return loxerr.New(loxerr.KindConfigInvalid, fmt.Sprintf("unrecognized mcp_transport %q", c.MCPTransport)).WithField("mcp_transport")
	}
	return nil
}
