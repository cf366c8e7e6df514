// Package config loads clearctl TOML files onto defaults and renders
// starter templates.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/clearctl/internal/auth"
	"github.com/danmuck/clearctl/internal/client"
	"github.com/danmuck/clearctl/internal/logging"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/danmuck/clearctl/internal/transport"
	"github.com/shopspring/decimal"
)

var (
	ErrNoKey        = errors.New("config: private_key or private_key_file required")
	ErrAmbiguousKey = errors.New("config: set only one of private_key and private_key_file")
)

// Config is the resolved process configuration.
type Config struct {
	Client client.Config

	PrivateKey     string
	PrivateKeyFile string

	Admin AdminConfig

	LogLevel string
	LogJSON  bool
}

type AdminConfig struct {
	Addr        string
	Token       string
	CorsOrigins []string
}

func Default() Config {
	return Config{
		Client: client.Config{
			Transport:         transport.DefaultConfig(),
			Auth:              auth.DefaultConfig(),
			SuperviseInterval: time.Minute,
		},
		Admin: AdminConfig{
			Addr:        "127.0.0.1:7070",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		LogLevel: "info",
	}
}

type fileConfig struct {
	URL                  string      `toml:"url"`
	ConnectTimeout       string      `toml:"connect_timeout"`
	RequestTimeout       string      `toml:"request_timeout"`
	MaxReconnectAttempts int         `toml:"max_reconnect_attempts"`
	SuperviseInterval    string      `toml:"supervise_interval"`
	Backoff              backoffFile `toml:"backoff"`
	TLS                  tlsFile     `toml:"tls"`
	Auth                 authFile    `toml:"auth"`
	Wallet               walletFile  `toml:"wallet"`
	Admin                adminFile   `toml:"admin"`
	Log                  logFile     `toml:"log"`
}

type backoffFile struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type tlsFile struct {
	CAFile             string `toml:"ca_file,omitempty"`
	ServerName         string `toml:"server_name,omitempty"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify,omitempty"`
}

type authFile struct {
	Application        string          `toml:"application"`
	Scope              string          `toml:"scope"`
	SessionDuration    string          `toml:"session_duration"`
	ExpiringSoonWindow string          `toml:"expiring_soon_window"`
	Allowances         []allowanceFile `toml:"allowances,omitempty"`
}

type allowanceFile struct {
	Asset  string `toml:"asset"`
	Amount string `toml:"amount"`
}

type walletFile struct {
	PrivateKey     string `toml:"private_key,omitempty"`
	PrivateKeyFile string `toml:"private_key_file,omitempty"`
}

type adminFile struct {
	Addr        string   `toml:"addr"`
	Token       string   `toml:"token,omitempty"`
	CorsOrigins []string `toml:"cors_origins"`
}

type logFile struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Load decodes path and overlays every key it defines onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}

	tc := &cfg.Client.Transport
	ac := &cfg.Client.Auth

	if meta.IsDefined("url") {
		tc.URL = strings.TrimSpace(raw.URL)
	}
	durations := []struct {
		key  []string
		raw  string
		dest *time.Duration
	}{
		{[]string{"connect_timeout"}, raw.ConnectTimeout, &tc.ConnectTimeout},
		{[]string{"request_timeout"}, raw.RequestTimeout, &tc.RequestTimeout},
		{[]string{"supervise_interval"}, raw.SuperviseInterval, &cfg.Client.SuperviseInterval},
		{[]string{"backoff", "initial_delay"}, raw.Backoff.InitialDelay, &tc.Backoff.InitialDelay},
		{[]string{"backoff", "max_delay"}, raw.Backoff.MaxDelay, &tc.Backoff.MaxDelay},
		{[]string{"auth", "session_duration"}, raw.Auth.SessionDuration, &ac.SessionDuration},
		{[]string{"auth", "expiring_soon_window"}, raw.Auth.ExpiringSoonWindow, &ac.ExpiringSoonWindow},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dest = v
	}
	// Only the connect timeout follows request_timeout when left unset.
	if meta.IsDefined("request_timeout") && !meta.IsDefined("connect_timeout") {
		tc.ConnectTimeout = tc.RequestTimeout
	}

	if meta.IsDefined("max_reconnect_attempts") {
		tc.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("backoff", "multiplier") {
		tc.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		tc.Backoff.Jitter = raw.Backoff.Jitter
	}
	if meta.IsDefined("tls") {
		tc.TLS = transport.TLSConfig{
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}

	if meta.IsDefined("auth", "application") {
		ac.Application = strings.TrimSpace(raw.Auth.Application)
	}
	if meta.IsDefined("auth", "scope") {
		ac.Scope = strings.TrimSpace(raw.Auth.Scope)
	}
	if meta.IsDefined("auth", "allowances") {
		allowances, err := parseAllowances(raw.Auth.Allowances)
		if err != nil {
			return Config{}, err
		}
		ac.Allowances = allowances
	}

	if meta.IsDefined("wallet", "private_key") {
		cfg.PrivateKey = strings.TrimSpace(raw.Wallet.PrivateKey)
	}
	if meta.IsDefined("wallet", "private_key_file") {
		cfg.PrivateKeyFile = strings.TrimSpace(raw.Wallet.PrivateKeyFile)
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeOrigins(raw.Admin.CorsOrigins)
	}

	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "json") {
		cfg.LogJSON = raw.Log.JSON
	}
	return cfg, nil
}

func parseAllowances(in []allowanceFile) ([]rpc.Allowance, error) {
	out := make([]rpc.Allowance, 0, len(in))
	for i, a := range in {
		asset := strings.ToLower(strings.TrimSpace(a.Asset))
		if asset == "" {
			return nil, fmt.Errorf("auth.allowances[%d]: asset is required", i)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(a.Amount))
		if err != nil {
			return nil, fmt.Errorf("auth.allowances[%d]: amount: %w", i, err)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("auth.allowances[%d]: amount must not be negative", i)
		}
		out = append(out, rpc.Allowance{Asset: asset, Amount: amount.String()})
	}
	return out, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (c Config) Validate() error {
	if err := c.Client.Transport.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Client.Auth.Application) == "" {
		return fmt.Errorf("config missing auth.application")
	}
	if c.Client.Auth.ExpiringSoonWindow >= c.Client.Auth.SessionDuration {
		return fmt.Errorf("auth.expiring_soon_window (%s) must be shorter than auth.session_duration (%s)",
			c.Client.Auth.ExpiringSoonWindow, c.Client.Auth.SessionDuration)
	}
	if c.PrivateKey != "" && c.PrivateKeyFile != "" {
		return ErrAmbiguousKey
	}
	if c.PrivateKey == "" && c.PrivateKeyFile == "" {
		return ErrNoKey
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("config log.level %q not recognised", c.LogLevel)
	}
	return nil
}

// Signer resolves the wallet key from the inline value or the key file.
func (c Config) Signer() (*auth.KeySigner, error) {
	switch {
	case c.PrivateKey != "" && c.PrivateKeyFile != "":
		return nil, ErrAmbiguousKey
	case c.PrivateKey != "":
		return auth.KeySignerFromHex(c.PrivateKey)
	case c.PrivateKeyFile != "":
		data, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("config read key file: %w", err)
		}
		return auth.KeySignerFromHex(string(data))
	default:
		return nil, ErrNoKey
	}
}

// Logging maps the log section onto a runtime logger config. CLEARCTL_LOG_*
// variables still take precedence.
func (c Config) Logging() logging.Config {
	cfg := logging.RuntimeConfig()
	if lvl, ok := logging.ParseLevel(c.LogLevel); ok {
		cfg.Level = lvl
	}
	cfg.JSON = c.LogJSON
	logging.ApplyEnvOverrides(&cfg)
	return cfg
}
