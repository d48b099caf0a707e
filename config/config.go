// config.go - kvconnect gateway configuration.
// Copyright (C) 2025  The kvconnect authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the kvconnect gateway configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel = "NOTICE"

	defaultMPS     = 60
	defaultBPS     = 1 << 20 // 1 MiB per rolling minute.
	defaultMaxKey  = 256
	defaultMaxVal  = 65536
	defaultMgetMax = 16

	defaultRequestTimeout       = 15 * 1000 // 15 sec.
	defaultPublishTimeout       = 10 * 1000 // 10 sec.
	defaultEventMaxAge          = 5 * 60    // 5 min.
	defaultClockSkewMax         = 60        // 60 sec.
	defaultIdempotencyWindow    = 60        // 60 sec.
	defaultReconnectMaxAttempts = 10
	defaultAuditQueueSize       = 1024

	defaultSecretKeyFile = "secret.key"
	defaultRegistryFile  = "registry.json"
)

// MaxNamespaceLen bounds the length of a namespace string.
const MaxNamespaceLen = 128

var namespaceRE = regexp.MustCompile(`^[A-Za-z0-9_-]+:$`)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// ValidNamespace reports whether ns is a well formed namespace: non-empty,
// `[A-Za-z0-9_-]` characters, a single trailing colon, at most
// MaxNamespaceLen characters.
func ValidNamespace(ns string) bool {
	return len(ns) <= MaxNamespaceLen && namespaceRE.MatchString(ns)
}

// Server is the gateway identity and transport configuration.
type Server struct {
	// Identifier is the human readable identifier for the gateway.
	Identifier string

	// DataDir is the absolute path to the gateway's state files.
	DataDir string

	// Namespace is the default key prefix, `[A-Za-z0-9_-]+:`.
	Namespace string

	// Relays are the relay websocket URLs the gateway subscribes on.
	Relays []string

	// SecretKey is the bech32 (nsec) server secret scalar.  When empty the
	// secret is loaded from SecretKeyFile.
	SecretKey string

	// SecretKeyFile is the path of the secret key file, `secret.key` under
	// DataDir when not set.
	SecretKeyFile string

	// MetricsAddress is the address to bind the prometheus metrics
	// endpoint to.  Metrics are disabled when empty.
	MetricsAddress string
}

func (sCfg *Server) applyDefaults() {
	if sCfg.SecretKeyFile == "" {
		sCfg.SecretKeyFile = filepath.Join(sCfg.DataDir, defaultSecretKeyFile)
	}
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if !ValidNamespace(sCfg.Namespace) {
		return fmt.Errorf("config: Server: Namespace '%v' is malformed", sCfg.Namespace)
	}
	if len(sCfg.Relays) == 0 {
		return errors.New("config: Server: no Relays configured")
	}
	for _, r := range sCfg.Relays {
		u, err := url.Parse(r)
		if err != nil {
			return fmt.Errorf("config: Server: Relay '%v' is not a URL: %v", r, err)
		}
		switch u.Scheme {
		case "ws", "wss":
		default:
			return fmt.Errorf("config: Server: Relay '%v' must be a ws:// or wss:// URL", r)
		}
	}
	return nil
}

// Backend selects the key-value store.
type Backend struct {
	// URL is the store connection string, e.g. `redis://host:6379/0` or
	// `memory://`.
	URL string
}

func (bCfg *Backend) validate() error {
	if bCfg.URL == "" {
		return errors.New("config: Backend: URL is not set")
	}
	switch {
	case strings.HasPrefix(bCfg.URL, "redis://"),
		strings.HasPrefix(bCfg.URL, "rediss://"),
		strings.HasPrefix(bCfg.URL, "memory://"):
		return nil
	default:
		return fmt.Errorf("config: Backend: unsupported URL scheme in '%v'", bCfg.URL)
	}
}

// Encryption selects the envelope scheme policy.
type Encryption struct {
	// Preference is "v2" or "v1".
	Preference string

	// DisableV2 turns the modern scheme off entirely.
	DisableV2 bool

	// DisableV1 refuses legacy payloads.
	DisableV1 bool
}

func (eCfg *Encryption) applyDefaults() {
	if eCfg.Preference == "" {
		eCfg.Preference = "v2"
	}
}

func (eCfg *Encryption) validate() error {
	switch eCfg.Preference {
	case "v1", "v2":
	default:
		return fmt.Errorf("config: Encryption: invalid Preference '%v'", eCfg.Preference)
	}
	if eCfg.DisableV2 && eCfg.DisableV1 {
		return errors.New("config: Encryption: all schemes disabled")
	}
	return nil
}

// Limits is the process default per-connection limit vector.
type Limits struct {
	// MPS is the request budget per rolling 60 second window.
	MPS int

	// BPS is the aggregate request+response byte budget per rolling 60
	// second window.
	BPS int

	// MaxKey is the maximum unqualified key length.
	MaxKey int

	// MaxVal is the maximum decoded value length.
	MaxVal int

	// MgetMax is the maximum number of keys per mget.
	MgetMax int
}

func (lCfg *Limits) applyDefaults() {
	if lCfg.MPS == 0 {
		lCfg.MPS = defaultMPS
	}
	if lCfg.BPS == 0 {
		lCfg.BPS = defaultBPS
	}
	if lCfg.MaxKey == 0 {
		lCfg.MaxKey = defaultMaxKey
	}
	if lCfg.MaxVal == 0 {
		lCfg.MaxVal = defaultMaxVal
	}
	if lCfg.MgetMax == 0 {
		lCfg.MgetMax = defaultMgetMax
	}
}

func (lCfg *Limits) validate() error {
	for _, v := range []struct {
		name string
		val  int
	}{
		{"MPS", lCfg.MPS},
		{"BPS", lCfg.BPS},
		{"MaxKey", lCfg.MaxKey},
		{"MaxVal", lCfg.MaxVal},
		{"MgetMax", lCfg.MgetMax},
	} {
		if v.val <= 0 {
			return fmt.Errorf("config: Limits: %s must be positive", v.name)
		}
	}
	return nil
}

// Registry locates the persisted connection registry.
type Registry struct {
	// File is the registry JSON document, `registry.json` under DataDir
	// when not set.
	File string
}

func (rCfg *Registry) applyDefaults(sCfg *Server) {
	if rCfg.File == "" {
		rCfg.File = filepath.Join(sCfg.DataDir, defaultRegistryFile)
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level out of `ERROR`, `WARNING`, `NOTICE`,
	// `INFO` and `DEBUG`.
	Level string
}

func (lCfg *Logging) validate() error {
	switch strings.ToUpper(lCfg.Level) {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: invalid Level '%v'", lCfg.Level)
	}
	return nil
}

// Debug is the gateway debug and tuning configuration.
type Debug struct {
	// RequestTimeout is the per-request deadline in milliseconds.
	RequestTimeout int

	// PublishTimeout bounds response emission in milliseconds.
	PublishTimeout int

	// EventMaxAge rejects inbound events older than this many seconds.
	EventMaxAge int

	// ClockSkewMax rejects inbound events from further than this many
	// seconds in the future.
	ClockSkewMax int

	// IdempotencyWindow is the replay memoization window in seconds.
	IdempotencyWindow int

	// ReconnectMaxAttempts caps consecutive relay reconnect attempts.
	ReconnectMaxAttempts int

	// AuditQueueSize bounds the in-flight audit record queue.
	AuditQueueSize int

	// GenerateOnly halts right after key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.RequestTimeout <= 0 {
		dCfg.RequestTimeout = defaultRequestTimeout
	}
	if dCfg.PublishTimeout <= 0 {
		dCfg.PublishTimeout = defaultPublishTimeout
	}
	if dCfg.EventMaxAge <= 0 {
		dCfg.EventMaxAge = defaultEventMaxAge
	}
	if dCfg.ClockSkewMax <= 0 {
		dCfg.ClockSkewMax = defaultClockSkewMax
	}
	if dCfg.IdempotencyWindow <= 0 {
		dCfg.IdempotencyWindow = defaultIdempotencyWindow
	}
	if dCfg.ReconnectMaxAttempts <= 0 {
		dCfg.ReconnectMaxAttempts = defaultReconnectMaxAttempts
	}
	if dCfg.AuditQueueSize <= 0 {
		dCfg.AuditQueueSize = defaultAuditQueueSize
	}
}

// Config is the top level kvconnect gateway configuration.
type Config struct {
	Server     *Server
	Backend    *Backend
	Encryption *Encryption
	Limits     *Limits
	Registry   *Registry
	Logging    *Logging

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Backend == nil {
		return errors.New("config: No Backend block was present")
	}
	if cfg.Encryption == nil {
		cfg.Encryption = &Encryption{}
	}
	if cfg.Limits == nil {
		cfg.Limits = &Limits{}
	}
	if cfg.Registry == nil {
		cfg.Registry = &Registry{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Server.applyDefaults()
	cfg.Encryption.applyDefaults()
	cfg.Limits.applyDefaults()
	cfg.Registry.applyDefaults(cfg.Server)
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Backend.validate(); err != nil {
		return err
	}
	if err := cfg.Encryption.validate(); err != nil {
		return err
	}
	if err := cfg.Limits.validate(); err != nil {
		return err
	}
	return cfg.Logging.validate()
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: nil buffer")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
