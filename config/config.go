// config.go - mixproxy configuration
// Copyright (C) 2024  David Stainton.
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

// Package config provides the mixproxy configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel           = "NOTICE"
	defaultStoreFile          = "replies.db"
	defaultAllowedHostsFile   = "allowed.list"
	defaultUnknownHostsFile   = "unknown.list"
	defaultWebsocketAddress   = "ws://127.0.0.1:1977"
	defaultMinSurbThreshold   = 10
	defaultMaxSurbThreshold   = 200
	defaultDialTimeout        = 10 // seconds
	defaultMaxLaneQueueLength = 20
	defaultStatsInterval      = 60 // seconds
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Store is the reply credential store configuration.
type Store struct {
	// File is the credential store database, relative to DataDir.
	File string

	// MinSurbThreshold is the pool size at or below which replenishment
	// is requested.
	MinSurbThreshold uint32

	// MaxSurbThreshold is the largest per-peer SURB pool size.
	MaxSurbThreshold uint32
}

func (sCfg *Store) applyDefaults() {
	if sCfg.File == "" {
		sCfg.File = defaultStoreFile
	}
	if sCfg.MinSurbThreshold == 0 {
		sCfg.MinSurbThreshold = defaultMinSurbThreshold
	}
	if sCfg.MaxSurbThreshold == 0 {
		sCfg.MaxSurbThreshold = defaultMaxSurbThreshold
	}
}

func (sCfg *Store) validate() error {
	if sCfg.MinSurbThreshold > sCfg.MaxSurbThreshold {
		return fmt.Errorf("config: Store: MinSurbThreshold %d exceeds MaxSurbThreshold %d",
			sCfg.MinSurbThreshold, sCfg.MaxSurbThreshold)
	}
	return nil
}

// Proxy is the proxy session configuration.
type Proxy struct {
	// OpenProxy disables the outbound destination filter entirely.
	OpenProxy bool

	// DialTimeout is the outbound TCP connect timeout in seconds.
	DialTimeout int

	// MaxLaneQueueLength is the egress queue depth above which a session
	// stops reading from its remote socket.
	MaxLaneQueueLength int
}

func (pCfg *Proxy) applyDefaults() {
	if pCfg.DialTimeout <= 0 {
		pCfg.DialTimeout = defaultDialTimeout
	}
	if pCfg.MaxLaneQueueLength <= 0 {
		pCfg.MaxLaneQueueLength = defaultMaxLaneQueueLength
	}
}

// Filter is the outbound destination filter configuration.
type Filter struct {
	// AllowedHostsFile is the allowlist, relative to DataDir.
	AllowedHostsFile string

	// UnknownHostsFile records hosts that failed the allowlist, relative
	// to DataDir.
	UnknownHostsFile string
}

func (fCfg *Filter) applyDefaults() {
	if fCfg.AllowedHostsFile == "" {
		fCfg.AllowedHostsFile = defaultAllowedHostsFile
	}
	if fCfg.UnknownHostsFile == "" {
		fCfg.UnknownHostsFile = defaultUnknownHostsFile
	}
}

// Stats is the statistics configuration.
type Stats struct {
	// Enable turns on traffic statistics collection.
	Enable bool

	// ProviderAddress is the mix network address reports are sent to, if
	// any.
	ProviderAddress string

	// Interval is the report interval in seconds.
	Interval int

	// MetricsAddress, when set, exposes prometheus metrics over HTTP.
	MetricsAddress string
}

func (sCfg *Stats) applyDefaults() {
	if sCfg.Interval <= 0 {
		sCfg.Interval = defaultStatsInterval
	}
}

// Client is the local mix network client configuration.
type Client struct {
	// WebsocketAddress is the local mix client daemon websocket endpoint.
	WebsocketAddress string
}

func (cCfg *Client) applyDefaults() {
	if cCfg.WebsocketAddress == "" {
		cCfg.WebsocketAddress = defaultWebsocketAddress
	}
}

// Config is the top level mixproxy configuration.
type Config struct {
	// DataDir is the absolute path to the provider's state directory.
	DataDir string

	Logging *Logging
	Store   *Store
	Proxy   *Proxy
	Filter  *Filter
	Stats   *Stats
	Client  *Client
}

// StoreFile returns the credential store path resolved against DataDir.
func (cfg *Config) StoreFile() string {
	return rootify(cfg.DataDir, cfg.Store.File)
}

// AllowedHostsFile returns the allowlist path resolved against DataDir.
func (cfg *Config) AllowedHostsFile() string {
	return rootify(cfg.DataDir, cfg.Filter.AllowedHostsFile)
}

// UnknownHostsFile returns the unknown-hosts path resolved against
// DataDir.
func (cfg *Config) UnknownHostsFile() string {
	return rootify(cfg.DataDir, cfg.Filter.UnknownHostsFile)
}

func rootify(dataDir, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(dataDir, f)
}

// FixupAndValidate applies defaults to unset fields and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.DataDir == "" {
		return errors.New("config: No DataDir was present")
	}
	if !filepath.IsAbs(cfg.DataDir) {
		return fmt.Errorf("config: DataDir '%v' is not an absolute path", cfg.DataDir)
	}

	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Store == nil {
		cfg.Store = &Store{}
	}
	if cfg.Proxy == nil {
		cfg.Proxy = &Proxy{}
	}
	if cfg.Filter == nil {
		cfg.Filter = &Filter{}
	}
	if cfg.Stats == nil {
		cfg.Stats = &Stats{}
	}
	if cfg.Client == nil {
		cfg.Client = &Client{}
	}

	cfg.Store.applyDefaults()
	cfg.Proxy.applyDefaults()
	cfg.Filter.applyDefaults()
	cfg.Stats.applyDefaults()
	cfg.Client.applyDefaults()

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Store.validate(); err != nil {
		return err
	}
	if cfg.Stats.Enable && cfg.Stats.ProviderAddress == "" && cfg.Stats.MetricsAddress == "" {
		return errors.New("config: Stats: enabled but neither ProviderAddress nor MetricsAddress is set")
	}
	return nil
}

// Load parses and validates the provided buffer b as a mixproxy config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the config file at path f.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
