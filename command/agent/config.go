// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Config is the configuration for the beacon agent: the HTTP admin
// surface plus the embedded server. Zero values defer to DefaultConfig.
type Config struct {
	// HTTPAddr is the admin/console bind address.
	HTTPAddr string `json:"http_addr"`

	// RPCAddr is the client session bind address, conventionally the
	// HTTP port + 1000.
	RPCAddr string `json:"rpc_addr"`

	// DataDir holds the durable KV. Empty means in-memory only.
	DataDir string `json:"data_dir"`

	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`

	// EnableDebug exposes pprof handlers.
	EnableDebug bool `json:"enable_debug"`

	// HTTPMaxConnsPerClient caps concurrent HTTP connections per client
	// ip. Zero disables the limit.
	HTTPMaxConnsPerClient int `json:"http_max_conns_per_client"`

	AuthEnabled bool   `json:"auth_enabled"`
	TokenSecret string `json:"token_secret"`
	TokenTTL    string `json:"token_ttl"`

	Version string `json:"-"`
}

// DefaultConfig mirrors the wire-compatible defaults: console on 8848,
// sessions on 9848.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:              "0.0.0.0:8848",
		RPCAddr:               "0.0.0.0:9848",
		LogLevel:              "INFO",
		HTTPMaxConnsPerClient: 100,
	}
}

// Merge combines two configs, with b taking precedence.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}
	if b.HTTPAddr != "" {
		result.HTTPAddr = b.HTTPAddr
	}
	if b.RPCAddr != "" {
		result.RPCAddr = b.RPCAddr
	}
	if b.DataDir != "" {
		result.DataDir = b.DataDir
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJSON {
		result.LogJSON = true
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.HTTPMaxConnsPerClient != 0 {
		result.HTTPMaxConnsPerClient = b.HTTPMaxConnsPerClient
	}
	if b.AuthEnabled {
		result.AuthEnabled = true
	}
	if b.TokenSecret != "" {
		result.TokenSecret = b.TokenSecret
	}
	if b.TokenTTL != "" {
		result.TokenTTL = b.TokenTTL
	}
	if b.Version != "" {
		result.Version = b.Version
	}
	return &result
}

// ParsedTokenTTL converts the configured TTL. Empty means the server
// default.
func (c *Config) ParsedTokenTTL() (time.Duration, error) {
	if c.TokenTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.TokenTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid token_ttl %q: %w", c.TokenTTL, err)
	}
	return d, nil
}

// LoadConfigFile reads a JSON config file.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if err := json.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return config, nil
}
