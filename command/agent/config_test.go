// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestConfig_Merge(t *testing.T) {
	a := DefaultConfig()
	b := &Config{
		HTTPAddr:    "127.0.0.1:18848",
		LogLevel:    "DEBUG",
		LogJSON:     true,
		AuthEnabled: true,
		TokenSecret: "0123456789abcdef0123456789abcdef",
		TokenTTL:    "2h",
	}

	out := a.Merge(b)
	must.Eq(t, "127.0.0.1:18848", out.HTTPAddr)
	must.Eq(t, "0.0.0.0:9848", out.RPCAddr)
	must.Eq(t, "DEBUG", out.LogLevel)
	must.True(t, out.LogJSON)
	must.True(t, out.AuthEnabled)
	must.Eq(t, 100, out.HTTPMaxConnsPerClient)

	ttl, err := out.ParsedTokenTTL()
	must.NoError(t, err)
	must.Eq(t, 2*time.Hour, ttl)
}

func TestConfig_LoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.json")
	body := `{
		"http_addr": "127.0.0.1:8848",
		"data_dir": "/tmp/beacon",
		"log_level": "WARN",
		"auth_enabled": true,
		"token_secret": "0123456789abcdef0123456789abcdef"
	}`
	must.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	config, err := LoadConfigFile(path)
	must.NoError(t, err)
	must.Eq(t, "127.0.0.1:8848", config.HTTPAddr)
	must.Eq(t, "/tmp/beacon", config.DataDir)
	must.Eq(t, "WARN", config.LogLevel)
	must.True(t, config.AuthEnabled)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	must.Error(t, err)
}

func TestConfig_ParsedTokenTTL_Invalid(t *testing.T) {
	config := &Config{TokenTTL: "not-a-duration"}
	_, err := config.ParsedTokenTTL()
	must.Error(t, err)
}
