// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"io"
	"os"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

// Config is the runtime configuration of a Server.
type Config struct {
	Logger    hclog.InterceptLogger
	LogOutput io.Writer

	// RPCAddr is the host:port the bidirectional client RPC plane listens
	// on. Empty disables the listener, which tests and embedded use rely
	// on.
	RPCAddr string

	// DataDir holds the durable store. Empty keeps everything in memory.
	DataDir string

	// AuthEnabled gates the whole auth plane.
	AuthEnabled bool

	// TokenSecret signs access tokens. Required when auth is enabled.
	TokenSecret string

	TokenTTL time.Duration

	// EventBufferSize bounds the broker's replay buffer.
	EventBufferSize int64

	// TombstoneGrace is how long an empty service survives before the
	// reaper may collect it.
	TombstoneGrace time.Duration

	ReapInterval time.Duration

	SessionIdleTimeout time.Duration
	SessionPingGrace   time.Duration

	// PushQueueDepth bounds the per-session pending push set. A session
	// that stays saturated past PushSaturationWait is reset.
	PushQueueDepth     int
	PushSaturationWait time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		LogOutput:          os.Stderr,
		RPCAddr:            "0.0.0.0:9848",
		EventBufferSize:    1024,
		TombstoneGrace:     30 * time.Second,
		ReapInterval:       10 * time.Second,
		SessionIdleTimeout: 20 * time.Second,
		SessionPingGrace:   5 * time.Second,
		PushQueueDepth:     1024,
		PushSaturationWait: 10 * time.Second,
	}
}
