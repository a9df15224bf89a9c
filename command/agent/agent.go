// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/beacon/beacon"
)

// Agent runs the embedded server and its HTTP admin surface.
type Agent struct {
	config    *Config
	logger    log.InterceptLogger
	logOutput io.Writer

	// inmemSink backs the metrics endpoint.
	inmemSink *metrics.InmemSink

	server     *beacon.Server
	httpServer *HTTPServer

	startTime time.Time

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewAgent starts the server and the HTTP surface.
func NewAgent(config *Config, logger log.InterceptLogger, logOutput io.Writer) (*Agent, error) {
	a := &Agent{
		config:     config,
		logger:     logger,
		logOutput:  logOutput,
		startTime:  time.Now(),
		shutdownCh: make(chan struct{}),
	}

	if err := a.setupTelemetry(); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := a.setupServer(); err != nil {
		return nil, err
	}

	httpServer, err := NewHTTPServer(a, config)
	if err != nil {
		a.server.Shutdown()
		return nil, fmt.Errorf("failed to start HTTP server: %w", err)
	}
	a.httpServer = httpServer
	return a, nil
}

// setupTelemetry wires the in-memory sink the metrics endpoint reads.
func (a *Agent) setupTelemetry() error {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	metricsConf := metrics.DefaultConfig("beacon")
	metricsConf.EnableHostname = false
	if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
		return err
	}
	a.inmemSink = inm
	return nil
}

func (a *Agent) setupServer() error {
	conf, err := a.serverConfig()
	if err != nil {
		return err
	}
	server, err := beacon.NewServer(conf)
	if err != nil {
		return fmt.Errorf("server setup failed: %w", err)
	}
	a.server = server
	return nil
}

// serverConfig projects the agent configuration onto the server's.
func (a *Agent) serverConfig() (*beacon.Config, error) {
	conf := beacon.DefaultConfig()
	conf.Logger = a.logger
	conf.LogOutput = a.logOutput
	conf.RPCAddr = a.config.RPCAddr
	conf.DataDir = a.config.DataDir
	conf.AuthEnabled = a.config.AuthEnabled
	conf.TokenSecret = a.config.TokenSecret

	ttl, err := a.config.ParsedTokenTTL()
	if err != nil {
		return nil, err
	}
	if ttl != 0 {
		conf.TokenTTL = ttl
	}
	return conf, nil
}

// Server returns the embedded server.
func (a *Agent) Server() *beacon.Server { return a.server }

// Shutdown terminates the agent: HTTP first so no new work arrives, then
// the server.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}
	a.logger.Info("requesting shutdown")

	if a.httpServer != nil {
		a.httpServer.Shutdown()
	}
	var err error
	if a.server != nil {
		err = a.server.Shutdown()
	}

	a.logger.Info("shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return err
}
