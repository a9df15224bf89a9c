// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	log "github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/hashicorp/beacon/version"
)

// Command is the `agent` CLI command: it runs the server in the
// foreground until signalled.
type Command struct {
	Ui         cli.Ui
	Version    *version.VersionInfo
	ShutdownCh <-chan struct{}

	agent *Agent
}

func (c *Command) readConfig(args []string) *Config {
	var configPath string
	cmdConfig := &Config{}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }
	flags.StringVar(&configPath, "config", "", "")
	flags.StringVar(&cmdConfig.HTTPAddr, "http-addr", "", "")
	flags.StringVar(&cmdConfig.RPCAddr, "rpc-addr", "", "")
	flags.StringVar(&cmdConfig.DataDir, "data-dir", "", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJSON, "log-json", false, "")
	flags.BoolVar(&cmdConfig.EnableDebug, "enable-debug", false, "")
	flags.BoolVar(&cmdConfig.AuthEnabled, "auth-enabled", false, "")
	flags.StringVar(&cmdConfig.TokenSecret, "token-secret", "", "")
	if err := flags.Parse(args); err != nil {
		return nil
	}

	config := DefaultConfig()
	if configPath != "" {
		fileConfig, err := LoadConfigFile(configPath)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %s", configPath, err))
			return nil
		}
		config = config.Merge(fileConfig)
	}
	config = config.Merge(cmdConfig)
	config.Version = c.Version.VersionNumber()
	return config
}

func (c *Command) Run(args []string) int {
	config := c.readConfig(args)
	if config == nil {
		return 1
	}

	logger := log.NewInterceptLogger(&log.LoggerOptions{
		Name:       "beacon",
		Level:      log.LevelFromString(config.LogLevel),
		Output:     os.Stderr,
		JSONFormat: config.LogJSON,
	})

	c.Ui.Output(fmt.Sprintf("Starting Beacon %s", config.Version))
	agent, err := NewAgent(config, logger, os.Stderr)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}
	c.agent = agent

	c.Ui.Output(fmt.Sprintf("HTTP server listening on %s", agent.httpServer.Addr))
	if addr := agent.server.RPCAddr(); addr != "" {
		c.Ui.Output(fmt.Sprintf("RPC server listening on %s", addr))
	}

	return c.handleSignals()
}

// handleSignals blocks until a termination signal arrives. A first
// interrupt shuts down gracefully; a second one forces exit.
func (c *Command) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))
	case <-c.ShutdownCh:
	}

	done := make(chan error, 1)
	go func() { done <- c.agent.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error during shutdown: %s", err))
			return 1
		}
		return 0
	case <-signalCh:
		c.Ui.Output("Forcing shutdown")
		return 1
	}
}

func (c *Command) Synopsis() string {
	return "Runs a Beacon agent"
}

func (c *Command) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-config":       complete.PredictFiles("*.json"),
		"-http-addr":    complete.PredictAnything,
		"-rpc-addr":     complete.PredictAnything,
		"-data-dir":     complete.PredictDirs("*"),
		"-log-level":    complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
		"-log-json":     complete.PredictNothing,
		"-enable-debug": complete.PredictNothing,
		"-auth-enabled": complete.PredictNothing,
		"-token-secret": complete.PredictAnything,
	}
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *Command) Help() string {
	helpText := `
Usage: beacon agent [options]

  Starts the Beacon agent: the service registry, config store, and the
  HTTP and RPC surfaces.

Options:

  -config=<path>
    Path to a JSON configuration file.

  -http-addr=<addr>
    Address to bind the HTTP admin surface to. Default 0.0.0.0:8848.

  -rpc-addr=<addr>
    Address to bind the client RPC surface to. Default 0.0.0.0:9848.

  -data-dir=<path>
    Directory for durable state. Omit to run fully in memory.

  -log-level=<level>
    One of TRACE, DEBUG, INFO, WARN, ERROR. Default INFO.

  -log-json
    Emit logs in JSON format.

  -enable-debug
    Expose pprof handlers.

  -auth-enabled
    Require authentication on all surfaces.

  -token-secret=<secret>
    HMAC secret for access tokens. Required with -auth-enabled; must be
    at least 32 bytes.
`
	return strings.TrimSpace(helpText)
}
