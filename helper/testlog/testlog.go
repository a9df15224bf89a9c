// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates a *log.Logger backed by testing.T to ease logging in
// tests.
package testlog

import (
	"io"
	"log"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// Logger is the methods of testing.T (or testing.B) needed by the test
// logger.
type Logger interface {
	Helper()
	Logf(format string, args ...interface{})
	Name() string
}

// Writer implements io.Writer on top of a Logger.
type Writer struct {
	t Logger
}

// NewWriter creates a new Writer.
func NewWriter(t Logger) *Writer {
	return &Writer{t}
}

// Write to an underlying Logger. Never returns an error.
func (w *Writer) Write(p []byte) (n int, err error) {
	w.t.Helper()
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewLog returns a new test logger. See https://golang.org/pkg/log/#New
func NewLog(t Logger, prefix string, flag int) *log.Logger {
	return log.New(&Writer{t}, prefix, flag)
}

// New returns a logger with "TEST" prefix and the Lmicroseconds flag.
func New(t Logger) *log.Logger {
	return NewLog(t, "TEST ", log.Lmicroseconds)
}

// WithPrefix returns a logger with the given prefix and the Lmicroseconds
// flag.
func WithPrefix(t Logger, prefix string) *log.Logger {
	return NewLog(t, prefix, log.Lmicroseconds)
}

// HCLogger returns a new test hc-logger. Set the BEACON_TEST_STDOUT
// environment variable to emit logs to stdout instead of through the
// testing.T, which is useful when a test deadlocks and buffered logs are
// never flushed.
func HCLogger(t Logger) hclog.InterceptLogger {
	level := hclog.Trace
	if testlogLevel := os.Getenv("BEACON_TEST_LOG_LEVEL"); testlogLevel != "" {
		level = hclog.LevelFromString(testlogLevel)
	}
	var output io.Writer = NewWriter(t)
	if os.Getenv("BEACON_TEST_STDOUT") != "" {
		output = os.Stdout
	}
	opts := &hclog.LoggerOptions{
		Name:            t.Name(),
		Level:           level,
		Output:          output,
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}
