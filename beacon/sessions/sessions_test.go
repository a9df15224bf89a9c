// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/beacon/beacon/structs"
	"github.com/hashicorp/beacon/helper/testlog"
)

func TestManager_CreateGetClose(t *testing.T) {
	var closes []string
	var mu sync.Mutex
	m := NewManager(&Config{
		Logger: testlog.HCLogger(t),
		OnClose: func(_ context.Context, sess *Session) error {
			mu.Lock()
			defer mu.Unlock()
			closes = append(closes, sess.ID)
			return nil
		},
	})

	sess, err := m.Create(structs.Principal{Username: "u1"}, "10.0.0.1", nil)
	must.NoError(t, err)
	must.Eq(t, 1, m.Count())

	got, err := m.Get(sess.ID)
	must.NoError(t, err)
	must.Eq(t, sess.ID, got.ID)

	must.NoError(t, m.Close(context.Background(), sess.ID))
	must.Eq(t, 0, m.Count())

	// Late messages for a closed session are rejected.
	_, err = m.Get(sess.ID)
	must.ErrorIs(t, err, structs.ErrSessionClosed)
	must.ErrorIs(t, m.Touch(sess.ID), structs.ErrSessionClosed)

	// Close is idempotent: the hook ran exactly once.
	must.NoError(t, m.Close(context.Background(), sess.ID))
	mu.Lock()
	must.Eq(t, []string{sess.ID}, closes)
	mu.Unlock()
}

func TestManager_Close_SurfacesCleanupError(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(&Config{
		Logger:  testlog.HCLogger(t),
		OnClose: func(context.Context, *Session) error { return boom },
	})

	sess, err := m.Create(structs.Principal{}, "10.0.0.1", nil)
	must.NoError(t, err)

	err = m.Close(context.Background(), sess.ID)
	must.ErrorIs(t, err, boom)

	// Even a failed cleanup removes the session.
	must.Eq(t, 0, m.Count())
	must.NoError(t, m.Close(context.Background(), sess.ID))
}

func TestManager_Keepalive_PingThenExpire(t *testing.T) {
	var pings atomic.Int64
	m := NewManager(&Config{
		Logger:      testlog.HCLogger(t),
		IdleTimeout: 20 * time.Millisecond,
		PingGrace:   20 * time.Millisecond,
		Ping: func(*Session) error {
			pings.Add(1)
			return nil
		},
	})

	sess, err := m.Create(structs.Principal{}, "10.0.0.1", nil)
	must.NoError(t, err)

	ctx := context.Background()

	// Idle long enough to be probed, but not closed yet.
	time.Sleep(25 * time.Millisecond)
	m.sweep(ctx)
	must.Eq(t, int64(1), pings.Load())
	must.Eq(t, 1, m.Count())

	// The probe is not repeated while outstanding.
	m.sweep(ctx)
	must.Eq(t, int64(1), pings.Load())

	// Silence through the grace window closes the session.
	time.Sleep(25 * time.Millisecond)
	m.sweep(ctx)
	must.Eq(t, 0, m.Count())

	_, err = m.Get(sess.ID)
	must.ErrorIs(t, err, structs.ErrSessionClosed)
}

func TestManager_Keepalive_TouchResets(t *testing.T) {
	var pings atomic.Int64
	m := NewManager(&Config{
		Logger:      testlog.HCLogger(t),
		IdleTimeout: 20 * time.Millisecond,
		PingGrace:   20 * time.Millisecond,
		Ping: func(*Session) error {
			pings.Add(1)
			return nil
		},
	})

	sess, err := m.Create(structs.Principal{}, "10.0.0.1", nil)
	must.NoError(t, err)

	ctx := context.Background()
	time.Sleep(25 * time.Millisecond)
	m.sweep(ctx)
	must.Eq(t, int64(1), pings.Load())

	// A ping answer clears the probe and restarts the idle clock.
	must.NoError(t, m.Touch(sess.ID))
	m.sweep(ctx)
	must.Eq(t, 1, m.Count())
	must.Eq(t, int64(1), pings.Load())
}

func TestManager_Keepalive_PingSendFailureCloses(t *testing.T) {
	m := NewManager(&Config{
		Logger:      testlog.HCLogger(t),
		IdleTimeout: 10 * time.Millisecond,
		PingGrace:   time.Hour,
		Ping:        func(*Session) error { return errors.New("conn gone") },
	})

	_, err := m.Create(structs.Principal{}, "10.0.0.1", nil)
	must.NoError(t, err)

	time.Sleep(15 * time.Millisecond)
	m.sweep(context.Background())
	must.Eq(t, 0, m.Count())
}

func TestManager_CloseAll(t *testing.T) {
	var closes atomic.Int64
	m := NewManager(&Config{
		Logger: testlog.HCLogger(t),
		OnClose: func(context.Context, *Session) error {
			closes.Add(1)
			return nil
		},
	})

	for i := 0; i < 10; i++ {
		_, err := m.Create(structs.Principal{}, "10.0.0.1", nil)
		must.NoError(t, err)
	}
	must.Eq(t, 10, m.Count())

	must.NoError(t, m.CloseAll(context.Background()))
	must.Eq(t, 0, m.Count())
	must.Eq(t, int64(10), closes.Load())
}
