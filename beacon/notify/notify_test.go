// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/beacon/beacon/state"
	"github.com/hashicorp/beacon/beacon/stream"
	"github.com/hashicorp/beacon/beacon/structs"
	"github.com/hashicorp/beacon/helper/testlog"
	"github.com/hashicorp/beacon/kv"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushes []string
	ch     chan struct{}
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{ch: make(chan struct{}, 64)}
}

func (p *recordingPusher) PushConfigChange(sessionID string, key structs.ConfigKey) {
	p.mu.Lock()
	p.pushes = append(p.pushes, sessionID+"|"+key.ID())
	p.mu.Unlock()
	p.ch <- struct{}{}
}

func (p *recordingPusher) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.pushes))
	copy(out, p.pushes)
	return out
}

func (p *recordingPusher) waitOne(t *testing.T) {
	t.Helper()
	select {
	case <-p.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a push")
	}
}

func (p *recordingPusher) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case <-p.ch:
		t.Fatal("unexpected push")
	case <-time.After(100 * time.Millisecond):
	}
}

func testBus(t *testing.T) (*Bus, *state.StateStore, *recordingPusher, context.CancelFunc) {
	t.Helper()
	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger:  testlog.HCLogger(t),
		Durable: kv.NewMem(),
	})
	must.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	broker := stream.NewEventBroker(ctx, stream.EventBrokerCfg{})
	store.SetPublisher(broker.Publish)

	pusher := newRecordingPusher()
	bus := NewBus(testlog.HCLogger(t), store, pusher)

	sub := broker.Subscribe(&stream.SubscribeRequest{
		Topics: map[structs.Topic][]string{structs.TopicConfig: {"*"}},
	})
	go bus.Run(ctx, sub)

	t.Cleanup(cancel)
	return bus, store, pusher, cancel
}

func fp(dataID, md5 string) structs.ConfigFingerprint {
	f := structs.ConfigFingerprint{MD5: md5}
	f.DataID = dataID
	f.Canonicalize()
	return f
}

func TestBus_Listen_ImmediateDiff(t *testing.T) {
	bus, store, _, _ := testBus(t)
	ctx := context.Background()

	key := structs.ConfigKey{DataID: "cfg1"}
	key.Canonicalize()
	_, err := store.PublishConfig(ctx, &structs.ConfigPublishRequest{Config: key, Content: "v1"})
	must.NoError(t, err)

	// Stale md5 reports a change right away.
	changed, err := bus.Listen("s1", "10.0.0.1", []structs.ConfigFingerprint{fp("cfg1", "stale")})
	must.NoError(t, err)
	must.Len(t, 1, changed)

	// Matching md5 is quiet.
	changed, err = bus.Listen("s1", "10.0.0.1", []structs.ConfigFingerprint{fp("cfg1", structs.ContentMD5("v1"))})
	must.NoError(t, err)
	must.Len(t, 0, changed)

	// A fingerprint for an absent key with empty md5 is quiet, with any
	// other md5 it reports a change.
	changed, err = bus.Listen("s1", "10.0.0.1", []structs.ConfigFingerprint{fp("missing", "")})
	must.NoError(t, err)
	must.Len(t, 0, changed)
	changed, err = bus.Listen("s1", "10.0.0.1", []structs.ConfigFingerprint{fp("missing", "aaaa")})
	must.NoError(t, err)
	must.Len(t, 1, changed)
}

func TestBus_PushOnChange(t *testing.T) {
	bus, store, pusher, _ := testBus(t)
	ctx := context.Background()

	key := structs.ConfigKey{DataID: "cfg1"}
	key.Canonicalize()
	_, err := store.PublishConfig(ctx, &structs.ConfigPublishRequest{Config: key, Content: "v1"})
	must.NoError(t, err)

	_, err = bus.Listen("s1", "10.0.0.1", []structs.ConfigFingerprint{fp("cfg1", structs.ContentMD5("v1"))})
	must.NoError(t, err)

	_, err = store.PublishConfig(ctx, &structs.ConfigPublishRequest{Config: key, Content: "v2"})
	must.NoError(t, err)

	pusher.waitOne(t)
	must.Eq(t, []string{"s1|" + key.ID()}, pusher.all())

	// Removal notifies a listener holding a live md5.
	_, err = store.DeleteConfig(ctx, key)
	must.NoError(t, err)
	pusher.waitOne(t)
}

func TestBus_GrayVisibility(t *testing.T) {
	bus, store, pusher, _ := testBus(t)
	ctx := context.Background()

	key := structs.ConfigKey{DataID: "cfg1"}
	key.Canonicalize()
	_, err := store.PublishConfig(ctx, &structs.ConfigPublishRequest{Config: key, Content: "base"})
	must.NoError(t, err)

	baseMD5 := structs.ContentMD5("base")
	_, err = bus.Listen("in-gray", "10.0.0.5", []structs.ConfigFingerprint{fp("cfg1", baseMD5)})
	must.NoError(t, err)
	_, err = bus.Listen("out-of-gray", "10.0.0.6", []structs.ConfigFingerprint{fp("cfg1", baseMD5)})
	must.NoError(t, err)

	// Gray publish only changes the view of the matching ip.
	_, err = store.PublishGray(ctx, key, "gray", []string{"10.0.0.5"})
	must.NoError(t, err)

	pusher.waitOne(t)
	pusher.assertQuiet(t)
	must.Eq(t, []string{"in-gray|" + key.ID()}, pusher.all())
}

func TestBus_UnlistenAndDrop(t *testing.T) {
	bus, store, pusher, _ := testBus(t)
	ctx := context.Background()

	key := structs.ConfigKey{DataID: "cfg1"}
	key.Canonicalize()

	_, err := bus.Listen("s1", "10.0.0.1", []structs.ConfigFingerprint{fp("cfg1", "")})
	must.NoError(t, err)
	_, err = bus.Listen("s2", "10.0.0.2", []structs.ConfigFingerprint{fp("cfg1", "")})
	must.NoError(t, err)
	must.Eq(t, 1, bus.CountListens("s1"))

	bus.Unlisten("s1", []structs.ConfigKey{key})
	must.Eq(t, 0, bus.CountListens("s1"))
	bus.DropSession("s2")
	must.Eq(t, 0, bus.CountListens("s2"))

	_, err = store.PublishConfig(ctx, &structs.ConfigPublishRequest{Config: key, Content: "v1"})
	must.NoError(t, err)
	pusher.assertQuiet(t)
}

func TestBus_ListenCeiling(t *testing.T) {
	bus, _, _, _ := testBus(t)

	fps := make([]structs.ConfigFingerprint, 0, structs.MaxListenPerSession)
	for i := 0; i < structs.MaxListenPerSession; i++ {
		fps = append(fps, fp(fmt.Sprintf("cfg-%d", i), ""))
	}
	_, err := bus.Listen("s1", "10.0.0.1", fps)
	must.NoError(t, err)

	// Refreshing held keys is fine at the ceiling.
	_, err = bus.Listen("s1", "10.0.0.1", fps[:10])
	must.NoError(t, err)

	// One more distinct key is rejected.
	_, err = bus.Listen("s1", "10.0.0.1", []structs.ConfigFingerprint{fp("one-more", "")})
	must.ErrorIs(t, err, structs.ErrResourceExhausted)

	// Other sessions are unaffected.
	_, err = bus.Listen("s2", "10.0.0.2", []structs.ConfigFingerprint{fp("one-more", "")})
	must.NoError(t, err)
}
