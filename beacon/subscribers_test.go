// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"context"
	"sync"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/beacon/beacon/state"
	"github.com/hashicorp/beacon/beacon/structs"
	"github.com/hashicorp/beacon/helper/testlog"
	"github.com/hashicorp/beacon/kv"
)

type recordedPush struct {
	sessionID string
	info      *structs.ServiceInfo
}

// recordingPusher captures deliveries in place of a client pipe.
type recordingPusher struct {
	mu     sync.Mutex
	pushes []recordedPush
}

func (r *recordingPusher) PushService(sessionID string, info *structs.ServiceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, recordedPush{sessionID: sessionID, info: info})
}

func (r *recordingPusher) take() []recordedPush {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pushes
	r.pushes = nil
	return out
}

func testSubscribers(t *testing.T) (*subscribers, *state.StateStore, *recordingPusher) {
	t.Helper()
	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger:  testlog.HCLogger(t),
		Durable: kv.NewMem(),
	})
	must.NoError(t, err)
	rec := &recordingPusher{}
	return newSubscribers(testlog.HCLogger(t), store, rec), store, rec
}

func registerInstance(t *testing.T, store *state.StateStore, key structs.ServiceKey, ip, cluster string) {
	t.Helper()
	inst := &structs.Instance{
		IP: ip, Port: 8080, ClusterName: cluster,
		Weight: 1, Healthy: true, Enabled: true,
	}
	inst.Canonicalize()
	_, err := store.UpsertInstance(context.Background(), key, inst)
	must.NoError(t, err)
}

func TestSubscribers_ClusterFilterSuppression(t *testing.T) {
	subs, store, rec := testSubscribers(t)

	key := structs.ServiceKey{Name: "web"}
	key.Canonicalize()
	registerInstance(t, store, key, "10.0.0.1", "A")

	info, err := subs.Subscribe("sess1", key, "A")
	must.NoError(t, err)
	must.Len(t, 1, info.Hosts)

	// A registration outside the subscriber's cluster filter leaves its
	// view unchanged and must not push.
	registerInstance(t, store, key, "10.0.0.2", "B")
	subs.push(key)
	must.Len(t, 0, rec.take())

	// A registration inside the filter pushes the new view.
	registerInstance(t, store, key, "10.0.0.3", "A")
	subs.push(key)
	pushes := rec.take()
	must.Len(t, 1, pushes)
	must.Eq(t, "sess1", pushes[0].sessionID)
	must.Eq(t, "A", pushes[0].info.Clusters)
	must.Len(t, 2, pushes[0].info.Hosts)

	// Replaying the event with no further change is suppressed.
	subs.push(key)
	must.Len(t, 0, rec.take())
}

func TestSubscribers_UnfilteredSeesEveryCluster(t *testing.T) {
	subs, store, rec := testSubscribers(t)

	key := structs.ServiceKey{Name: "web"}
	key.Canonicalize()

	_, err := subs.Subscribe("sess1", key, "")
	must.NoError(t, err)

	registerInstance(t, store, key, "10.0.0.1", "A")
	subs.push(key)
	registerInstance(t, store, key, "10.0.0.2", "B")
	subs.push(key)

	pushes := rec.take()
	must.Len(t, 2, pushes)
	must.Len(t, 1, pushes[0].info.Hosts)
	must.Len(t, 2, pushes[1].info.Hosts)
}

func TestSubscribers_PerFilterDelivery(t *testing.T) {
	subs, store, rec := testSubscribers(t)

	key := structs.ServiceKey{Name: "web"}
	key.Canonicalize()
	registerInstance(t, store, key, "10.0.0.1", "A")

	_, err := subs.Subscribe("sessA", key, "A")
	must.NoError(t, err)
	_, err = subs.Subscribe("sessB", key, "B")
	must.NoError(t, err)

	// Only the cluster-B watcher's view changes.
	registerInstance(t, store, key, "10.0.0.2", "B")
	subs.push(key)

	pushes := rec.take()
	must.Len(t, 1, pushes)
	must.Eq(t, "sessB", pushes[0].sessionID)
	must.Eq(t, "B", pushes[0].info.Clusters)
}

func TestSubscribers_DropSession(t *testing.T) {
	subs, store, rec := testSubscribers(t)

	key := structs.ServiceKey{Name: "web"}
	key.Canonicalize()

	_, err := subs.Subscribe("sess1", key, "")
	must.NoError(t, err)
	must.True(t, subs.HasSubscribers(key))

	subs.DropSession("sess1")
	must.False(t, subs.HasSubscribers(key))

	registerInstance(t, store, key, "10.0.0.1", "A")
	subs.push(key)
	must.Len(t, 0, rec.take())
}

func TestSubscribers_Subscriptions(t *testing.T) {
	subs, _, _ := testSubscribers(t)

	web := structs.ServiceKey{Name: "web"}
	web.Canonicalize()
	api := structs.ServiceKey{Name: "api"}
	api.Canonicalize()

	_, err := subs.Subscribe("sess1", web, "A")
	must.NoError(t, err)
	_, err = subs.Subscribe("sess1", api, "")
	must.NoError(t, err)

	held := subs.Subscriptions("sess1")
	must.Len(t, 2, held)
	byName := map[string]string{}
	for _, sub := range held {
		byName[sub.Service.Name] = sub.Clusters
	}
	must.Eq(t, map[string]string{"web": "A", "api": ""}, byName)

	subs.Unsubscribe("sess1", web)
	must.Len(t, 1, subs.Subscriptions("sess1"))
	must.Len(t, 0, subs.Subscriptions("ghost"))
}
