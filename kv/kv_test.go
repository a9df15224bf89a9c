// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package kv

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/beacon/beacon/structs"
)

func TestMem_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	_, err := s.Get(ctx, "missing")
	must.ErrorIs(t, err, ErrKeyNotFound)

	must.NoError(t, s.Put(ctx, "a/1", []byte("one")))
	must.NoError(t, s.Put(ctx, "a/2", []byte("two")))
	must.NoError(t, s.Put(ctx, "b/1", []byte("three")))

	v, err := s.Get(ctx, "a/1")
	must.NoError(t, err)
	must.Eq(t, []byte("one"), v)

	items, err := s.List(ctx, "a/")
	must.NoError(t, err)
	must.Len(t, 2, items)
	must.Eq(t, "a/1", items[0].Key)
	must.Eq(t, "a/2", items[1].Key)

	must.NoError(t, s.Delete(ctx, "a/1"))
	_, err = s.Get(ctx, "a/1")
	must.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMsgHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	in := &structs.ConfigEntry{
		ConfigKey: structs.ConfigKey{Namespace: "public", Group: "DEFAULT_GROUP", DataID: "cfg1"},
		Content:   "k=v",
		MD5:       structs.ContentMD5("k=v"),
	}
	must.NoError(t, PutMsg(ctx, s, ConfigPath(in.ConfigKey), in))

	var out structs.ConfigEntry
	must.NoError(t, GetMsg(ctx, s, ConfigPath(in.ConfigKey), &out))
	must.Eq(t, in.Content, out.Content)
	must.Eq(t, in.MD5, out.MD5)
}

func TestKeyPaths(t *testing.T) {
	ck := structs.ConfigKey{Namespace: "public", Group: "g", DataID: "d"}
	must.Eq(t, "config/public/g/d", ConfigPath(ck))
	must.Eq(t, "config-history/public/g/d/00000000000000000007", ConfigHistoryPath(ck, 7))

	sk := structs.ServiceKey{Namespace: "public", Group: "g", Name: "svc"}
	inst := &structs.Instance{IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT"}
	must.Eq(t, "registry/public/g/svc/DEFAULT/10.0.0.1:8080", PersistentInstancePath(sk, inst))
}
