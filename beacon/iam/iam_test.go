// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package iam

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/beacon/beacon/state"
	"github.com/hashicorp/beacon/beacon/structs"
	"github.com/hashicorp/beacon/helper/testlog"
	"github.com/hashicorp/beacon/kv"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testAuth(t *testing.T, enabled bool) (*Auth, *state.StateStore) {
	t.Helper()
	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger:  testlog.HCLogger(t),
		Durable: kv.NewMem(),
	})
	must.NoError(t, err)

	auth, err := New(&Config{
		Logger:      testlog.HCLogger(t),
		State:       store,
		Enabled:     enabled,
		TokenSecret: testSecret,
	})
	must.NoError(t, err)
	must.NoError(t, auth.Bootstrap(context.Background()))
	return auth, store
}

func TestAuth_Bootstrap_SeedsRootOnce(t *testing.T) {
	auth, store := testAuth(t, true)

	user, err := store.UserByName(structs.RootUser)
	must.NoError(t, err)
	must.NotNil(t, user)

	roles, err := store.RolesByUser(structs.RootUser)
	must.NoError(t, err)
	must.Eq(t, []string{structs.RootRole}, roles)

	// A second bootstrap with users present is a no-op.
	must.NoError(t, store.DeleteRoleBinding(context.Background(), structs.RootRole, structs.RootUser))
	must.NoError(t, auth.Bootstrap(context.Background()))
	roles, err = store.RolesByUser(structs.RootUser)
	must.NoError(t, err)
	must.Len(t, 0, roles)
}

func TestAuth_LoginAndAuthenticate(t *testing.T) {
	auth, _ := testAuth(t, true)
	ctx := context.Background()

	resp, err := auth.Login(ctx, structs.RootUser, structs.RootUser)
	must.NoError(t, err)
	must.True(t, resp.GlobalAdmin)
	must.Positive(t, resp.TokenTTL)

	principal, err := auth.Authenticate(resp.AccessToken)
	must.NoError(t, err)
	must.Eq(t, structs.RootUser, principal.Username)
	must.True(t, principal.Management)

	_, err = auth.Login(ctx, structs.RootUser, "wrong")
	must.ErrorIs(t, err, structs.ErrUnauthenticated)
	_, err = auth.Login(ctx, "nobody", "whatever")
	must.ErrorIs(t, err, structs.ErrUnauthenticated)

	_, err = auth.Authenticate("not-a-token")
	must.ErrorIs(t, err, structs.ErrUnauthenticated)
	_, err = auth.Authenticate("")
	must.ErrorIs(t, err, structs.ErrUnauthenticated)
}

func TestAuth_Login_Throttled(t *testing.T) {
	auth, _ := testAuth(t, true)
	ctx := context.Background()

	var throttled bool
	for i := 0; i < loginBurst+1; i++ {
		_, err := auth.Login(ctx, "attacker", "guess")
		if structs.IsErrResourceExhausted(err) {
			throttled = true
			break
		}
		must.ErrorIs(t, err, structs.ErrUnauthenticated)
	}
	must.True(t, throttled)

	// Other usernames have their own budget.
	_, err := auth.Login(ctx, structs.RootUser, structs.RootUser)
	must.NoError(t, err)
}

func TestAuth_Disabled_AnonymousManagement(t *testing.T) {
	auth, _ := testAuth(t, false)

	principal, err := auth.Authenticate("")
	must.NoError(t, err)
	must.True(t, principal.Management)

	compiled, err := auth.ResolveACL(principal)
	must.NoError(t, err)
	must.True(t, compiled.IsManagement())

	_, err = auth.Login(context.Background(), "x", "y")
	must.Error(t, err)
}

func TestAuth_ResolveACL(t *testing.T) {
	auth, store := testAuth(t, true)
	ctx := context.Background()

	hash, err := HashPassword("pw")
	must.NoError(t, err)
	must.NoError(t, store.UpsertUser(ctx, &structs.User{Username: "dev", PasswordHash: hash}))
	must.NoError(t, store.UpsertRoleBinding(ctx, "readers", "dev"))
	must.NoError(t, store.UpsertPermission(ctx, &structs.Permission{
		Role: "readers", Resource: "public:DEFAULT_GROUP:*", Action: structs.ActionRead,
	}))

	principal, err := auth.principalFor("dev")
	must.NoError(t, err)
	must.False(t, principal.Management)

	compiled, err := auth.ResolveACL(principal)
	must.NoError(t, err)
	must.True(t, compiled.AllowRead("public", "DEFAULT_GROUP", "anything"))
	must.False(t, compiled.AllowWrite("public", "DEFAULT_GROUP", "anything"))
	must.False(t, compiled.AllowRead("other", "DEFAULT_GROUP", "anything"))

	// A permission write invalidates the cached compile.
	must.NoError(t, store.UpsertPermission(ctx, &structs.Permission{
		Role: "readers", Resource: "other:*:*", Action: structs.ActionRead,
	}))
	compiled, err = auth.ResolveACL(principal)
	must.NoError(t, err)
	must.True(t, compiled.AllowRead("other", "DEFAULT_GROUP", "anything"))

	// Anonymous principals compile to a deny-all ACL.
	compiled, err = auth.ResolveACL(structs.Principal{})
	must.NoError(t, err)
	must.False(t, compiled.AllowRead("public", "DEFAULT_GROUP", "x"))
}
