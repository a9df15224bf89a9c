// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package iam authenticates principals and compiles their authorization.
// Passwords are bcrypt hashes, access tokens are signed JWTs, and compiled
// ACLs are cached keyed to the IAM table indexes so a permission change
// invalidates stale entries without a flush.
package iam

import (
	"context"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/hashicorp/beacon/acl"
	"github.com/hashicorp/beacon/beacon/state"
	"github.com/hashicorp/beacon/beacon/structs"
)

const (
	// aclCacheSize bounds the compiled-ACL and token caches.
	aclCacheSize = 512

	// loginRate throttles password attempts per username.
	loginRate  = rate.Limit(5)
	loginBurst = 10
)

// Config configures the Auth service.
type Config struct {
	Logger hclog.Logger
	State  *state.StateStore

	// Enabled gates the whole auth plane. When false every caller is an
	// anonymous management principal.
	Enabled bool

	// TokenSecret signs and verifies access tokens (HMAC-SHA256).
	TokenSecret []byte

	TokenTTL time.Duration
}

// Auth is the authentication and authorization service.
type Auth struct {
	logger  hclog.Logger
	state   *state.StateStore
	enabled bool
	secret  []byte
	ttl     time.Duration

	limiters *lru.Cache[string, *rate.Limiter]
	acls     *lru.Cache[string, *acl.ACL]
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

func New(cfg *Config) (*Auth, error) {
	if cfg.Enabled && len(cfg.TokenSecret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes")
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = structs.TokenTTL
	}
	limiters, err := lru.New[string, *rate.Limiter](aclCacheSize)
	if err != nil {
		return nil, err
	}
	acls, err := lru.New[string, *acl.ACL](aclCacheSize)
	if err != nil {
		return nil, err
	}
	return &Auth{
		logger:   cfg.Logger.Named("iam"),
		state:    cfg.State,
		enabled:  cfg.Enabled,
		secret:   cfg.TokenSecret,
		ttl:      ttl,
		limiters: limiters,
		acls:     acls,
	}, nil
}

// Enabled reports whether the auth plane is on.
func (a *Auth) Enabled() bool { return a.enabled }

// HashPassword bcrypts a plaintext password.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// Bootstrap seeds the root account when no users exist yet. The initial
// credential matches the account name and must be rotated; there is no
// unauthenticated path to read it back.
func (a *Auth) Bootstrap(ctx context.Context) error {
	if !a.enabled {
		return nil
	}
	users, err := a.state.Usernames("")
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	hash, err := HashPassword(structs.RootUser)
	if err != nil {
		return err
	}
	if err := a.state.UpsertUser(ctx, &structs.User{
		Username:     structs.RootUser,
		PasswordHash: hash,
	}); err != nil {
		return err
	}
	if err := a.state.UpsertRoleBinding(ctx, structs.RootRole, structs.RootUser); err != nil {
		return err
	}
	a.logger.Info("seeded root account", "username", structs.RootUser)
	return nil
}

func (a *Auth) limiterFor(username string) *rate.Limiter {
	if l, ok := a.limiters.Get(username); ok {
		return l
	}
	l := rate.NewLimiter(loginRate, loginBurst)
	a.limiters.Add(username, l)
	return l
}

// Login checks credentials and issues an access token. Failed and
// throttled attempts are indistinguishable in timing from the caller's
// perspective beyond the limiter itself.
func (a *Auth) Login(ctx context.Context, username, password string) (*structs.LoginResponse, error) {
	if !a.enabled {
		return nil, fmt.Errorf("authentication is disabled: %w", structs.ErrInvalidArgument)
	}
	if !a.limiterFor(username).Allow() {
		metrics.IncrCounter([]string{"beacon", "iam", "login_throttled"}, 1)
		return nil, fmt.Errorf("too many login attempts for %q: %w", username, structs.ErrResourceExhausted)
	}

	user, err := a.state.UserByName(username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		metrics.IncrCounter([]string{"beacon", "iam", "login_failed"}, 1)
		return nil, fmt.Errorf("unknown user or wrong password: %w", structs.ErrUnauthenticated)
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		metrics.IncrCounter([]string{"beacon", "iam", "login_failed"}, 1)
		return nil, fmt.Errorf("unknown user or wrong password: %w", structs.ErrUnauthenticated)
	}

	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, err
	}

	principal, err := a.principalFor(username)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"beacon", "iam", "login_ok"}, 1)
	return &structs.LoginResponse{
		AccessToken: token,
		TokenTTL:    int64(a.ttl.Seconds()),
		GlobalAdmin: principal.Management,
	}, nil
}

// Authenticate resolves a bearer token to a principal. With auth disabled
// every caller, token or not, is an anonymous management principal.
func (a *Auth) Authenticate(token string) (structs.Principal, error) {
	if !a.enabled {
		return structs.Principal{Management: true}, nil
	}
	if token == "" {
		return structs.Principal{}, fmt.Errorf("missing access token: %w", structs.ErrUnauthenticated)
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return structs.Principal{}, fmt.Errorf("invalid access token: %w", structs.ErrUnauthenticated)
	}
	return a.principalFor(claims.Subject)
}

func (a *Auth) principalFor(username string) (structs.Principal, error) {
	roles, err := a.state.RolesByUser(username)
	if err != nil {
		return structs.Principal{}, err
	}
	p := structs.Principal{Username: username, Roles: roles}
	if username == structs.RootUser {
		p.Management = true
	}
	for _, r := range roles {
		if r == structs.RootRole {
			p.Management = true
		}
	}
	return p, nil
}

// ResolveACL compiles the principal's authorization object. Compiled ACLs
// are cached keyed to the IAM table indexes, so any write to bindings or
// permissions naturally misses the stale entry.
func (a *Auth) ResolveACL(principal structs.Principal) (*acl.ACL, error) {
	if principal.Management {
		return acl.ManagementACL, nil
	}
	if principal.Username == "" {
		return acl.AnonymousACL, nil
	}

	bindIdx, err := a.state.Index("role_bindings")
	if err != nil {
		return nil, err
	}
	permIdx, err := a.state.Index("permissions")
	if err != nil {
		return nil, err
	}
	cacheKey := fmt.Sprintf("%s/%d/%d", principal.Username, bindIdx, permIdx)
	if cached, ok := a.acls.Get(cacheKey); ok {
		return cached, nil
	}

	pairs, err := a.state.PermissionPairsForUser(principal.Username)
	if err != nil {
		return nil, err
	}
	compiled, err := acl.Compile(pairs)
	if err != nil {
		return nil, err
	}
	a.acls.Add(cacheKey, compiled)
	return compiled, nil
}
