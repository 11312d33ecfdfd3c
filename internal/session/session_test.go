// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeTokens struct {
	token     string
	refreshed int
	fail      bool
}

func (f *fakeTokens) Token() string { return f.token }
func (f *fakeTokens) Refresh(ctx context.Context) error {
	if f.fail {
		return fmt.Errorf("refresh rejected")
	}
	f.refreshed++
	return nil
}

type fakeIdentityAPI struct {
	identity string
	calls    int
	fail     bool
}

func (f *fakeIdentityAPI) FetchIdentity(ctx context.Context) (string, error) {
	f.calls++
	if f.fail {
		return "", fmt.Errorf("identity endpoint unreachable")
	}
	return f.identity, nil
}

func signedJWT(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(expiresIn).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return token
}

func TestSignInSignOut(t *testing.T) {
	m := NewManager(nil, nil, time.Minute)

	if m.Valid() {
		t.Error("fresh manager must not be valid")
	}

	m.SignIn("acct-1", "maker@example.com")
	if !m.Valid() {
		t.Error("signed-in manager must be valid")
	}
	if m.CurrentAccountID() != "acct-1" || m.Identity() != "maker@example.com" {
		t.Errorf("session state lost: %q %q", m.CurrentAccountID(), m.Identity())
	}

	m.SignOut()
	if m.Valid() {
		t.Error("signed-out manager must not be valid")
	}
	if m.CurrentAccountID() != "" || m.Identity() != "" {
		t.Error("sign-out must clear account and identity")
	}
}

func TestResolveIdentity_PrefersCachedThenLastKnown(t *testing.T) {
	api := &fakeIdentityAPI{identity: "fetched@example.com"}
	m := NewManager(nil, api, time.Minute)
	ctx := context.Background()

	m.SignIn("acct-1", "cached@example.com")
	if got := m.ResolveIdentity(ctx, true); got != "cached@example.com" {
		t.Errorf("expected cached identity, got %q", got)
	}
	if api.calls != 0 {
		t.Error("cached identity must not hit the API")
	}

	// Sign-out keeps the last-known identity for offline attribution.
	m.SignOut()
	if got := m.ResolveIdentity(ctx, false); got != "cached@example.com" {
		t.Errorf("expected last-known identity, got %q", got)
	}
	if api.calls != 0 {
		t.Error("last-known identity must not hit the API")
	}
}

func TestResolveIdentity_LiveFetchOnlyWhenOnline(t *testing.T) {
	api := &fakeIdentityAPI{identity: "fetched@example.com"}
	m := NewManager(nil, api, time.Minute)
	ctx := context.Background()

	if got := m.ResolveIdentity(ctx, false); got != "" {
		t.Errorf("offline with no cache must resolve to nothing, got %q", got)
	}
	if api.calls != 0 {
		t.Error("offline resolution must not hit the API")
	}

	if got := m.ResolveIdentity(ctx, true); got != "fetched@example.com" {
		t.Errorf("expected live fetch, got %q", got)
	}
	if api.calls != 1 {
		t.Errorf("expected 1 API call, got %d", api.calls)
	}

	// The fetched identity is now cached.
	if got := m.ResolveIdentity(ctx, true); got != "fetched@example.com" {
		t.Errorf("expected cached fetch result, got %q", got)
	}
	if api.calls != 1 {
		t.Errorf("expected fetch result to be cached, got %d calls", api.calls)
	}
}

func TestResolveIdentity_FetchFailureResolvesToNothing(t *testing.T) {
	api := &fakeIdentityAPI{fail: true}
	m := NewManager(nil, api, time.Minute)

	if got := m.ResolveIdentity(context.Background(), true); got != "" {
		t.Errorf("failed fetch must resolve to nothing, got %q", got)
	}
}

func TestRefresh_NoSession(t *testing.T) {
	m := NewManager(&fakeTokens{token: signedJWT(t, time.Hour)}, nil, time.Minute)

	if err := m.Refresh(context.Background()); err == nil {
		t.Error("expected error without a signed-in session")
	}
}

func TestRefresh_FreshTokenSkipsRefresh(t *testing.T) {
	tokens := &fakeTokens{token: signedJWT(t, time.Hour)}
	m := NewManager(tokens, nil, time.Minute)
	m.SignIn("acct-1", "maker@example.com")

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if tokens.refreshed != 0 {
		t.Error("fresh token must not trigger refresh")
	}
}

func TestRefresh_NearExpiryTriggersRefresh(t *testing.T) {
	tokens := &fakeTokens{token: signedJWT(t, 30*time.Second)}
	m := NewManager(tokens, nil, 2*time.Minute)
	m.SignIn("acct-1", "maker@example.com")

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if tokens.refreshed != 1 {
		t.Errorf("near-expiry token must refresh, got %d refreshes", tokens.refreshed)
	}
}

func TestRefresh_ExpiredTokenFails(t *testing.T) {
	tokens := &fakeTokens{token: signedJWT(t, -time.Hour)}
	m := NewManager(tokens, nil, time.Minute)
	m.SignIn("acct-1", "maker@example.com")

	if err := m.Refresh(context.Background()); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestRefresh_RefreshFailurePropagates(t *testing.T) {
	tokens := &fakeTokens{token: signedJWT(t, 30*time.Second), fail: true}
	m := NewManager(tokens, nil, 2*time.Minute)
	m.SignIn("acct-1", "maker@example.com")

	if err := m.Refresh(context.Background()); err == nil {
		t.Error("expected refresh failure to propagate")
	}
}

func TestRefresh_OpaqueTokenIsAccepted(t *testing.T) {
	// Headless deployments use long-lived service keys that are not JWTs.
	m := NewManager(NewStaticTokenSource("qm_service_key_8f2a"), nil, time.Minute)
	m.SignIn("acct-1", "syncd@example.com")

	if err := m.Refresh(context.Background()); err != nil {
		t.Errorf("opaque token must pass the expiry gate: %v", err)
	}
}

func TestRefresh_EmptyTokenFails(t *testing.T) {
	m := NewManager(&fakeTokens{}, nil, time.Minute)
	m.SignIn("acct-1", "maker@example.com")

	if err := m.Refresh(context.Background()); err == nil {
		t.Error("expected error for missing access token")
	}
}

func TestStaticIdentity(t *testing.T) {
	id, err := StaticIdentity("syncd@example.com").FetchIdentity(context.Background())
	if err != nil {
		t.Fatalf("FetchIdentity() failed: %v", err)
	}
	if id != "syncd@example.com" {
		t.Errorf("expected fixed identity, got %q", id)
	}
}
