package elsewhere

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/tether/internal/platforms"
)

func TestSaveTokenOnlyTouchesCredential(t *testing.T) {
	fixture := newServiceFixture(t)
	account := mustUpsert(t, fixture.service, platforms.UserInfo{
		Platform: "testhub",
		UserID:   "42",
		UserName: "alice",
	})

	if err := fixture.service.SaveToken(context.Background(), account, `{"access_token":"tok-2"}`); err != nil {
		t.Fatalf("save token failed: %v", err)
	}

	reloaded, err := fixture.service.FromUserID(context.Background(), "testhub", "42")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Token != `{"access_token":"tok-2"}` {
		t.Fatalf("credential not persisted: %q", reloaded.Token)
	}
	if reloaded.UserName != "alice" {
		t.Fatalf("profile fields must stay untouched, got %q", reloaded.UserName)
	}
}

func TestAuthSessionRequiresStoredToken(t *testing.T) {
	fixture := newServiceFixture(t)
	account := mustUpsert(t, fixture.service, platforms.UserInfo{Platform: "testhub", UserID: "42"})

	if _, err := fixture.service.AuthSession(context.Background(), account); !errors.Is(err, ErrNoStoredToken) {
		t.Fatalf("expected ErrNoStoredToken, got %v", err)
	}
}

func TestAuthSessionRejectsMalformedCredential(t *testing.T) {
	fixture := newServiceFixture(t)
	account := mustUpsert(t, fixture.service, platforms.UserInfo{
		Platform: "testhub",
		UserID:   "42",
		Token:    "not-json",
	})

	if _, err := fixture.service.AuthSession(context.Background(), account); err == nil {
		t.Fatalf("expected decode failure for malformed credential")
	}
}

func TestAuthSessionBuildsClientFromStoredToken(t *testing.T) {
	fixture := newServiceFixture(t)
	account := mustUpsert(t, fixture.service, platforms.UserInfo{
		Platform: "testhub",
		UserID:   "42",
		Token:    `{"access_token":"tok-1","token_type":"Bearer"}`,
	})

	client, err := fixture.service.AuthSession(context.Background(), account)
	if err != nil {
		t.Fatalf("auth session failed: %v", err)
	}
	if client == nil {
		t.Fatalf("expected an authenticated client")
	}
}
