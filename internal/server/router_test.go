package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/tether/internal/accounts"
	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/elsewhere"
	"github.com/MarcoPoloResearchLab/tether/internal/platforms"
	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

type routerFixture struct {
	handler   http.Handler
	elsewhere *elsewhere.Service
	accounts  *accounts.Service
	platform  *stubPlatform
	events    *EventDispatcher
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&accounts.Participant{}, &elsewhere.Account{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	accountsService, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create accounts service: %v", err)
	}
	platform := &stubPlatform{name: "testhub"}
	elsewhereService, err := elsewhere.NewService(elsewhere.ServiceConfig{
		Database:  db,
		Accounts:  accountsService,
		Platforms: platforms.NewRegistry(platform),
		BaseURL:   "https://tether.example",
	})
	if err != nil {
		t.Fatalf("failed to create elsewhere service: %v", err)
	}
	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "tether-auth",
		Audience:      "tether-api",
	})

	events := NewEventDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Elsewhere: elsewhereService,
		Accounts:  accountsService,
		Sessions:  sessions,
		Events:    events,
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return &routerFixture{
		handler:   handler,
		elsewhere: elsewhereService,
		accounts:  accountsService,
		platform:  platform,
		events:    events,
	}
}

func (f *routerFixture) seedIdentity(t *testing.T, userID, userName string) *elsewhere.Account {
	t.Helper()
	account, err := f.elsewhere.Upsert(context.Background(), platforms.UserInfo{
		Platform: "testhub",
		UserID:   userID,
		UserName: userName,
	})
	if err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}
	return account
}

// startSession issues a connect token for the account and exchanges it for a
// bearer token, mirroring the linking handshake.
func (f *routerFixture) startSession(t *testing.T, account *elsewhere.Account) string {
	t.Helper()
	token, _, err := f.elsewhere.IssueConnectToken(context.Background(), account)
	if err != nil {
		t.Fatalf("issue connect token failed: %v", err)
	}

	response := f.postJSON(t, "/auth/session", "", map[string]string{
		"platform":      account.Platform,
		"user_id":       account.UserID,
		"connect_token": token,
	})
	if response.Code != http.StatusOK {
		t.Fatalf("session start failed: %d %s", response.Code, response.Body.String())
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return payload.AccessToken
}

func (f *routerFixture) postJSON(t *testing.T, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestLookupEndpointReturnsStoredAccount(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedIdentity(t, "42", "alice")

	response := fixture.get(t, "/on/testhub/alice?live=false")
	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", response.Code, response.Body.String())
	}
	var payload struct {
		UserID   string `json:"user_id"`
		LocalURL string `json:"local_url"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.UserID != "42" {
		t.Fatalf("unexpected user id: %q", payload.UserID)
	}
	if payload.LocalURL != "https://tether.example/on/testhub/alice/" {
		t.Fatalf("unexpected local url: %q", payload.LocalURL)
	}
}

func TestLookupEndpointClientErrors(t *testing.T) {
	fixture := newRouterFixture(t)

	if response := fixture.get(t, "/on/myspace/alice"); response.Code != http.StatusBadRequest {
		t.Fatalf("unknown platform: expected 400, got %d", response.Code)
	}
	if response := fixture.get(t, "/on/testhub/ali%09ce"); response.Code != http.StatusBadRequest {
		t.Fatalf("control character: expected 400, got %d", response.Code)
	}
	if response := fixture.get(t, "/on/testhub/ghost?live=false"); response.Code != http.StatusNotFound {
		t.Fatalf("miss without live fetch: expected 404, got %d", response.Code)
	}
	if response := fixture.get(t, "/on/testhub/alice?live=maybe"); response.Code != http.StatusBadRequest {
		t.Fatalf("bad live flag: expected 400, got %d", response.Code)
	}
}

func TestLookupEndpointLiveFetchNotFound(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.platform.fetchErr = platforms.ErrUserNotFound

	if response := fixture.get(t, "/on/testhub/ghost"); response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
}

func TestLookupPublishesIdentityLinkedOnLiveFetch(t *testing.T) {
	fixture := newRouterFixture(t)
	account := fixture.seedIdentity(t, "42", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := fixture.events.Subscribe(ctx, account.ParticipantID)
	defer cleanup()

	// The platform reports a renamed handle; the store misses on it and the
	// live fetch reconciles it back onto the same identity.
	fixture.platform.fetchInfo = platforms.UserInfo{UserID: "42", UserName: "alice-renamed"}

	if response := fixture.get(t, "/on/testhub/alice-renamed"); response.Code != http.StatusOK {
		t.Fatalf("live lookup failed: %d %s", response.Code, response.Body.String())
	}

	select {
	case event := <-stream:
		if event.EventType != EventIdentityLinked || event.Platform != "testhub" || event.Slug != "alice-renamed" {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatalf("identity-linked event not published")
	}

	// A stored hit must stay silent.
	if response := fixture.get(t, "/on/testhub/alice-renamed"); response.Code != http.StatusOK {
		t.Fatalf("second lookup failed: %d", response.Code)
	}
	select {
	case event := <-stream:
		t.Fatalf("stored hit must not publish: %+v", event)
	default:
	}
}

func TestClaimFlow(t *testing.T) {
	fixture := newRouterFixture(t)
	account := fixture.seedIdentity(t, "42", "alice")
	bearer := fixture.startSession(t, account)

	response := fixture.postJSON(t, "/claim", bearer, map[string]string{
		"platform":         "testhub",
		"user_id":          "42",
		"desired_username": "alice",
	})
	if response.Code != http.StatusOK {
		t.Fatalf("claim failed: %d %s", response.Code, response.Body.String())
	}
	var payload struct {
		Username     string `json:"username"`
		NewlyClaimed bool   `json:"newly_claimed"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !payload.NewlyClaimed || payload.Username != "alice" {
		t.Fatalf("unexpected claim result: %+v", payload)
	}

	// A second claim is idempotent.
	response = fixture.postJSON(t, "/claim", bearer, map[string]string{
		"platform":         "testhub",
		"user_id":          "42",
		"desired_username": "someone-else",
	})
	if response.Code != http.StatusOK {
		t.Fatalf("second claim failed: %d", response.Code)
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.NewlyClaimed || payload.Username != "alice" {
		t.Fatalf("second claim must be a no-op: %+v", payload)
	}
}

func TestClaimRequiresOwnership(t *testing.T) {
	fixture := newRouterFixture(t)
	mine := fixture.seedIdentity(t, "42", "alice")
	fixture.seedIdentity(t, "77", "bob")
	bearer := fixture.startSession(t, mine)

	response := fixture.postJSON(t, "/claim", bearer, map[string]string{
		"platform":         "testhub",
		"user_id":          "77",
		"desired_username": "stolen",
	})
	if response.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", response.Code)
	}
}

func TestClaimRequiresSession(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedIdentity(t, "42", "alice")

	response := fixture.postJSON(t, "/claim", "", map[string]string{
		"platform": "testhub",
		"user_id":  "42",
	})
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.Code)
	}
}

func TestConnectTokenVerifyEndpoint(t *testing.T) {
	fixture := newRouterFixture(t)
	account := fixture.seedIdentity(t, "42", "alice")

	token, _, err := fixture.elsewhere.IssueConnectToken(context.Background(), account)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	cases := []struct {
		name     string
		body     map[string]string
		expected bool
	}{
		{
			name:     "valid token",
			body:     map[string]string{"platform": "testhub", "user_id": "42", "connect_token": token},
			expected: true,
		},
		{
			name:     "wrong token",
			body:     map[string]string{"platform": "testhub", "user_id": "42", "connect_token": "nope"},
			expected: false,
		},
		{
			name:     "unknown account",
			body:     map[string]string{"platform": "testhub", "user_id": "404", "connect_token": token},
			expected: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			response := fixture.postJSON(t, "/connect-token/verify", "", tc.body)
			if response.Code != http.StatusOK {
				t.Fatalf("verify must answer 200, got %d", response.Code)
			}
			var payload struct {
				Valid bool `json:"valid"`
			}
			if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if payload.Valid != tc.expected {
				t.Fatalf("expected valid=%v, got %v", tc.expected, payload.Valid)
			}
		})
	}
}

func TestConnectTokenIssueRequiresOwnership(t *testing.T) {
	fixture := newRouterFixture(t)
	mine := fixture.seedIdentity(t, "42", "alice")
	fixture.seedIdentity(t, "77", "bob")
	bearer := fixture.startSession(t, mine)

	response := fixture.postJSON(t, "/connect-token", bearer, map[string]string{
		"platform": "testhub",
		"user_id":  "77",
	})
	if response.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", response.Code)
	}

	response = fixture.postJSON(t, "/connect-token", bearer, map[string]string{
		"platform": "testhub",
		"user_id":  "42",
	})
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200 for own record, got %d %s", response.Code, response.Body.String())
	}
}

type stubPlatform struct {
	name      string
	fetchInfo platforms.UserInfo
	fetchErr  error
}

func (p *stubPlatform) Name() string           { return p.name }
func (p *stubPlatform) DisplayName() string    { return "TestHub" }
func (p *stubPlatform) OptionalUserName() bool { return false }

func (p *stubPlatform) AccountURL(userID, userName string) string {
	if userName != "" {
		return "https://testhub.example/" + userName
	}
	return "https://testhub.example/u/" + userID
}

func (p *stubPlatform) FetchUserInfo(_ context.Context, key platforms.LookupKey, value string) (platforms.UserInfo, error) {
	if p.fetchErr != nil {
		return platforms.UserInfo{}, p.fetchErr
	}
	if p.fetchInfo.UserID != "" {
		info := p.fetchInfo
		info.Platform = p.name
		return info, nil
	}
	info := platforms.UserInfo{Platform: p.name, UserID: value}
	if key == platforms.LookupKeyUserName {
		info.UserID = "id-" + value
		info.UserName = value
	}
	return info, nil
}

func (p *stubPlatform) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{ClientID: "stub"}
}
