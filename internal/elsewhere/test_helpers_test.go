package elsewhere

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/accounts"
	"github.com/MarcoPoloResearchLab/tether/internal/platforms"
	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(&accounts.Participant{}, &Account{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

// testClock is a movable clock shared by service and test.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type serviceFixture struct {
	service  *Service
	accounts *accounts.Service
	clock    *testClock
	platform *stubPlatform
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := openTestDatabase(t)
	accountsService, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create accounts service: %v", err)
	}
	platform := &stubPlatform{name: "testhub"}
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	service, err := NewService(ServiceConfig{
		Database:  db,
		Accounts:  accountsService,
		Platforms: platforms.NewRegistry(platform),
		BaseURL:   "https://tether.example",
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return &serviceFixture{service: service, accounts: accountsService, clock: clock, platform: platform}
}

func mustUpsert(t *testing.T, service *Service, info platforms.UserInfo) *Account {
	t.Helper()
	account, err := service.Upsert(context.Background(), info)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	return account
}

// stubPlatform is a scriptable platform for lookup and display tests.
type stubPlatform struct {
	name             string
	optionalUserName bool
	fetchInfo        platforms.UserInfo
	fetchErr         error
	fetchCalls       int
}

func (p *stubPlatform) Name() string {
	return p.name
}

func (p *stubPlatform) DisplayName() string {
	return "TestHub"
}

func (p *stubPlatform) AccountURL(userID, userName string) string {
	if userName != "" {
		return "https://testhub.example/" + userName
	}
	return "https://testhub.example/u/" + userID
}

func (p *stubPlatform) OptionalUserName() bool {
	return p.optionalUserName
}

func (p *stubPlatform) FetchUserInfo(_ context.Context, key platforms.LookupKey, value string) (platforms.UserInfo, error) {
	p.fetchCalls++
	if p.fetchErr != nil {
		return platforms.UserInfo{}, p.fetchErr
	}
	info := p.fetchInfo
	info.Platform = p.name
	if info.UserID == "" {
		if key == platforms.LookupKeyUserID {
			info.UserID = value
		} else {
			info.UserID = "id-" + value
			info.UserName = value
		}
	}
	return info, nil
}

func (p *stubPlatform) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{ClientID: "stub"}
}
