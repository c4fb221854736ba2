package platforms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	gitlaboauth "golang.org/x/oauth2/gitlab"
)

const defaultGitLabAPIBaseURL = "https://gitlab.com/api/v4"

// GitLabConfig configures the GitLab platform adapter.
type GitLabConfig struct {
	APIBaseURL   string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// GitLab resolves identities against the GitLab REST API.
type GitLab struct {
	apiBaseURL string
	oauth      *oauth2.Config
	client     *http.Client
}

// NewGitLab constructs the GitLab platform adapter.
func NewGitLab(cfg GitLabConfig) *GitLab {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultGitLabAPIBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &GitLab{
		apiBaseURL: baseURL,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     gitlaboauth.Endpoint,
			Scopes:       []string{"read_user"},
		},
		client: client,
	}
}

func (g *GitLab) Name() string           { return "gitlab" }
func (g *GitLab) DisplayName() string    { return "GitLab" }
func (g *GitLab) OptionalUserName() bool { return false }

// AccountURL renders the public profile URL, preferring the handle.
func (g *GitLab) AccountURL(userID, userName string) string {
	if userName != "" {
		return "https://gitlab.com/" + url.PathEscape(userName)
	}
	return "https://gitlab.com/-/user/" + url.PathEscape(userID)
}

// OAuthConfig exposes the OAuth2 application configuration.
func (g *GitLab) OAuthConfig() *oauth2.Config {
	return g.oauth
}

// FetchUserInfo resolves a GitLab user by id or username. Username lookups go
// through the users collection endpoint, which returns a (possibly empty)
// list of matches.
func (g *GitLab) FetchUserInfo(ctx context.Context, key LookupKey, value string) (UserInfo, error) {
	switch key {
	case LookupKeyUserID:
		payload, err := fetchJSONObject(ctx, g.client, g.apiBaseURL+"/users/"+url.PathEscape(value))
		if err != nil {
			return UserInfo{}, err
		}
		return g.userInfoFromPayload(payload)
	case LookupKeyUserName:
		endpoint := g.apiBaseURL + "/users?username=" + url.QueryEscape(value)
		matches, err := fetchJSONList(ctx, g.client, endpoint)
		if err != nil {
			return UserInfo{}, err
		}
		if len(matches) == 0 {
			return UserInfo{}, ErrUserNotFound
		}
		return g.userInfoFromPayload(matches[0])
	default:
		return UserInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedLookupKey, key)
	}
}

func (g *GitLab) userInfoFromPayload(payload map[string]any) (UserInfo, error) {
	info := UserInfo{
		Platform:    g.Name(),
		UserID:      stringField(payload, "id"),
		UserName:    stringField(payload, "username"),
		DisplayName: stringField(payload, "name"),
		AvatarURL:   stringField(payload, "avatar_url"),
		ExtraInfo:   payload,
	}
	if info.UserID == "" {
		return UserInfo{}, fmt.Errorf("gitlab: response lacks a user id")
	}
	return info, nil
}

func fetchJSONList(ctx context.Context, client *http.Client, endpoint string) ([]map[string]any, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return nil, ErrUserNotFound
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("platforms: unexpected status %d from %s", response.StatusCode, endpoint)
	}

	var payload []map[string]any
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("platforms: decoding %s: %w", endpoint, err)
	}
	return payload, nil
}
