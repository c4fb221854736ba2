package platforms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// GitHubConfig configures the GitHub platform adapter.
type GitHubConfig struct {
	APIBaseURL   string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// GitHub resolves identities against the GitHub REST API.
type GitHub struct {
	apiBaseURL string
	oauth      *oauth2.Config
	client     *http.Client
}

// NewGitHub constructs the GitHub platform adapter.
func NewGitHub(cfg GitHubConfig) *GitHub {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultGitHubAPIBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &GitHub{
		apiBaseURL: baseURL,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     githuboauth.Endpoint,
			Scopes:       []string{"read:user"},
		},
		client: client,
	}
}

func (g *GitHub) Name() string           { return "github" }
func (g *GitHub) DisplayName() string    { return "GitHub" }
func (g *GitHub) OptionalUserName() bool { return false }

// AccountURL renders the public profile URL, preferring the handle.
func (g *GitHub) AccountURL(userID, userName string) string {
	if userName != "" {
		return "https://github.com/" + url.PathEscape(userName)
	}
	return "https://github.com/u/" + url.PathEscape(userID)
}

// OAuthConfig exposes the OAuth2 application configuration.
func (g *GitHub) OAuthConfig() *oauth2.Config {
	return g.oauth
}

// FetchUserInfo resolves a GitHub user by id or login.
func (g *GitHub) FetchUserInfo(ctx context.Context, key LookupKey, value string) (UserInfo, error) {
	var endpoint string
	switch key {
	case LookupKeyUserID:
		endpoint = g.apiBaseURL + "/user/" + url.PathEscape(value)
	case LookupKeyUserName:
		endpoint = g.apiBaseURL + "/users/" + url.PathEscape(value)
	default:
		return UserInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedLookupKey, key)
	}

	payload, err := fetchJSONObject(ctx, g.client, endpoint)
	if err != nil {
		return UserInfo{}, err
	}

	info := UserInfo{
		Platform:    g.Name(),
		UserID:      stringField(payload, "id"),
		UserName:    stringField(payload, "login"),
		DisplayName: stringField(payload, "name"),
		AvatarURL:   stringField(payload, "avatar_url"),
		ExtraInfo:   payload,
	}
	if info.UserID == "" {
		return UserInfo{}, fmt.Errorf("github: response for %s %q lacks a user id", key, value)
	}
	return info, nil
}

func fetchJSONObject(ctx context.Context, client *http.Client, endpoint string) (map[string]any, error) {
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

	var payload map[string]any
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("platforms: decoding %s: %w", endpoint, err)
	}
	return payload, nil
}

// stringField renders a JSON field as a string, flattening numeric ids.
func stringField(payload map[string]any, field string) string {
	switch value := payload[field].(type) {
	case string:
		return value
	case float64:
		return strconv.FormatInt(int64(value), 10)
	case json.Number:
		return value.String()
	default:
		return ""
	}
}
