// Package auth is the client for the identity/authorization service: caller
// identity, workspace resource policies, and short-lived pet credentials used
// to act on behalf of a submitter.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"golang.org/x/oauth2"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/jsonrs"
	"github.com/databiosphere/import-service/utils/httputil"
)

// UserInfo is the authenticated caller as the auth service sees it.
type UserInfo struct {
	Subject string `json:"userSubjectId"`
	Email   string `json:"userEmail"`
	Enabled bool   `json:"enabled"`
}

// Policy is one access policy on a workspace resource.
type Policy struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

type cachedToken struct {
	token  string
	expiry time.Time
}

type Client struct {
	logger  logger.Logger
	baseURL string
	http    *http.Client

	petTTL time.Duration

	mu   sync.Mutex
	pets map[string]cachedToken
}

// tokenRefreshWindow is how close to expiry a cached pet token may get before
// it is refreshed.
const tokenRefreshWindow = 5 * time.Minute

func New(conf *config.Config, log logger.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = conf.GetInt("ImportService.auth.retryMax", 3)
	rc.HTTPClient.Timeout = conf.GetDuration("ImportService.auth.timeout", 2, time.Minute)
	rc.Logger = nil

	return &Client{
		logger:  log.Child("auth"),
		baseURL: strings.TrimSuffix(conf.GetString("ImportService.auth.url", "http://localhost:8081"), "/"),
		http:    rc.StandardClient(),
		petTTL:  conf.GetDuration("ImportService.auth.petTokenTTL", 60, time.Minute),
		pets:    map[string]cachedToken{},
	}
}

// UserInfo resolves the bearer token to a registered user.
func (c *Client) UserInfo(ctx context.Context, bearer string) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/users/v1/self/info", nil)
	if err != nil {
		return UserInfo{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return UserInfo{}, imperr.Wrap(imperr.System, err, "auth service unreachable")
	}
	defer httputil.CloseResponse(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return UserInfo{}, imperr.New(imperr.Authorization, "caller is not a registered user")
	case httputil.RetriableStatus(resp.StatusCode):
		return UserInfo{}, imperr.New(imperr.System, "auth service returned %d", resp.StatusCode)
	default:
		return UserInfo{}, imperr.New(imperr.Authorization, "auth service returned %d", resp.StatusCode)
	}

	var info UserInfo
	if err := jsonrs.NewDecoder(resp.Body).Decode(&info); err != nil {
		return UserInfo{}, imperr.Wrap(imperr.System, err, "decoding user info")
	}
	if !info.Enabled {
		return UserInfo{}, imperr.New(imperr.Authorization, "user %s is disabled", info.Email)
	}
	return info, nil
}

// PetToken returns an access token for the pet identity of (googleProject,
// userEmail). Tokens are cached process-wide and refreshed when within five
// minutes of expiry; refresh is last-writer-wins.
func (c *Client) PetToken(ctx context.Context, googleProject, userEmail string) (string, error) {
	key := googleProject + "/" + userEmail

	c.mu.Lock()
	cached, ok := c.pets[key]
	c.mu.Unlock()
	if ok && time.Until(cached.expiry) > tokenRefreshWindow {
		return cached.token, nil
	}

	token, err := c.fetchPetToken(ctx, googleProject, userEmail)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.pets[key] = cachedToken{token: token, expiry: time.Now().Add(c.petTTL)}
	c.mu.Unlock()
	return token, nil
}

func (c *Client) fetchPetToken(ctx context.Context, googleProject, userEmail string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/google/v1/petServiceAccount/%s/%s/token",
		c.baseURL, url.PathEscape(googleProject), url.PathEscape(userEmail))
	body := strings.NewReader(`["https://www.googleapis.com/auth/devstorage.read_only"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", imperr.Wrap(imperr.System, err, "auth service unreachable")
	}
	defer httputil.CloseResponse(resp)

	if resp.StatusCode != http.StatusOK {
		if httputil.RetriableStatus(resp.StatusCode) {
			return "", imperr.New(imperr.System, "pet token request returned %d", resp.StatusCode)
		}
		return "", imperr.New(imperr.Authorization, "pet token request returned %d", resp.StatusCode)
	}

	var token string
	if err := jsonrs.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", imperr.Wrap(imperr.System, err, "decoding pet token")
	}
	return token, nil
}

// PetTokenSource adapts PetToken to oauth2.TokenSource, for storage clients
// reading as the submitter.
func (c *Client) PetTokenSource(googleProject, userEmail string) oauth2.TokenSource {
	return &petTokenSource{client: c, project: googleProject, email: userEmail}
}

type petTokenSource struct {
	client  *Client
	project string
	email   string
}

func (s *petTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.client.PetToken(context.Background(), s.project, s.email)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, Expiry: time.Now().Add(tokenRefreshWindow)}, nil
}

// WorkspacePolicies lists the access policies on a workspace resource, using
// the supplied token.
func (c *Client) WorkspacePolicies(ctx context.Context, workspaceUUID, token string) ([]Policy, error) {
	endpoint := fmt.Sprintf("%s/api/resources/v1/workspace/%s/policies", c.baseURL, url.PathEscape(workspaceUUID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, imperr.Wrap(imperr.System, err, "auth service unreachable")
	}
	defer httputil.CloseResponse(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, imperr.New(imperr.System, "listing workspace policies returned %d", resp.StatusCode)
	}

	var policies []Policy
	if err := jsonrs.NewDecoder(resp.Body).Decode(&policies); err != nil {
		return nil, imperr.Wrap(imperr.System, err, "decoding workspace policies")
	}
	return policies, nil
}

// Status probes the auth service for the health endpoint.
func (c *Client) Status(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer httputil.CloseResponse(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth status returned %d", resp.StatusCode)
	}
	return nil
}
