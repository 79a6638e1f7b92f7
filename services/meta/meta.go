// Package meta is the client for the workspace-metadata service, which
// resolves workspace coordinates and answers authorization questions.
package meta

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/samber/lo"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/jsonrs"
	"github.com/databiosphere/import-service/utils/httputil"
)

// Workspace is the subset of workspace metadata the import service needs.
type Workspace struct {
	UUID                 string   `json:"workspaceId"`
	GoogleProject        string   `json:"googleProject"`
	BucketName           string   `json:"bucketName"`
	AuthorizationDomains []string `json:"authorizationDomain"`
	AccessLevel          string   `json:"accessLevel"`
}

// CanWrite reports whether the caller's access level permits imports.
func (w Workspace) CanWrite() bool {
	return lo.Contains([]string{"WRITER", "OWNER", "PROJECT_OWNER"}, w.AccessLevel)
}

type Client struct {
	logger  logger.Logger
	baseURL string
	http    *http.Client
}

func New(conf *config.Config, log logger.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = conf.GetInt("ImportService.meta.retryMax", 3)
	rc.HTTPClient.Timeout = conf.GetDuration("ImportService.meta.timeout", 2, time.Minute)
	rc.Logger = nil

	return &Client{
		logger:  log.Child("meta"),
		baseURL: strings.TrimSuffix(conf.GetString("ImportService.meta.url", "http://localhost:8082"), "/"),
		http:    rc.StandardClient(),
	}
}

// Workspace resolves a (namespace, name) tuple using the caller's bearer
// token, so the response reflects the caller's own access level.
func (c *Client) Workspace(ctx context.Context, bearer, namespace, name string) (Workspace, error) {
	endpoint := fmt.Sprintf("%s/api/workspaces/v1/%s/%s", c.baseURL, url.PathEscape(namespace), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Workspace{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return Workspace{}, imperr.Wrap(imperr.System, err, "meta service unreachable")
	}
	defer httputil.CloseResponse(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return Workspace{}, imperr.New(imperr.NotFound, "workspace %s/%s not found", namespace, name)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Workspace{}, imperr.New(imperr.Authorization, "not permitted to read workspace %s/%s", namespace, name)
	case httputil.RetriableStatus(resp.StatusCode):
		return Workspace{}, imperr.New(imperr.System, "meta service returned %d", resp.StatusCode)
	default:
		return Workspace{}, imperr.New(imperr.Authorization, "meta service returned %d", resp.StatusCode)
	}

	var ws Workspace
	if err := jsonrs.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return Workspace{}, imperr.Wrap(imperr.System, err, "decoding workspace")
	}
	return ws, nil
}

// Status probes the meta service for the health endpoint.
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
		return fmt.Errorf("meta status returned %d", resp.StatusCode)
	}
	return nil
}
