// Package datarepo is the client for the source-data repository, used to
// grant snapshot read access after a successful import.
package datarepo

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/databiosphere/import-service/jsonrs"
	"github.com/databiosphere/import-service/utils/httputil"
)

type Client struct {
	logger  logger.Logger
	baseURL string
	http    *http.Client
}

func New(conf *config.Config, log logger.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = conf.GetInt("ImportService.datarepo.retryMax", 3)
	rc.HTTPClient.Timeout = conf.GetDuration("ImportService.datarepo.timeout", 2, time.Minute)
	rc.Logger = nil

	return &Client{
		logger:  log.Child("datarepo"),
		baseURL: strings.TrimSuffix(conf.GetString("ImportService.datarepo.url", "http://localhost:8083"), "/"),
		http:    rc.StandardClient(),
	}
}

// AddSnapshotReader adds email to the snapshot's reader policy, authenticating
// with the given token.
func (c *Client) AddSnapshotReader(ctx context.Context, snapshotID, email, token string) error {
	endpoint := fmt.Sprintf("%s/api/repository/v1/snapshots/%s/policies/reader/members",
		c.baseURL, url.PathEscape(snapshotID))

	body, err := jsonrs.Marshal(map[string]string{"email": email})
	if err != nil {
		return fmt.Errorf("encoding member: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("data repo unreachable: %w", err)
	}
	defer httputil.CloseResponse(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("adding reader %s to snapshot %s returned %d", email, snapshotID, resp.StatusCode)
	}
	return nil
}
