package unit

import (
	"context"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
)

// StatusClient queries the HTTP status endpoint of a unit server.
type StatusClient struct {
	client *req.Client
}

// NewStatusClient targets baseURL, e.g. http://unit0:8081.
func NewStatusClient(baseURL string) *StatusClient {
	c := req.C().
		SetBaseURL(baseURL).
		SetTimeout(5*time.Second).
		SetCommonRetryCount(2).
		SetCommonRetryBackoffInterval(100*time.Millisecond, time.Second)
	return &StatusClient{client: c}
}

// Client exposes the underlying req client, e.g. to install a mock transport.
func (c *StatusClient) Client() *req.Client { return c.client }

// Healthy returns nil when /healthz answers 200.
func (c *StatusClient) Healthy(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/healthz")
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if !resp.IsSuccessState() {
		return fmt.Errorf("health check: unexpected status %s", resp.Status)
	}
	return nil
}

// Status fetches /status.
func (c *StatusClient) Status(ctx context.Context) (Status, error) {
	var st Status
	resp, err := c.client.R().SetContext(ctx).SetSuccessResult(&st).Get("/status")
	if err != nil {
		return Status{}, fmt.Errorf("fetch status: %w", err)
	}
	if !resp.IsSuccessState() {
		return Status{}, fmt.Errorf("fetch status: unexpected status %s", resp.Status)
	}
	return st, nil
}
