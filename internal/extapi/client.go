package extapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"invoice-dispatcher/internal/models"
	"invoice-dispatcher/internal/token"
)

// Transport issues one outbound processing request for a work item. A nil
// return means the external system reports the invoice as completed.
type Transport interface {
	Process(ctx context.Context, item models.WorkItem) error
}

// Client is the live HTTP transport for the external processing endpoint.
type Client struct {
	baseURL    string
	lease      *token.Lease
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient builds the live transport. timeout bounds each single attempt.
func NewClient(baseURL string, lease *token.Lease, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		lease:      lease,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

type processRequest struct {
	ID int64 `json:"id"`
}

type processResponse struct {
	Status string `json:"status"`
}

// Process performs one timeout-bounded attempt: acquire a credential, POST the
// item, interpret the response status.
func (c *Client) Process(ctx context.Context, item models.WorkItem) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cred, err := c.lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire credential: %w", err)
	}

	body, err := json.Marshal(processRequest{ID: item.ID})
	if err != nil {
		return permanentErr("marshal request: %v", err)
	}
	url := fmt.Sprintf("%s/%s", c.baseURL, item.Key())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanentErr("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return retryableErr("request timed out after %s", c.timeout)
		}
		return retryableErr("transport: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return retryableErr("http %d from processing endpoint", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return permanentErr("http %d from processing endpoint", resp.StatusCode)
	}

	var payload processResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return permanentErr("malformed response: %v", err)
	}
	if payload.Status == "" {
		return permanentErr("malformed response: missing status")
	}
	return statusError(payload.Status)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
