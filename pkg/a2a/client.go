package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/acnlabs/acn/pkg/errs"
)

// DefaultTimeout bounds every outbound A2A call.
const DefaultTimeout = 30 * time.Second

// Client speaks the A2A JSON-RPC dialect to a single agent endpoint. Clients
// are safe for concurrent use and are meant to be cached per endpoint for the
// lifetime of the process.
type Client struct {
	endpoint string
	hc       *http.Client
}

// NewClient creates a client for the given endpoint URL. A zero timeout
// falls back to DefaultTimeout.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the URL this client delivers to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// SendMessage delivers a message with a fresh correlation id and returns the
// peer's reply message, if any.
func (c *Client) SendMessage(ctx context.Context, msg *Message) (*Message, error) {
	req, err := NewRequest(uuid.NewString(), msg)
	if err != nil {
		return nil, fmt.Errorf("failed to build a2a request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode a2a request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.Timeout, err, "a2a send to %s timed out", c.endpoint)
		}
		return nil, errs.Wrap(errs.ExternalUnavailable, err, "a2a send to %s failed", c.endpoint)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, err, "failed to read a2a response from %s", c.endpoint)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, errs.E(errs.ExternalUnavailable, "a2a endpoint %s returned status %d", c.endpoint, httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, err, "invalid a2a response from %s", c.endpoint)
	}

	if resp.Error != nil {
		if resp.Error.Code == CodeAgentTimeout {
			return nil, errs.EC(errs.Timeout, errs.CodeRequestTimeout, "a2a peer timed out: %s", resp.Error.Message)
		}
		return nil, errs.E(errs.ExternalUnavailable, "a2a peer error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	if resp.ID != req.ID {
		return nil, errs.E(errs.ExternalUnavailable, "a2a response id mismatch from %s", c.endpoint)
	}

	if len(resp.Result) == 0 {
		return nil, nil
	}

	var reply Message
	if err := json.Unmarshal(resp.Result, &reply); err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, err, "invalid a2a result from %s", c.endpoint)
	}
	return &reply, nil
}
