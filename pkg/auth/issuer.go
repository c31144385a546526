package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/acnlabs/acn/pkg/errs"
)

// Credentials are machine-to-machine credentials minted by the identity
// provider for a registered agent
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// IssuerClient requests machine-to-machine credentials from the identity
// provider. Issuance is a registration side effect: callers run it
// asynchronously and treat failures as non-fatal.
type IssuerClient struct {
	baseURL string
	client  *http.Client
}

// NewIssuerClient creates an issuance client for the identity provider domain
func NewIssuerClient(domain string) *IssuerClient {
	base := strings.TrimSuffix(domain, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &IssuerClient{
		baseURL: base,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// IssueCredentials requests M2M credentials for an agent
func (c *IssuerClient) IssueCredentials(ctx context.Context, agentID, name string) (*Credentials, error) {
	payload, err := json.Marshal(map[string]string{
		"agent_id": agentID,
		"name":     name,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to encode issuance request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/m2m/credentials", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to build issuance request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, err, "identity provider unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, err, "failed to read issuance response")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, errs.E(errs.ExternalUnavailable, "credential issuance returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var creds Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, err, "malformed issuance response")
	}
	if creds.ClientID == "" {
		return nil, errs.E(errs.ExternalUnavailable, "issuance response missing client_id")
	}
	return &creds, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
