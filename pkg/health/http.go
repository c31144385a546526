package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes a collaborator's health endpoint (wallet, escrow,
// payment). A probe is healthy when the response status lands inside the
// accepted range; the body is ignored.
type HTTPChecker struct {
	// URL is the health endpoint to probe.
	URL string

	// Method defaults to GET.
	Method string

	// Headers are added to every probe, e.g. a collaborator auth token.
	Headers map[string]string

	// ExpectedStatusMin / ExpectedStatusMax bound the accepted status
	// range (defaults 200-399).
	ExpectedStatusMin int
	ExpectedStatusMax int

	// Client carries the probe timeout.
	Client *http.Client
}

// NewHTTPChecker creates a probe for the given health URL.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		Method:            "GET",
		Headers:           make(map[string]string),
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Check issues one probe request and grades the response status.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithMethod sets the probe method.
func (h *HTTPChecker) WithMethod(method string) *HTTPChecker {
	h.Method = method
	return h
}

// WithHeader adds a header to every probe.
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Headers[key] = value
	return h
}

// WithStatusRange widens or narrows the accepted status range.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.ExpectedStatusMin = min
	h.ExpectedStatusMax = max
	return h
}

// WithTimeout sets the probe timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
