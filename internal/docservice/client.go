// Package docservice provides the HTTP client for the document service: the
// generation status resource, the secure render endpoint, and the print-grant
// endpoint. The service itself (generation, rendering, quota accounting) is a
// black box; this client only speaks its wire contract.
package docservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// defaultTimeout is the HTTP client timeout for API calls. Render and
	// print requests are not separately bounded beyond this transport
	// timeout.
	defaultTimeout = 30 * time.Second
)

// ErrStillProcessing is returned by RequestRender when the service answers
// 409: another in-flight request with the same idempotency key is already
// computing the document. Soft and retryable, not a failure.
var ErrStillProcessing = errors.New("document is still being processed")

// Client provides methods for talking to the document service. A nil
// credential is allowed; authenticated endpoints will be rejected server-side,
// and callers are expected to gate on HasCredential first.
type Client struct {
	httpClient *http.Client
	baseURL    string
	credential string
}

// NewClient creates a document service client. credential is the API token
// resolved by the auth package.
func NewClient(baseURL, credential string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		baseURL:    baseURL,
		credential: credential,
	}
}

// HasCredential reports whether the client carries an API credential.
func (c *Client) HasCredential() bool {
	return c.credential != ""
}

// --- API response types ---

// statusResponse is the body of the per-document status resource.
type statusResponse struct {
	Status string  `json:"status"`
	Error  *apiErr `json:"error,omitempty"`
}

// renderResponse is the body of a successful render request.
type renderResponse struct {
	FileURL string  `json:"fileUrl"`
	Error   *apiErr `json:"error,omitempty"`
}

// PrintGrant is the body of a successful print-grant response. The file URL
// is single-use. RemainingPrints is a pointer: when the service omits it the
// caller falls back to a local decrement.
type PrintGrant struct {
	RemainingPrints *int   `json:"remainingPrints"`
	FileURL         string `json:"fileUrl"`
}

// apiErr is the service's structured error payload.
type apiErr struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// --- Status query ---

// DocumentStatus returns the raw generation status string for a document.
// Callers normalize and validate the value; this method only moves bytes.
func (c *Client) DocumentStatus(ctx context.Context, documentID string) (string, error) {
	endpoint := fmt.Sprintf("/api/documents/%s/status", url.PathEscape(documentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("status request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(body), 200))
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return "", serviceError(httpResp, resp.Error)
	}

	return resp.Status, nil
}

// --- Render request ---

// RequestRender asks the service for a renderable URL for the session.
// requestID is the session's idempotency key; it travels both in the body and
// as the X-Request-Id header so intermediary layers can deduplicate.
//
// A 409 answer means another request with the same key is already computing
// the document and surfaces as ErrStillProcessing. A 2xx answer with an empty
// fileUrl is an error.
func (c *Client) RequestRender(ctx context.Context, sessionToken, requestID string) (string, error) {
	start := time.Now()

	payload, err := json.Marshal(map[string]string{
		"sessionToken": sessionToken,
		"requestId":    requestID,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/render?mode=url", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	httpResp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		log.Debug().Int("statusCode", 0).Dur("duration", duration).Err(err).Msg("Render response")
		return "", fmt.Errorf("render request: %w", err)
	}
	defer httpResp.Body.Close()

	log.Debug().Int("statusCode", httpResp.StatusCode).Dur("duration", duration).Msg("Render response")

	if httpResp.StatusCode == http.StatusConflict {
		return "", ErrStillProcessing
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var resp renderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(body), 200))
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return "", serviceError(httpResp, resp.Error)
	}
	if resp.FileURL == "" {
		return "", fmt.Errorf("unexpected response: no fileUrl returned (body: %s)", truncate(string(body), 200))
	}

	return resp.FileURL, nil
}

// --- Print grant ---

// RequestPrintGrant performs the authoritative print-grant request. The
// server independently re-checks the quota; the local precondition in the
// printing coordinator is advisory only.
func (c *Client) RequestPrintGrant(ctx context.Context, sessionToken string) (*PrintGrant, error) {
	payload, err := json.Marshal(map[string]string{
		"sessionToken": sessionToken,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/print", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("print grant request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error *apiErr `json:"error"`
			// Some service deployments flatten the message.
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &errResp)
		if errResp.Error == nil && errResp.Message != "" {
			errResp.Error = &apiErr{Message: errResp.Message}
		}
		return nil, serviceError(httpResp, errResp.Error)
	}

	var grant PrintGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(body), 200))
	}
	if grant.FileURL == "" {
		return nil, fmt.Errorf("unexpected response: no fileUrl returned (body: %s)", truncate(string(body), 200))
	}

	log.Info().Msg("Print grant issued")
	return &grant, nil
}

// --- Internal helpers ---

// authorize attaches the bearer credential when present.
func (c *Client) authorize(req *http.Request) {
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
}

// serviceError prefers the server-supplied message over the HTTP status text,
// and never leaks transport internals into user-visible errors.
func serviceError(resp *http.Response, apiError *apiErr) error {
	if apiError != nil && apiError.Message != "" {
		return fmt.Errorf("document service error: %s", apiError.Message)
	}
	return fmt.Errorf("document service error: %s", resp.Status)
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
