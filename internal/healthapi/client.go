// Package healthapi is a thin client for the remote health sync API:
// login, token refresh, record upload and record deletion. None of the
// calls retry; retry policy belongs to the callers.
package healthapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/alexjbarnes/health-sync/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	DefaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	apiPrefix = "/api/v2"
)

// Client talks to the health sync REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so bearer tokens never leak to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       DefaultTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the API base the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a JSON request and decodes a 2xx response into result.
// token is sent as a bearer credential when non-empty.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w: %w", endpoint, apperrors.ErrTransport, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w: %w", endpoint, apperrors.ErrTransport, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(endpoint, resp.StatusCode, respBody)
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w: %w", endpoint, apperrors.ErrAPIResponse, err)
		}
	}

	return nil
}

// statusError classifies a non-2xx response. 401 and 403 mean the token
// was rejected; 429 and 5xx are transient.
func statusError(endpoint string, code int, body []byte) error {
	msg := sanitizeResponseBody(body)

	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil {
		if apiErr.Error != "" {
			msg = apiErr.Error
		} else if apiErr.Message != "" {
			msg = apiErr.Message
		}
	}

	kind := apperrors.ErrTransport
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		kind = apperrors.ErrAuthRejected
	}

	err := fmt.Errorf("API %s returned status %d: %s: %w", endpoint, code, msg, kind)
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func syncEndpoint(category models.Category) string {
	return apiPrefix + "/sync/" + url.PathEscape(string(category))
}

// Login exchanges username and password for an access and refresh token.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/login", "", req, &resp); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	if resp.Token == "" {
		return nil, fmt.Errorf("logging in: %w: %s", apperrors.ErrAuthRejected, failureMessage(resp))
	}

	return &resp, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, apiPrefix+"/refresh", "", RefreshRequest{Refresh: refreshToken}, &resp); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	if resp.Token == "" {
		return nil, fmt.Errorf("refreshing token: %w: %s", apperrors.ErrAuthRejected, failureMessage(resp))
	}

	return &resp, nil
}

func failureMessage(resp TokenResponse) string {
	if resp.Error != "" {
		return resp.Error
	}

	return "response contained no token"
}

// UploadBatch uploads every record of one category in a single call.
func (c *Client) UploadBatch(ctx context.Context, category models.Category, records []models.Record, token string) error {
	if err := c.do(ctx, http.MethodPost, syncEndpoint(category), token, UploadRequest{Data: records}, nil); err != nil {
		return fmt.Errorf("uploading %d %s records: %w", len(records), category, err)
	}

	return nil
}

// UploadOne uploads a single fully expanded record.
func (c *Client) UploadOne(ctx context.Context, category models.Category, record models.Record, token string) error {
	if err := c.do(ctx, http.MethodPost, syncEndpoint(category), token, UploadRequest{Data: record}, nil); err != nil {
		return fmt.Errorf("uploading %s record %s: %w", category, record.ID, err)
	}

	return nil
}

// Delete removes records by id from the server.
func (c *Client) Delete(ctx context.Context, category models.Category, ids []string, token string) error {
	if err := c.do(ctx, http.MethodDelete, syncEndpoint(category), token, DeleteRequest{UUID: ids}, nil); err != nil {
		return fmt.Errorf("deleting %d %s records: %w", len(ids), category, err)
	}

	return nil
}
