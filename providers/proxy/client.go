// Package proxy implements the HTTP boundary between provider adapters and
// the hosted edge functions. Vendor API keys live server-side; adapters
// authenticate with the caller's session token and never see vendor
// credentials.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/services/notify"
	"github.com/upb/chat-gateway/services/session"
)

const (
	functionPathPrefix = "/functions/v1/"
	defaultTimeout     = 120 * time.Second

	// maxErrorBody bounds how much of an error response we read
	maxErrorBody = 64 * 1024

	// maxSSELine bounds a single event line; default scanner capacity is
	// too small for large deltas
	maxSSELine = 1024 * 1024
)

// Call identifies one proxied round trip: which vendor owns it, which edge
// function serves it, and the vendor-specific error text rules to apply
// before the shared ones.
type Call struct {
	Provider providers.Identity
	Function string
	UserID   string
	Rules    []providers.MessageRule
}

// Client posts JSON payloads to the edge functions and maps transport and
// status failures into tagged pipeline errors.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     session.TokenSource
	notifier   notify.Notifier
	logger     *zap.Logger
}

// NewClient creates a proxy client. baseURL is the edge deployment root
// without a trailing slash.
func NewClient(baseURL string, tokens session.TokenSource, notifier notify.Notifier, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		tokens:     tokens,
		notifier:   notifier,
		logger:     logger,
	}
}

// SetHTTPClient replaces the underlying HTTP client, used by tests and by
// streaming callers that need no client-side timeout.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Post sends payload to the call's edge function and decodes the 2xx
// response body into out. Every failure comes back as a tagged error owned
// by the call's provider.
func (c *Client) Post(ctx context.Context, call Call, payload, out any) error {
	resp, err := c.roundTrip(ctx, call, payload, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return providers.NewError(call.Provider, providers.CodeInvalidResponse,
			"failed to decode proxy response", resp.StatusCode, false, err)
	}
	return nil
}

// OpenStream sends payload to the call's edge function and returns an SSE
// reader over the response body. The caller owns the reader and must close
// it.
func (c *Client) OpenStream(ctx context.Context, call Call, payload any) (*SSEReader, error) {
	resp, err := c.roundTrip(ctx, call, payload, "text/event-stream")
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &SSEReader{body: resp.Body, scanner: scanner}, nil
}

func (c *Client) roundTrip(ctx context.Context, call Call, payload any, accept string) (*http.Response, error) {
	token, err := c.tokens.SessionToken(ctx)
	if err != nil {
		return nil, providers.NewError(call.Provider, providers.CodeProviderError,
			"session token lookup failed", 0, false, err)
	}
	if token == "" {
		return nil, providers.NewError(call.Provider, providers.CodeNotAuthenticated,
			"no active session", 0, false, nil)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, providers.NewError(call.Provider, providers.CodeProviderError,
			"failed to encode request", 0, false, err)
	}

	url := c.baseURL + functionPathPrefix + call.Function
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewError(call.Provider, providers.CodeProviderError,
			"failed to build request", 0, false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providers.NewError(call.Provider, providers.CodeProviderError,
			"proxy request failed", 0, true, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	return nil, c.mapStatus(ctx, call, resp)
}

// mapStatus converts a non-2xx proxy response into a tagged error. Specific
// statuses map directly; everything else goes through error-text
// classification.
func (c *Client) mapStatus(ctx context.Context, call Call, resp *http.Response) *providers.Error {
	text := readErrorText(resp.Body)

	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		c.notify(ctx, call.UserID, notify.EventPaymentRequired,
			"Your plan ran out of credit. Add a payment method to continue.")
		return providers.NewError(call.Provider, providers.CodePaymentRequired,
			"payment required", resp.StatusCode, false, nil)

	case http.StatusTooManyRequests:
		return providers.NewError(call.Provider, providers.CodeRateLimited,
			"rate limit exceeded", resp.StatusCode, true, nil)

	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		c.notify(ctx, call.UserID, notify.EventGatewayTimeout,
			"The provider is temporarily unavailable. Please retry shortly.")
		return providers.NewError(call.Provider, providers.CodeGatewayTimeout,
			"provider gateway timeout", resp.StatusCode, true, nil)
	}

	if text == "" {
		text = fmt.Sprintf("proxy returned status %d", resp.StatusCode)
	}
	err := providers.ClassifyMessage(call.Provider, text, resp.StatusCode, call.Rules)
	c.logger.Warn("proxy call failed",
		zap.String("provider", string(call.Provider)),
		zap.String("function", call.Function),
		zap.Int("status", resp.StatusCode),
		zap.String("code", string(err.Code)))
	return err
}

func (c *Client) notify(ctx context.Context, userID string, event notify.Event, message string) {
	if c.notifier == nil || userID == "" {
		return
	}
	c.notifier.Notify(ctx, userID, event, message)
}

// readErrorText extracts a human-readable message from an error body. Edge
// functions usually return {"error": "..."} but the decode is defensive;
// anything unparseable is returned as raw text.
func readErrorText(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &flat) == nil && flat.Error != "" {
		return flat.Error
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}

	return strings.TrimSpace(string(raw))
}

// SSEReader iterates the data payloads of a server-sent event stream.
type SSEReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next data payload. Comment lines and keep-alive blank
// lines are skipped. io.EOF marks the end of the stream.
func (r *SSEReader) Next() (string, error) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return strings.TrimSpace(data), nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close releases the underlying response body.
func (r *SSEReader) Close() error {
	return r.body.Close()
}
