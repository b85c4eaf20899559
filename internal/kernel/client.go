package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to a kernel over its HTTP binding.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(k *HTTPClient) {
		k.http = c
	}
}

// NewHTTPClient creates a client for the kernel at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*HTTPClient)(nil)

// CreateSession implements Client.
func (c *HTTPClient) CreateSession(ctx context.Context, terminalID string) (string, error) {
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", createSessionRequest{TerminalID: terminalID}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// StartTransaction implements Client.
func (c *HTTPClient) StartTransaction(ctx context.Context, sessionID, currency string) (string, error) {
	var out idResponse
	path := "/sessions/" + url.PathEscape(sessionID) + "/transactions"
	if err := c.do(ctx, http.MethodPost, path, startTransactionRequest{Currency: currency}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AddLineItem implements Client.
func (c *HTTPClient) AddLineItem(ctx context.Context, sessionID, transactionID string, req AddLineItemRequest) (*LineItem, error) {
	var out LineItem
	if err := c.do(ctx, http.MethodPost, txPath(sessionID, transactionID)+"/lines", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransaction implements Client. Snapshots of another schema version are rejected.
func (c *HTTPClient) GetTransaction(ctx context.Context, sessionID, transactionID string) (*TransactionSnapshot, error) {
	var out TransactionSnapshot
	if err := c.do(ctx, http.MethodGet, txPath(sessionID, transactionID), nil, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: got %d, want %d", err, out.SchemaVersion, SchemaVersion)
	}
	return &out, nil
}

// ProcessPayment implements Client. A rejected payment returns both the
// result and the kernel error.
func (c *HTTPClient) ProcessPayment(ctx context.Context, sessionID, transactionID string, req PaymentRequest) (*PaymentResult, error) {
	var out paymentResponse
	err := c.do(ctx, http.MethodPost, txPath(sessionID, transactionID)+"/payments", req, &out)
	return out.Result, err
}

// CloseSession implements Client.
func (c *HTTPClient) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func txPath(sessionID, transactionID string) string {
	return "/sessions/" + url.PathEscape(sessionID) + "/transactions/" + url.PathEscape(transactionID)
}

// do sends a JSON request. On error statuses the body is still decoded into
// out when possible, and the wire error code is mapped back to a kernel error.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return decodeError(resp.StatusCode, eb)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(status int, eb errorBody) error {
	for known, code := range errorCodes {
		if code == eb.Error {
			detail := strings.TrimPrefix(strings.TrimPrefix(eb.Message, known.Error()), ": ")
			if detail != "" {
				return fmt.Errorf("%w: %s", known, detail)
			}
			return known
		}
	}
	if eb.Message != "" {
		return fmt.Errorf("kernel returned %d: %s", status, eb.Message)
	}
	return fmt.Errorf("kernel returned %d", status)
}
