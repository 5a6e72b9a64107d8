// Package api is the request/response transport to the game server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cbodonnell/townsquare/pkg/client/errs"
	"github.com/cbodonnell/townsquare/pkg/client/identity"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/google/uuid"
)

const (
	DefaultTimeout = 10 * time.Second
	// RequestIDHeader correlates a call with the server logs.
	RequestIDHeader = "X-Request-ID"
)

type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials identity.CredentialProvider
	timeout     time.Duration
}

type NewClientOptions struct {
	BaseURL     string
	Credentials identity.CredentialProvider
	// HTTPClient defaults to a client without its own timeout; Timeout bounds each call.
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewClient(opts NewClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient:  httpClient,
		credentials: opts.Credentials,
		timeout:     timeout,
	}
}

// do performs one call. Mutating calls are never retried here.
func (c *Client) do(ctx context.Context, op string, method string, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %v", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %v", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)

	if c.credentials != nil {
		token, err := c.credentials.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get credential for %s: %v", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	log.Trace("%s %s (%s) request %s", method, path, op, requestID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &errs.NetworkError{Op: op, Timeout: isTimeout(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.NetworkError{Op: op, Timeout: isTimeout(ctx, err), Err: fmt.Errorf("failed to read response body: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return requestError(resp, b)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &errs.NetworkError{Op: op, Err: fmt.Errorf("failed to decode response: %v", err)}
	}

	return nil
}

func requestError(resp *http.Response, body []byte) error {
	errorResponse := &models.ErrorResponse{}
	if err := json.Unmarshal(body, errorResponse); err != nil || errorResponse.Error == "" {
		return &errs.RequestError{
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(body)),
		}
	}
	return &errs.RequestError{
		Status:  resp.StatusCode,
		Code:    errorResponse.Code,
		Message: errorResponse.Error,
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
