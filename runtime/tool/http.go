// Package tool provides the HTTP and file collaborator ports consumed
// by node handlers.
package tool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dipeo/dipeo-go/errdefs"
)

// HTTPRequest describes one outbound request through the HTTP port.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// BearerToken, when set, is attached as an Authorization header.
	BearerToken string

	// Timeout bounds the round trip (0 = port default).
	Timeout time.Duration
}

// HTTPResponse is the port-level response.
type HTTPResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// HTTPPort issues HTTP requests with retry-aware error classification:
// network failures, 429 and 5xx responses surface as transient errors
// so the engine's retry policy applies; 4xx responses map onto the
// matching non-retryable kinds.
type HTTPPort struct {
	client         *http.Client
	defaultTimeout time.Duration
}

// NewHTTPPort creates a port with the given default per-request
// timeout (0 disables the default).
func NewHTTPPort(defaultTimeout time.Duration) *HTTPPort {
	return &HTTPPort{
		client:         &http.Client{},
		defaultTimeout: defaultTimeout,
	}
}

// Request implements the HTTP collaborator port.
func (p *HTTPPort) Request(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if req.URL == "" {
		return nil, errdefs.New(errdefs.KindValidation, "url is required")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = p.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "failed to build request")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if req.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errdefs.Wrap(errdefs.KindTimeout, err, "request timed out")
		}
		if errors.Is(err, context.Canceled) {
			return nil, errdefs.Wrap(errdefs.KindCancelled, err, "request cancelled")
		}
		return nil, errdefs.Wrap(errdefs.KindTransient, err, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransient, err, "failed to read response body")
	}

	out := &HTTPResponse{Status: resp.StatusCode, Headers: resp.Header, Body: respBody}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return out, err
	}
	return out, nil
}

func classifyStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return errdefs.Newf(errdefs.KindTransient, "server returned %d", status)
	case status == http.StatusNotFound:
		return errdefs.Newf(errdefs.KindNotFound, "server returned %d", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errdefs.Newf(errdefs.KindPermissionDenied, "server returned %d", status)
	default:
		return errdefs.Newf(errdefs.KindHandlerFailure, "server returned %d", status)
	}
}
