// Package transport performs the raw HTTP exchanges behind the Gmail
// gateway. It reports network failures and never interprets status codes.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-triage/core"
)

const KindREST = "rest"

const (
	DefaultUserAgent     = "go-triage"
	defaultClientTimeout = 30 * time.Second
	defaultBodyLimit     = int64(25 << 20)
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTAdapter sends one request per Do call and returns the response as
// received. Retries and status classification happen in the gateway.
type RESTAdapter struct {
	Client         HTTPDoer
	DefaultHeaders map[string]string
	UserAgent      string
	// MaxResponseBodyBytes bounds how much of a body is buffered. Larger
	// bodies fail with a retryable error.
	MaxResponseBodyBytes int64
	now                  func() time.Time
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{"Accept": "application/json"},
		UserAgent:            DefaultUserAgent,
		MaxResponseBodyBytes: defaultBodyLimit,
		now:                  time.Now,
	}
}

func (a *RESTAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Client == nil {
		return core.TransportResponse{}, internalFailure("transport: rest adapter has no http client", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := a.build(ctx, req)
	if err != nil {
		return core.TransportResponse{}, err
	}
	meta := map[string]any{"adapter": KindREST, "method": httpReq.Method, "path": httpReq.URL.Path}

	startedAt := a.clock()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return core.TransportResponse{}, internalFailure("transport: request canceled", err)
		}
		return core.TransportResponse{}, networkFailure("transport: execute http request", err, meta)
	}
	defer httpRes.Body.Close()

	body, err := a.readBody(httpRes.Body)
	if err != nil {
		meta["status_code"] = httpRes.StatusCode
		return core.TransportResponse{}, networkFailure("transport: read response body", err, meta)
	}

	return core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
		Metadata: map[string]any{
			"kind":        KindREST,
			"duration_ms": a.clock().Sub(startedAt).Milliseconds(),
		},
	}, nil
}

func (a *RESTAdapter) build(ctx context.Context, req core.TransportRequest) (*http.Request, error) {
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return nil, badRequest("transport: request url is required", nil, nil)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, badRequest("transport: invalid request url", err, map[string]any{"url": raw})
	}
	if len(req.Query) > 0 {
		values := target.Query()
		for key, value := range req.Query {
			if key = strings.TrimSpace(key); key != "" {
				values.Set(key, strings.TrimSpace(value))
			}
		}
		target.RawQuery = values.Encode()
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, badRequest("transport: create http request", err, map[string]any{"method": method})
	}
	if a.UserAgent != "" {
		httpReq.Header.Set("User-Agent", a.UserAgent)
	}
	setHeaders(httpReq.Header, a.DefaultHeaders)
	setHeaders(httpReq.Header, req.Headers)
	return httpReq, nil
}

func (a *RESTAdapter) readBody(body io.Reader) ([]byte, error) {
	limit := a.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}

func (a *RESTAdapter) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func setHeaders(dst http.Header, headers map[string]string) {
	for key, value := range headers {
		if key = strings.TrimSpace(key); key != "" {
			dst.Set(key, strings.TrimSpace(value))
		}
	}
}

func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

var _ core.Transport = (*RESTAdapter)(nil)
