package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-triage/core"
)

func TestRESTAdapter_SendsRequestAndFlattensResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Query().Get("q") != "is:unread" {
			t.Errorf("expected query to be encoded, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected authorization header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{}}`))
	}))
	defer server.Close()

	res, err := NewRESTAdapter(server.Client()).Do(context.Background(), core.TransportRequest{
		Method:  http.MethodPost,
		URL:     server.URL + "/gmail/v1/users/me/messages",
		Query:   map[string]string{"q": "is:unread"},
		Headers: map[string]string{"Authorization": "Bearer token"},
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status to pass through, got %d", res.StatusCode)
	}
	if res.Headers["Retry-After"] != "3" {
		t.Fatalf("expected Retry-After header, got %#v", res.Headers)
	}
	if string(res.Body) != `{"error":{}}` {
		t.Fatalf("unexpected body %q", res.Body)
	}
}

func TestRESTAdapter_ResponseLimitReturnsRetryableError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.MaxResponseBodyBytes = 4

	_, err := adapter.Do(context.Background(), core.TransportRequest{Method: http.MethodGet, URL: server.URL})
	if err == nil {
		t.Fatalf("expected response body limit error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryExternal || rich.TextCode != ErrorFailure {
		t.Fatalf("unexpected envelope %q/%q", rich.Category, rich.TextCode)
	}
	if rich.Code != http.StatusBadGateway {
		t.Fatalf("expected %d code, got %d", http.StatusBadGateway, rich.Code)
	}
	if !IsRetryable(err) {
		t.Fatalf("expected response stream failure to be retryable")
	}
}

func TestRESTAdapter_InvalidURLIsNotRetryable(t *testing.T) {
	_, err := NewRESTAdapter(nil).Do(context.Background(), core.TransportRequest{URL: "://bad"})
	if err == nil {
		t.Fatalf("expected invalid url error")
	}
	if IsRetryable(err) {
		t.Fatalf("expected malformed request to be fatal")
	}
}

func TestRESTAdapter_UnreachableHostIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewRESTAdapter(nil).Do(context.Background(), core.TransportRequest{URL: url})
	if !IsRetryable(err) {
		t.Fatalf("expected connection failure to be retryable, got %v", err)
	}
}

func TestIsRetryable_PlainErrors(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatalf("nil must not be retryable")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Fatalf("expected plain errors to be treated as network failures")
	}
}

func TestRESTAdapter_DefaultHeadersAndOverrides(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		if r.Header.Get("Accept") != "message/rfc822" {
			t.Errorf("expected request header to override default, got %q", r.Header.Get("Accept"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	res, err := NewRESTAdapter(server.Client()).Do(context.Background(), core.TransportRequest{
		URL:     server.URL,
		Headers: map[string]string{"Accept": "message/rfc822"},
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if res.StatusCode != http.StatusNoContent || res.Metadata["kind"] != KindREST {
		t.Fatalf("unexpected response %+v", res)
	}
}

func TestRESTAdapter_CanceledContextIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRESTAdapter(server.Client()).Do(ctx, core.TransportRequest{URL: server.URL})
	if err == nil {
		t.Fatalf("expected canceled request to fail")
	}
	if IsRetryable(err) {
		t.Fatalf("expected cancellation to stop retries, got %v", err)
	}
}
