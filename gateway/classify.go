package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-triage/core"
	"google.golang.org/api/googleapi"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeReauth    Outcome = "reauth"
	OutcomeFatal     Outcome = "fatal"
)

// quotaReasons are the Google error reasons that turn a 403 into throttling.
var quotaReasons = map[string]bool{
	"ratelimitexceeded":     true,
	"userratelimitexceeded": true,
	"rate_limit_exceeded":   true,
}

// classifyStatus maps a provider response onto an Outcome. A 401 maps to
// OutcomeReauth; the caller decides whether a forced refresh is still allowed.
func classifyStatus(res core.TransportResponse) (Outcome, error) {
	status := res.StatusCode
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess, nil
	case status == http.StatusUnauthorized:
		return OutcomeReauth, statusError(res, goerrors.CategoryAuth)
	case status == http.StatusTooManyRequests:
		return OutcomeRetryable, statusError(res, goerrors.CategoryRateLimit)
	case status == http.StatusRequestTimeout:
		return OutcomeRetryable, statusError(res, goerrors.CategoryExternal)
	case status >= 500:
		return OutcomeRetryable, statusError(res, goerrors.CategoryExternal)
	case status == http.StatusForbidden && isQuotaRejection(res):
		return OutcomeRetryable, statusError(res, goerrors.CategoryRateLimit)
	case status == http.StatusNotFound:
		return OutcomeFatal, statusError(res, goerrors.CategoryNotFound)
	default:
		return OutcomeFatal, statusError(res, goerrors.CategoryBadInput)
	}
}

func isQuotaRejection(res core.TransportResponse) bool {
	apiErr := googleError(res)
	if apiErr == nil {
		return false
	}
	for _, item := range apiErr.Errors {
		if quotaReasons[strings.ToLower(strings.TrimSpace(item.Reason))] {
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "rate limit exceeded")
}

// googleError decodes the standard Google API error envelope, if present.
func googleError(res core.TransportResponse) *googleapi.Error {
	header := http.Header{}
	for key, value := range res.Headers {
		header.Set(key, value)
	}
	err := googleapi.CheckResponse(&http.Response{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(res.Body)),
	})
	apiErr, ok := err.(*googleapi.Error)
	if !ok {
		return nil
	}
	return apiErr
}

func statusError(res core.TransportResponse, category goerrors.Category) error {
	message := fmt.Sprintf("gateway: provider responded %d", res.StatusCode)
	metadata := map[string]any{"status_code": res.StatusCode}
	if apiErr := googleError(res); apiErr != nil {
		if msg := strings.TrimSpace(apiErr.Message); msg != "" {
			message = fmt.Sprintf("%s: %s", message, msg)
		}
		if len(apiErr.Errors) > 0 {
			metadata["reason"] = apiErr.Errors[0].Reason
		}
	}
	return goerrors.New(message, category).
		WithCode(res.StatusCode).
		WithTextCode(fmt.Sprintf("HTTP_%d", res.StatusCode)).
		WithMetadata(metadata)
}
