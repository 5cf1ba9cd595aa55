package transport

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadRequest = "TRANSPORT_BAD_REQUEST"
	ErrorFailure    = "TRANSPORT_FAILURE"
	ErrorInternal   = "TRANSPORT_INTERNAL_ERROR"
)

// IsRetryable reports whether err came from the network or the response
// stream rather than from a malformed request. Errors without a transport
// text code are assumed to be network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich == nil {
		return true
	}
	return rich.TextCode == ErrorFailure
}

func badRequest(message string, cause error, meta map[string]any) error {
	return failure(cause, message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrorBadRequest, meta)
}

func networkFailure(message string, cause error, meta map[string]any) error {
	return failure(cause, message, goerrors.CategoryExternal, http.StatusBadGateway, ErrorFailure, meta)
}

func internalFailure(message string, cause error) error {
	return failure(cause, message, goerrors.CategoryInternal, http.StatusInternalServerError, ErrorInternal, nil)
}

func failure(cause error, message string, category goerrors.Category, code int, textCode string, meta map[string]any) error {
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, category, message)
	} else {
		err = goerrors.New(message, category)
	}
	err = err.WithCode(code).WithTextCode(textCode)
	if len(meta) > 0 {
		err = err.WithMetadata(meta)
	}
	return err
}
