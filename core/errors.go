package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorCredentialNotFound   = "CREDENTIAL_NOT_FOUND"
	ErrorCredentialCorrupt    = "CREDENTIAL_CORRUPT"
	ErrorNeedsReauthorization = "NEEDS_REAUTHORIZATION"
	ErrorTransientFailure     = "TRANSIENT_FAILURE"
	ErrorFatalRequest         = "FATAL_REQUEST"
	ErrorStageFailure         = "STAGE_FAILURE"
	ErrorPayloadInvalid       = "PAYLOAD_INVALID"
	ErrorIdentityAmbiguous    = "IDENTITY_AMBIGUOUS"
	ErrorIdentityMismatch     = "IDENTITY_MISMATCH"
	ErrorArtifactNotFound     = "ARTIFACT_NOT_FOUND"
	ErrorRunCancelled         = "RUN_CANCELLED"
	ErrorBadInput             = "TRIAGE_BAD_INPUT"
	ErrorInternal             = "TRIAGE_INTERNAL_ERROR"
)

var (
	// ErrRefreshRejected is returned by token exchangers when the provider
	// refuses the refresh token itself. It is never retried.
	ErrRefreshRejected = errors.New("core: refresh token rejected")
	// ErrArtifactNotFound is returned by artifact stores for unknown run/stage keys.
	ErrArtifactNotFound = errors.New("core: artifact not found")
)

// ErrorKind is the coarse taxonomy stage logic branches on.
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindNotFound             ErrorKind = "not_found"
	KindCorruptCredential    ErrorKind = "corrupt_credential"
	KindNeedsReauthorization ErrorKind = "needs_reauthorization"
	KindTransientFailure     ErrorKind = "transient_failure"
	KindFatalRequest         ErrorKind = "fatal_request"
	KindStageFailure         ErrorKind = "stage_failure"
	KindIdentityAmbiguous    ErrorKind = "identity_ambiguous"
	KindCancelled            ErrorKind = "cancelled"
	KindInternal             ErrorKind = "internal"
)

func NotFoundError(userID string, cause error) error {
	return triageError(cause,
		fmt.Sprintf("no credential stored for user %q", userID),
		goerrors.CategoryNotFound,
		ErrorCredentialNotFound,
		map[string]any{"user_id": userID},
	)
}

func CorruptCredentialError(userID string, cause error) error {
	return triageError(cause,
		fmt.Sprintf("credential record for user %q is corrupt", userID),
		goerrors.CategoryValidation,
		ErrorCredentialCorrupt,
		map[string]any{"user_id": userID},
	)
}

func NeedsReauthorizationError(userID string, cause error) error {
	return triageError(cause,
		fmt.Sprintf("user %q must re-authorize access", userID),
		goerrors.CategoryAuth,
		ErrorNeedsReauthorization,
		map[string]any{"user_id": userID},
	)
}

func TransientFailureError(operation string, attempts int, cause error) error {
	category := goerrors.CategoryExternal
	if attempts > 0 && isRateLimitCause(cause) {
		category = goerrors.CategoryRateLimit
	}
	return triageError(cause,
		fmt.Sprintf("%s failed after %d attempts", operation, attempts),
		category,
		ErrorTransientFailure,
		map[string]any{"operation": operation, "attempts": attempts},
	)
}

func FatalRequestError(operation string, status int, cause error) error {
	return triageError(cause,
		fmt.Sprintf("%s was rejected with status %d", operation, status),
		goerrors.CategoryBadInput,
		ErrorFatalRequest,
		map[string]any{"operation": operation, "status": status},
	)
}

func StageFailureError(stage string, cause error) error {
	metadata := map[string]any{"stage": stage}
	if code := textCodeOf(cause); code != "" {
		metadata["cause_code"] = code
	}
	if userID := metadataString(cause, "user_id"); userID != "" {
		metadata["user_id"] = userID
	}
	return triageError(cause,
		fmt.Sprintf("stage %q failed", stage),
		goerrors.CategoryOperation,
		ErrorStageFailure,
		metadata,
	)
}

func PayloadInvalidError(stage string, cause error) error {
	return triageError(cause,
		fmt.Sprintf("stage %q received a malformed payload", stage),
		goerrors.CategoryValidation,
		ErrorPayloadInvalid,
		map[string]any{"stage": stage},
	)
}

func IdentityAmbiguousError(candidates []string) error {
	return triageError(nil,
		fmt.Sprintf("%d identities are authorized; an explicit user id is required", len(candidates)),
		goerrors.CategoryBadInput,
		ErrorIdentityAmbiguous,
		map[string]any{"candidates": append([]string(nil), candidates...)},
	)
}

// IdentityMismatchError reports consent granted by a different mailbox than
// the identity the authorization was started for.
func IdentityMismatchError(userID string, address string) error {
	return triageError(nil,
		fmt.Sprintf("authorization for %q was granted by mailbox %q", userID, address),
		goerrors.CategoryAuth,
		ErrorIdentityMismatch,
		map[string]any{"user_id": userID, "mailbox": address},
	)
}

func RunCancelledError(runID string, stage string, cause error) error {
	return triageError(cause,
		fmt.Sprintf("run %q cancelled before stage %q", runID, stage),
		goerrors.CategoryOperation,
		ErrorRunCancelled,
		map[string]any{"run_id": runID, "stage": stage},
	)
}

// MissingDependencyError reports a handler invoked without the service it
// delegates to.
func MissingDependencyError(message string) error {
	return triageError(nil, message, goerrors.CategoryInternal, ErrorInternal, nil)
}

func BadInputError(message string) error {
	return triageError(nil, message, goerrors.CategoryBadInput, ErrorBadInput, nil)
}

// FieldValidationError is the error returned by message Validate methods.
func FieldValidationError(scope, field, message string) error {
	return goerrors.NewValidation(scope+": validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

// WrapBadInput returns nil for a nil err.
func WrapBadInput(err error, message string) error {
	if err == nil {
		return nil
	}
	return triageError(err, message, goerrors.CategoryValidation, ErrorBadInput, nil)
}

func triageError(
	source error,
	message string,
	category goerrors.Category,
	textCode string,
	metadata map[string]any,
) error {
	var err *goerrors.Error
	if source == nil {
		err = goerrors.New(message, category)
	} else {
		err = goerrors.Wrap(source, category, message)
	}
	err = err.WithCode(httpStatusFor(category)).WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// KindOf classifies any error into the triage taxonomy. Wrapped taxonomy
// errors are searched in order so the outermost classification wins.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, code := range textCodes(err) {
		switch code {
		case ErrorCredentialNotFound:
			return KindNotFound
		case ErrorCredentialCorrupt:
			return KindCorruptCredential
		case ErrorNeedsReauthorization, ErrorIdentityMismatch:
			return KindNeedsReauthorization
		case ErrorTransientFailure:
			return KindTransientFailure
		case ErrorFatalRequest:
			return KindFatalRequest
		case ErrorStageFailure, ErrorPayloadInvalid:
			return KindStageFailure
		case ErrorIdentityAmbiguous:
			return KindIdentityAmbiguous
		case ErrorRunCancelled:
			return KindCancelled
		}
	}
	if errors.Is(err, ErrRefreshRejected) {
		return KindNeedsReauthorization
	}
	return KindInternal
}

func IsNotFound(err error) bool             { return hasTextCode(err, ErrorCredentialNotFound) }
func IsNeedsReauthorization(err error) bool { return hasTextCode(err, ErrorNeedsReauthorization) }
func IsTransient(err error) bool            { return hasTextCode(err, ErrorTransientFailure) }
func IsFatalRequest(err error) bool         { return hasTextCode(err, ErrorFatalRequest) }
func IsStageFailure(err error) bool         { return hasTextCode(err, ErrorStageFailure) }
func IsIdentityAmbiguous(err error) bool    { return hasTextCode(err, ErrorIdentityAmbiguous) }

// UserMessage renders the actionable text shown to an operator for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	userID := metadataString(err, "user_id")
	kind := KindOf(err)
	if hasTextCode(err, ErrorNeedsReauthorization) {
		kind = KindNeedsReauthorization
	}
	if hasTextCode(err, ErrorIdentityMismatch) {
		return fmt.Sprintf("consent was granted by %s, not %s; run `triage authorize --user %s` and sign in as %s",
			metadataString(err, "mailbox"), userID, userID, userID)
	}
	switch kind {
	case KindNeedsReauthorization:
		if userID != "" {
			return fmt.Sprintf("access for %s was revoked or has expired; run `triage authorize --user %s` to re-grant access", userID, userID)
		}
		return "access was revoked or has expired; re-grant access with `triage authorize`"
	case KindNotFound:
		if userID != "" {
			return fmt.Sprintf("no credential found for %s; run `triage authorize --user %s`", userID, userID)
		}
		return "no credential found; run `triage authorize`"
	case KindTransientFailure:
		return "the mail provider is busy or unavailable; try again later"
	case KindStageFailure:
		if stage := metadataString(err, "stage"); stage != "" {
			return fmt.Sprintf("stage %s failed; re-run the pipeline to resume from this stage", stage)
		}
		return "a pipeline stage failed; re-run the pipeline to resume"
	case KindIdentityAmbiguous:
		return "more than one account is authorized; pass --user to pick one"
	case KindCancelled:
		return "the run was cancelled; re-run the pipeline to resume"
	default:
		return err.Error()
	}
}

// MapError converts any error into the go-errors envelope used by command
// and query surfaces.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case errors.Is(err, ErrRefreshRejected):
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryAuth, err.Error()).
			WithTextCode(ErrorNeedsReauthorization))
	case errors.Is(err, ErrArtifactNotFound):
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryNotFound, err.Error()).
			WithTextCode(ErrorArtifactNotFound))
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryBadInput, err.Error()).
			WithTextCode(ErrorBadInput))
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatusFor(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorCredentialNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorNeedsReauthorization
	case goerrors.CategoryRateLimit, goerrors.CategoryExternal:
		return ErrorTransientFailure
	case goerrors.CategoryOperation:
		return ErrorStageFailure
	default:
		return ErrorInternal
	}
}

func httpStatusFor(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func hasTextCode(err error, code string) bool {
	for _, candidate := range textCodes(err) {
		if candidate == code {
			return true
		}
	}
	return false
}

func textCodeOf(err error) string {
	codes := textCodes(err)
	if len(codes) == 0 {
		return ""
	}
	return codes[0]
}

// textCodes lists every go-errors text code along the wrap chain, outermost first.
func textCodes(err error) []string {
	var codes []string
	for current := err; current != nil; {
		var richErr *goerrors.Error
		if !goerrors.As(current, &richErr) || richErr == nil {
			break
		}
		if code := strings.TrimSpace(richErr.TextCode); code != "" {
			codes = append(codes, code)
		}
		if cause, ok := richErr.Metadata["cause_code"].(string); ok && cause != "" {
			codes = append(codes, cause)
		}
		next := errors.Unwrap(richErr)
		if next == nil || next == current {
			break
		}
		current = next
	}
	return codes
}

func metadataString(err error, key string) string {
	for current := err; current != nil; {
		var richErr *goerrors.Error
		if !goerrors.As(current, &richErr) || richErr == nil {
			return ""
		}
		if value, ok := richErr.Metadata[key].(string); ok && value != "" {
			return value
		}
		next := errors.Unwrap(richErr)
		if next == nil || next == current {
			return ""
		}
		current = next
	}
	return ""
}

func isRateLimitCause(err error) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		return richErr.Category == goerrors.CategoryRateLimit || richErr.Code == http.StatusTooManyRequests
	}
	return false
}
