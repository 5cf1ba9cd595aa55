package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// quotaHeaders holds the X-RateLimit-* values present on a response.
type quotaHeaders struct {
	limit     *int
	remaining *int
	resetAt   *time.Time
}

func readQuotaHeaders(headers map[string]string) quotaHeaders {
	var q quotaHeaders
	if v, err := strconv.Atoi(header(headers, "X-RateLimit-Limit")); err == nil {
		q.limit = &v
	}
	if v, err := strconv.Atoi(header(headers, "X-RateLimit-Remaining")); err == nil {
		q.remaining = &v
	}
	if v, err := strconv.ParseInt(header(headers, "X-RateLimit-Reset"), 10, 64); err == nil && v > 0 {
		at := time.Unix(v, 0).UTC()
		q.resetAt = &at
	}
	return q
}

func (q quotaHeaders) any() bool {
	return q.limit != nil || q.remaining != nil || q.resetAt != nil
}

func (q quotaHeaders) apply(state *State) {
	if q.limit != nil {
		state.Limit = *q.limit
	}
	if q.remaining != nil {
		state.Remaining = *q.remaining
	}
	if q.resetAt != nil {
		state.ResetAt = q.resetAt
	}
}

// ParseRetryAfter reads a Retry-After header given as delta seconds or as
// an HTTP date. Zero, past and unparsable values report false.
func ParseRetryAfter(headers map[string]string, now time.Time) (time.Duration, bool) {
	raw := header(headers, "Retry-After")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, seconds > 0
	}
	at, ok := parseHTTPDate(raw)
	if !ok || !at.After(now) {
		return 0, false
	}
	return at.Sub(now), true
}

func parseHTTPDate(raw string) (time.Time, bool) {
	if at, err := http.ParseTime(raw); err == nil {
		return at, true
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z} {
		if at, err := time.Parse(layout, raw); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

func header(headers map[string]string, name string) string {
	if value, ok := headers[name]; ok {
		return strings.TrimSpace(value)
	}
	for key, value := range headers {
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
