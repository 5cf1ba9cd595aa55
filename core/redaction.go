package core

import (
	"slices"
	"strings"
)

const RedactedValue = "[REDACTED]"

// RedactSensitiveMap copies fields with token-like keys replaced so log
// lines never carry credential material.
func RedactSensitiveMap(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(fields)
}

// RedactCredential returns a copy with both tokens replaced.
func RedactCredential(credential Credential) Credential {
	out := credential.Clone()
	if out.AccessToken != "" {
		out.AccessToken = RedactedValue
	}
	if out.RefreshToken != "" {
		out.RefreshToken = RedactedValue
	}
	return out
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case []any:
		out := slices.Clone(typed)
		for i, item := range out {
			out[i] = redactSensitiveValue(item)
		}
		return out
	default:
		return value
	}
}

// sensitiveKeyParts mark a field as secret when they appear anywhere in its
// key. Keys listed in traceKeys are kept even when they match.
var (
	sensitiveKeyParts = []string{
		"password", "secret", "token", "authorization", "api_key",
		"apikey", "access_key", "refresh", "credential", "code",
	}
	traceKeys = map[string]bool{
		"user_id": true, "run_id": true, "stage": true, "message_id": true,
		"thread_id": true, "request_kind": true, "status_code": true,
		"cause_code": true, "error_code": true, "idempotency_key": true,
		"forced": true, "exchanged": true,
	}
)

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || traceKeys[key] {
		return false
	}
	return slices.ContainsFunc(sensitiveKeyParts, func(part string) bool {
		return strings.Contains(key, part)
	})
}
