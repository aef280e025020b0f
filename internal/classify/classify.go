// Package classify maps raw build error messages to a closed set of error
// kinds. Classification is pure string matching; it never fails, it only
// degrades to KindUnknown.
package classify

import (
	"strings"
)

// Kind is a closed classification of a failure's root cause, used to pick a
// remediation strategy.
type Kind string

const (
	KindAPIQuotaExceeded    Kind = "API_QUOTA_EXCEEDED"
	KindNetworkError        Kind = "NETWORK_ERROR"
	KindTimeout             Kind = "TIMEOUT"
	KindInvalidJSON         Kind = "INVALID_JSON"
	KindFileSystemError     Kind = "FILE_SYSTEM_ERROR"
	KindCodeGenerationError Kind = "CODE_GENERATION_ERROR"
	KindUnknown             Kind = "UNKNOWN"
)

// rules is evaluated top to bottom; the first keyword hit decides the kind.
// Messages routinely match more than one bucket (a timed-out fetch mentions
// both "network" and "timeout"), so the order here is part of the contract.
var rules = []struct {
	kind     Kind
	keywords []string
}{
	{KindAPIQuotaExceeded, []string{"quota", "rate limit", "rate-limit", "429", "too many requests"}},
	{KindNetworkError, []string{"network", "connection refused", "econnrefused", "enotfound", "not found", "fetch failed"}},
	{KindTimeout, []string{"timeout", "timed out"}},
	{KindInvalidJSON, []string{"json", "parse"}},
	{KindFileSystemError, []string{"permission", "enoent", "eacces", "no such file"}},
	{KindCodeGenerationError, []string{"syntax", "invalid code", "generation failed"}},
}

// Classify maps an error message to its Kind. Matching is case-insensitive.
func Classify(message string) Kind {
	msg := strings.ToLower(message)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(msg, kw) {
				return r.kind
			}
		}
	}
	return KindUnknown
}

// IsRetryable reports whether an automated retry has a chance of succeeding.
// Filesystem problems need an operator and unknown causes are not worth
// burning retry budget on.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindFileSystemError, KindUnknown:
		return false
	default:
		return true
	}
}
