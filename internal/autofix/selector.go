// Package autofix decides how to remediate a classified build failure.
// Selection is a fixed decision table; it never errors and never performs
// I/O — the monitor applies whatever the selector decides.
package autofix

import (
	"fmt"

	"appfactory/internal/classify"
	"appfactory/internal/models"
)

// Fix methods reported back to the monitor and stamped into payload.lastFix.
const (
	MethodProviderFallback   = "provider_fallback"
	MethodHeuristicFallback  = "heuristic_fallback"
	MethodRetryWithBackoff   = "retry_with_backoff"
	MethodStricterPrompt     = "stricter_prompt"
	MethodManualIntervention = "manual_intervention"
	MethodNone               = "none"
)

// Fix is the structured outcome of a remediation attempt.
type Fix struct {
	Applied   bool   `json:"applied"`
	Method    string `json:"method"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Selector picks a remediation for a job given its classified error.
type Selector struct {
	providers *Registry
}

// NewSelector constructs a selector over the given provider registry.
func NewSelector(providers *Registry) *Selector {
	return &Selector{providers: providers}
}

// AttemptFix evaluates the decision table for the error kind. The only state
// it mutates is job.Payload (provider fallback rewrites payload.provider).
//
// The API_QUOTA_EXCEEDED branch reports Applied=true even when no alternate
// provider exists: the heuristic_fallback method tells the caller to finish
// the build with non-AI template heuristics rather than fail it outright.
func (s *Selector) AttemptFix(job *models.Job, kind classify.Kind) Fix {
	switch kind {
	case classify.KindAPIQuotaExceeded:
		current := job.Provider()
		if alt := s.providers.Fallback(current); alt != "" {
			if job.Payload == nil {
				job.Payload = map[string]any{}
			}
			job.Payload[models.PayloadProvider] = alt
			return Fix{
				Applied:   true,
				Method:    MethodProviderFallback,
				Message:   fmt.Sprintf("switched provider %s -> %s", current, alt),
				Retryable: true,
			}
		}
		return Fix{
			Applied:   true,
			Method:    MethodHeuristicFallback,
			Message:   "no alternate provider configured, proceed with heuristic generation",
			Retryable: true,
		}
	case classify.KindNetworkError, classify.KindTimeout:
		return Fix{
			Applied:   true,
			Method:    MethodRetryWithBackoff,
			Message:   "transient failure, retry scheduled with backoff",
			Retryable: true,
		}
	case classify.KindInvalidJSON:
		return Fix{
			Applied:   true,
			Method:    MethodStricterPrompt,
			Message:   "reissue generation with strict output-format constraints",
			Retryable: true,
		}
	case classify.KindFileSystemError:
		return Fix{
			Applied:   false,
			Method:    MethodManualIntervention,
			Message:   "filesystem error requires human intervention",
			Retryable: false,
		}
	default:
		return Fix{
			Applied:   false,
			Method:    MethodNone,
			Message:   fmt.Sprintf("no automated fix for %s", kind),
			Retryable: classify.IsRetryable(kind),
		}
	}
}
