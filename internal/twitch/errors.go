package twitch

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies upstream failures so callers can pick a retry strategy
// without inspecting status codes.
type Kind int

const (
	// KindTransient covers network errors and 5xx responses; retryable.
	KindTransient Kind = iota
	// KindPermanent covers 4xx responses other than 401/404/409/429.
	KindPermanent
	// KindRateLimited is a 429 that survived local retries.
	KindRateLimited
	// KindCredentialRejected is a 401; the token manager should refresh.
	KindCredentialRejected
	// KindNotFound is a missing channel or subscription.
	KindNotFound
	// KindConflict means the subscription already exists; callers treat
	// this as success.
	KindConflict
	// KindCostExceeded means the credential's subscription cost ceiling
	// was hit; operator intervention required.
	KindCostExceeded
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindRateLimited:
		return "rate-limited"
	case KindCredentialRejected:
		return "credential-rejected"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	case KindCostExceeded:
		return "cost-exceeded"
	default:
		return "unknown"
	}
}

// APIError is the error type surfaced by all Client operations.
type APIError struct {
	Kind       Kind
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("twitch: %s: %s (status %d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("twitch: %s: %s: %s", e.Op, e.Kind, e.Message)
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, k Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == k
}

// IsTransient reports whether the failure is worth retrying later.
func IsTransient(err error) bool { return IsKind(err, KindTransient) }

// IsCredentialRejected reports a 401 from upstream.
func IsCredentialRejected(err error) bool { return IsKind(err, KindCredentialRejected) }

// IsNotFound reports a missing channel or subscription.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindCredentialRejected
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}
