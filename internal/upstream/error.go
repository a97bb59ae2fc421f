// Package upstream defines the single error shape every external-service
// adapter (wallet authority, payment processor) returns. Adapters translate
// SDK exception hierarchies and HTTP statuses into a tagged Kind here, so the
// checkout error classifier can match exhaustively in one place instead of
// sniffing error strings or concrete SDK types.
package upstream

import "fmt"

// Kind is the closed set of upstream failure categories.
type Kind int

const (
	// KindTransient covers 5xx-class upstream failures worth retrying.
	KindTransient Kind = iota
	// KindRateLimited covers 429 responses.
	KindRateLimited
	// KindConnection covers DNS failures, timeouts and refused connections.
	KindConnection
	// KindValidation covers 4xx request/validation rejections.
	KindValidation
	// KindAuth covers 401/403 responses that indicate misconfigured keys.
	KindAuth
	// KindNotFound covers missing users, mandates or cards upstream.
	KindNotFound
	// KindCardDeclined covers processor declines of an otherwise valid charge.
	KindCardDeclined
	// KindCVVRejected covers expired or invalid CVV responses from the
	// wallet authority. Actionable: the end user must re-enter the CVV.
	KindCVVRejected
	// KindUnknown covers anything the adapter could not categorize.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindConnection:
		return "connection"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindCardDeclined:
		return "card_declined"
	case KindCVVRejected:
		return "cvv_rejected"
	default:
		return "unknown"
	}
}

// Error carries the classified category plus whatever safe detail the
// upstream returned. Message must already be scrubbed by the adapter; it is
// shown to callers and recorded in session state on fatal paths.
type Error struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
	Service    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Service, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Service, e.Kind, e.Message)
}

// Retryable reports whether a caller retry can plausibly succeed without any
// state change on our side.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimited, KindConnection:
		return true
	default:
		return false
	}
}

// FromStatus buckets an HTTP status into a Kind. Adapters refine the result
// when the response body carries a more specific code.
func FromStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}
