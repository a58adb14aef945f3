package chat

import (
	"errors"
	"fmt"
)

// ErrCancelled reports a user-initiated stop. It is never wrapped in an
// APIError so callers can tell it apart from provider failures.
var ErrCancelled = errors.New("request cancelled")

type ErrorKind string

const (
	KindCredentialMissing   ErrorKind = "credential_missing"
	KindProviderRejected    ErrorKind = "provider_rejected"
	KindMalformedResponse   ErrorKind = "malformed_response"
	KindTransportFailure    ErrorKind = "transport_failure"
	KindBothProvidersFailed ErrorKind = "both_providers_failed"
)

// APIError is a failure attributed to one provider.
type APIError struct {
	Kind     ErrorKind
	Provider string
	Code     string
	Message  string
	// Reference is the xid attached to terminal failures for error reports.
	Reference string

	causes []error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *APIError) Unwrap() []error { return e.causes }

func NewAPIError(kind ErrorKind, provider, message string) *APIError {
	return &APIError{Kind: kind, Provider: provider, Message: message}
}

// WrapAPIError builds an APIError whose message is cause's text.
func WrapAPIError(kind ErrorKind, provider string, cause error) *APIError {
	return &APIError{Kind: kind, Provider: provider, Message: cause.Error(), causes: []error{cause}}
}

// BothFailed aggregates the primary and fallback failures. The message keeps
// both original messages verbatim.
func BothFailed(primary, fallback string, primaryErr, fallbackErr error) *APIError {
	return &APIError{
		Kind:     KindBothProvidersFailed,
		Provider: primary,
		Message: fmt.Sprintf("primary %s failed: %s; fallback %s failed: %s",
			primary, primaryErr.Error(), fallback, fallbackErr.Error()),
		causes: []error{primaryErr, fallbackErr},
	}
}

// KindOf returns the APIError kind found in err's chain, or "".
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
