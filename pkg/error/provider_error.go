package error

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientProviderError covers network failures, timeouts, 5xx and 429
// responses. Callers may retry.
type TransientProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *TransientProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: transient provider error (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient provider error: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

func (e *TransientProviderError) ErrCode() string { return "PROVIDER_TRANSIENT" }

func (e *TransientProviderError) StatusCode() int { return http.StatusBadGateway }

// PermanentProviderError covers rejected requests: invalid recipient, blocked
// number, revoked credentials. Never retried.
type PermanentProviderError struct {
	Provider          string
	Status            int
	Reason            string
	CredentialRevoked bool
}

func (e *PermanentProviderError) Error() string {
	return fmt.Sprintf("%s: permanent provider error (status %d): %s", e.Provider, e.Status, e.Reason)
}

func (e *PermanentProviderError) ErrCode() string { return "PROVIDER_PERMANENT" }

func (e *PermanentProviderError) StatusCode() int { return http.StatusUnprocessableEntity }

func NewTransient(provider string, status int, err error) error {
	return &TransientProviderError{Provider: provider, Status: status, Err: err}
}

func NewPermanent(provider string, status int, reason string) error {
	return &PermanentProviderError{
		Provider:          provider,
		Status:            status,
		Reason:            reason,
		CredentialRevoked: status == http.StatusUnauthorized || status == http.StatusForbidden,
	}
}

// ClassifyStatus maps a provider HTTP status to the taxonomy. It returns nil
// for 2xx responses.
func ClassifyStatus(provider string, status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status >= 500:
		return NewTransient(provider, status, errors.New(body))
	default:
		return NewPermanent(provider, status, body)
	}
}

func IsTransient(err error) bool {
	var t *TransientProviderError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentProviderError
	return errors.As(err, &p)
}

// IsCredentialRevoked reports whether the provider rejected the session's
// credentials.
func IsCredentialRevoked(err error) bool {
	var p *PermanentProviderError
	if errors.As(err, &p) {
		return p.CredentialRevoked
	}
	return false
}
