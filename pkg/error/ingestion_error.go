package error

import (
	"fmt"
	"net/http"
)

type SignatureVerificationError string

func (err SignatureVerificationError) Error() string {
	return string(err)
}

func (err SignatureVerificationError) ErrCode() string {
	return "SIGNATURE_VERIFICATION_FAILED"
}

func (err SignatureVerificationError) StatusCode() int {
	return http.StatusUnauthorized
}

type DuplicateEventError string

func (err DuplicateEventError) Error() string {
	return string(err)
}

func (err DuplicateEventError) ErrCode() string {
	return "DUPLICATE_EVENT"
}

func (err DuplicateEventError) StatusCode() int {
	return http.StatusOK
}

type UnmatchedProviderIDError string

func (err UnmatchedProviderIDError) Error() string {
	return string(err)
}

func (err UnmatchedProviderIDError) ErrCode() string {
	return "UNMATCHED_PROVIDER_ID"
}

func (err UnmatchedProviderIDError) StatusCode() int {
	return http.StatusNotFound
}

var (
	ErrSignatureVerificationFailed = SignatureVerificationError("webhook signature verification failed")
	ErrDuplicateEvent              = DuplicateEventError("event already processed")
	ErrUnmatchedProviderID         = UnmatchedProviderIDError("no message matches provider message id")
)

// RuleCompilationError marks an auto-reply rule whose pattern cannot be
// compiled. The rule is skipped; evaluation continues.
type RuleCompilationError struct {
	RuleID  string
	Pattern string
	Err     error
}

func (e *RuleCompilationError) Error() string {
	return fmt.Sprintf("rule %s: invalid pattern %q: %v", e.RuleID, e.Pattern, e.Err)
}

func (e *RuleCompilationError) Unwrap() error { return e.Err }

func (e *RuleCompilationError) ErrCode() string { return "RULE_COMPILATION_ERROR" }

func (e *RuleCompilationError) StatusCode() int { return http.StatusUnprocessableEntity }
