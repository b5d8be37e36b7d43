package common

import (
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
)

var (
	ErrSessionNotFound   = pkgError.NotFoundError("session not found")
	ErrDuplicateSession  = pkgError.ValidationError("a session already exists for this external id")
	ErrSessionNotReady   = pkgError.InvalidTransitionError("session is not connected")
	ErrUnsupportedType   = pkgError.ValidationError("unsupported channel type")
	ErrMissingCredential = pkgError.ValidationError("missing credential")
)
