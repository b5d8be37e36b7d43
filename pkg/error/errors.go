package error

import (
	"errors"
	"net/http"
)

// GenericError is implemented by every error that the REST layer can translate
// into a response without guessing a status code.
type GenericError interface {
	ErrCode() string
	StatusCode() int
	Error() string
}

type ValidationError string

func (err ValidationError) Error() string {
	return string(err)
}

func (err ValidationError) ErrCode() string {
	return "VALIDATION_ERROR"
}

func (err ValidationError) StatusCode() int {
	return http.StatusBadRequest
}

type InternalServerError string

func (err InternalServerError) Error() string {
	return string(err)
}

func (err InternalServerError) ErrCode() string {
	return "INTERNAL_SERVER_ERROR"
}

func (err InternalServerError) StatusCode() int {
	return http.StatusInternalServerError
}

// InvalidTransitionError is returned when a state machine is asked to move
// backwards or out of a terminal state.
type InvalidTransitionError string

func (err InvalidTransitionError) Error() string {
	return string(err)
}

func (err InvalidTransitionError) ErrCode() string {
	return "INVALID_TRANSITION"
}

func (err InvalidTransitionError) StatusCode() int {
	return http.StatusConflict
}

// ErrInvalidTransition is the generic form; callers usually wrap it with the
// concrete from/to states.
var ErrInvalidTransition = InvalidTransitionError("invalid state transition")

// AsGeneric walks the wrap chain looking for a GenericError.
func AsGeneric(err error) (GenericError, bool) {
	var ge GenericError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
