package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/skillmatch/backend/internal/gateway"
)

// Error kinds. Use errors.Is(err, ErrPrecondition) etc. to classify a returned *Error.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrNotFound      = errors.New("not found")
	ErrPrecondition  = errors.New("precondition failed")
	ErrGateway       = errors.New("payment processor error")
	ErrSignature     = errors.New("signature verification failed")
)

// Error carries a user-facing message and the kind it belongs to.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func authorizationf(format string, args ...any) error {
	return &Error{Kind: ErrAuthorization, Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func preconditionf(format string, args ...any) error {
	return &Error{Kind: ErrPrecondition, Msg: fmt.Sprintf(format, args...)}
}

func gatewayError(op string, err error) error {
	msg := "payment processor error"
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "payment processor timed out"
	case errors.As(err, &gwErr):
		msg = gwErr.Message
	case errors.Is(err, gateway.ErrUnavailable):
		msg = "payment processor unavailable"
	}
	return &Error{Kind: ErrGateway, Msg: fmt.Sprintf("%s: %s", op, msg), Err: err}
}
