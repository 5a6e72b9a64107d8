package authority

import (
	"errors"
	"fmt"

	"github.com/cbodonnell/townsquare/pkg/repositories"
)

// Error classes. Every error returned by the service wraps exactly one of them.
var (
	ErrInvalid   = errors.New("invalid")
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
)

// Error carries a caller facing message next to its class.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// fromRepo classifies repository errors; anything else is returned unchanged.
func fromRepo(err error, what string) error {
	switch {
	case repositories.IsNotFound(err):
		return newError(ErrNotFound, "%s not found", what)
	case repositories.IsConflict(err):
		return newError(ErrConflict, "%v", err)
	default:
		return err
	}
}
