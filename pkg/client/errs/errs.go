// Package errs holds the error taxonomy surfaced by every client component.
package errs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cbodonnell/townsquare/pkg/models"
)

// ValidationError is a local failure detected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// RequestError is a non-success response carrying the server's error body.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("request failed with status %d (%s): %s", e.Status, e.Code, e.Message)
}

// NetworkError is a transport failure or an unresolved call.
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ChannelError reports that the notification channel is unavailable.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var r *RequestError
	return errors.As(err, &r) && (r.Status == http.StatusConflict || r.Code == models.CodeConflict)
}

func IsNotFound(err error) bool {
	var r *RequestError
	return errors.As(err, &r) && (r.Status == http.StatusNotFound || r.Code == models.CodeNotFound)
}

func IsForbidden(err error) bool {
	var r *RequestError
	return errors.As(err, &r) && r.Status == http.StatusForbidden
}

func IsTimeout(err error) bool {
	var n *NetworkError
	return errors.As(err, &n) && n.Timeout
}

func IsNetwork(err error) bool {
	var n *NetworkError
	return errors.As(err, &n)
}

func IsChannel(err error) bool {
	var c *ChannelError
	return errors.As(err, &c)
}
