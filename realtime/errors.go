package realtime

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Error codes reuse the HTTP status values so REST and socket clients read
// failures the same way.
const (
	StatusBadRequest          = http.StatusBadRequest
	StatusForbidden           = http.StatusForbidden
	StatusNotFound            = http.StatusNotFound
	StatusTooManyRequests     = http.StatusTooManyRequests
	StatusInternalServerError = http.StatusInternalServerError
	StatusServiceUnavailable  = http.StatusServiceUnavailable
	StatusGatewayTimeout      = http.StatusGatewayTimeout
)

// Error is a failure reported to a client as an "error" event. Room names
// the conversation the failure concerns, if any.
type Error struct {
	Room      string      `json:"room,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.Room == "" {
		return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("room %s: %s (code: %d)", e.Room, e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

func newError(code int, room, message string) *Error {
	return &Error{
		Room:      room,
		Message:   message,
		Code:      code,
		Temporary: code == StatusTooManyRequests || code == StatusServiceUnavailable || code == StatusGatewayTimeout,
	}
}

func badRequest(room, message string) *Error { return newError(StatusBadRequest, room, message) }

func notFound(room, message string) *Error { return newError(StatusNotFound, room, message) }

func forbidden(room, message string) *Error { return newError(StatusForbidden, room, message) }

func internal(room, message string) *Error { return newError(StatusInternalServerError, room, message) }

func tooManyRequests(room, message string) *Error {
	return newError(StatusTooManyRequests, room, message)
}

func unavailable(room, message string) *Error {
	return newError(StatusServiceUnavailable, room, message)
}

func timeout(room, message string) *Error { return newError(StatusGatewayTimeout, room, message) }

// wrap prefixes err with message. An *Error keeps its code and room; any
// other error becomes an internal error.
func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return &Error{
			Message: message + ": " + err.Error(),
			Code:    StatusInternalServerError,
			cause:   err,
		}
	}
	wrapped := *e
	wrapped.Message = message + ": " + e.Message
	return &wrapped
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

// errorEvent builds the "error" event for err. Causes that are not an *Error
// are reported as a generic internal error.
func errorEvent(err error) *Event {
	if err == nil {
		return nil
	}

	payload := ErrorPayload{Code: StatusInternalServerError, Message: "internal error"}
	var e *Error
	if errors.As(err, &e) {
		payload = ErrorPayload{
			Room:      e.Room,
			Code:      e.Code,
			Message:   e.Message,
			Temporary: e.Temporary,
			Details:   e.Details,
		}
	}
	return &Event{Event: EventError, RequestId: uuid.NewString(), Payload: payload}
}
