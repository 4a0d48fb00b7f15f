package routes

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"wanderer-kills/internal/api/dto"
	"wanderer-kills/pkg/handlers"
)

// Error is the API error response: the taxonomy kind wrapped in the
// standard error envelope. It implements huma.StatusError so handlers
// can return it directly.
type Error struct {
	ErrBody   handlers.ErrorBody `json:"error"`
	Timestamp string             `json:"timestamp"`
	status    int
}

func (e *Error) Error() string { return e.ErrBody.Message }

func (e *Error) GetStatus() int { return e.status }

// newError builds an Error from a kind, status and message.
func newError(kind string, status int, message string, details any) *Error {
	return &Error{
		ErrBody:   handlers.ErrorBody{Type: kind, Message: message, Code: status, Details: details},
		Timestamp: dto.Timestamp(),
		status:    status,
	}
}

// apiError maps an application error to the client error shape.
func apiError(err error) *Error {
	kind, status := handlers.ErrorKindFor(err)
	return newError(kind, status, err.Error(), nil)
}

// init replaces huma's RFC7807 error model with the envelope shape, and
// folds huma's 422 validation failures into plain 400s.
func init() {
	huma.NewError = func(status int, message string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		kind := handlers.ErrKindInternalError
		switch status {
		case http.StatusBadRequest:
			kind = handlers.ErrKindValidationError
		case http.StatusNotFound:
			kind = handlers.ErrKindNotFound
		case http.StatusTooManyRequests:
			kind = handlers.ErrKindRateLimitExceeded
		}

		var details []string
		for _, err := range errs {
			if err != nil {
				details = append(details, err.Error())
			}
		}
		var detailsAny any
		if len(details) > 0 {
			detailsAny = details
		}
		return newError(kind, status, message, detailsAny)
	}
}
