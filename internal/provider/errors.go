package provider

import (
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// ErrMalformedResponse is wrapped when the provider answers without a usable choice.
var ErrMalformedResponse = errors.New("malformed provider response")

// Error is a failed remote call. Message is human readable and surfaced to
// the user unchanged.
type Error struct {
	Op         string // "analysis" or "chat"
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *Error {
	pe := &Error{Op: op, Err: err, Message: err.Error()}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		pe.StatusCode = apiErr.HTTPStatusCode
		pe.Message = apiErr.Message
	case errors.As(err, &reqErr):
		pe.StatusCode = reqErr.HTTPStatusCode
	}
	if pe.Message == "" {
		pe.Message = fmt.Sprintf("%s request failed", op)
	}
	return pe
}
