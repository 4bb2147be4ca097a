package chat

import "errors"

var (
	ErrNotFound       = errors.New("conversation not found")
	ErrBusy           = errors.New("conversation has a request in flight")
	ErrNoImages       = errors.New("at least one image is required")
	ErrTooManyImages  = errors.New("at most two images can be analyzed at once")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoConversation = errors.New("message list is empty")
)
