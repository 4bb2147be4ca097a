package admission

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below.
var (
	ErrSizing           = errors.New("image analysis would exceed token limits")
	ErrHardLimit        = errors.New("token limit exceeded")
	ErrNoCompletionRoom = errors.New("not enough tokens remaining for a response")
)

// SizingError rejects an image analysis whose pre-flight estimate is above
// the ceiling. Retrying requires smaller images.
type SizingError struct {
	Estimated int
	Ceiling   int
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("Image analysis would exceed token limits (estimated %d, maximum %d). Please use smaller images.",
		e.Estimated, e.Ceiling)
}

func (e *SizingError) Is(target error) bool { return target == ErrSizing }

// HardLimitError rejects a send whose history is at or above the
// conversation's token limit.
type HardLimitError struct {
	TokenCount int
	TokenLimit int
	// Capped marks a conversation already past its warning threshold.
	Capped bool
}

func (e *HardLimitError) Error() string {
	if e.Capped {
		return fmt.Sprintf("Token limit reached. The conversation has used %d of %d tokens. Please start a new conversation.",
			e.TokenCount, e.TokenLimit)
	}
	return fmt.Sprintf("Token limit exceeded. The conversation has reached %d tokens, which exceeds the limit of %d. Please start a new conversation.",
		e.TokenCount, e.TokenLimit)
}

func (e *HardLimitError) Is(target error) bool { return target == ErrHardLimit }

// NoCompletionRoomError rejects a send whose history fits but leaves no
// completion budget after the reserve buffer.
type NoCompletionRoomError struct {
	TokenCount int
	Available  int
}

func (e *NoCompletionRoomError) Error() string {
	return "Not enough tokens remaining for a meaningful response. Please start a new conversation."
}

func (e *NoCompletionRoomError) Is(target error) bool { return target == ErrNoCompletionRoom }

// IsLimitError reports whether err is one of the budget rejections that
// require a fresh conversation.
func IsLimitError(err error) bool {
	return errors.Is(err, ErrHardLimit) || errors.Is(err, ErrNoCompletionRoom)
}
