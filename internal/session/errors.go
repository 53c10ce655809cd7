package session

import (
	"errors"
	"fmt"
)

// ErrBusy means an exchange is already in flight for this session. The
// second dispatch is rejected with no state change.
var ErrBusy = errors.New("session busy: an exchange is already in flight")

// StreamInterruptedError reports a mid-stream failure, timeout, or
// cancellation. The user turn that was already appended stays in history; no
// assistant turn was committed, so retrying the same input re-sends exactly
// one copy of it as context.
type StreamInterruptedError struct {
	// Partial is the text assembled before the interruption. Display only;
	// it is never persisted as a turn.
	Partial string
	// Err is the underlying cause.
	Err error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream interrupted: %v", e.Err)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }
