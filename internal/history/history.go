// Package history holds the ordered conversation record. Turns are appended
// in chronological order and never reordered; truncation marks turns as
// excluded from the next request without deleting them.
package history

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidTurn reports a turn that fails validation at append time.
var ErrInvalidTurn = errors.New("invalid turn")

// History is an ordered sequence of turns owned by a single session. The
// session driver is the only appender; the truncation pass is the only writer
// of the Truncated flag.
type History struct {
	turns []Turn
}

// New returns an empty history.
func New() *History {
	return &History{}
}

// FromSnapshot rehydrates a history from a persisted snapshot.
func FromSnapshot(snap []Turn) *History {
	h := &History{}
	h.Restore(snap)
	return h
}

// Append adds a turn to the end of the history. It fails with ErrInvalidTurn
// if the role is not one of the permitted values or the token count is
// negative.
func (h *History) Append(t Turn) error {
	if !t.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidTurn, t.Role)
	}
	if t.TokenCount < 0 {
		return fmt.Errorf("%w: negative token count %d", ErrInvalidTurn, t.TokenCount)
	}
	h.turns = append(h.turns, t)
	return nil
}

// Len returns the number of turns.
func (h *History) Len() int {
	return len(h.turns)
}

// Turns returns a copy of all turns in chronological order.
func (h *History) Turns() []Turn {
	return slices.Clone(h.turns)
}

// Visible returns the turns that should be sent on the next request: every
// turn whose Truncated flag is false. Protected turns are never truncated, so
// they are always part of the result.
func (h *History) Visible() []Turn {
	visible := make([]Turn, 0, len(h.turns))
	for _, t := range h.turns {
		if !t.Truncated {
			visible = append(visible, t)
		}
	}
	return visible
}

// MarkTruncated sets Truncated on exactly the turns whose indices appear in
// excluded and clears it on every other turn. The flag is recomputed in full
// on each call, so applying the same exclusion set twice is a no-op.
func (h *History) MarkTruncated(excluded []int) {
	set := make(map[int]bool, len(excluded))
	for _, i := range excluded {
		set[i] = true
	}
	for i := range h.turns {
		h.turns[i].Truncated = set[i]
	}
}

// TrimLast removes the most recent n turns. Used to withdraw the latest
// exchange; removing more turns than exist clears the history.
func (h *History) TrimLast(n int) {
	if n >= len(h.turns) {
		h.turns = h.turns[:0]
		return
	}
	h.turns = h.turns[:len(h.turns)-n]
}

// Snapshot returns an immutable copy of the history suitable for
// persistence.
func (h *History) Snapshot() []Turn {
	return slices.Clone(h.turns)
}

// Restore replaces the history contents with a copy of snap.
func (h *History) Restore(snap []Turn) {
	h.turns = slices.Clone(snap)
}
