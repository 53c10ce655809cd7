package token

import (
	"context"
	"errors"
	"fmt"
)

// Fallback prefers the local strategy and falls back to the remote one when
// the local counter errors or is absent. When every strategy fails it
// returns ErrUnavailable so the caller can refuse the turn instead of
// sending a request with a corrupted budget.
type Fallback struct {
	Local  Counter // nil when the local strategy is disabled
	Remote Counter // nil when no remote endpoint is configured
}

func (f *Fallback) Count(ctx context.Context, text string) (int, error) {
	var firstErr error

	if f.Local != nil {
		n, err := f.Local.Count(ctx, text)
		if err == nil {
			return n, nil
		}
		firstErr = err
	}

	if f.Remote != nil {
		n, err := f.Remote.Count(ctx, text)
		if err == nil {
			return n, nil
		}
		firstErr = errors.Join(firstErr, err)
	}

	if firstErr == nil {
		return 0, fmt.Errorf("%w: no counting strategy configured", ErrUnavailable)
	}
	return 0, fmt.Errorf("%w: %v", ErrUnavailable, firstErr)
}
