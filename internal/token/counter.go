// Package token counts tokens in text. Two strategies implement the same
// contract: a local tokenizer table (fast, no I/O) and a remote count
// endpoint (authoritative, but a network call). The fallback counter prefers
// the local strategy and never substitutes zero when both fail, since a
// silent zero would corrupt the truncation budget.
package token

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means every configured counting strategy failed.
	ErrUnavailable = errors.New("token count unavailable")
	// ErrRemoteCount wraps failures of the remote count endpoint.
	ErrRemoteCount = errors.New("remote token count failed")
)

// Counter maps text to a non-negative token count. Implementations must be
// deterministic for a given strategy.
type Counter interface {
	Count(ctx context.Context, text string) (int, error)
}

// CounterFunc adapts a function to the Counter interface.
type CounterFunc func(ctx context.Context, text string) (int, error)

func (f CounterFunc) Count(ctx context.Context, text string) (int, error) {
	return f(ctx, text)
}
