// Package store persists conversation snapshots keyed by session id.
package store

import (
	"errors"

	"github.com/mwmacmahon/llmtextadventure/internal/history"
)

// ErrPersistence wraps storage failures. The core surfaces them to the
// caller and never retries.
var ErrPersistence = errors.New("history persistence failed")

// Store accepts and returns full conversation snapshots. LoadSnapshot
// returns (nil, nil) when no snapshot exists for the id.
type Store interface {
	SaveSnapshot(id string, turns []history.Turn) error
	LoadSnapshot(id string) ([]history.Turn, error)
	ListSnapshots() ([]string, error)
	Close() error
}
