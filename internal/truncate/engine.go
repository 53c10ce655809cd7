// Package truncate decides which turns fit in the model's input budget.
// The whole history is re-scanned on every pass; no incremental state is
// kept between calls, so a pass is idempotent for a given history and
// budget.
package truncate

import (
	"errors"

	"github.com/mwmacmahon/llmtextadventure/internal/history"
)

// ErrContextOverflow reports that the protected turns alone exceed the input
// budget. The plan is still valid and includes every protected turn; the
// caller decides whether to send the oversized request.
var ErrContextOverflow = errors.New("protected turns exceed context budget")

// Plan is the outcome of one truncation pass.
type Plan struct {
	// Excluded lists the indices of turns to leave out of the next request,
	// in ascending order.
	Excluded []int
	// InputTokens is the token total of the included turns.
	InputTokens int
}

// Compute walks the history from the most recent turn backward and
// accumulates token counts against the input budget
// contextLimit - maxOutputTokens. A turn is included while the running total
// stays within the budget (a total exactly at the budget still fits) or the
// turn is protected. The first non-protected turn that would overshoot
// closes the frontier: every older non-protected turn is excluded too, even
// if it would individually fit. Protected turns are always included and
// still count toward the running total.
func Compute(turns []history.Turn, contextLimit, maxOutputTokens int) (Plan, error) {
	budget := contextLimit - maxOutputTokens

	var (
		excluded  []int
		total     int
		protTotal int
		frontier  bool
	)
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Protected {
			total += t.TokenCount
			protTotal += t.TokenCount
			continue
		}
		if frontier || total+t.TokenCount > budget {
			frontier = true
			excluded = append(excluded, i)
			continue
		}
		total += t.TokenCount
	}

	// Restore ascending order; the scan collected indices newest-first.
	for i, j := 0, len(excluded)-1; i < j; i, j = i+1, j-1 {
		excluded[i], excluded[j] = excluded[j], excluded[i]
	}

	plan := Plan{Excluded: excluded, InputTokens: total}
	if protTotal > budget {
		return plan, ErrContextOverflow
	}
	return plan, nil
}

// Rescan computes a plan for h and applies it, setting the Truncated flag on
// excluded turns and clearing it on included ones. The returned error is
// ErrContextOverflow when the protected turns alone exceed the budget; the
// plan has been applied either way.
func Rescan(h *history.History, contextLimit, maxOutputTokens int) (Plan, error) {
	plan, err := Compute(h.Turns(), contextLimit, maxOutputTokens)
	h.MarkTruncated(plan.Excluded)
	return plan, err
}
