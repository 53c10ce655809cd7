// Package session drives one conversational exchange at a time: truncation,
// dispatch, stream consumption, and commit. The driver owns its history and
// never logs or retries; every failure surfaces to the caller.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mwmacmahon/llmtextadventure/internal/history"
	"github.com/mwmacmahon/llmtextadventure/internal/llm"
	"github.com/mwmacmahon/llmtextadventure/internal/store"
	"github.com/mwmacmahon/llmtextadventure/internal/token"
	"github.com/mwmacmahon/llmtextadventure/internal/truncate"
)

// Stream is one live model response: incremental fragments, then a terminal
// chunk. Consuming it is destructive.
type Stream interface {
	Recv() (llm.Chunk, error)
	Close() error
}

// Capability is the model endpoint boundary: given the request payload it
// yields a stream.
type Capability interface {
	StreamChat(ctx context.Context, messages []llm.Message, params llm.Params) (Stream, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, messages []llm.Message, params llm.Params) (Stream, error)

func (f CapabilityFunc) StreamChat(ctx context.Context, messages []llm.Message, params llm.Params) (Stream, error) {
	return f(ctx, messages, params)
}

// Options fix a session's parameters for its lifetime.
type Options struct {
	SessionID       string
	ContextLimit    int
	MaxOutputTokens int
	SystemPreamble  string
	Params          llm.Params
	// FragmentTimeout bounds the wait for each fragment; expiry is treated
	// exactly like a stream error. Zero disables the watchdog.
	FragmentTimeout time.Duration
	// Store, when set, receives a snapshot after every completed exchange.
	Store store.Store
}

// Result summarizes one completed exchange.
type Result struct {
	// Reply is the committed assistant turn.
	Reply history.Turn
	// InputTokens is the token total of the request payload.
	InputTokens int
	// Overflow is set when protected turns alone exceeded the budget and
	// the request went out oversized anyway.
	Overflow bool
}

// Driver runs the exchange loop for a single session. One exchange may be
// in flight at a time; a concurrent RunTurn returns ErrBusy.
type Driver struct {
	opts    Options
	hist    *history.History
	counter token.Counter
	model   Capability

	mu sync.Mutex
}

func NewDriver(opts Options, hist *history.History, counter token.Counter, model Capability) *Driver {
	return &Driver{opts: opts, hist: hist, counter: counter, model: model}
}

// ID returns the session identifier.
func (d *Driver) ID() string { return d.opts.SessionID }

// History returns the session's conversation record. Callers must not touch
// it while an exchange is in flight.
func (d *Driver) History() *history.History { return d.hist }

// RunTurn performs one full exchange: count the user input, rerun the
// truncation pass, dispatch, stream the reply through onFragment, commit the
// assistant turn, and persist a snapshot. On a mid-stream failure the
// already-appended user turn is retained and a *StreamInterruptedError is
// returned; no assistant turn is committed.
//
// When persistence fails after the commit, RunTurn returns the result
// together with the wrapped store error: the exchange lives in memory and
// the caller decides what to do about durability.
func (d *Driver) RunTurn(ctx context.Context, userText string, onFragment func(string)) (*Result, error) {
	if !d.mu.TryLock() {
		return nil, ErrBusy
	}
	defer d.mu.Unlock()

	userTokens, err := d.counter.Count(ctx, userText)
	if err != nil {
		return nil, fmt.Errorf("counting user input: %w", err)
	}

	// The pending user turn always ships as the newest message, so its
	// count comes off the budget before older turns compete for the rest.
	plan, planErr := truncate.Rescan(d.hist, d.opts.ContextLimit, d.opts.MaxOutputTokens+userTokens)
	overflow := errors.Is(planErr, truncate.ErrContextOverflow)
	if planErr != nil && !overflow {
		return nil, planErr
	}

	messages := d.buildPayload(userText)

	userTurn := history.NewTurn(history.RoleUser, userText, userTokens)
	if err := d.hist.Append(userTurn); err != nil {
		return nil, err
	}

	stream, err := d.model.StreamChat(ctx, messages, d.opts.Params)
	if err != nil {
		// The user turn stays; a retry re-sends it as context, not as a
		// duplicate.
		return nil, err
	}

	final, err := d.consume(ctx, stream, onFragment)
	if err != nil {
		return nil, err
	}

	replyTokens, err := d.counter.Count(ctx, final.Text)
	if err != nil {
		if final.OutputTokens <= 0 {
			return nil, fmt.Errorf("counting reply: %w", err)
		}
		// Both counting strategies failed but the endpoint reported its own
		// accounting, which is good enough to commit the turn.
		replyTokens = final.OutputTokens
	}

	reply := history.NewTurn(history.RoleAssistant, final.Text, replyTokens)
	if err := d.hist.Append(reply); err != nil {
		return nil, err
	}

	res := &Result{
		Reply:       reply,
		InputTokens: plan.InputTokens + userTokens,
		Overflow:    overflow,
	}

	if d.opts.Store != nil {
		if err := d.opts.Store.SaveSnapshot(d.opts.SessionID, d.hist.Snapshot()); err != nil {
			return res, err
		}
	}
	return res, nil
}

// buildPayload assembles the outgoing request: system preamble, the visible
// subset of history, then the new user text.
func (d *Driver) buildPayload(userText string) []llm.Message {
	visible := d.hist.Visible()
	messages := make([]llm.Message, 0, len(visible)+2)
	if d.opts.SystemPreamble != "" {
		messages = append(messages, llm.Message{Role: string(history.RoleSystem), Content: d.opts.SystemPreamble})
	}
	for _, t := range visible {
		messages = append(messages, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return append(messages, llm.Message{Role: string(history.RoleUser), Content: userText})
}

type recvResult struct {
	chunk llm.Chunk
	err   error
}

// consume pumps the stream until the terminal chunk. Fragment delivery is
// the driver's sole suspension point; cancellation and the fragment watchdog
// both close the transport and surface as *StreamInterruptedError.
func (d *Driver) consume(ctx context.Context, stream Stream, onFragment func(string)) (llm.Chunk, error) {
	events := make(chan recvResult)
	go func() {
		defer close(events)
		for {
			chunk, err := stream.Recv()
			events <- recvResult{chunk, err}
			if err != nil || chunk.Done {
				return
			}
		}
	}()

	var partial strings.Builder

	interrupt := func(cause error) (llm.Chunk, error) {
		stream.Close()
		// Unblock the reader goroutine and wait for it to finish.
		for range events {
		}
		return llm.Chunk{}, &StreamInterruptedError{Partial: partial.String(), Err: cause}
	}

	var timer *time.Timer
	var timeoutC <-chan time.Time
	if d.opts.FragmentTimeout > 0 {
		timer = time.NewTimer(d.opts.FragmentTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return interrupt(ctx.Err())
		case <-timeoutC:
			return interrupt(fmt.Errorf("no fragment within %v", d.opts.FragmentTimeout))
		case r, ok := <-events:
			if !ok {
				return interrupt(io.ErrUnexpectedEOF)
			}
			if r.err != nil {
				return interrupt(r.err)
			}
			if r.chunk.Done {
				stream.Close()
				return r.chunk, nil
			}
			partial.WriteString(r.chunk.Delta)
			if onFragment != nil {
				onFragment(r.chunk.Delta)
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.opts.FragmentTimeout)
			}
		}
	}
}
