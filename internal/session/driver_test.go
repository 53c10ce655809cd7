package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mwmacmahon/llmtextadventure/internal/history"
	"github.com/mwmacmahon/llmtextadventure/internal/llm"
	"github.com/mwmacmahon/llmtextadventure/internal/token"
)

// wordCounter counts whitespace-separated words, a deterministic stand-in
// for a real tokenizer.
var wordCounter = token.CounterFunc(func(_ context.Context, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return len(strings.Fields(text)), nil
})

type fakeEvent struct {
	chunk llm.Chunk
	err   error
}

// fakeStream replays scripted events; Recv blocks once the script runs out
// until more events arrive or the stream is closed.
type fakeStream struct {
	ch        chan fakeEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream(events ...fakeEvent) *fakeStream {
	s := &fakeStream{ch: make(chan fakeEvent, 16), closed: make(chan struct{})}
	for _, e := range events {
		s.ch <- e
	}
	return s
}

func (s *fakeStream) Recv() (llm.Chunk, error) {
	select {
	case e := <-s.ch:
		return e.chunk, e.err
	case <-s.closed:
		return llm.Chunk{}, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func fragments(texts ...string) []fakeEvent {
	var events []fakeEvent
	for _, t := range texts {
		events = append(events, fakeEvent{chunk: llm.Chunk{Delta: t}})
	}
	return events
}

func capabilityFor(s *fakeStream, gotMessages *[]llm.Message) Capability {
	return CapabilityFunc(func(_ context.Context, messages []llm.Message, _ llm.Params) (Stream, error) {
		if gotMessages != nil {
			*gotMessages = messages
		}
		return s, nil
	})
}

type fakeStore struct {
	saves [][]history.Turn
	err   error
}

func (s *fakeStore) SaveSnapshot(_ string, turns []history.Turn) error {
	s.saves = append(s.saves, turns)
	return s.err
}
func (s *fakeStore) LoadSnapshot(string) ([]history.Turn, error) { return nil, nil }
func (s *fakeStore) ListSnapshots() ([]string, error)            { return nil, nil }
func (s *fakeStore) Close() error                                { return nil }

func baseOptions() Options {
	return Options{
		SessionID:       "test",
		ContextLimit:    1000,
		MaxOutputTokens: 100,
		Params:          llm.Params{Model: "m"},
	}
}

func TestRunTurnCommitsExchange(t *testing.T) {
	events := append(fragments("Once ", "upon ", "a time"),
		fakeEvent{chunk: llm.Chunk{Done: true, Text: "Once upon a time", FinishReason: "stop"}})
	stream := newFakeStream(events...)

	var gotMessages []llm.Message
	st := &fakeStore{}
	opts := baseOptions()
	opts.SystemPreamble = "you narrate"
	opts.Store = st

	d := NewDriver(opts, history.New(), wordCounter, capabilityFor(stream, &gotMessages))

	var streamed []string
	res, err := d.RunTurn(context.Background(), "tell me a story", func(frag string) {
		streamed = append(streamed, frag)
	})
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}

	if len(streamed) != 3 {
		t.Errorf("got %d fragments, want 3", len(streamed))
	}
	if res.Reply.Content != "Once upon a time" {
		t.Errorf("reply content = %q", res.Reply.Content)
	}
	if res.Reply.Role != history.RoleAssistant {
		t.Errorf("reply role = %q", res.Reply.Role)
	}
	if res.Reply.TokenCount != 4 {
		t.Errorf("reply token count = %d, want 4", res.Reply.TokenCount)
	}

	turns := d.History().Turns()
	if len(turns) != 2 {
		t.Fatalf("history has %d turns, want 2", len(turns))
	}
	if turns[0].Role != history.RoleUser || turns[1].Role != history.RoleAssistant {
		t.Errorf("history roles = [%s, %s]", turns[0].Role, turns[1].Role)
	}

	// Payload: preamble + new user turn (history was empty).
	if len(gotMessages) != 2 {
		t.Fatalf("payload has %d messages, want 2", len(gotMessages))
	}
	if gotMessages[0].Role != "system" || gotMessages[0].Content != "you narrate" {
		t.Errorf("payload[0] = %+v", gotMessages[0])
	}
	if gotMessages[1].Content != "tell me a story" {
		t.Errorf("payload[1] = %+v", gotMessages[1])
	}

	if len(st.saves) != 1 || len(st.saves[0]) != 2 {
		t.Errorf("store saves = %d snapshots, want 1 with 2 turns", len(st.saves))
	}
	if !stream.isClosed() {
		t.Error("stream left open after completion")
	}
}

func TestRunTurnStreamInterrupted(t *testing.T) {
	events := append(fragments("one ", "two ", "three"),
		fakeEvent{err: errors.New("connection reset")})
	stream := newFakeStream(events...)

	st := &fakeStore{}
	opts := baseOptions()
	opts.Store = st

	d := NewDriver(opts, history.New(), wordCounter, capabilityFor(stream, nil))

	_, err := d.RunTurn(context.Background(), "hello there", nil)
	var interrupted *StreamInterruptedError
	if !errors.As(err, &interrupted) {
		t.Fatalf("RunTurn() error = %v, want *StreamInterruptedError", err)
	}
	if interrupted.Partial != "one two three" {
		t.Errorf("partial = %q, want %q", interrupted.Partial, "one two three")
	}

	// The user turn stays, exactly once; no assistant turn, no snapshot.
	turns := d.History().Turns()
	if len(turns) != 1 || turns[0].Role != history.RoleUser {
		t.Fatalf("history after interrupt = %+v, want just the user turn", turns)
	}
	if len(st.saves) != 0 {
		t.Errorf("snapshot persisted after interrupted stream")
	}
	if !stream.isClosed() {
		t.Error("stream left open after interrupt")
	}

	// A retry on the same driver works and does not duplicate the user turn
	// in history.
	retry := newFakeStream(
		fakeEvent{chunk: llm.Chunk{Delta: "hi"}},
		fakeEvent{chunk: llm.Chunk{Done: true, Text: "hi"}},
	)
	d.model = capabilityFor(retry, nil)
	if _, err := d.RunTurn(context.Background(), "hello there", nil); err != nil {
		t.Fatalf("retry RunTurn() error: %v", err)
	}
	var users int
	for _, tn := range d.History().Turns() {
		if tn.Role == history.RoleUser {
			users++
		}
	}
	if users != 2 {
		t.Errorf("user turns after retry = %d, want 2 (one per attempt)", users)
	}
}

func TestRunTurnCancellation(t *testing.T) {
	stream := newFakeStream(fragments("partial ")...)
	d := NewDriver(baseOptions(), history.New(), wordCounter, capabilityFor(stream, nil))

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan struct{})
	go func() {
		<-got
		cancel()
	}()

	var once sync.Once
	_, err := d.RunTurn(ctx, "hello", func(string) { once.Do(func() { close(got) }) })

	var interrupted *StreamInterruptedError
	if !errors.As(err, &interrupted) {
		t.Fatalf("RunTurn() error = %v, want *StreamInterruptedError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cause = %v, want context.Canceled", interrupted.Err)
	}
	if !stream.isClosed() {
		t.Error("stream left open after cancellation")
	}
	if d.History().Len() != 1 {
		t.Errorf("history len = %d, want only the user turn", d.History().Len())
	}
}

func TestRunTurnFragmentTimeout(t *testing.T) {
	// One fragment, then silence.
	stream := newFakeStream(fragments("stuck")...)
	opts := baseOptions()
	opts.FragmentTimeout = 20 * time.Millisecond

	d := NewDriver(opts, history.New(), wordCounter, capabilityFor(stream, nil))

	_, err := d.RunTurn(context.Background(), "hello", nil)
	var interrupted *StreamInterruptedError
	if !errors.As(err, &interrupted) {
		t.Fatalf("RunTurn() error = %v, want *StreamInterruptedError", err)
	}
	if interrupted.Partial != "stuck" {
		t.Errorf("partial = %q, want %q", interrupted.Partial, "stuck")
	}
	if !stream.isClosed() {
		t.Error("stream left open after timeout")
	}
}

func TestRunTurnBusy(t *testing.T) {
	stream := newFakeStream(fragments("first ")...)
	d := NewDriver(baseOptions(), history.New(), wordCounter, capabilityFor(stream, nil))

	started := make(chan struct{})
	finished := make(chan error, 1)
	var once sync.Once
	go func() {
		_, err := d.RunTurn(context.Background(), "hello", func(string) {
			once.Do(func() { close(started) })
		})
		finished <- err
	}()

	<-started
	if _, err := d.RunTurn(context.Background(), "concurrent", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent RunTurn() error = %v, want ErrBusy", err)
	}

	// Let the in-flight exchange finish.
	stream.ch <- fakeEvent{chunk: llm.Chunk{Done: true, Text: "first"}}
	if err := <-finished; err != nil {
		t.Fatalf("in-flight RunTurn() error: %v", err)
	}

	// The rejected dispatch left no trace.
	for _, tn := range d.History().Turns() {
		if tn.Content == "concurrent" {
			t.Error("rejected dispatch mutated history")
		}
	}
}

func TestRunTurnCountUnavailable(t *testing.T) {
	failing := token.CounterFunc(func(context.Context, string) (int, error) {
		return 0, token.ErrUnavailable
	})
	invoked := false
	model := CapabilityFunc(func(context.Context, []llm.Message, llm.Params) (Stream, error) {
		invoked = true
		return nil, nil
	})

	d := NewDriver(baseOptions(), history.New(), failing, model)

	_, err := d.RunTurn(context.Background(), "hello", nil)
	if !errors.Is(err, token.ErrUnavailable) {
		t.Fatalf("RunTurn() error = %v, want ErrUnavailable", err)
	}
	if invoked {
		t.Error("request was sent despite unavailable token count")
	}
	if d.History().Len() != 0 {
		t.Error("history mutated despite unavailable token count")
	}
}

func TestRunTurnTruncatesOldTurns(t *testing.T) {
	hist := history.New()
	seed := []history.Turn{
		{Role: history.RoleSystem, Content: "sys", TokenCount: 10, Protected: true},
		{Role: history.RoleUser, Content: "old question", TokenCount: 30},
		{Role: history.RoleAssistant, Content: "old answer", TokenCount: 40},
	}
	for _, tn := range seed {
		if err := hist.Append(tn); err != nil {
			t.Fatal(err)
		}
	}

	stream := newFakeStream(fakeEvent{chunk: llm.Chunk{Done: true, Text: "ok"}})
	var gotMessages []llm.Message

	opts := baseOptions()
	opts.ContextLimit = 100
	opts.MaxOutputTokens = 20
	d := NewDriver(opts, hist, wordCounter, capabilityFor(stream, &gotMessages))

	// User input of 50 words leaves 30 tokens of budget: the 40-token
	// assistant turn overshoots, so both old exchange turns drop out while
	// the protected system turn stays.
	input := strings.TrimSpace(strings.Repeat("w ", 50))
	res, err := d.RunTurn(context.Background(), input, nil)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if res.Overflow {
		t.Error("unexpected overflow flag")
	}

	// Payload: protected system turn + new user turn only.
	if len(gotMessages) != 2 {
		t.Fatalf("payload has %d messages, want 2: %+v", len(gotMessages), gotMessages)
	}
	if gotMessages[0].Content != "sys" {
		t.Errorf("payload[0] = %+v, want protected system turn", gotMessages[0])
	}

	turns := d.History().Turns()
	if !turns[1].Truncated || !turns[2].Truncated {
		t.Error("old exchange not marked truncated")
	}
	if turns[0].Truncated {
		t.Error("protected turn marked truncated")
	}
}

func TestRunTurnOverflowStillSends(t *testing.T) {
	hist := history.New()
	if err := hist.Append(history.Turn{
		Role: history.RoleSystem, Content: "huge preamble", TokenCount: 500, Protected: true,
	}); err != nil {
		t.Fatal(err)
	}

	stream := newFakeStream(fakeEvent{chunk: llm.Chunk{Done: true, Text: "ok"}})
	opts := baseOptions()
	opts.ContextLimit = 100
	opts.MaxOutputTokens = 20

	d := NewDriver(opts, hist, wordCounter, capabilityFor(stream, nil))

	res, err := d.RunTurn(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if !res.Overflow {
		t.Error("overflow not reported")
	}
	if got := d.History().Turns()[0]; got.Truncated {
		t.Error("protected turn dropped under overflow")
	}
}

func TestRunTurnUsesEndpointCountWhenCounterFails(t *testing.T) {
	calls := 0
	flaky := token.CounterFunc(func(_ context.Context, text string) (int, error) {
		calls++
		if calls == 1 {
			return 2, nil // user input counts fine
		}
		return 0, token.ErrUnavailable // reply count fails
	})

	stream := newFakeStream(
		fakeEvent{chunk: llm.Chunk{Delta: "hi"}},
		fakeEvent{chunk: llm.Chunk{Done: true, Text: "hi", OutputTokens: 7}},
	)
	d := NewDriver(baseOptions(), history.New(), flaky, capabilityFor(stream, nil))

	res, err := d.RunTurn(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if res.Reply.TokenCount != 7 {
		t.Errorf("reply token count = %d, want the endpoint's 7", res.Reply.TokenCount)
	}
}
