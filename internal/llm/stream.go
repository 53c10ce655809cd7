package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Chunk is one event from a live response stream: either an incremental
// fragment (Delta) or the terminal event (Done) carrying the assembled text.
type Chunk struct {
	// Delta is the next text fragment. Empty on the terminal chunk.
	Delta string
	// Done marks the terminal chunk.
	Done bool
	// Text is the full assembled message; set only when Done.
	Text string
	// FinishReason is the endpoint's stop reason; set only when Done.
	FinishReason string
	// OutputTokens is the endpoint's own accounting of the reply, when it
	// supplied one. Zero means the endpoint did not report usage.
	OutputTokens int
}

// Stream consumes a server-sent-event response body. Reading is destructive
// and not restartable; the stream assembles the complete message as
// fragments arrive.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	assembled strings.Builder
	finish    string
	usage     int
	done      bool
}

func newStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{body: body, scanner: sc}
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Recv blocks for the next event. It returns fragment chunks until the
// endpoint signals completion, then one terminal chunk, then io.EOF. A
// connection that drops before the terminal marker yields
// io.ErrUnexpectedEOF.
func (s *Stream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if payload == "[DONE]" {
			s.done = true
			return Chunk{
				Done:         true,
				Text:         s.assembled.String(),
				FinishReason: s.finish,
				OutputTokens: s.usage,
			}, nil
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return Chunk{}, fmt.Errorf("decoding stream event: %w", err)
		}
		if ev.Usage != nil {
			s.usage = ev.Usage.CompletionTokens
		}
		if len(ev.Choices) == 0 {
			continue
		}
		choice := ev.Choices[0]
		if choice.FinishReason != "" {
			s.finish = choice.FinishReason
		}
		if choice.Delta.Content == "" {
			continue
		}
		s.assembled.WriteString(choice.Delta.Content)
		return Chunk{Delta: choice.Delta.Content}, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Chunk{}, err
	}
	return Chunk{}, io.ErrUnexpectedEOF
}

// Partial returns the text assembled so far. After an interrupted stream it
// is display-only; it must never be committed as a turn.
func (s *Stream) Partial() string {
	return s.assembled.String()
}

// Close releases the underlying transport. Safe to call more than once.
func (s *Stream) Close() error {
	return s.body.Close()
}
