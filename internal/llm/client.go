// Package llm talks to an OpenAI-compatible chat-completions endpoint with
// streaming enabled. It is the only place in the program that blocks on the
// model service.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultEndpoint = "https://api.openai.com/v1/chat/completions"

// ErrCapabilityUnavailable reports that the model endpoint rejected the
// request before any content streamed: auth failures, connection errors,
// non-200 statuses.
var ErrCapabilityUnavailable = errors.New("model endpoint unavailable")

// Message is one entry of the outgoing request payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the generation parameters for one request. They come from the
// session profile and stay fixed for the session's lifetime.
type Params struct {
	Model            string
	MaxTokens        int
	Temperature      float64
	TopP             float64
	N                int
	Stop             string
	PresencePenalty  float64
	FrequencyPenalty float64
}

type Client struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

// NewClient builds a client for the given API key. An empty endpoint selects
// the OpenAI default.
func NewClient(apiKey, endpoint string) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		apiKey:   apiKey,
		endpoint: endpoint,
		// Generation can take a while; per-fragment liveness is enforced by
		// the session driver, not here.
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

type chatRequest struct {
	Model            string         `json:"model"`
	Messages         []Message      `json:"messages"`
	MaxTokens        int            `json:"max_tokens,omitempty"`
	Temperature      float64        `json:"temperature"`
	TopP             float64        `json:"top_p,omitempty"`
	N                int            `json:"n,omitempty"`
	Stop             string         `json:"stop,omitempty"`
	PresencePenalty  float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64        `json:"frequency_penalty,omitempty"`
	Stream           bool           `json:"stream"`
	StreamOptions    *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// StreamChat sends one chat-completions request with streaming enabled and
// returns the live stream. The caller owns the stream and must Close it on
// every exit path.
func (c *Client) StreamChat(ctx context.Context, messages []Message, p Params) (*Stream, error) {
	reqBody := chatRequest{
		Model:            p.Model,
		Messages:         messages,
		MaxTokens:        p.MaxTokens,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		N:                p.N,
		Stop:             p.Stop,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
		Stream:           true,
		StreamOptions:    &streamOptions{IncludeUsage: true},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrCapabilityUnavailable, resp.StatusCode, string(respBody))
	}

	return newStream(resp.Body), nil
}
