package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteCounter is the remote strategy: it POSTs the text to a tokenize
// endpoint and trusts the count it returns. Authoritative, but it pays
// network latency and can fail.
type RemoteCounter struct {
	url  string
	http *http.Client
}

func NewRemoteCounter(url string) *RemoteCounter {
	return &RemoteCounter{
		url:  url,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

type countRequest struct {
	Text string `json:"text"`
}

type countResponse struct {
	Tokens int `json:"tokens"`
}

func (c *RemoteCounter) Count(ctx context.Context, text string) (int, error) {
	body, err := json.Marshal(countRequest{Text: text})
	if err != nil {
		return 0, fmt.Errorf("%w: marshal: %v", ErrRemoteCount, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRemoteCount, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRemoteCount, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRemoteCount, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d: %s", ErrRemoteCount, resp.StatusCode, string(respBody))
	}

	var out countResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, fmt.Errorf("%w: unmarshal: %v", ErrRemoteCount, err)
	}
	if out.Tokens < 0 {
		return 0, fmt.Errorf("%w: negative count %d", ErrRemoteCount, out.Tokens)
	}
	return out.Tokens, nil
}
