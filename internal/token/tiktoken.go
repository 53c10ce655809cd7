package token

import (
	"context"
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// TiktokenCounter is the local strategy: a BPE tokenizer table, no I/O per
// call.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding, a close match for the
// GPT-family models this client talks to.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", defaultEncoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(_ context.Context, text string) (int, error) {
	return len(c.enc.Encode(text, nil, nil)), nil
}
