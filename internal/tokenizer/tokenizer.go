// Package tokenizer exposes the encode/decode capability the cache engine
// consumes to compute token counts. The engine never retries a failed encode;
// retry policy belongs to the caller.
package tokenizer

import (
	"context"
	"errors"
	"fmt"
)

// ErrEncoding wraps any failure raised by the underlying codec. A Put that
// hits this error commits nothing.
var ErrEncoding = errors.New("tokenizer: encoding failed")

// Codec is the narrow tokenizer capability: text to token sequence and back.
type Codec interface {
	Encode(ctx context.Context, text string) ([]int, error)
	Decode(ctx context.Context, tokens []int) (string, error)
}

// CountTokens encodes text and returns the token count, normalizing failures
// into ErrEncoding so callers can branch on the taxonomy instead of backend
// specifics.
func CountTokens(ctx context.Context, codec Codec, text string) (int, error) {
	if codec == nil {
		return 0, fmt.Errorf("%w: nil codec", ErrEncoding)
	}
	tokens, err := codec.Encode(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return len(tokens), nil
}
