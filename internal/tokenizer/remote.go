package tokenizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRemoteTimeout = 5 * time.Second

// RemoteConfig describes an external HTTP tokenizer service.
type RemoteConfig struct {
	// BaseURL is the service root; /encode and /decode are appended.
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

// Remote calls an external tokenizer service over HTTP. Timeouts and
// transport failures surface to callers, who treat them as an encoding
// failure for the triggering store write.
type Remote struct {
	base    string
	client  *http.Client
	timeout time.Duration
}

type encodeRequest struct {
	Text string `json:"text"`
}

type encodeResponse struct {
	Tokens []int `json:"tokens"`
}

type decodeRequest struct {
	Tokens []int `json:"tokens"`
}

type decodeResponse struct {
	Text string `json:"text"`
}

// NewRemote validates the endpoint and returns a remote codec.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("tokenizer: remote base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("tokenizer: remote base url: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &Remote{base: base, client: client, timeout: timeout}, nil
}

// Encode posts text to the service's /encode endpoint.
func (r *Remote) Encode(ctx context.Context, text string) ([]int, error) {
	var out encodeResponse
	if err := r.post(ctx, "/encode", encodeRequest{Text: text}, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// Decode posts a token sequence to the service's /decode endpoint.
func (r *Remote) Decode(ctx context.Context, tokens []int) (string, error) {
	var out decodeResponse
	if err := r.post(ctx, "/decode", decodeRequest{Tokens: tokens}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (r *Remote) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("tokenizer: marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("tokenizer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("tokenizer: %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tokenizer: %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tokenizer: decode response: %w", err)
	}
	return nil
}
