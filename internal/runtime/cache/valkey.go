package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/ctxctrl/ctxctrl/internal/tokenizer"
)

// ValkeyTLSConfig controls transport security for the valkey backend.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig describes the shared valkey connection.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
	// KeyPrefix namespaces this deployment's session hashes.
	KeyPrefix string
}

const defaultKeyPrefix = "ctxctrl:session:"

// NewValkeyClient dials and pings the configured valkey instance. One client
// is shared across sessions; isolation comes from per-session hash keys.
func NewValkeyClient(cfg ValkeyConfig) (valkey.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}
	return client, nil
}

type valkeyStore struct {
	client valkey.Client
	key    string
	codec  tokenizer.Codec
	limits Limits
	maxTTL time.Duration
	now    func() time.Time
}

// ValkeyOption adjusts construction of a per-session valkey store.
type ValkeyOption func(*valkeyStore)

// WithValkeyClock overrides the time source for expiry tests.
func WithValkeyClock(now func() time.Time) ValkeyOption {
	return func(s *valkeyStore) { s.now = now }
}

// WithValkeyMaxTTL clamps per-entry TTLs to a ceiling.
func WithValkeyMaxTTL(ceiling time.Duration) ValkeyOption {
	return func(s *valkeyStore) { s.maxTTL = ceiling }
}

// NewValkey binds a Store to one session's hash under the shared client. The
// session controller serializes mutations, so read-modify-write sequences
// here never interleave for the same session.
func NewValkey(client valkey.Client, keyPrefix, session string, codec tokenizer.Codec, limits Limits, opts ...ValkeyOption) Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	s := &valkeyStore{
		client: client,
		key:    keyPrefix + session,
		codec:  codec,
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *valkeyStore) Put(ctx context.Context, id, content string, opts PutOptions) (PutResult, error) {
	tokens, err := tokenizer.CountTokens(ctx, s.codec, content)
	if err != nil {
		return PutResult{}, err
	}

	ttl := opts.TTL
	if s.maxTTL > 0 && (ttl <= 0 || ttl > s.maxTTL) {
		ttl = s.maxTTL
	}

	entries, err := s.load(ctx)
	if err != nil {
		return PutResult{}, err
	}

	now := s.now()
	result := PutResult{TokenCount: tokens}
	_, result.Replaced = entries[id]
	entries[id] = &Entry{
		ID:             id,
		Content:        content,
		TokenCount:     tokens,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            ttl,
		Priority:       opts.Priority,
	}
	result.Evicted, result.LimitExceeded = evictOverLimit(entries, s.limits, now, id)

	if err := s.set(ctx, entries[id]); err != nil {
		return PutResult{}, err
	}
	if len(result.Evicted) > 0 {
		fields := make([]string, 0, len(result.Evicted))
		for _, eviction := range result.Evicted {
			fields = append(fields, eviction.ID)
		}
		if err := s.del(ctx, fields...); err != nil {
			return PutResult{}, err
		}
	}
	return result, nil
}

func (s *valkeyStore) Get(ctx context.Context, id string) (string, bool, error) {
	entry, ok, err := s.field(ctx, id)
	if err != nil || !ok {
		return "", false, err
	}
	now := s.now()
	if entry.expired(now) {
		if err := s.del(ctx, id); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	entry.LastAccessedAt = now
	if err := s.set(ctx, entry); err != nil {
		return "", false, err
	}
	return entry.Content, true, nil
}

func (s *valkeyStore) Remove(ctx context.Context, id string) (int, error) {
	entry, ok, err := s.field(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	if entry.expired(s.now()) {
		if err := s.del(ctx, id); err != nil {
			return 0, err
		}
		return 0, ErrNotFound
	}
	if err := s.del(ctx, id); err != nil {
		return 0, err
	}
	return entry.TokenCount, nil
}

func (s *valkeyStore) Clear(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key).Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey del: %w", err)
	}
	return nil
}

func (s *valkeyStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.purgeExpired(ctx, entries, now); err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		summaries = append(summaries, summarize(entry, now))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

func (s *valkeyStore) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.load(ctx)
	if err != nil {
		return Stats{}, err
	}
	if err := s.purgeExpired(ctx, entries, s.now()); err != nil {
		return Stats{}, err
	}
	return buildStats(entries, s.limits), nil
}

// Close is a no-op: the shared client is owned by the process, not by any
// single session store.
func (s *valkeyStore) Close(context.Context) error {
	return nil
}

func (s *valkeyStore) load(ctx context.Context) (map[string]*Entry, error) {
	resp := s.client.Do(ctx, s.client.B().Hgetall().Key(s.key).Build())
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("cache: valkey hgetall: %w", err)
	}
	raw, err := resp.AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey hgetall map: %w", err)
	}
	entries := make(map[string]*Entry, len(raw))
	for id, payload := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("cache: valkey unmarshal %q: %w", id, err)
		}
		entries[id] = &entry
	}
	return entries, nil
}

func (s *valkeyStore) field(ctx context.Context, id string) (*Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(s.key).Field(id).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: valkey hget: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("cache: valkey hget bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, false, fmt.Errorf("cache: valkey unmarshal %q: %w", id, err)
	}
	return &entry, true, nil
}

func (s *valkeyStore) set(ctx context.Context, entry *Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: valkey marshal %q: %w", entry.ID, err)
	}
	cmd := s.client.B().Hset().Key(s.key).FieldValue().FieldValue(entry.ID, string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey hset: %w", err)
	}
	return nil
}

func (s *valkeyStore) del(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	cmd := s.client.B().Hdel().Key(s.key).Field(ids...).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey hdel: %w", err)
	}
	return nil
}

func (s *valkeyStore) purgeExpired(ctx context.Context, entries map[string]*Entry, now time.Time) error {
	var stale []string
	for id, entry := range entries {
		if entry.expired(now) {
			stale = append(stale, id)
			delete(entries, id)
		}
	}
	return s.del(ctx, stale...)
}
