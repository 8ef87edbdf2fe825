package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ctxctrl/ctxctrl/internal/tokenizer"
)

type memoryStore struct {
	codec  tokenizer.Codec
	limits Limits
	maxTTL time.Duration
	now    func() time.Time

	mu          sync.RWMutex
	entries     map[string]*Entry
	totalTokens int
	totalBytes  int
}

// MemoryOption adjusts construction of the memory store.
type MemoryOption func(*memoryStore)

// WithClock overrides the time source, primarily for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *memoryStore) { s.now = now }
}

// WithMaxTTL clamps per-entry TTLs to a ceiling. Zero leaves them unclamped.
func WithMaxTTL(ceiling time.Duration) MemoryOption {
	return func(s *memoryStore) { s.maxTTL = ceiling }
}

// NewMemory builds the default in-process store for one session.
func NewMemory(codec tokenizer.Codec, limits Limits, opts ...MemoryOption) Store {
	s := &memoryStore{
		codec:   codec,
		limits:  limits,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put encodes the content before taking the lock so a tokenizer failure or
// timeout commits nothing. A second put with the same id fully replaces the
// previous entry, token count included.
func (s *memoryStore) Put(ctx context.Context, id, content string, opts PutOptions) (PutResult, error) {
	tokens, err := tokenizer.CountTokens(ctx, s.codec, content)
	if err != nil {
		return PutResult{}, err
	}

	ttl := opts.TTL
	if s.maxTTL > 0 && (ttl <= 0 || ttl > s.maxTTL) {
		ttl = s.maxTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := PutResult{TokenCount: tokens}
	if prev, ok := s.entries[id]; ok {
		s.totalTokens -= prev.TokenCount
		s.totalBytes -= len(prev.Content)
		result.Replaced = true
	}
	s.entries[id] = &Entry{
		ID:             id,
		Content:        content,
		TokenCount:     tokens,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            ttl,
		Priority:       opts.Priority,
	}
	s.totalTokens += tokens
	s.totalBytes += len(content)

	result.Evicted, result.LimitExceeded = evictOverLimit(s.entries, s.limits, now, id)
	if len(result.Evicted) > 0 {
		s.totalTokens, s.totalBytes = sumAggregates(s.entries)
	}
	return result, nil
}

// Get returns live content and touches the last-accessed timestamp. Expired
// entries are treated as absent and removed on sight.
func (s *memoryStore) Get(_ context.Context, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return "", false, nil
	}
	now := s.now()
	if entry.expired(now) {
		s.dropLocked(entry)
		return "", false, nil
	}
	entry.LastAccessedAt = now
	return entry.Content, true, nil
}

// Remove deletes one entry, reporting the freed token count. Absent ids
// surface ErrNotFound so the controller can report "already clean".
func (s *memoryStore) Remove(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || entry.expired(s.now()) {
		if ok {
			s.dropLocked(entry)
		}
		return 0, ErrNotFound
	}
	freed := entry.TokenCount
	s.dropLocked(entry)
	return freed, nil
}

func (s *memoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	s.totalTokens = 0
	s.totalBytes = 0
	return nil
}

// List purges expired entries encountered during the scan, then returns
// summaries sorted by id for stable output.
func (s *memoryStore) List(context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purgeExpiredLocked(now)

	summaries := make([]Summary, 0, len(s.entries))
	for _, entry := range s.entries {
		summaries = append(summaries, summarize(entry, now))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

func (s *memoryStore) Stats(context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(s.now())
	return buildStats(s.entries, s.limits), nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func (s *memoryStore) dropLocked(entry *Entry) {
	delete(s.entries, entry.ID)
	s.totalTokens -= entry.TokenCount
	s.totalBytes -= len(entry.Content)
}

func (s *memoryStore) purgeExpiredLocked(now time.Time) {
	for _, entry := range s.entries {
		if entry.expired(now) {
			s.dropLocked(entry)
		}
	}
}
