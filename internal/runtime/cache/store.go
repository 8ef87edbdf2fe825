// Package cache implements the per-session store of named content blocks.
// Each session owns exactly one Store; nothing in this package reaches for
// shared process-wide state, so isolation between sessions holds by
// construction.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound reports a lookup, removal, or update against an id with no live
// entry (absent or expired).
var ErrNotFound = errors.New("cache: entry not found")

// Priority orders entries for eviction only. It never affects lookup.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ParsePriority maps the directive parameter value onto a priority level.
// Unknown values report ok=false so the caller can warn and default.
func ParsePriority(value string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	default:
		return PriorityNormal, false
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Entry is one stored content block plus its bookkeeping metadata.
type Entry struct {
	ID             string        `json:"id"`
	Content        string        `json:"content"`
	TokenCount     int           `json:"tokenCount"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastAccessedAt time.Time     `json:"lastAccessedAt"`
	TTL            time.Duration `json:"ttl"` // 0 = lives for the session
	Priority       Priority      `json:"priority"`
}

// ExpiresAt reports the absolute expiry. ok is false for session-lifetime
// entries.
func (e Entry) ExpiresAt() (time.Time, bool) {
	if e.TTL <= 0 {
		return time.Time{}, false
	}
	return e.CreatedAt.Add(e.TTL), true
}

func (e Entry) expired(now time.Time) bool {
	deadline, ok := e.ExpiresAt()
	return ok && now.After(deadline)
}

// Summary is the read-only listing shape exposed for diagnostics.
type Summary struct {
	ID           string        `json:"id"`
	TokenCount   int           `json:"tokenCount"`
	Bytes        int           `json:"bytes"`
	Age          time.Duration `json:"age"`
	TTLRemaining time.Duration `json:"ttlRemaining"` // -1 = session lifetime
	Priority     string        `json:"priority"`
}

// Stats aggregates the live entries of one session.
type Stats struct {
	EntryCount       int     `json:"entryCount"`
	TotalTokens      int     `json:"totalTokens"`
	TotalBytes       int     `json:"totalBytes"`
	LimitTokens      int     `json:"limitTokens"`
	LimitBytes       int     `json:"limitBytes"`
	UtilizationRatio float64 `json:"utilizationRatio"`
}

// Limits are the configured ceilings. Zero means unbounded.
type Limits struct {
	MaxTokens int
	MaxBytes  int
}

func (l Limits) exceeded(tokens, bytes int) bool {
	if l.MaxTokens > 0 && tokens > l.MaxTokens {
		return true
	}
	if l.MaxBytes > 0 && bytes > l.MaxBytes {
		return true
	}
	return false
}

// PutOptions carries the optional per-directive parameters.
type PutOptions struct {
	TTL      time.Duration // 0 = no expiry
	Priority Priority
}

// EvictionReason labels why a victim was removed.
type EvictionReason string

const (
	EvictExpired  EvictionReason = "expired"
	EvictPriority EvictionReason = "priority"
	EvictLRU      EvictionReason = "lru"
)

// Eviction records one removal performed while enforcing limits.
type Eviction struct {
	ID     string         `json:"id"`
	Reason EvictionReason `json:"reason"`
	Tokens int            `json:"tokens"`
}

// PutResult reports the committed token count plus everything eviction did to
// make room. LimitExceeded means eviction ran out of victims while usage is
// still over a configured ceiling; the write stands regardless.
type PutResult struct {
	TokenCount    int
	Replaced      bool
	Evicted       []Eviction
	LimitExceeded bool
}

// Store is the per-session cache contract. Get updates the entry's
// last-accessed timestamp; that side effect is part of the contract, not an
// implementation leak. Mutating operations are serialized by the session
// controller; implementations additionally guard their own state so
// concurrent reads observe consistent snapshots.
type Store interface {
	Put(ctx context.Context, id, content string, opts PutOptions) (PutResult, error)
	Get(ctx context.Context, id string) (string, bool, error)
	Remove(ctx context.Context, id string) (int, error)
	Clear(ctx context.Context) error
	List(ctx context.Context) ([]Summary, error)
	Stats(ctx context.Context) (Stats, error)
	Close(ctx context.Context) error
}

// selectVictim picks the next entry to evict: expired entries first regardless
// of priority, then lowest priority, tie-broken by least recent access. The
// entry named by keep (the write that triggered eviction) is never a victim.
func selectVictim(entries map[string]*Entry, now time.Time, keep string) (*Entry, EvictionReason) {
	var victim *Entry
	reason := EvictLRU
	for _, entry := range entries {
		if entry.expired(now) && entry.ID != keep {
			return entry, EvictExpired
		}
	}
	for _, entry := range entries {
		if entry.ID == keep {
			continue
		}
		if victim == nil {
			victim = entry
			continue
		}
		if entry.Priority < victim.Priority {
			victim = entry
			continue
		}
		if entry.Priority == victim.Priority && entry.LastAccessedAt.Before(victim.LastAccessedAt) {
			victim = entry
		}
	}
	if victim != nil && victim.Priority < PriorityNormal {
		reason = EvictPriority
	}
	return victim, reason
}

// evictOverLimit removes victims one at a time, re-checking the ceilings after
// each removal. It mutates entries and returns the evictions performed plus
// whether a ceiling is still exceeded once no evictable entries remain.
func evictOverLimit(entries map[string]*Entry, limits Limits, now time.Time, keep string) ([]Eviction, bool) {
	var evicted []Eviction
	for {
		tokens, bytes := sumAggregates(entries)
		if !limits.exceeded(tokens, bytes) {
			return evicted, false
		}
		victim, reason := selectVictim(entries, now, keep)
		if victim == nil {
			return evicted, true
		}
		delete(entries, victim.ID)
		evicted = append(evicted, Eviction{ID: victim.ID, Reason: reason, Tokens: victim.TokenCount})
	}
}

func sumAggregates(entries map[string]*Entry) (tokens, bytes int) {
	for _, entry := range entries {
		tokens += entry.TokenCount
		bytes += len(entry.Content)
	}
	return tokens, bytes
}

func summarize(entry *Entry, now time.Time) Summary {
	s := Summary{
		ID:           entry.ID,
		TokenCount:   entry.TokenCount,
		Bytes:        len(entry.Content),
		Age:          now.Sub(entry.CreatedAt),
		TTLRemaining: -1,
		Priority:     entry.Priority.String(),
	}
	if deadline, ok := entry.ExpiresAt(); ok {
		s.TTLRemaining = deadline.Sub(now)
	}
	return s
}

func buildStats(entries map[string]*Entry, limits Limits) Stats {
	tokens, bytes := sumAggregates(entries)
	stats := Stats{
		EntryCount:  len(entries),
		TotalTokens: tokens,
		TotalBytes:  bytes,
		LimitTokens: limits.MaxTokens,
		LimitBytes:  limits.MaxBytes,
	}
	switch {
	case limits.MaxTokens > 0:
		stats.UtilizationRatio = float64(tokens) / float64(limits.MaxTokens)
	case limits.MaxBytes > 0:
		stats.UtilizationRatio = float64(bytes) / float64(limits.MaxBytes)
	}
	return stats
}
