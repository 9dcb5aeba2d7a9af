package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
)

// State owns dedupe and response history. Tests get a fresh MemoryState.
type State interface {
	// Claim reports whether source is seen for the first time. On error the
	// returned bool is still a usable local answer.
	Claim(ctx context.Context, source common.Hash) (bool, error)
	Record(ctx context.Context, r Record) error
	Stats() Stats
	// Recent returns up to n records, newest first.
	Recent(n int) []Record
}

type Stats struct {
	Detected   uint64
	Duplicates uint64
	Responses  uint64
	ByTier     map[string]uint64
	ByOutcome  map[string]uint64
	LastError  string
}

const (
	defaultSeenTTL = time.Hour
	historySize    = 256
)

// MemoryState keeps everything in process. Seen hashes expire after the
// TTL given to NewMemoryState.
type MemoryState struct {
	seen *gocache.Cache

	mu      sync.Mutex
	stats   Stats
	history []Record
}

func NewMemoryState(ttl time.Duration) *MemoryState {
	if ttl <= 0 {
		ttl = defaultSeenTTL
	}
	return &MemoryState{
		seen: gocache.New(ttl, ttl),
		stats: Stats{
			ByTier:    map[string]uint64{},
			ByOutcome: map[string]uint64{},
		},
	}
}

func (s *MemoryState) Claim(_ context.Context, source common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.rememberLocked(source)
	s.countLocked(first)
	return first, nil
}

// remember marks source seen without touching counters.
func (s *MemoryState) remember(source common.Hash) {
	s.mu.Lock()
	s.rememberLocked(source)
	s.mu.Unlock()
}

func (s *MemoryState) count(first bool) {
	s.mu.Lock()
	s.countLocked(first)
	s.mu.Unlock()
}

// rememberLocked reports whether source was unseen. Add fails on a live key.
func (s *MemoryState) rememberLocked(source common.Hash) bool {
	return s.seen.Add(source.Hex(), struct{}{}, gocache.DefaultExpiration) == nil
}

func (s *MemoryState) countLocked(first bool) {
	if first {
		s.stats.Detected++
	} else {
		s.stats.Duplicates++
	}
}

func (s *MemoryState) Record(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Responses++
	s.stats.ByTier[r.Tier.String()]++
	s.stats.ByOutcome[r.Outcome.String()]++
	if r.LastError != "" {
		s.stats.LastError = r.LastError
	}
	s.history = append(s.history, r)
	if len(s.history) > historySize {
		s.history = append([]Record(nil), s.history[len(s.history)-historySize:]...)
	}
	return nil
}

func (s *MemoryState) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ByTier = make(map[string]uint64, len(s.stats.ByTier))
	for k, v := range s.stats.ByTier {
		out.ByTier[k] = v
	}
	out.ByOutcome = make(map[string]uint64, len(s.stats.ByOutcome))
	for k, v := range s.stats.ByOutcome {
		out.ByOutcome[k] = v
	}
	return out
}

func (s *MemoryState) Recent(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Record, 0, n)
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.history[i])
	}
	return out
}
