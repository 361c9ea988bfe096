package state

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"telegram-ai-assistant/internal/models"
)

const lruSize = 10_000

type entry struct {
	state     models.ChatState
	ttl       time.Duration
	expiresAt time.Time
}

// LRUStore keeps states in memory. The LRU evicts after the store TTL;
// per-entry deadlines are checked against the injected clock.
type LRUStore struct {
	mu    sync.Mutex // serializes read-modify-write in Update
	cache *expirable.LRU[int64, entry]
	clock clockwork.Clock
	ttl   time.Duration
}

func NewLRUStore(clock clockwork.Clock, ttl time.Duration) *LRUStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LRUStore{
		cache: expirable.NewLRU[int64, entry](lruSize, nil, ttl),
		clock: clock,
		ttl:   ttl,
	}
}

// Set caps ttl at the store TTL.
func (s *LRUStore) Set(_ context.Context, chatID int64, st models.ChatState, ttl time.Duration) error {
	if ttl <= 0 || ttl > s.ttl {
		ttl = s.ttl
	}
	st.ChatID = chatID
	st.Params = maps.Clone(st.Params)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(chatID, entry{state: st, ttl: ttl, expiresAt: s.clock.Now().Add(ttl)})
	return nil
}

func (s *LRUStore) Get(_ context.Context, chatID int64) (*models.ChatState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(chatID)
	if !ok {
		return nil, nil
	}
	st := e.state
	st.Params = maps.Clone(st.Params)
	return &st, nil
}

func (s *LRUStore) Clear(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(chatID)
	return nil
}

func (s *LRUStore) Update(_ context.Context, chatID int64, patch models.StatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(chatID)
	if !ok {
		return nil
	}
	e.state.Params = maps.Clone(e.state.Params)
	patch.Apply(&e.state)
	e.expiresAt = s.clock.Now().Add(e.ttl)
	s.cache.Add(chatID, e)
	return nil
}

// live must be called with mu held.
func (s *LRUStore) live(chatID int64) (entry, bool) {
	e, ok := s.cache.Get(chatID)
	if !ok {
		return entry{}, false
	}
	if !s.clock.Now().Before(e.expiresAt) {
		s.cache.Remove(chatID)
		return entry{}, false
	}
	return e, true
}
