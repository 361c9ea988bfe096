package state

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"telegram-ai-assistant/internal/models"
)

// Backend is the persistence SQLStore needs; storage.DB implements it.
type Backend interface {
	PutChatState(ctx context.Context, st models.ChatState, expiresAt time.Time) error
	GetChatState(ctx context.Context, chatID int64, now time.Time) (*models.ChatState, error)
	ReplaceLiveChatState(ctx context.Context, st models.ChatState, now, expiresAt time.Time) (bool, error)
	DeleteChatState(ctx context.Context, chatID int64) error
	PurgeExpiredChatStates(ctx context.Context, now time.Time) (int64, error)
}

// SQLStore keeps states in sqlite with an expires_at column.
type SQLStore struct {
	db    Backend
	clock clockwork.Clock
	ttl   time.Duration // applied by Update
}

func NewSQLStore(db Backend, clock clockwork.Clock, ttl time.Duration) *SQLStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLStore{db: db, clock: clock, ttl: ttl}
}

func (s *SQLStore) Set(ctx context.Context, chatID int64, st models.ChatState, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	st.ChatID = chatID
	return s.db.PutChatState(ctx, st, s.clock.Now().Add(ttl))
}

func (s *SQLStore) Get(ctx context.Context, chatID int64) (*models.ChatState, error) {
	return s.db.GetChatState(ctx, chatID, s.clock.Now())
}

func (s *SQLStore) Clear(ctx context.Context, chatID int64) error {
	return s.db.DeleteChatState(ctx, chatID)
}

// Update refreshes the TTL of a live state. The write is conditional on the
// row still being live, so a state that expires mid-update stays gone.
func (s *SQLStore) Update(ctx context.Context, chatID int64, patch models.StatePatch) error {
	now := s.clock.Now()
	st, err := s.db.GetChatState(ctx, chatID, now)
	if err != nil || st == nil {
		return err
	}
	patch.Apply(st)
	_, err = s.db.ReplaceLiveChatState(ctx, *st, now, now.Add(s.ttl))
	return err
}

// Purge drops expired rows. Reads never see them, this only reclaims space.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	return s.db.PurgeExpiredChatStates(ctx, s.clock.Now())
}
