package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/memory"
	"github.com/dotsetgreg/companion/pkg/relationship"
)

// Service is the operator surface. It talks to the store and the relationship
// engine directly, never through the router: administrative edits are not
// interactions and must not shift scores as a side effect.
type Service struct {
	store  *memory.SQLiteStore
	engine *relationship.Engine
}

func NewService(store *memory.SQLiteStore, engine *relationship.Engine) *Service {
	return &Service{store: store, engine: engine}
}

func (s *Service) GetUser(ctx context.Context, id string) (memory.User, error) {
	return s.engine.Get(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context) ([]memory.User, error) {
	return s.store.ListUsers(ctx)
}

// SetScore replaces the relationship score. The automatic type follows the
// new score; an override, if set, still wins.
func (s *Service) SetScore(ctx context.Context, id string, score int) (memory.User, error) {
	user, err := s.engine.SetScore(ctx, id, score)
	if err != nil {
		return memory.User{}, err
	}
	logger.InfoCF("admin", "Score set", map[string]any{
		"user_id": id,
		"score":   user.Score,
	})
	return user, nil
}

// SetTypeOverride pins the relationship type. Empty clears the override and
// returns the user to score-derived typing.
func (s *Service) SetTypeOverride(ctx context.Context, id, typeName string) (memory.User, error) {
	t := memory.RelationshipType(strings.TrimSpace(typeName))
	switch t {
	case "", memory.TypeStranger, memory.TypeFriend, memory.TypeTrusted, memory.TypeMaster:
	default:
		return memory.User{}, fmt.Errorf("unknown relationship type %q", typeName)
	}
	user, err := s.engine.SetTypeOverride(ctx, id, t)
	if err != nil {
		return memory.User{}, err
	}
	logger.InfoCF("admin", "Type override set", map[string]any{
		"user_id": id,
		"type":    string(t),
	})
	return user, nil
}

func (s *Service) SetNotes(ctx context.Context, id, notes string) (memory.User, error) {
	return s.engine.SetNotes(ctx, id, notes)
}

// EnsureUser registers an identity without an interaction, e.g. to pre-seed
// the operator's own record before the first message arrives.
func (s *Service) EnsureUser(ctx context.Context, id string) (memory.User, error) {
	user, _, err := s.engine.EnsureUser(ctx, id)
	return user, err
}

func (s *Service) RecentEntries(ctx context.Context, userID string, limit int) ([]memory.Entry, error) {
	return s.store.RecentEntries(ctx, userID, limit)
}

func (s *Service) SearchEntries(ctx context.Context, userID, query string, limit int) ([]memory.Entry, error) {
	return s.store.SearchEntries(ctx, userID, query, limit)
}

// ClearEntries purges a user's memory log. The relationship record survives.
func (s *Service) ClearEntries(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.ClearEntries(ctx, userID)
	if err != nil {
		return 0, err
	}
	logger.WarnCF("admin", "Memory log cleared", map[string]any{
		"user_id": userID,
		"entries": n,
	})
	return n, nil
}

func (s *Service) PendingOutbox(ctx context.Context, platform string) ([]memory.OutboxMessage, error) {
	return s.store.PendingOutbox(ctx, platform)
}
