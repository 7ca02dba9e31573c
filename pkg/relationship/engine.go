package relationship

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/memory"
)

// Outcome classifies one interaction for scoring purposes.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeUnavailable Outcome = "unavailable"
)

// Event is one interaction signal emitted by the router after a task.
type Event struct {
	Capability string
	Outcome    Outcome
	Note       string
}

// Policy holds the scoring deltas and type thresholds.
type Policy struct {
	DeltaSuccess     int
	DeltaFailure     int
	DeltaTimeout     int
	DeltaUnavailable int
	FriendThreshold  int
	TrustedThreshold int
}

func PolicyFromConfig(cfg config.RelationshipConfig) Policy {
	return Policy{
		DeltaSuccess:     cfg.DeltaSuccess,
		DeltaFailure:     cfg.DeltaFailure,
		DeltaTimeout:     cfg.DeltaTimeout,
		DeltaUnavailable: cfg.DeltaUnavailable,
		FriendThreshold:  cfg.FriendThreshold,
		TrustedThreshold: cfg.TrustedThreshold,
	}
}

func (p Policy) deltaFor(o Outcome) int {
	switch o {
	case OutcomeSuccess:
		return p.DeltaSuccess
	case OutcomeTimeout:
		return p.DeltaTimeout
	case OutcomeUnavailable:
		return p.DeltaUnavailable
	default:
		return p.DeltaFailure
	}
}

// Engine owns all mutations of the per-user relationship record. Updates for
// one user are serialized through a lazily-populated lock registry; users
// never contend with each other.
type Engine struct {
	store  *memory.SQLiteStore
	policy Policy

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store *memory.SQLiteStore, policy Policy) *Engine {
	return &Engine{
		store:  store,
		policy: policy,
		locks:  make(map[string]*sync.Mutex),
	}
}

// userLock returns the serialization primitive for one identity. Locks are
// created on first contact and kept for the process lifetime.
func (e *Engine) userLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Serialize runs fn while holding the user's lock. The router uses this to
// keep same-user memory writes and relationship updates from interleaving.
func (e *Engine) Serialize(userID string, fn func() error) error {
	l := e.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// EnsureUser creates the user on first contact. Safe under concurrent races
// from the same identity key.
func (e *Engine) EnsureUser(ctx context.Context, id string) (memory.User, bool, error) {
	user, created, err := e.store.GetOrCreateUser(ctx, id)
	if err != nil {
		return memory.User{}, false, fmt.Errorf("ensure user: %w", err)
	}
	if created {
		logger.InfoCF("relationship", "New user registered", map[string]any{
			"user_id": id,
		})
	}
	return user, created, nil
}

// Get returns the current relationship record.
func (e *Engine) Get(ctx context.Context, id string) (memory.User, error) {
	return e.store.GetUser(ctx, id)
}

// Apply performs the interaction read-modify-write without taking the user
// lock. Callers must already hold it via Serialize; everyone else wants
// RecordInteraction.
func (e *Engine) Apply(ctx context.Context, id string, ev Event) (memory.User, error) {
	user, _, err := e.store.GetOrCreateUser(ctx, id)
	if err != nil {
		return memory.User{}, err
	}

	user.Score = clampScore(user.Score + e.policy.deltaFor(ev.Outcome))
	user.Type = e.typeForScore(user.Score)
	user.InteractionCount++
	if note := strings.TrimSpace(ev.Note); note != "" {
		user.Notes = appendNote(user.Notes, note)
	}

	if err := e.store.SaveUser(ctx, user); err != nil {
		return memory.User{}, err
	}

	logger.DebugCF("relationship", "Interaction recorded", map[string]any{
		"user_id":    id,
		"capability": ev.Capability,
		"outcome":    string(ev.Outcome),
		"score":      user.Score,
		"type":       string(user.EffectiveType()),
	})
	return user, nil
}

// RecordInteraction applies one interaction event: signed delta clamped to
// [0,100], score-derived type, interaction counter, optional appended note.
// The read-modify-write is atomic per user.
func (e *Engine) RecordInteraction(ctx context.Context, id string, ev Event) (memory.User, error) {
	var updated memory.User
	err := e.Serialize(id, func() error {
		u, err := e.Apply(ctx, id, ev)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return memory.User{}, fmt.Errorf("record interaction: %w", err)
	}
	return updated, nil
}

// SetScore is the administrative direct edit; it bypasses the delta policy
// but still clamps and re-derives the automatic type.
func (e *Engine) SetScore(ctx context.Context, id string, score int) (memory.User, error) {
	var updated memory.User
	err := e.Serialize(id, func() error {
		user, err := e.store.GetUser(ctx, id)
		if err != nil {
			return err
		}
		user.Score = clampScore(score)
		user.Type = e.typeForScore(user.Score)
		if err := e.store.SaveUser(ctx, user); err != nil {
			return err
		}
		updated = user
		return nil
	})
	if err != nil {
		return memory.User{}, fmt.Errorf("set score: %w", err)
	}
	return updated, nil
}

// SetTypeOverride pins the relationship type administratively. Automatic
// updates never touch the override; pass empty to clear it.
func (e *Engine) SetTypeOverride(ctx context.Context, id string, t memory.RelationshipType) (memory.User, error) {
	var updated memory.User
	err := e.Serialize(id, func() error {
		user, err := e.store.GetUser(ctx, id)
		if err != nil {
			return err
		}
		user.TypeOverride = t
		if err := e.store.SaveUser(ctx, user); err != nil {
			return err
		}
		updated = user
		return nil
	})
	if err != nil {
		return memory.User{}, fmt.Errorf("set type override: %w", err)
	}
	return updated, nil
}

// SetNotes replaces the free-text notes (administrative edit).
func (e *Engine) SetNotes(ctx context.Context, id, notes string) (memory.User, error) {
	var updated memory.User
	err := e.Serialize(id, func() error {
		user, err := e.store.GetUser(ctx, id)
		if err != nil {
			return err
		}
		user.Notes = notes
		if err := e.store.SaveUser(ctx, user); err != nil {
			return err
		}
		updated = user
		return nil
	})
	if err != nil {
		return memory.User{}, fmt.Errorf("set notes: %w", err)
	}
	return updated, nil
}

// Decay reduces every user's score toward zero by delta. Overrides are
// preserved; the automatic type follows the decayed score.
func (e *Engine) Decay(ctx context.Context, delta int) error {
	if delta <= 0 {
		return nil
	}
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("decay: %w", err)
	}
	for _, u := range users {
		id := u.ID
		err := e.Serialize(id, func() error {
			user, err := e.store.GetUser(ctx, id)
			if err != nil {
				return err
			}
			if user.Score == 0 {
				return nil
			}
			user.Score = clampScore(user.Score - delta)
			user.Type = e.typeForScore(user.Score)
			return e.store.SaveUser(ctx, user)
		})
		if err != nil {
			return fmt.Errorf("decay user %s: %w", id, err)
		}
	}
	return nil
}

func (e *Engine) typeForScore(score int) memory.RelationshipType {
	switch {
	case score >= e.policy.TrustedThreshold:
		return memory.TypeTrusted
	case score >= e.policy.FriendThreshold:
		return memory.TypeFriend
	default:
		return memory.TypeStranger
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func appendNote(existing, note string) string {
	if strings.TrimSpace(existing) == "" {
		return note
	}
	return existing + "\n" + note
}
