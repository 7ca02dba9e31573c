package capability

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/memory"
)

func newSocialStore(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "state", "companion.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSocialPostAdapter_QueuesPost(t *testing.T) {
	ctx := context.Background()
	store := newSocialStore(t)
	a := NewSocialPostAdapter(store, []string{"discord"})

	res := a.Execute(ctx, bus.Task{
		Description: "We shipped v2 today!",
		Platform:    "discord",
		ChatID:      "chan-announce",
	}, Context{})
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}

	pending, err := store.PendingOutbox(ctx, "discord")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 queued post, got %d", len(pending))
	}
	if pending[0].Content != "We shipped v2 today!" || pending[0].TargetID != "chan-announce" {
		t.Fatalf("unexpected queued post: %+v", pending[0])
	}
}

func TestSocialPostAdapter_MetadataOverridesTarget(t *testing.T) {
	ctx := context.Background()
	store := newSocialStore(t)
	a := NewSocialPostAdapter(store, []string{"discord"})

	res := a.Execute(ctx, bus.Task{
		Description: "cross-post me",
		Platform:    "cli",
		ChatID:      "direct",
		Metadata: map[string]string{
			"target_platform": "discord",
			"target_id":       "chan-42",
		},
	}, Context{})
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}

	pending, err := store.PendingOutbox(ctx, "discord")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].TargetID != "chan-42" {
		t.Fatalf("metadata target not honored: %+v", pending)
	}
}

func TestSocialPostAdapter_RejectsUndeliverablePlatform(t *testing.T) {
	ctx := context.Background()
	store := newSocialStore(t)
	a := NewSocialPostAdapter(store, []string{"discord"})

	// the REPL has no delivery bridge; queueing would strand the post
	res := a.Execute(ctx, bus.Task{
		Description: "hello world",
		Platform:    "cli",
		ChatID:      "direct",
	}, Context{})
	if res.Status != StatusFailure || res.Failure != FailureInput {
		t.Fatalf("undeliverable platform should be input failure, got %+v", res)
	}

	res = a.Execute(ctx, bus.Task{
		Description: "hello world",
		Platform:    "cli",
		Metadata:    map[string]string{"target_platform": "bluesky"},
	}, Context{})
	if res.Status != StatusFailure || res.Failure != FailureInput {
		t.Fatalf("unknown target platform should be input failure, got %+v", res)
	}

	pending, err := store.PendingOutbox(ctx, "cli")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("rejected posts must not be queued, got %d", len(pending))
	}
}

func TestSocialPostAdapter_Validation(t *testing.T) {
	ctx := context.Background()
	a := NewSocialPostAdapter(newSocialStore(t), []string{"discord"})

	res := a.Execute(ctx, bus.Task{Description: "   ", Platform: "discord"}, Context{})
	if res.Status != StatusFailure || res.Failure != FailureInput {
		t.Fatalf("empty post should be input failure, got %+v", res)
	}

	long := strings.Repeat("a", maxPostLength+1)
	res = a.Execute(ctx, bus.Task{Description: long, Platform: "discord"}, Context{})
	if res.Status != StatusFailure || res.Failure != FailureInput {
		t.Fatalf("oversized post should be input failure, got %+v", res)
	}
}
