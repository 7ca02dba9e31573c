package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/memory"
	"github.com/dotsetgreg/companion/pkg/relationship"
)

type fakeSender struct {
	sent      []string
	fail      bool
	platforms []string
}

func (f *fakeSender) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	if f.fail {
		return errors.New("platform down")
	}
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeSender) ChannelNames() []string {
	if f.platforms == nil {
		return []string{"discord"}
	}
	return f.platforms
}

func newSchedFixture(t *testing.T, sender Sender, decay int) (*Scheduler, *memory.SQLiteStore, *relationship.Engine) {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "state", "companion.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := relationship.NewEngine(store, relationship.Policy{
		DeltaSuccess: 2, DeltaFailure: -1, DeltaTimeout: -1,
		FriendThreshold: 30, TrustedThreshold: 70,
	})
	cfg := config.SchedulerConfig{OutboxCron: "* * * * *", DecayCron: "0 4 * * *"}
	return New(store, engine, sender, cfg, decay), store, engine
}

func TestScheduler_FlushOutboxMarksSent(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	s, store, _ := newSchedFixture(t, sender, 0)

	if _, err := store.EnqueueOutbox(ctx, memory.OutboxMessage{Platform: "discord", TargetID: "c1", Content: "first"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.EnqueueOutbox(ctx, memory.OutboxMessage{Platform: "discord", TargetID: "c1", Content: "second"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.flushOutbox(ctx)

	if len(sender.sent) != 2 || sender.sent[0] != "first" || sender.sent[1] != "second" {
		t.Fatalf("expected oldest-first delivery, got %v", sender.sent)
	}
	pending, err := store.PendingOutbox(ctx, "discord")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty outbox after flush, got %d", len(pending))
	}
}

func TestScheduler_FailedSendStaysQueued(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{fail: true}
	s, store, _ := newSchedFixture(t, sender, 0)

	if _, err := store.EnqueueOutbox(ctx, memory.OutboxMessage{Platform: "discord", TargetID: "c1", Content: "retry me"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.flushOutbox(ctx)

	pending, err := store.PendingOutbox(ctx, "discord")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("failed message must stay queued, got %d pending", len(pending))
	}

	// next flush after the platform recovers delivers it
	sender.fail = false
	s.flushOutbox(ctx)
	pending, _ = store.PendingOutbox(ctx, "discord")
	if len(pending) != 0 {
		t.Fatalf("expected delivery after recovery, got %d pending", len(pending))
	}
}

func TestScheduler_FlushScopedToBridgePlatforms(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{platforms: []string{"discord"}}
	s, store, _ := newSchedFixture(t, sender, 0)

	if _, err := store.EnqueueOutbox(ctx, memory.OutboxMessage{Platform: "discord", TargetID: "c1", Content: "deliver"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.EnqueueOutbox(ctx, memory.OutboxMessage{Platform: "bluesky", TargetID: "b1", Content: "stranded"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.flushOutbox(ctx)

	if len(sender.sent) != 1 || sender.sent[0] != "deliver" {
		t.Fatalf("only bridge platforms should flush, got %v", sender.sent)
	}
}

func TestScheduler_DecayJob(t *testing.T) {
	ctx := context.Background()
	s, _, engine := newSchedFixture(t, &fakeSender{}, 2)

	if _, err := engine.SetScore(ctx, "u1", 50); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s.applyDecay(ctx)

	u, err := engine.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.Score != 48 {
		t.Fatalf("expected 48 after decay, got %d", u.Score)
	}
}

func TestScheduler_TickFiresOncePerMinute(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	s, store, _ := newSchedFixture(t, sender, 0)

	if _, err := store.EnqueueOutbox(ctx, memory.OutboxMessage{Platform: "discord", TargetID: "c1", Content: "once"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Date(2026, 8, 23, 12, 30, 5, 0, time.UTC)
	s.tick(ctx, now)

	if _, err := store.EnqueueOutbox(ctx, memory.OutboxMessage{Platform: "discord", TargetID: "c1", Content: "again"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.tick(ctx, now.Add(20*time.Second)) // same minute, must not re-fire
	if len(sender.sent) != 1 {
		t.Fatalf("job fired %d times in one minute", len(sender.sent))
	}

	s.tick(ctx, now.Add(time.Minute))
	if len(sender.sent) != 2 {
		t.Fatalf("job should fire again next minute, got %d sends", len(sender.sent))
	}
}

func TestScheduler_NoJobsWithoutConfig(t *testing.T) {
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "state", "companion.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	engine := relationship.NewEngine(store, relationship.Policy{})

	s := New(store, engine, nil, config.SchedulerConfig{}, 0)
	if len(s.jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(s.jobs))
	}
}
