package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/capability"
	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/memory"
	"github.com/dotsetgreg/companion/pkg/relationship"
)

type stubAdapter struct {
	name string
	fn   func(ctx context.Context, task bus.Task, ec capability.Context) *capability.Result
}

func (a stubAdapter) Name() string { return a.name }
func (a stubAdapter) Execute(ctx context.Context, task bus.Task, ec capability.Context) *capability.Result {
	return a.fn(ctx, task, ec)
}

type fixture struct {
	store  *memory.SQLiteStore
	engine *relationship.Engine
	router *Router
	bus    *bus.TaskBus
}

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		RecentEntries:       5,
		Workers:             2,
		DefaultCapability:   CapChat,
		ChatDeadlineSeconds: 2,
		CodeDeadlineSeconds: 2,
		PostDeadlineSeconds: 1,
		CodingMinimumType:   "trusted",
	}
}

func newFixture(t *testing.T, adapters ...capability.Adapter) *fixture {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "state", "companion.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := relationship.NewEngine(store, relationship.Policy{
		DeltaSuccess: 2, DeltaFailure: -1, DeltaTimeout: -1, DeltaUnavailable: 0,
		FriendThreshold: 30, TrustedThreshold: 70,
	})

	registry := capability.NewRegistry()
	for _, a := range adapters {
		registry.Register(a)
	}

	taskBus := bus.NewTaskBus()
	t.Cleanup(taskBus.Close)

	return &fixture{
		store:  store,
		engine: engine,
		router: NewRouter(testRouterConfig(), store, engine, registry, taskBus),
		bus:    taskBus,
	}
}

func okChat() capability.Adapter {
	return stubAdapter{name: CapChat, fn: func(ctx context.Context, task bus.Task, ec capability.Context) *capability.Result {
		return capability.SuccessResult("sure thing")
	}}
}

func TestRouter_FirstContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, okChat())

	reply := f.router.Handle(ctx, bus.Task{
		Description: "hello there",
		UserID:      "discord:1",
		Platform:    "discord",
		ChatID:      "c1",
	})
	if reply.Status != "success" || reply.Content != "sure thing" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	user, err := f.engine.Get(ctx, "discord:1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Score != 2 || user.Type != memory.TypeStranger || user.InteractionCount != 1 {
		t.Fatalf("first contact should leave score=2 stranger count=1, got %+v", user)
	}

	entries, err := f.store.RecentEntries(ctx, "discord:1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected exactly one entry pair, got %d entries", len(entries))
	}
	if entries[0].Role != memory.RoleUser || entries[0].Content != "hello there" {
		t.Fatalf("unexpected user entry: %+v", entries[0])
	}
	if entries[1].Role != memory.RoleAssistant || entries[1].Content != "sure thing" {
		t.Fatalf("unexpected assistant entry: %+v", entries[1])
	}
	if entries[1].Tags["status"] != "success" {
		t.Fatalf("assistant entry should carry status tag, got %v", entries[1].Tags)
	}
}

func TestRouter_TimeoutPenalizesAndPersists(t *testing.T) {
	ctx := context.Background()
	slow := stubAdapter{name: CapChat, fn: func(ctx context.Context, task bus.Task, ec capability.Context) *capability.Result {
		<-ctx.Done()
		return nil
	}}
	f := newFixture(t, slow)

	if _, err := f.engine.SetScore(ctx, "discord:1", 10); err != nil {
		t.Fatalf("seed score: %v", err)
	}

	start := time.Now()
	reply := f.router.Handle(ctx, bus.Task{Description: "hang forever", UserID: "discord:1"})
	if reply.Status != "timeout" {
		t.Fatalf("expected timeout reply, got %+v", reply)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("deadline not enforced, took %v", elapsed)
	}

	user, _ := f.engine.Get(ctx, "discord:1")
	if user.Score != 9 {
		t.Fatalf("timeout should cost 1 point, got score %d", user.Score)
	}

	entries, _ := f.store.RecentEntries(ctx, "discord:1", 10)
	if len(entries) != 2 {
		t.Fatalf("timeout must still persist the entry pair, got %d", len(entries))
	}
}

func TestRouter_UnavailableIsNotPenalized(t *testing.T) {
	ctx := context.Background()
	down := stubAdapter{name: CapChat, fn: func(ctx context.Context, task bus.Task, ec capability.Context) *capability.Result {
		return capability.FailureResult(capability.FailureUnavailable, "provider is down")
	}}
	f := newFixture(t, down)

	if _, err := f.engine.SetScore(ctx, "discord:1", 10); err != nil {
		t.Fatalf("seed score: %v", err)
	}

	reply := f.router.Handle(ctx, bus.Task{Description: "hello", UserID: "discord:1"})
	if reply.Status != "failure" {
		t.Fatalf("expected failure reply, got %+v", reply)
	}

	user, _ := f.engine.Get(ctx, "discord:1")
	if user.Score != 10 {
		t.Fatalf("infrastructure failure must not move the score, got %d", user.Score)
	}
	if user.InteractionCount != 1 {
		t.Fatalf("interaction should still be counted, got %d", user.InteractionCount)
	}
}

func TestRouter_EmptyTaskIsInputError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, okChat())

	reply := f.router.Handle(ctx, bus.Task{Description: "   ", UserID: "discord:1"})
	if reply.Status != "failure" {
		t.Fatalf("expected failure, got %+v", reply)
	}

	// malformed input is reported to the caller and mutates nothing
	users, err := f.store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("empty task must not create a user, got %d", len(users))
	}
	entries, _ := f.store.RecentEntries(ctx, "discord:1", 10)
	if len(entries) != 0 {
		t.Fatalf("empty task must not write entries, got %d", len(entries))
	}
}

func TestRouter_MissingUserIsRejectedWithoutPersistence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, okChat())

	reply := f.router.Handle(ctx, bus.Task{Description: "hello"})
	if reply.Status != "failure" {
		t.Fatalf("expected failure, got %+v", reply)
	}
	users, err := f.store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("anonymous task must not create users, got %d", len(users))
	}
}

func TestRouter_CodingRequiresTrust(t *testing.T) {
	ctx := context.Background()
	var invoked bool
	coding := stubAdapter{name: CapCoding, fn: func(ctx context.Context, task bus.Task, ec capability.Context) *capability.Result {
		invoked = true
		return capability.SuccessResult("patched")
	}}
	f := newFixture(t, okChat(), coding)

	task := bus.Task{
		Description: "please refactor the parser",
		UserID:      "discord:1",
	}

	reply := f.router.Handle(ctx, task)
	if reply.Status != "failure" {
		t.Fatalf("stranger should be refused coding, got %+v", reply)
	}
	if invoked {
		t.Fatalf("adapter must not run for under-privileged users")
	}

	if _, err := f.engine.SetTypeOverride(ctx, "discord:1", memory.TypeMaster); err != nil {
		t.Fatalf("override: %v", err)
	}
	reply = f.router.Handle(ctx, task)
	if reply.Status != "success" || !invoked {
		t.Fatalf("master should be allowed coding, got %+v", reply)
	}
}

func TestRouter_RecentEntriesWindow(t *testing.T) {
	ctx := context.Background()
	var sawRecent int
	chat := stubAdapter{name: CapChat, fn: func(ctx context.Context, task bus.Task, ec capability.Context) *capability.Result {
		sawRecent = len(ec.Recent)
		return capability.SuccessResult("ok")
	}}
	f := newFixture(t, chat)

	// 4 handled tasks write 8 entries; window is 5
	for i := 0; i < 4; i++ {
		f.router.Handle(ctx, bus.Task{Description: "msg", UserID: "discord:1"})
	}
	f.router.Handle(ctx, bus.Task{Description: "final", UserID: "discord:1"})
	if sawRecent != 5 {
		t.Fatalf("expected the configured window of 5, got %d", sawRecent)
	}
}

func TestRouter_ConcurrentSameUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, okChat())

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.router.Handle(ctx, bus.Task{Description: "hello", UserID: "discord:1"})
		}()
	}
	wg.Wait()

	user, err := f.engine.Get(ctx, "discord:1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.InteractionCount != n {
		t.Fatalf("expected %d interactions, got %d", n, user.InteractionCount)
	}
	if user.Score != n*2 {
		t.Fatalf("expected score %d, got %d", n*2, user.Score)
	}

	entries, err := f.store.RecentEntries(ctx, "discord:1", n*3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != n*2 {
		t.Fatalf("expected %d entries, got %d", n*2, len(entries))
	}
}

func TestRouter_DistinctUsersDoNotBlock(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	chat := stubAdapter{name: CapChat, fn: func(ctx context.Context, task bus.Task, ec capability.Context) *capability.Result {
		if task.UserID == "discord:slow" {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return capability.SuccessResult("ok")
	}}
	f := newFixture(t, chat)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		f.router.Handle(ctx, bus.Task{Description: "hold the line", UserID: "discord:slow"})
	}()
	<-entered

	fastDone := make(chan bus.Reply, 1)
	go func() {
		fastDone <- f.router.Handle(ctx, bus.Task{Description: "quick question", UserID: "discord:fast"})
	}()

	select {
	case reply := <-fastDone:
		if reply.Status != "success" {
			t.Fatalf("unexpected reply: %+v", reply)
		}
	case <-time.After(time.Second):
		t.Fatalf("task for a different user must not wait behind a slow one")
	}

	close(release)
	<-slowDone
}

func TestRouter_WorkerLoop(t *testing.T) {
	f := newFixture(t, okChat())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.router.Start(ctx)

	f.bus.PublishTask(bus.Task{
		ID:          "task-123",
		Description: "hello",
		UserID:      "discord:1",
		Platform:    "discord",
		ChatID:      "c1",
	})

	replyCtx, replyCancel := context.WithTimeout(ctx, 5*time.Second)
	defer replyCancel()
	reply, ok := f.bus.ConsumeReply(replyCtx)
	if !ok {
		t.Fatalf("no reply from worker loop")
	}
	if reply.Status != "success" || reply.ChatID != "c1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.TaskID != "task-123" {
		t.Fatalf("reply must echo the task ID, got %q", reply.TaskID)
	}

	cancel()
	f.router.Wait()
}
