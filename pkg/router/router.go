package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/capability"
	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/memory"
	"github.com/dotsetgreg/companion/pkg/relationship"
)

// Router is the single path from an inbound task to an adapter invocation.
// Every handled task produces exactly one entry pair in the memory log and
// exactly one relationship update, regardless of how the adapter fared.
type Router struct {
	cfg      config.RouterConfig
	store    *memory.SQLiteStore
	engine   *relationship.Engine
	registry *capability.Registry
	taskBus  *bus.TaskBus

	wg sync.WaitGroup
}

func NewRouter(cfg config.RouterConfig, store *memory.SQLiteStore, engine *relationship.Engine, registry *capability.Registry, taskBus *bus.TaskBus) *Router {
	return &Router{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		registry: registry,
		taskBus:  taskBus,
	}
}

// Start launches the worker pool consuming the task bus. Workers drain until
// the context is cancelled; Wait blocks until they exit.
func (r *Router) Start(ctx context.Context) {
	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	logger.InfoCF("router", "Router started", map[string]any{
		"workers": workers,
	})
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		task, ok := r.taskBus.ConsumeTask(ctx)
		if !ok {
			return
		}
		reply := r.Handle(ctx, task)
		r.taskBus.PublishReply(reply)
	}
}

// Handle runs the full pipeline for one task: classify, gate, execute under
// the capability deadline, then persist the entry pair and relationship
// update atomically per user.
func (r *Router) Handle(ctx context.Context, task bus.Task) bus.Reply {
	start := time.Now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	// Malformed tasks are rejected before any state is touched.
	userID := strings.TrimSpace(task.UserID)
	if userID == "" {
		return r.reply(task, capability.FailureResult(capability.FailureInput, "task has no user identity"), start)
	}
	if strings.TrimSpace(task.Description) == "" {
		return r.reply(task, capability.FailureResult(capability.FailureInput, "task has no content"), start)
	}

	user, _, err := r.engine.EnsureUser(ctx, userID)
	if err != nil {
		logger.ErrorCF("router", "User lookup failed", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
		return r.reply(task, capability.FailureResult(capability.FailureInternal, "could not load your profile"), start)
	}

	capName := Classify(task, r.cfg.DefaultCapability)
	result := r.execute(ctx, capName, task, user)

	if err := r.persist(ctx, userID, capName, task, result); err != nil {
		logger.ErrorCF("router", "Persist failed", map[string]any{
			"user_id":    userID,
			"capability": capName,
			"error":      err.Error(),
		})
	}

	logger.InfoCF("router", "Task handled", map[string]any{
		"task_id":     task.ID,
		"user_id":     userID,
		"capability":  capName,
		"status":      string(result.Status),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return r.reply(task, result, start)
}

func (r *Router) execute(ctx context.Context, capName string, task bus.Task, user memory.User) *capability.Result {
	if capName == CapCoding && !r.allowCoding(user) {
		return capability.FailureResult(capability.FailureInput,
			fmt.Sprintf("coding tasks need at least a %s relationship", r.codingMinimum()))
	}

	recent, err := r.store.RecentEntries(ctx, user.ID, r.cfg.RecentEntries)
	if err != nil {
		logger.WarnCF("router", "Recent entries unavailable", map[string]any{
			"user_id": user.ID,
			"error":   err.Error(),
		})
		recent = nil
	}

	execCtx, cancel := context.WithTimeout(ctx, r.deadlineFor(capName))
	defer cancel()

	return r.registry.Execute(execCtx, capName, task, capability.Context{
		User:   user,
		Recent: recent,
	})
}

// persist writes the user/assistant entry pair and applies the relationship
// event while holding the user's lock, so concurrent tasks for the same user
// cannot interleave their post-processing.
func (r *Router) persist(ctx context.Context, userID, capName string, task bus.Task, result *capability.Result) error {
	now := time.Now()
	return r.engine.Serialize(userID, func() error {
		if err := r.store.AppendEntry(ctx, memory.Entry{
			UserID:    userID,
			Role:      memory.RoleUser,
			Content:   task.Description,
			Tags:      map[string]string{"capability": capName},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := r.store.AppendEntry(ctx, memory.Entry{
			UserID: userID,
			Role:   memory.RoleAssistant,
			Content: result.Payload,
			Tags: map[string]string{
				"capability": capName,
				"status":     string(result.Status),
			},
			CreatedAt: now.Add(time.Millisecond),
		}); err != nil {
			return err
		}
		_, err := r.engine.Apply(ctx, userID, relationship.Event{
			Capability: capName,
			Outcome:    outcomeFor(result),
		})
		return err
	})
}

func (r *Router) reply(task bus.Task, result *capability.Result, start time.Time) bus.Reply {
	return bus.Reply{
		TaskID:     task.ID,
		Platform:   task.Platform,
		ChatID:     task.ChatID,
		Content:    result.Payload,
		Status:     string(result.Status),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func (r *Router) allowCoding(user memory.User) bool {
	return user.EffectiveType().Rank() >= r.codingMinimum().Rank()
}

func (r *Router) codingMinimum() memory.RelationshipType {
	if r.cfg.CodingMinimumType == "" {
		return memory.TypeTrusted
	}
	return memory.RelationshipType(r.cfg.CodingMinimumType)
}

func (r *Router) deadlineFor(capName string) time.Duration {
	seconds := r.cfg.ChatDeadlineSeconds
	switch capName {
	case CapCoding:
		seconds = r.cfg.CodeDeadlineSeconds
	case CapPost:
		seconds = r.cfg.PostDeadlineSeconds
	}
	if seconds <= 0 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

// outcomeFor folds the adapter failure taxonomy into the scoring outcome.
// Infrastructure being down is not the user's fault, so it carries no
// penalty.
func outcomeFor(result *capability.Result) relationship.Outcome {
	switch result.Status {
	case capability.StatusSuccess:
		return relationship.OutcomeSuccess
	case capability.StatusTimeout:
		return relationship.OutcomeTimeout
	}
	if result.Failure == capability.FailureUnavailable {
		return relationship.OutcomeUnavailable
	}
	return relationship.OutcomeFailure
}
