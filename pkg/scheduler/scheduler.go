package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/memory"
	"github.com/dotsetgreg/companion/pkg/relationship"
)

const tickInterval = 20 * time.Second

// Sender delivers one outbox message to its platform. ChannelNames reports
// the platforms a delivery bridge exists for.
type Sender interface {
	SendToChannel(ctx context.Context, channelName, chatID, content string) error
	ChannelNames() []string
}

type job struct {
	name string
	expr string
	run  func(ctx context.Context)
}

// Scheduler runs the cron-driven maintenance loops: flushing the durable
// outbox and applying relationship decay. Jobs fire at most once per due
// minute.
type Scheduler struct {
	store  *memory.SQLiteStore
	engine *relationship.Engine
	sender Sender
	cfg    config.SchedulerConfig
	decay  int

	gron    *gronx.Gronx
	jobs    []job
	lastRun map[string]string
	mu      sync.Mutex
}

func New(store *memory.SQLiteStore, engine *relationship.Engine, sender Sender, cfg config.SchedulerConfig, decayPerDay int) *Scheduler {
	s := &Scheduler{
		store:   store,
		engine:  engine,
		sender:  sender,
		cfg:     cfg,
		decay:   decayPerDay,
		gron:    gronx.New(),
		lastRun: make(map[string]string),
	}

	if cfg.OutboxCron != "" && sender != nil {
		s.jobs = append(s.jobs, job{name: "outbox-flush", expr: cfg.OutboxCron, run: s.flushOutbox})
	}
	if cfg.DecayCron != "" && decayPerDay > 0 {
		s.jobs = append(s.jobs, job{name: "relationship-decay", expr: cfg.DecayCron, run: s.applyDecay})
	}
	return s
}

// Start blocks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.jobs) == 0 {
		logger.InfoC("scheduler", "No scheduled jobs configured")
		return
	}

	for _, j := range s.jobs {
		if !s.gron.IsValid(j.expr) {
			logger.ErrorCF("scheduler", "Invalid cron expression", map[string]any{
				"job":  j.name,
				"expr": j.expr,
			})
		}
	}

	logger.InfoCF("scheduler", "Scheduler started", map[string]any{
		"jobs": len(s.jobs),
	})

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("scheduler", "Scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	minute := now.Format("2006-01-02 15:04")
	for _, j := range s.jobs {
		s.mu.Lock()
		already := s.lastRun[j.name] == minute
		if !already {
			s.lastRun[j.name] = minute
		}
		s.mu.Unlock()
		if already {
			continue
		}

		due, err := s.gron.IsDue(j.expr, now)
		if err != nil || !due {
			continue
		}
		j.run(ctx)
	}
}

// flushOutbox delivers pending messages oldest-first. A message stays queued
// until its send succeeds, so transient platform failures retry on the next
// due minute.
func (s *Scheduler) flushOutbox(ctx context.Context) {
	for _, platform := range s.sender.ChannelNames() {
		pending, err := s.store.PendingOutbox(ctx, platform)
		if err != nil {
			logger.ErrorCF("scheduler", "Outbox read failed", map[string]any{
				"platform": platform,
				"error":    err.Error(),
			})
			continue
		}
		for _, msg := range pending {
			if err := s.sender.SendToChannel(ctx, msg.Platform, msg.TargetID, msg.Content); err != nil {
				logger.WarnCF("scheduler", "Outbox send failed", map[string]any{
					"id":       msg.ID,
					"platform": msg.Platform,
					"error":    err.Error(),
				})
				break
			}
			if err := s.store.MarkOutboxSent(ctx, msg.ID); err != nil {
				logger.ErrorCF("scheduler", "Outbox mark failed", map[string]any{
					"id":    msg.ID,
					"error": err.Error(),
				})
				break
			}
			logger.InfoCF("scheduler", "Outbox message sent", map[string]any{
				"id":       msg.ID,
				"platform": msg.Platform,
			})
		}
	}
}

func (s *Scheduler) applyDecay(ctx context.Context) {
	if err := s.engine.Decay(ctx, s.decay); err != nil {
		logger.ErrorCF("scheduler", "Relationship decay failed", map[string]any{
			"error": err.Error(),
		})
		return
	}
	logger.InfoCF("scheduler", "Relationship decay applied", map[string]any{
		"delta": s.decay,
	})
}
