package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/memory"
)

const maxPostLength = 1900

// SocialPostAdapter validates a post and enqueues it into the durable
// outbox. Delivery happens asynchronously via the scheduler, so a slow
// platform never stalls task handling. Only platforms with a delivery
// bridge are accepted; anything else would sit in the outbox forever.
type SocialPostAdapter struct {
	store     *memory.SQLiteStore
	platforms []string
}

func NewSocialPostAdapter(store *memory.SQLiteStore, platforms []string) *SocialPostAdapter {
	return &SocialPostAdapter{store: store, platforms: platforms}
}

func (a *SocialPostAdapter) Name() string { return "social-post" }

func (a *SocialPostAdapter) deliverable(platform string) bool {
	for _, p := range a.platforms {
		if p == platform {
			return true
		}
	}
	return false
}

func (a *SocialPostAdapter) Execute(ctx context.Context, task bus.Task, _ Context) *Result {
	content := strings.TrimSpace(task.Description)
	if content == "" {
		return FailureResult(FailureInput, "post requires content")
	}
	if len([]rune(content)) > maxPostLength {
		return FailureResult(FailureInput, fmt.Sprintf("post exceeds %d characters", maxPostLength))
	}

	platform := task.Metadata["target_platform"]
	if platform == "" {
		platform = task.Platform
	}
	if !a.deliverable(platform) {
		return FailureResult(FailureInput, fmt.Sprintf("no delivery path for platform %q", platform))
	}
	target := task.Metadata["target_id"]
	if target == "" {
		target = task.ChatID
	}

	id, err := a.store.EnqueueOutbox(ctx, memory.OutboxMessage{
		Platform: platform,
		TargetID: target,
		Content:  content,
		Kind:     "post",
	})
	if err != nil {
		return FailureResult(FailureInternal, fmt.Sprintf("enqueue post: %v", err))
	}

	return SuccessResult(fmt.Sprintf("Post #%d queued for %s.", id, platform))
}
