package channels

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/companion/pkg/bus"
)

// Channel is one front-end bridge. Bridges translate platform messages into
// tasks and replies back into platform messages; they never touch the store
// or the relationship engine.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, reply bus.Reply) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	taskBus   *bus.TaskBus
	name      string
	allowList []string
	running   bool
}

func NewBaseChannel(name string, taskBus *bus.TaskBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		taskBus:   taskBus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running
}

// IsAllowed checks the allowlist. An empty list allows everyone. Entries may
// be bare IDs, usernames, or compound "id|username" forms.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}
	return false
}

// PublishTask turns one inbound platform message into a task. The user
// identity key is platform-scoped so the same numeric ID on two platforms
// never collides.
func (c *BaseChannel) PublishTask(senderID, chatID, content string, metadata map[string]string) {
	if !c.IsAllowed(senderID) {
		return
	}

	c.taskBus.PublishTask(bus.Task{
		ID:          uuid.NewString(),
		Description: content,
		UserID:      c.name + ":" + senderID,
		Platform:    c.name,
		ChatID:      chatID,
		Metadata:    metadata,
		ArrivedAt:   time.Now(),
	})
}

func (c *BaseChannel) setRunning(running bool) {
	c.running = running
}
