package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/logger"
)

// Manager owns the lifecycle of every bridge and runs the outbound
// dispatcher that fans router replies back to their platform.
type Manager struct {
	channels     map[string]Channel
	taskBus      *bus.TaskBus
	config       *config.Config
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
}

func NewManager(cfg *config.Config, taskBus *bus.TaskBus) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		taskBus:  taskBus,
		config:   cfg,
	}
	if err := m.initChannels(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initChannels() error {
	if strings.TrimSpace(m.config.Channels.Discord.Token) != "" {
		discord, err := NewDiscordChannel(m.config.Channels.Discord, m.taskBus)
		if err != nil {
			return fmt.Errorf("initialize discord bridge: %w", err)
		}
		m.channels["discord"] = discord
	}

	logger.InfoCF("channels", "Bridges initialized", map[string]any{
		"enabled": len(m.channels),
	})
	return nil
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	if len(m.channels) == 0 {
		m.mu.RUnlock()
		logger.WarnC("channels", "No bridges enabled")
		return nil
	}
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.RUnlock()

	var started []string
	var startErrors []string
	for name, channel := range channelsCopy {
		logger.InfoCF("channels", "Starting bridge", map[string]any{"channel": name})
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start bridge", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			startErrors = append(startErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(startErrors) > 0 {
		for _, name := range started {
			if err := channelsCopy[name].Stop(ctx); err != nil {
				logger.WarnCF("channels", "Failed to stop partially-started bridge", map[string]any{
					"channel": name,
					"error":   err.Error(),
				})
			}
		}
		return fmt.Errorf("start bridges: %s", strings.Join(startErrors, "; "))
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
	}
	m.dispatchTask = &asyncTask{cancel: cancel}
	m.mu.Unlock()

	go m.dispatchReplies(dispatchCtx)

	logger.InfoCF("channels", "All bridges started", map[string]any{
		"count": len(started),
	})
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
		m.dispatchTask = nil
	}

	for name, channel := range m.channels {
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping bridge", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoC("channels", "All bridges stopped")
	return nil
}

// dispatchReplies drains router replies and routes each to its platform
// bridge. Replies for platforms without a bridge (e.g. the REPL, which reads
// the bus itself) are skipped.
func (m *Manager) dispatchReplies(ctx context.Context) {
	logger.InfoC("channels", "Reply dispatcher started")

	for {
		reply, ok := m.taskBus.ConsumeReply(ctx)
		if !ok {
			logger.InfoC("channels", "Reply dispatcher stopped")
			return
		}

		m.mu.RLock()
		channel, exists := m.channels[reply.Platform]
		m.mu.RUnlock()

		if !exists {
			logger.WarnCF("channels", "No bridge for reply", map[string]any{
				"platform": reply.Platform,
			})
			continue
		}

		if err := channel.Send(ctx, reply); err != nil {
			logger.ErrorCF("channels", "Error sending reply", map[string]any{
				"platform": reply.Platform,
				"error":    err.Error(),
			})
		}
	}
}

// ChannelNames lists the platforms a bridge exists for. The scheduler scopes
// outbox flushes to these.
func (m *Manager) ChannelNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]any)
	for name, channel := range m.channels {
		status[name] = map[string]any{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// SendToChannel delivers content directly through a bridge, bypassing the
// bus. The scheduler uses this for outbox flushes.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	channel, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}

	return channel.Send(ctx, bus.Reply{
		Platform: channelName,
		ChatID:   chatID,
		Content:  content,
		Status:   "success",
	})
}
