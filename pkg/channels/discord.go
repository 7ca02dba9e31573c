package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/logger"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
	discordChunkLimit     = 1500 // Discord caps at 2000; leave headroom for code fences
)

type DiscordChannel struct {
	*BaseChannel
	session  *discordgo.Session
	typing   map[string]*typingSession
	typingMu sync.Mutex
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, taskBus *bus.TaskBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", taskBus, cfg.AllowFrom),
		session:     session,
		typing:      make(map[string]*typingSession),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bridge")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bridge connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bridge")
	c.setRunning(false)
	c.stopAllTyping()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, reply bus.Reply) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bridge not running")
	}
	if reply.ChatID == "" {
		return fmt.Errorf("reply has no chat id")
	}
	defer c.endTyping(reply.ChatID)

	if strings.TrimSpace(reply.Content) == "" {
		return nil
	}

	for _, chunk := range splitMessage(reply.Content, discordChunkLimit) {
		if err := c.sendChunk(ctx, reply.ChatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send discord message: %w", sendCtx.Err())
	}
}

// splitMessage chunks long content at natural boundaries. A chunk never ends
// inside an open ``` fence: either the split moves before the fence or the
// chunk extends past the limit to swallow the closing marker.
func splitMessage(content string, limit int) []string {
	var chunks []string

	for len(content) > 0 {
		if len(content) <= limit {
			chunks = append(chunks, content)
			break
		}

		end := naturalBreak(content, limit)

		if open := openFenceAt(content[:end]); open >= 0 {
			if closing := fenceCloseAfter(content, end); closing > 0 && closing <= limit+500 {
				end = closing
			} else if before := naturalBreak(content, open); before > 0 {
				end = before
			} else {
				end = open
			}
		}
		if end <= 0 {
			end = limit
		}

		chunks = append(chunks, content[:end])
		content = strings.TrimSpace(content[end:])
	}
	return chunks
}

// naturalBreak picks the last newline (or, failing that, space) near the
// limit, falling back to a hard cut.
func naturalBreak(content string, limit int) int {
	if limit > len(content) {
		limit = len(content)
	}
	window := limit - 200
	if window < 0 {
		window = 0
	}
	if i := strings.LastIndexByte(content[window:limit], '\n'); i >= 0 {
		return window + i
	}
	window = limit - 100
	if window < 0 {
		window = 0
	}
	if i := strings.LastIndexAny(content[window:limit], " \t"); i >= 0 {
		return window + i
	}
	return limit
}

// openFenceAt returns the index of an unclosed ``` fence in text, or -1.
func openFenceAt(text string) int {
	idx := -1
	open := false
	for i := 0; i+2 < len(text); i++ {
		if text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			if !open {
				idx = i
			}
			open = !open
			i += 2
		}
	}
	if open {
		return idx
	}
	return -1
}

// fenceCloseAfter returns the index just past the next ``` at or after from.
func fenceCloseAfter(text string, from int) int {
	if i := strings.Index(text[from:], "```"); i >= 0 {
		return from + i + 3
	}
	return -1
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.session == nil {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.ErrorCF("discord", "Failed to send typing indicator", map[string]any{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) beginTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{pending: 1, cancel: cancel}
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) endTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if m.Author.ID == s.State.User.ID {
		return
	}
	if !c.IsAllowed(m.Author.ID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}

	content := m.Content
	for _, attachment := range m.Attachments {
		note := fmt.Sprintf("[attachment: %s]", attachment.URL)
		if content == "" {
			content = note
		} else {
			content += "\n" + note
		}
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	c.beginTyping(m.ChannelID)

	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_id": m.Author.ID,
		"username":  m.Author.Username,
	})

	c.PublishTask(m.Author.ID, m.ChannelID, content, map[string]string{
		"message_id": m.ID,
		"username":   m.Author.Username,
		"guild_id":   m.GuildID,
		"is_dm":      fmt.Sprintf("%t", m.GuildID == ""),
	})
}
