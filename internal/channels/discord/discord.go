// Package discord is a send-only operator notification channel backed by a
// Discord bot. Targets are Discord channel ids.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
	"github.com/nextlevelbuilder/replyguard/internal/channels"
	"github.com/nextlevelbuilder/replyguard/internal/config"
)

const maxMessageLen = 2000

type Channel struct {
	*channels.BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
}

func New(cfg config.DiscordConfig) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	// Send-only: no message intents needed.
	session.Identify.Intents = discordgo.IntentsGuilds

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", "", nil, nil),
		session:     session,
		config:      cfg,
	}, nil
}

// Start opens the Discord gateway connection.
func (c *Channel) Start(_ context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message to a Discord channel, splitting over
// 2000 characters.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}
	for _, chunk := range chunkContent(msg.Content, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func chunkContent(content string, maxLen int) []string {
	var out []string
	for len(content) > maxLen {
		// Try to break at a newline
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		out = append(out, content[:cutAt])
		content = content[cutAt:]
	}
	if content != "" || len(out) == 0 {
		out = append(out, content)
	}
	return out
}
