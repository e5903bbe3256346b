// Package telegram is a send-only operator notification channel backed by
// the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
	"github.com/nextlevelbuilder/replyguard/internal/channels"
	"github.com/nextlevelbuilder/replyguard/internal/config"
)

// maxMessageLen is Telegram's limit for a single text message.
const maxMessageLen = 4096

// Channel sends operator notifications to Telegram chats. Targets are
// numeric chat ids.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	config config.TelegramConfig
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig) (*Channel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", "", nil, nil),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Start verifies the token with getMe. No polling: operators reply through
// their own tooling, not through this bot.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", me.Username)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// Send delivers msg.Content to the chat in msg.ChatID, split into
// Telegram-sized chunks.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", msg.ChatID, err)
	}
	for _, chunk := range splitMessage(msg.Content, maxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// parseChatID converts a string chat ID to int64. Group ids are negative.
func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(chatIDStr), 10, 64)
}

// splitMessage cuts content into pieces of at most maxLen bytes, preferring
// newline boundaries in the second half of each piece.
func splitMessage(content string, maxLen int) []string {
	var out []string
	for len(content) > maxLen {
		cut := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cut = idx + 1
		} else {
			for cut > 0 && content[cut]&0xC0 == 0x80 {
				cut--
			}
		}
		out = append(out, content[:cut])
		content = content[cut:]
	}
	if content != "" || len(out) == 0 {
		out = append(out, content)
	}
	return out
}
