// Package whatsapp connects to a WhatsApp bridge (e.g. a whatsapp-web.js
// sidecar) over WebSocket. Customer messages from the bridge are published
// to the bus; replies are written back as JSON frames.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
	"github.com/nextlevelbuilder/replyguard/internal/channels"
	"github.com/nextlevelbuilder/replyguard/internal/config"
)

const (
	maxBackoff   = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrNotConnected is returned by Send while the bridge is down.
var ErrNotConnected = errors.New("whatsapp bridge not connected")

// Channel is the WhatsApp bridge client.
type Channel struct {
	*channels.BaseChannel
	config config.WhatsAppConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// bridgeFrame is the bridge wire format in both directions.
// Inbound:  {"type":"message","from":"...","to":"...","content":"...","id":"...","media":[...]}
// Outbound: {"type":"message","to":"...","content":"..."}
type bridgeFrame struct {
	Type    string   `json:"type"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
	Chat    string   `json:"chat,omitempty"`
	Content string   `json:"content"`
	ID      string   `json:"id,omitempty"`
	Media   []string `json:"media,omitempty"`
}

// New creates a WhatsApp channel. msgBus receives inbound customer messages.
func New(cfg config.WhatsAppConfig, msgBus bus.InboundRouter) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = config.DefaultTenant
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", tenant, msgBus, cfg.AllowFrom),
		config:      cfg,
	}, nil
}

// Start connects to the bridge and begins listening. An initial connection
// failure is not fatal; the listen loop keeps retrying.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.connect(loopCtx); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop(loopCtx)

	c.SetRunning(true)
	return nil
}

// Stop closes the bridge connection and waits for the listen loop to exit.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	if c.done != nil {
		<-c.done
	}
	c.SetRunning(false)
	return nil
}

// Send writes a message frame to the bridge.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	data, err := json.Marshal(bridgeFrame{Type: "message", To: msg.ChatID, Content: msg.Content})
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

func (c *Channel) connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(ctx); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err, "backoff", backoff)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("whatsapp read error, will reconnect", "error", err)
			}
			c.closeConn()
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("invalid whatsapp message JSON", "error", err)
			continue
		}
		if frame.Type == "message" {
			c.handleIncoming(frame)
		}
	}
}

// handleIncoming publishes a direct customer message. Group chats (ids
// ending in @g.us) are not customer conversations and are ignored.
func (c *Channel) handleIncoming(f bridgeFrame) {
	if f.From == "" {
		return
	}
	if strings.HasSuffix(f.Chat, "@g.us") {
		slog.Debug("whatsapp group message ignored", "chat", f.Chat)
		return
	}

	from := strings.TrimSuffix(f.From, "@c.us")
	slog.Debug("whatsapp message received", "from", from, "preview", channels.Truncate(f.Content, 50))
	c.HandleMessage(from, f.To, f.Content, f.ID, len(f.Media))
}
