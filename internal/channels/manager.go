package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
)

// ErrUnknownChannel is returned when sending through a channel that was never registered.
var ErrUnknownChannel = errors.New("unknown channel")

// ErrChannelNotRunning is returned when the channel exists but is stopped.
var ErrChannelNotRunning = errors.New("channel not running")

// Manager owns the registered channels and their lifecycle.
type Manager struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// StartAll starts every registered channel. A channel that fails to start is
// logged and left stopped; sends to it fail over like any other failure.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// EnabledChannels returns the registered channel names, sorted.
func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports whether each registered channel is running.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}

// SendToChannel delivers content to chatID through the named channel.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	ch, ok := m.GetChannel(channelName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelName)
	}
	if !ch.IsRunning() {
		return fmt.Errorf("%w: %s", ErrChannelNotRunning, channelName)
	}
	return ch.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}
