// Package sms sends text messages through a Twilio-compatible REST API and
// parses the provider's inbound webhook form.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
	"github.com/nextlevelbuilder/replyguard/internal/channels"
	"github.com/nextlevelbuilder/replyguard/internal/config"
)

// Channel is the customer-facing SMS transport.
type Channel struct {
	*channels.BaseChannel
	config config.SMSConfig
	client *http.Client
}

// ProviderError is a non-2xx response from the messaging API.
type ProviderError struct {
	Status  int
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("sms provider HTTP %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("sms provider HTTP %d: %s", e.Status, e.Message)
}

func New(cfg config.SMSConfig) (*Channel, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("sms account_sid and auth_token are required")
	}
	if cfg.From == "" {
		return nil, errors.New("sms from number is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.twilio.com/2010-04-01"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Channel{
		BaseChannel: channels.NewBaseChannel("sms", "", nil, nil),
		config:      cfg,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Start marks the channel ready. Inbound SMS arrive via the HTTP webhook.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	slog.Info("sms channel ready", "from", c.config.From)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// Send posts one message. The provider splits long bodies into segments.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return errors.New("empty destination number for sms send")
	}
	form := url.Values{}
	form.Set("To", msg.ChatID)
	form.Set("From", c.config.From)
	form.Set("Body", msg.Content)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.config.APIBase, url.PathEscape(c.config.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create sms request: %w", err)
	}
	req.SetBasicAuth(c.config.AccountSID, c.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	perr := &ProviderError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		perr.Code = apiErr.Code
		perr.Message = apiErr.Message
	}
	return perr
}

// ParseInbound maps a provider webhook form (From, To, Body, MessageSid,
// NumMedia) to an inbound message for tenantID.
func ParseInbound(tenantID string, form url.Values) (bus.InboundMessage, error) {
	from := strings.TrimSpace(form.Get("From"))
	if from == "" {
		return bus.InboundMessage{}, errors.New("missing From")
	}
	mediaCount, _ := strconv.Atoi(form.Get("NumMedia"))
	return bus.InboundMessage{
		Channel:           "sms",
		TenantID:          tenantID,
		From:              from,
		To:                form.Get("To"),
		Body:              form.Get("Body"),
		ProviderMessageID: form.Get("MessageSid"),
		MediaCount:        mediaCount,
		ReceivedAt:        time.Now().UTC(),
	}, nil
}
