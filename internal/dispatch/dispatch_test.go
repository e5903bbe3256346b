package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

type call struct{ channel, target, text string }

type fakeSender struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error // "channel/target" → error
}

func (f *fakeSender) SendToChannel(_ context.Context, channel, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{channel, target, text})
	return f.fail[channel+"/"+target]
}

type fakeRecorder struct {
	refID    uuid.UUID
	purpose  string
	attempts []store.DeliveryAttempt
}

func (r *fakeRecorder) RecordAttempts(_ context.Context, refID uuid.UUID, purpose string, attempts []store.DeliveryAttempt) error {
	r.refID, r.purpose, r.attempts = refID, purpose, attempts
	return nil
}

func newDispatcher(sender Sender, rec AttemptRecorder) *Dispatcher {
	return New(sender, Config{
		CustomerChannel:  "sms",
		OperatorChannel:  "telegram",
		FallbackChannel:  "discord",
		FallbackAddress:  "ops-room",
		SecondaryTargets: map[string]string{"+15550001111": "+15550002222", "111": "222"},
		Recorder:         rec,
	})
}

func TestSendPrimarySucceeds(t *testing.T) {
	s := &fakeSender{}
	rec := &fakeRecorder{}
	ref := uuid.New()
	res, err := newDispatcher(s, rec).Send(context.Background(), Request{
		RefID: ref, Text: "hi", Target: "+15550001111", Purpose: PurposeCustomer,
	})
	require.NoError(t, err)
	assert.Equal(t, "sms", res.Channel)
	assert.Equal(t, "+15550001111", res.Target)
	assert.Len(t, s.calls, 1)
	require.Len(t, rec.attempts, 1)
	assert.True(t, rec.attempts[0].Succeeded)
	assert.Equal(t, ref, rec.refID)
	assert.Equal(t, "customer", rec.purpose)
}

func TestSendFallsBackToSecondaryTarget(t *testing.T) {
	s := &fakeSender{fail: map[string]error{"sms/+15550001111": errors.New("carrier rejected")}}
	rec := &fakeRecorder{}
	res, err := newDispatcher(s, rec).Send(context.Background(), Request{
		RefID: uuid.New(), Text: "hi", Target: "+15550001111", Purpose: PurposeCustomer,
	})
	require.NoError(t, err)
	assert.Equal(t, "+15550002222", res.Target)
	require.Len(t, res.Attempts, 2)
	assert.False(t, res.Attempts[0].Succeeded)
	assert.Equal(t, "carrier rejected", res.Attempts[0].Error)
	assert.True(t, res.Attempts[1].Succeeded)
	assert.Len(t, rec.attempts, 2)
}

func TestCustomerNeverUsesFallbackChannel(t *testing.T) {
	s := &fakeSender{fail: map[string]error{
		"sms/+15550001111": errors.New("down"),
		"sms/+15550002222": errors.New("down too"),
	}}
	_, err := newDispatcher(s, nil).Send(context.Background(), Request{
		Text: "hi", Target: "+15550001111", Purpose: PurposeCustomer,
	})
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	require.Len(t, derr.Attempts, 2)
	for _, c := range s.calls {
		assert.Equal(t, "sms", c.channel, "customer reply must stay on the primary channel")
	}
	assert.Contains(t, derr.Error(), "down too")
}

func TestOperatorFallbackOrdering(t *testing.T) {
	s := &fakeSender{fail: map[string]error{
		"telegram/111": errors.New("blocked"),
		"telegram/222": errors.New("blocked"),
	}}
	res, err := newDispatcher(s, nil).Send(context.Background(), Request{
		Text: "alert", Target: "111", Purpose: PurposeOperator,
	})
	require.NoError(t, err)
	assert.Equal(t, "discord", res.Channel)
	assert.Equal(t, []call{
		{"telegram", "111", "alert"},
		{"telegram", "222", "alert"},
		{"discord", "ops-room", "alert"},
	}, s.calls)
}

func TestExplicitSecondaryOverridesConfig(t *testing.T) {
	s := &fakeSender{fail: map[string]error{"sms/+15550001111": errors.New("x")}}
	res, err := newDispatcher(s, nil).Send(context.Background(), Request{
		Text: "hi", Target: "+15550001111", SecondaryTarget: "+15553334444", Purpose: PurposeCustomer,
	})
	require.NoError(t, err)
	assert.Equal(t, "+15553334444", res.Target)
}

func TestNoRoute(t *testing.T) {
	d := New(&fakeSender{}, Config{})
	_, err := d.Send(context.Background(), Request{Text: "x", Target: "1", Purpose: PurposeCustomer})
	assert.ErrorIs(t, err, ErrNoRoute)

	_, err = newDispatcher(&fakeSender{}, nil).Send(context.Background(), Request{Text: "x", Purpose: PurposeCustomer})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestRateLimitWaitCountsAgainstDeadline(t *testing.T) {
	s := &fakeSender{}
	d := New(s, Config{
		CustomerChannel: "sms",
		ChannelRPS:      map[string]float64{"sms": 0.01},
		ChannelBurst:    map[string]int{"sms": 1},
	})

	_, err := d.Send(context.Background(), Request{Text: "a", Target: "1", Purpose: PurposeCustomer})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.Send(ctx, Request{Text: "b", Target: "1", Purpose: PurposeCustomer})
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Len(t, s.calls, 1, "second send must not reach the provider")
}
