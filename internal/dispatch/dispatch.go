// Package dispatch sends a message with ordered fallback: the primary
// target, then a secondary target on the same channel, then (operator
// notifications only) a fallback channel. Each step is a single attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// Purpose selects the route and whether the fallback channel may be used.
type Purpose string

const (
	PurposeCustomer Purpose = "customer"
	PurposeOperator Purpose = "operator"
)

// Sender delivers text through a named channel. channels.Manager implements it.
type Sender interface {
	SendToChannel(ctx context.Context, channel, chatID, content string) error
}

// AttemptRecorder persists attempts. store.DeliveryLogStore implements it.
type AttemptRecorder interface {
	RecordAttempts(ctx context.Context, refID uuid.UUID, purpose string, attempts []store.DeliveryAttempt) error
}

// Config wires the dispatcher.
type Config struct {
	CustomerChannel string
	OperatorChannel string
	// FallbackChannel/FallbackAddress form the last resort for operator
	// notifications. Never used for customers.
	FallbackChannel string
	FallbackAddress string
	// SecondaryTargets maps a primary target to its secondary target.
	SecondaryTargets map[string]string
	// ChannelRPS caps sends per second per channel; absent means unlimited.
	ChannelRPS   map[string]float64
	ChannelBurst map[string]int

	Recorder AttemptRecorder // optional
	Logger   *slog.Logger
	Now      func() time.Time
}

// Request is one message to deliver.
type Request struct {
	// RefID ties recorded attempts to a pending response or notification.
	RefID   uuid.UUID
	Text    string
	Target  string
	Purpose Purpose
	// SecondaryTarget overrides the configured secondary for Target.
	SecondaryTarget string
}

// Result describes the successful attempt and everything tried before it.
type Result struct {
	Channel  string
	Target   string
	Attempts []store.DeliveryAttempt
}

// DeliveryError is returned when every step failed.
type DeliveryError struct {
	Attempts []store.DeliveryAttempt
	Err      error // errors.Join of every attempt error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempt(s): %v", len(e.Attempts), e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrNoRoute is returned when the request has no target or the purpose has no channel.
var ErrNoRoute = errors.New("no delivery route")

// Dispatcher implements ordered fallback delivery.
type Dispatcher struct {
	sender Sender
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(sender Sender, cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		sender:   sender,
		cfg:      cfg,
		logger:   cfg.Logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

type step struct {
	channel string
	target  string
}

func (d *Dispatcher) plan(req Request) []step {
	channel := d.cfg.CustomerChannel
	if req.Purpose == PurposeOperator {
		channel = d.cfg.OperatorChannel
	}

	var steps []step
	if channel != "" {
		steps = append(steps, step{channel, req.Target})
		secondary := req.SecondaryTarget
		if secondary == "" {
			secondary = d.cfg.SecondaryTargets[req.Target]
		}
		if secondary != "" && secondary != req.Target {
			steps = append(steps, step{channel, secondary})
		}
	}
	if req.Purpose == PurposeOperator && d.cfg.FallbackChannel != "" && d.cfg.FallbackAddress != "" {
		steps = append(steps, step{d.cfg.FallbackChannel, d.cfg.FallbackAddress})
	}
	return steps
}

// Send runs the fallback plan and stops at the first success. Attempts are
// recorded whatever the outcome; a recorder failure is only logged.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*Result, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("%w: empty target", ErrNoRoute)
	}
	steps := d.plan(req)
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no channel for purpose %q", ErrNoRoute, req.Purpose)
	}

	ctx, span := otel.Tracer("replyguard/dispatch").Start(ctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(attribute.String("purpose", string(req.Purpose)), attribute.Int("planned_steps", len(steps)))

	var (
		attempts []store.DeliveryAttempt
		errs     []error
	)
	for _, s := range steps {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := d.attempt(ctx, s, req.Text)
		a := store.DeliveryAttempt{
			Channel:     s.channel,
			Target:      s.target,
			Succeeded:   err == nil,
			AttemptedAt: d.cfg.Now().UTC(),
		}
		if err != nil {
			a.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s/%s: %w", s.channel, s.target, err))
			d.logger.Warn("delivery attempt failed",
				"channel", s.channel, "purpose", req.Purpose, "ref", req.RefID, "error", err)
		}
		attempts = append(attempts, a)
		if err == nil {
			d.record(ctx, req, attempts)
			span.SetAttributes(attribute.String("channel", s.channel), attribute.Int("attempts", len(attempts)))
			return &Result{Channel: s.channel, Target: s.target, Attempts: attempts}, nil
		}
	}

	d.record(ctx, req, attempts)
	derr := &DeliveryError{Attempts: attempts, Err: errors.Join(errs...)}
	span.SetStatus(codes.Error, "delivery exhausted")
	span.RecordError(derr)
	return nil, derr
}

func (d *Dispatcher) attempt(ctx context.Context, s step, text string) error {
	if lim := d.limiter(s.channel); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return d.sender.SendToChannel(ctx, s.channel, s.target, text)
}

func (d *Dispatcher) record(ctx context.Context, req Request, attempts []store.DeliveryAttempt) {
	if d.cfg.Recorder == nil || req.RefID == uuid.Nil || len(attempts) == 0 {
		return
	}
	// Recording must not be lost because the delivery context expired.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.cfg.Recorder.RecordAttempts(rctx, req.RefID, string(req.Purpose), attempts); err != nil {
		d.logger.Error("record delivery attempts", "ref", req.RefID, "error", err)
	}
}

func (d *Dispatcher) limiter(channel string) *rate.Limiter {
	rps := d.cfg.ChannelRPS[channel]
	if rps <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if lim, ok := d.limiters[channel]; ok {
		return lim
	}
	burst := d.cfg.ChannelBurst[channel]
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	d.limiters[channel] = lim
	return lim
}
