// Package arbiter decides whether an automated reply goes out. Every pending
// response is resolved at most once, by whichever resolver wins a
// conditional update on the durable row; human replies always win.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/replyguard/internal/customer"
	"github.com/nextlevelbuilder/replyguard/internal/dispatch"
	"github.com/nextlevelbuilder/replyguard/internal/generator"
	"github.com/nextlevelbuilder/replyguard/internal/notify"
	"github.com/nextlevelbuilder/replyguard/internal/store"
	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

// leaseMargin is kept free at the end of a claim so a slow send cannot
// finish after the lease has been handed to another resolver.
const leaseMargin = 2 * time.Second

// SecondaryPhoneField is the contact profile field holding a customer's
// alternate number, tried when the primary number fails.
const SecondaryPhoneField = "secondary_phone"

// Outcome of a resolve call.
type Outcome string

const (
	OutcomeProcessed       Outcome = protocol.OutcomeProcessed
	OutcomeCancelled       Outcome = protocol.OutcomeCancelled
	OutcomeFailed          Outcome = protocol.OutcomeFailed
	OutcomeAlreadyResolved Outcome = protocol.OutcomeAlreadyResolved
	OutcomeNotDue          Outcome = protocol.OutcomeNotDue
	OutcomeRaceLost        Outcome = protocol.OutcomeRaceLost
	OutcomeSuperseded      Outcome = protocol.OutcomeSuperseded
)

// Result reports what a resolve call did.
type Result struct {
	ID           uuid.UUID           `json:"id"`
	Outcome      Outcome             `json:"outcome"`
	Status       store.PendingStatus `json:"status"`
	Reason       string              `json:"reason,omitempty"`
	ScheduledFor time.Time           `json:"scheduled_for"`
}

// CustomerResolver is the part of customer.Provider the engine uses.
type CustomerResolver interface {
	Resolve(ctx context.Context, tenantID, phone string) (*customer.Context, error)
}

// Deliverer sends the reply. dispatch.Dispatcher implements it.
type Deliverer interface {
	Send(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Notifier receives terminal outcomes. notify.Fanout implements it.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// Armer schedules a resolve for id at a given time. The Scheduler
// implements it; without one, only the sweeper or manual triggers resolve.
type Armer interface {
	Arm(id uuid.UUID, at time.Time)
}

// Config wires an Engine.
type Config struct {
	Messages  store.MessageStore
	Pending   store.PendingStore
	Customers CustomerResolver
	Generator generator.Generator
	Deliverer Deliverer
	Notifier  Notifier // optional

	Deferment         time.Duration
	HumanWindow       time.Duration // defaults to Deferment; never shorter
	GenerationTimeout time.Duration
	DeliveryTimeout   time.Duration
	ClaimTTL          time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Engine implements scheduling and resolution of pending responses.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	flight singleflight.Group
	armer  Armer
}

func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HumanWindow < cfg.Deferment {
		cfg.HumanWindow = cfg.Deferment
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 30 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 20 * time.Second
	}
	if floor := cfg.GenerationTimeout + cfg.DeliveryTimeout + 2*leaseMargin; cfg.ClaimTTL < floor {
		cfg.ClaimTTL = floor
	}
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("replyguard/arbiter"),
	}
}

// SetArmer installs the timer source. Call before the first Schedule.
func (e *Engine) SetArmer(a Armer) { e.armer = a }

func (e *Engine) now() time.Time { return e.cfg.Now().UTC() }

// Schedule registers an automated reply for msg. It is a no-op returning
// uuid.Nil when automation is disabled for the customer. A follow-up message
// in a conversation that already has a pending reply is merged into it.
func (e *Engine) Schedule(ctx context.Context, msg *store.Message, cc *customer.Context) (uuid.UUID, bool, error) {
	if cc != nil && cc.AutomationDisabled {
		return uuid.Nil, false, nil
	}

	now := e.now()
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	pr := &store.PendingResponse{
		TenantID:          msg.TenantID,
		PhoneNumber:       msg.PhoneNumber,
		OriginalMessageID: msg.ID,
		OriginalText:      msg.Body,
		CreatedAt:         createdAt,
		ScheduledFor:      now.Add(e.cfg.Deferment),
	}
	merged, err := e.cfg.Pending.Schedule(ctx, pr)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("schedule reply for %s: %w", msg.PhoneNumber, err)
	}

	e.logger.Debug("automated reply scheduled",
		"tenant", pr.TenantID, "phone", pr.PhoneNumber, "pending_id", pr.ID,
		"merged", merged, "revision", pr.Revision, "scheduled_for", pr.ScheduledFor)

	if e.armer != nil {
		e.armer.Arm(pr.ID, pr.ScheduledFor)
	}
	return pr.ID, merged, nil
}

// Resolve runs the arbitration for id if it is due.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID) (*Result, error) {
	return e.resolve(ctx, id, false)
}

// ForceResolve runs the arbitration ignoring scheduled_for (manual trigger).
// Every other guard still applies.
func (e *Engine) ForceResolve(ctx context.Context, id uuid.UUID) (*Result, error) {
	return e.resolve(ctx, id, true)
}

func (e *Engine) resolve(ctx context.Context, id uuid.UUID, force bool) (*Result, error) {
	// A claimed row must reach a terminal state or be released even when the
	// caller goes away. Generation and delivery keep their own timeouts.
	ctx = context.WithoutCancel(ctx)
	key := id.String()
	if force {
		key += "/force"
	}
	v, err, shared := e.flight.Do(key, func() (any, error) {
		return e.resolveTraced(ctx, id, force)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	if shared {
		e.logger.Debug("resolve collapsed with in-flight call", "pending_id", id, "outcome", res.Outcome)
	}
	return &res, nil
}

func (e *Engine) resolveTraced(ctx context.Context, id uuid.UUID, force bool) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "arbiter.resolve",
		trace.WithAttributes(attribute.String("pending_id", id.String()), attribute.Bool("force", force)))
	defer span.End()

	res, err := e.resolveOnce(ctx, id, force)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		e.logger.Error("resolve failed, left pending for retry", "pending_id", id, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)), attribute.String("status", string(res.Status)))
	if res.Reason != "" {
		span.SetAttributes(attribute.String("reason", res.Reason))
	}
	e.logger.Info("resolve finished", "pending_id", id, "outcome", res.Outcome, "status", res.Status, "reason", res.Reason)
	return res, nil
}

// claim is the resolver's view of a row it holds the lease on.
type claim struct {
	pr       *store.PendingResponse
	token    string
	deadline time.Time
	cc       *customer.Context
}

func (e *Engine) resolveOnce(ctx context.Context, id uuid.UUID, force bool) (*Result, error) {
	now := e.now()
	pr, err := e.cfg.Pending.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load pending response %s: %w", id, err)
	}
	if pr.Status != store.StatusPending {
		return e.result(pr, OutcomeAlreadyResolved, pr.FailureReason), nil
	}
	if !force && now.Before(pr.ScheduledFor) {
		return e.result(pr, OutcomeNotDue, ""), nil
	}

	token := uuid.NewString()
	ok, err := e.cfg.Pending.Claim(ctx, id, token, now, e.cfg.ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim pending response %s: %w", id, err)
	}
	if !ok {
		return e.result(pr, OutcomeRaceLost, ""), nil
	}
	c := &claim{pr: pr, token: token, deadline: now.Add(e.cfg.ClaimTTL - leaseMargin)}

	// Re-read on every cycle: an opt-out may have landed after scheduling.
	c.cc, err = e.cfg.Customers.Resolve(ctx, pr.TenantID, pr.PhoneNumber)
	if err != nil {
		e.release(ctx, c)
		return nil, err
	}
	if c.cc.AutomationDisabled {
		return e.finish(ctx, c, store.StatusCancelled, protocol.ReasonAutomationDisabled, "")
	}

	human, err := e.humanReplied(ctx, pr, now)
	if err != nil {
		e.release(ctx, c)
		return nil, err
	}
	if human {
		return e.finish(ctx, c, store.StatusCancelled, protocol.ReasonHumanResponded, "")
	}

	text, gerr := e.generate(ctx, c)
	if gerr != nil {
		return e.finish(ctx, c, store.StatusFailed, reason(gerr), "")
	}

	// The row may have changed while the generator was running.
	cur, err := e.cfg.Pending.Get(ctx, id)
	if err != nil {
		e.release(ctx, c)
		return nil, fmt.Errorf("reload pending response %s: %w", id, err)
	}
	switch {
	case cur.Status != store.StatusPending:
		return e.result(cur, OutcomeAlreadyResolved, cur.FailureReason), nil
	case cur.ClaimToken != token:
		e.logger.Warn("claim lost during generation", "pending_id", id)
		return e.result(cur, OutcomeRaceLost, ""), nil
	case cur.Revision != pr.Revision:
		// A follow-up message was merged in; the reply would be stale.
		e.release(ctx, c)
		if e.armer != nil {
			e.armer.Arm(cur.ID, cur.ScheduledFor)
		}
		return e.result(cur, OutcomeSuperseded, ""), nil
	}

	human, err = e.humanReplied(ctx, pr, e.now())
	if err != nil {
		e.release(ctx, c)
		return nil, err
	}
	if human {
		return e.finish(ctx, c, store.StatusCancelled, protocol.ReasonHumanResponded, "")
	}

	if derr := e.deliver(ctx, c, text); derr != nil {
		return e.finish(ctx, c, store.StatusFailed, reason(derr), text)
	}

	e.persistReply(ctx, c, text)
	return e.finish(ctx, c, store.StatusProcessed, "", text)
}

// humanReplied reports whether an operator answered the conversation since
// min(created_at, at - human_window).
func (e *Engine) humanReplied(ctx context.Context, pr *store.PendingResponse, at time.Time) (bool, error) {
	since := at.Add(-e.cfg.HumanWindow)
	if pr.CreatedAt.Before(since) {
		since = pr.CreatedAt
	}
	found, err := e.cfg.Messages.HasHumanReplySince(ctx, pr.TenantID, pr.PhoneNumber, since)
	if err != nil {
		return false, fmt.Errorf("check human reply for %s: %w", pr.PhoneNumber, err)
	}
	return found, nil
}

func (e *Engine) generate(ctx context.Context, c *claim) (string, error) {
	gctx, cancel := e.boundedContext(ctx, c, e.cfg.GenerationTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(gctx, "arbiter.generate")
	defer span.End()

	req := generator.Request{
		TenantID:    c.pr.TenantID,
		PhoneNumber: c.pr.PhoneNumber,
		Text:        c.pr.OriginalText,
	}
	if c.cc.IsKnown {
		req.CustomerName = c.cc.DisplayName
	}
	text, err := e.cfg.Generator.Generate(ctx, req)
	if err == nil && strings.TrimSpace(text) == "" {
		err = generator.ErrEmptyReply
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", &GenerationError{Err: err}
	}
	return strings.TrimSpace(text), nil
}

func (e *Engine) deliver(ctx context.Context, c *claim, text string) error {
	dctx, cancel := e.boundedContext(ctx, c, e.cfg.DeliveryTimeout)
	defer cancel()

	_, err := e.cfg.Deliverer.Send(dctx, dispatch.Request{
		RefID:           c.pr.ID,
		Text:            text,
		Target:          c.pr.PhoneNumber,
		SecondaryTarget: c.cc.Profile[SecondaryPhoneField],
		Purpose:         dispatch.PurposeCustomer,
	})
	return err
}

// boundedContext applies timeout but never runs past the claim deadline.
func (e *Engine) boundedContext(ctx context.Context, c *claim, timeout time.Duration) (context.Context, context.CancelFunc) {
	if left := c.deadline.Sub(e.now()); left < timeout {
		timeout = left
	}
	return context.WithTimeout(ctx, timeout)
}

// persistReply appends the delivered reply to the log. The customer already
// has the text, so this retries briefly and then logs instead of failing the
// resolve.
func (e *Engine) persistReply(ctx context.Context, c *claim, text string) {
	msg := &store.Message{
		TenantID:    c.pr.TenantID,
		PhoneNumber: c.pr.PhoneNumber,
		Direction:   store.DirectionOutbound,
		AuthorType:  store.AuthorAutomation,
		Body:        text,
		CreatedAt:   e.now(),
	}
	err := retryStore(ctx, func(ctx context.Context) error {
		_, err := e.cfg.Messages.Append(ctx, msg)
		return err
	})
	if err != nil {
		e.logger.Error("delivered reply not persisted", "pending_id", c.pr.ID, "error", err)
	}
}

// finish moves the claimed row to a terminal status and notifies operators.
func (e *Engine) finish(ctx context.Context, c *claim, to store.PendingStatus, why, generated string) (*Result, error) {
	upd := store.TransitionUpdate{GeneratedText: generated, FailureReason: why, At: e.now()}

	var ok bool
	transition := func(ctx context.Context) error {
		var err error
		ok, err = e.cfg.Pending.Transition(ctx, c.pr.ID, c.token, to, upd)
		return err
	}
	var err error
	if to == store.StatusProcessed {
		// The reply is out; leaving the row pending would resend it.
		err = retryStore(ctx, transition)
	} else {
		err = transition(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("transition %s to %s: %w", c.pr.ID, to, err)
	}
	if !ok {
		e.logger.Warn("terminal transition lost", "pending_id", c.pr.ID, "to", to)
		return e.result(c.pr, OutcomeRaceLost, ""), nil
	}

	pr := *c.pr
	pr.Status = to
	pr.FailureReason = why
	if generated != "" {
		pr.GeneratedText = &generated
	}

	e.notify(ctx, c, to, why, generated)
	if to != store.StatusCancelled {
		e.requeueMerged(ctx, c)
	}

	var outcome Outcome
	switch to {
	case store.StatusProcessed:
		outcome = OutcomeProcessed
	case store.StatusCancelled:
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
	}
	return e.result(&pr, outcome, why), nil
}

// requeueMerged schedules customer text that was merged into the row after
// the claim was taken. The terminal transition closed the row without that
// text having been answered, so it gets a pending reply of its own.
func (e *Engine) requeueMerged(ctx context.Context, c *claim) {
	cur, err := e.cfg.Pending.Get(ctx, c.pr.ID)
	if err != nil {
		e.logger.Error("reload after transition failed, merged follow-up not requeued", "pending_id", c.pr.ID, "error", err)
		return
	}
	if cur.Revision == c.pr.Revision {
		return
	}

	tail := strings.TrimPrefix(cur.OriginalText, c.pr.OriginalText+"\n")
	now := e.now()
	next := &store.PendingResponse{
		TenantID:          cur.TenantID,
		PhoneNumber:       cur.PhoneNumber,
		OriginalMessageID: cur.OriginalMessageID,
		OriginalText:      tail,
		CreatedAt:         now,
		ScheduledFor:      cur.ScheduledFor,
	}
	if next.ScheduledFor.Before(now) {
		next.ScheduledFor = now
	}
	var merged bool
	err = retryStore(ctx, func(ctx context.Context) error {
		var err error
		merged, err = e.cfg.Pending.Schedule(ctx, next)
		return err
	})
	if err != nil {
		e.logger.Error("merged follow-up not requeued", "pending_id", c.pr.ID, "error", err)
		return
	}

	e.logger.Info("follow-up merged during resolve requeued",
		"pending_id", c.pr.ID, "requeued_id", next.ID, "merged", merged, "scheduled_for", next.ScheduledFor)
	if e.armer != nil {
		e.armer.Arm(next.ID, next.ScheduledFor)
	}
}

func (e *Engine) notify(ctx context.Context, c *claim, to store.PendingStatus, why, generated string) {
	if e.cfg.Notifier == nil {
		return
	}
	ev := notify.Event{
		TenantID:    c.pr.TenantID,
		PhoneNumber: c.pr.PhoneNumber,
		DisplayName: c.cc.DisplayName,
		IsKnown:     c.cc.IsKnown,
		Text:        c.pr.OriginalText,
		Reason:      why,
		PendingID:   c.pr.ID,
		At:          e.now(),
	}
	switch to {
	case store.StatusProcessed:
		ev.Name = protocol.EventAutomationSent
		ev.Text = generated
	case store.StatusCancelled:
		ev.Name = protocol.EventAutomationCancelled
	default:
		ev.Name = protocol.EventAutomationFailed
	}
	e.cfg.Notifier.Notify(ctx, ev)
}

func (e *Engine) release(ctx context.Context, c *claim) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.cfg.Pending.Release(rctx, c.pr.ID, c.token); err != nil {
		e.logger.Warn("release claim failed, lease will expire", "pending_id", c.pr.ID, "error", err)
	}
}

func (e *Engine) result(pr *store.PendingResponse, o Outcome, why string) *Result {
	return &Result{ID: pr.ID, Outcome: o, Status: pr.Status, Reason: why, ScheduledFor: pr.ScheduledFor}
}

// retryStore runs fn up to three times with a short backoff, detached from
// ctx cancellation.
func retryStore(ctx context.Context, fn func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	backoff := 200 * time.Millisecond
	var errs []error
	for attempt := 0; attempt < 3; attempt++ {
		actx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if attempt < 2 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return errors.Join(errs...)
}
