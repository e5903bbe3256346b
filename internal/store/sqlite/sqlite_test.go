package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestMessagesAppendAndListSince(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore(openTestDB(t))

	add := func(at time.Time, author store.AuthorType, dir store.Direction, body string) {
		_, err := s.Append(ctx, &store.Message{
			TenantID: "acme", PhoneNumber: "+15550001111",
			Direction: dir, AuthorType: author, Body: body, CreatedAt: at,
		})
		require.NoError(t, err)
	}
	add(t0, store.AuthorCustomer, store.DirectionInbound, "hi")
	add(t0.Add(10*time.Second), store.AuthorAdmin, store.DirectionOutbound, "hello")
	add(t0.Add(20*time.Second), store.AuthorAutomation, store.DirectionOutbound, "auto")

	msgs, err := s.ListSince(ctx, "acme", "555 000 1111", t0.Add(5*time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, "auto", msgs[1].Body)

	other, err := s.ListSince(ctx, "other-tenant", "+15550001111", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMessagesHasHumanReplySince(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore(openTestDB(t))

	_, err := s.Append(ctx, &store.Message{TenantID: "acme", PhoneNumber: "+15550001111",
		Direction: store.DirectionOutbound, AuthorType: store.AuthorAutomation, Body: "auto", CreatedAt: t0})
	require.NoError(t, err)

	found, err := s.HasHumanReplySince(ctx, "acme", "+15550001111", t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, found, "automation replies are not human replies")

	_, err = s.Append(ctx, &store.Message{TenantID: "acme", PhoneNumber: "15550001111",
		Direction: store.DirectionOutbound, AuthorType: store.AuthorAdmin, Body: "call me", CreatedAt: t0.Add(10 * time.Second)})
	require.NoError(t, err)

	found, err = s.HasHumanReplySince(ctx, "acme", "+1 555 000 1111", t0)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.HasHumanReplySince(ctx, "acme", "+15550001111", t0.Add(11*time.Second))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMessagesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewMessageStore(db)
	id, err := s.Append(ctx, &store.Message{TenantID: "acme", PhoneNumber: "+15550001111",
		Direction: store.DirectionInbound, AuthorType: store.AuthorCustomer, Body: "hi"})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE messages SET body = 'changed' WHERE id = ?`, id.String())
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id.String())
	assert.Error(t, err)
}

func TestMessagesProviderIDUniquePerTenant(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore(openTestDB(t))
	inbound := func(tenant, providerID string) *store.Message {
		return &store.Message{TenantID: tenant, PhoneNumber: "+15550001111", Direction: store.DirectionInbound,
			AuthorType: store.AuthorCustomer, Body: "hi", ProviderMessageID: providerID, CreatedAt: t0}
	}

	tests := []struct {
		name    string
		msg     *store.Message
		wantErr error
	}{
		{"first delivery", inbound("acme", "SM1"), nil},
		{"same id again", inbound("acme", "SM1"), store.ErrDuplicateMessage},
		{"same id other tenant", inbound("globex", "SM1"), nil},
		{"no provider id", inbound("acme", ""), nil},
		{"no provider id again", inbound("acme", ""), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := s.Append(ctx, tt.msg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, uuid.Nil, id)
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, id)
		})
	}

	msgs, err := s.ListSince(ctx, "acme", "+15550001111", time.Time{})
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func newPending(body string, at time.Time) *store.PendingResponse {
	return &store.PendingResponse{
		TenantID:          "acme",
		PhoneNumber:       "+15550001111",
		OriginalMessageID: uuid.New(),
		OriginalText:      body,
		CreatedAt:         at,
		ScheduledFor:      at.Add(time.Minute),
	}
}

func TestPendingScheduleMerges(t *testing.T) {
	ctx := context.Background()
	s := NewPendingStore(openTestDB(t))

	first := newPending("Hi", t0)
	merged, err := s.Schedule(ctx, first)
	require.NoError(t, err)
	assert.False(t, merged)

	second := newPending("Need a DJ", t0.Add(20*time.Second))
	merged, err = s.Schedule(ctx, second)
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Revision)
	assert.True(t, second.CreatedAt.Equal(t0), "created_at keeps the first message time")

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi\nNeed a DJ", got.OriginalText)
	assert.True(t, got.ScheduledFor.Equal(t0.Add(80*time.Second)))
	assert.Equal(t, second.OriginalMessageID, got.OriginalMessageID)

	// A different conversation gets its own row.
	other := newPending("Hello", t0)
	other.PhoneNumber = "+15550002222"
	merged, err = s.Schedule(ctx, other)
	require.NoError(t, err)
	assert.False(t, merged)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestPendingClaimAndTransition(t *testing.T) {
	ctx := context.Background()
	s := NewPendingStore(openTestDB(t))
	pr := newPending("Hi", t0)
	_, err := s.Schedule(ctx, pr)
	require.NoError(t, err)

	now := t0.Add(time.Minute)
	ok, err := s.Claim(ctx, pr.ID, "a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Claim(ctx, pr.ID, "b", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live claim blocks a second resolver")

	ok, err = s.Transition(ctx, pr.ID, "b", store.StatusProcessed, store.TransitionUpdate{At: now})
	require.NoError(t, err)
	assert.False(t, ok, "only the claim holder may resolve")

	ok, err = s.Transition(ctx, pr.ID, "a", store.StatusProcessed, store.TransitionUpdate{GeneratedText: "reply", At: now})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Transition(ctx, pr.ID, "a", store.StatusFailed, store.TransitionUpdate{At: now})
	require.NoError(t, err)
	assert.False(t, ok, "terminal rows never move again")

	got, err := s.Get(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessed, got.Status)
	require.NotNil(t, got.GeneratedText)
	assert.Equal(t, "reply", *got.GeneratedText)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.ClaimToken)

	// A new message after resolution opens a fresh row.
	next := newPending("Again", t0.Add(2*time.Minute))
	merged, err := s.Schedule(ctx, next)
	require.NoError(t, err)
	assert.False(t, merged)
	assert.NotEqual(t, pr.ID, next.ID)
}

func TestPendingTransitionRejectsNonTerminal(t *testing.T) {
	s := NewPendingStore(openTestDB(t))
	_, err := s.Transition(context.Background(), uuid.New(), "a", store.StatusPending, store.TransitionUpdate{})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestPendingTerminalRowIsImmutable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewPendingStore(db)
	pr := newPending("Hi", t0)
	_, err := s.Schedule(ctx, pr)
	require.NoError(t, err)
	ok, err := s.Claim(ctx, pr.ID, "a", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Transition(ctx, pr.ID, "a", store.StatusCancelled, store.TransitionUpdate{FailureReason: "human responded", At: t0})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = db.ExecContext(ctx, `UPDATE pending_responses SET status = 'pending' WHERE id = ?`, pr.ID.String())
	assert.Error(t, err)
}

func TestPendingClaimExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewPendingStore(openTestDB(t))
	pr := newPending("Hi", t0)
	_, err := s.Schedule(ctx, pr)
	require.NoError(t, err)

	ok, err := s.Claim(ctx, pr.ID, "crashed", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Claim(ctx, pr.ID, "next", t0.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim can be taken over")

	require.NoError(t, s.Release(ctx, pr.ID, "crashed"))
	got, err := s.Get(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, "next", got.ClaimToken, "stale holder cannot release")

	require.NoError(t, s.Release(ctx, pr.ID, "next"))
	got, err = s.Get(ctx, pr.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ClaimToken)
	assert.Equal(t, 2, got.Attempts)
}

func TestPendingListDue(t *testing.T) {
	ctx := context.Background()
	s := NewPendingStore(openTestDB(t))

	a := newPending("a", t0)
	a.PhoneNumber = "+15550000001"
	b := newPending("b", t0.Add(30*time.Second))
	b.PhoneNumber = "+15550000002"
	c := newPending("c", t0.Add(5*time.Minute))
	c.PhoneNumber = "+15550000003"
	for _, pr := range []*store.PendingResponse{a, b, c} {
		_, err := s.Schedule(ctx, pr)
		require.NoError(t, err)
	}

	now := t0.Add(2 * time.Minute)
	due, err := s.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, a.ID, due[0].ID)
	assert.Equal(t, b.ID, due[1].ID)

	ok, err := s.Claim(ctx, a.ID, "x", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	due, err = s.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, b.ID, due[0].ID)

	due, err = s.ListDue(ctx, now.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestPendingGetNotFound(t *testing.T) {
	s := NewPendingStore(openTestDB(t))
	_, err := s.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPendingConcurrentClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewPendingStore(openTestDB(t))
	pr := newPending("Hi", t0)
	_, err := s.Schedule(ctx, pr)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Claim(ctx, pr.ID, uuid.NewString(), t0.Add(time.Minute), time.Minute)
			if assert.NoError(t, err) && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestContactsFindAndOptOut(t *testing.T) {
	ctx := context.Background()
	s := NewContactStore(openTestDB(t))

	_, err := s.FindByPhone(ctx, "acme", "+15550001111")
	assert.ErrorIs(t, err, store.ErrNotFound)

	changed, err := s.SetAutomationDisabled(ctx, "acme", "+15550001111", false)
	require.NoError(t, err)
	assert.False(t, changed, "enabling an unknown number is a no-op")

	changed, err = s.SetAutomationDisabled(ctx, "acme", "+15550001111", true)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.SetAutomationDisabled(ctx, "acme", "(555) 000-1111", true)
	require.NoError(t, err)
	assert.False(t, changed, "idempotent")

	c, err := s.FindByPhone(ctx, "acme", "5550001111")
	require.NoError(t, err)
	assert.True(t, c.AutomationDisabled)
	assert.Empty(t, c.DisplayName)
}

func TestContactsPrefersMostRecentLiveContact(t *testing.T) {
	ctx := context.Background()
	s := NewContactStore(openTestDB(t))
	deleted := t0.Add(time.Hour)

	require.NoError(t, s.Upsert(ctx, &store.Contact{TenantID: "acme", PhoneNumber: "+15550001111",
		DisplayName: "Old", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.Upsert(ctx, &store.Contact{TenantID: "acme", PhoneNumber: "5550001111",
		DisplayName: "Newer", Profile: map[string]string{"secondary_phone": "+15550009999"},
		CreatedAt: t0, UpdatedAt: t0.Add(time.Minute)}))
	require.NoError(t, s.Upsert(ctx, &store.Contact{TenantID: "acme", PhoneNumber: "+15550001111",
		DisplayName: "Deleted", CreatedAt: t0, UpdatedAt: t0.Add(time.Hour), DeletedAt: &deleted}))

	c, err := s.FindByPhone(ctx, "acme", "+1-555-000-1111")
	require.NoError(t, err)
	assert.Equal(t, "Newer", c.DisplayName)
	assert.Equal(t, "+15550009999", c.Profile["secondary_phone"])

	require.NoError(t, s.TouchLastContact(ctx, "acme", "+15550001111", t0.Add(2*time.Hour)))
	require.NoError(t, s.TouchLastContact(ctx, "acme", "+15550001111", t0.Add(time.Hour)))
	c, err = s.FindByPhone(ctx, "acme", "+15550001111")
	require.NoError(t, err)
	require.NotNil(t, c.LastContactAt)
	assert.True(t, c.LastContactAt.Equal(t0.Add(2*time.Hour)), "last contact never moves backwards")
}

func TestDeliveryAttemptsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewDeliveryLogStore(openTestDB(t))
	ref := uuid.New()

	require.NoError(t, s.RecordAttempts(ctx, ref, "customer", []store.DeliveryAttempt{
		{Channel: "sms", Target: "+15550001111", Error: "carrier rejected", AttemptedAt: t0},
		{Channel: "sms", Target: "+15550002222", Succeeded: true, AttemptedAt: t0.Add(time.Second)},
	}))
	require.NoError(t, s.RecordAttempts(ctx, ref, "customer", nil))

	got, err := s.ListAttempts(ctx, ref)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].Succeeded)
	assert.Equal(t, "carrier rejected", got[0].Error)
	assert.True(t, got[1].Succeeded)
	assert.True(t, got[1].AttemptedAt.Equal(t0.Add(time.Second)))
}

func TestNewSQLiteStores(t *testing.T) {
	stores, err := NewSQLiteStores(store.StoreConfig{Mode: "standalone", SQLitePath: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	assert.NotNil(t, stores.Messages)
	assert.NotNil(t, stores.Pending)
	assert.NoError(t, stores.Close())
}
