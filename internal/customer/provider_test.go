package customer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/replyguard/internal/store"
	"github.com/nextlevelbuilder/replyguard/internal/store/sqlite"
)

func newProvider(t *testing.T) (*Provider, store.ContactStore) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "customer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	contacts := sqlite.NewContactStore(db)
	return NewProvider(contacts, nil, nil), contacts
}

func TestResolveUnknownNumber(t *testing.T) {
	p, _ := newProvider(t)
	cc, err := p.Resolve(context.Background(), "acme", "+15550001111")
	require.NoError(t, err)
	assert.False(t, cc.IsKnown)
	assert.False(t, cc.AutomationDisabled)
	assert.Equal(t, "+15550001111", cc.Label())
}

func TestResolveKnownContactBySuffix(t *testing.T) {
	p, contacts := newProvider(t)
	require.NoError(t, contacts.Upsert(context.Background(), &store.Contact{
		TenantID: "acme", PhoneNumber: "5550001111", DisplayName: "Dana",
	}))

	cc, err := p.Resolve(context.Background(), "acme", "+1 (555) 000-1111")
	require.NoError(t, err)
	assert.True(t, cc.IsKnown)
	assert.Equal(t, "Dana", cc.Label())

	other, err := p.Resolve(context.Background(), "other", "+15550001111")
	require.NoError(t, err)
	assert.False(t, other.IsKnown, "contacts are scoped to a tenant")
}

func TestAutomationToggle(t *testing.T) {
	p, _ := newProvider(t)
	ctx := context.Background()

	require.NoError(t, p.SetAutomationDisabled(ctx, "acme", "+15550001111"))
	require.NoError(t, p.SetAutomationDisabled(ctx, "acme", "+15550001111"))

	cc, err := p.Resolve(ctx, "acme", "+15550001111")
	require.NoError(t, err)
	assert.True(t, cc.AutomationDisabled)
	assert.False(t, cc.IsKnown, "opt-out placeholder is not a known customer")

	require.NoError(t, p.SetAutomationEnabled(ctx, "acme", "+15550001111"))
	cc, err = p.Resolve(ctx, "acme", "+15550001111")
	require.NoError(t, err)
	assert.False(t, cc.AutomationDisabled)
}

func TestIsControlPhrase(t *testing.T) {
	p, _ := newProvider(t)
	tests := []struct {
		body string
		want bool
	}{
		{"STOP AI", true},
		{"  stop   ai!! ", true},
		{"Stop-AI", true},
		{"talk to a human.", true},
		{"please stop ai now", false},
		{"", false},
		{"stop", false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, tt.want, p.IsControlPhrase(tt.body))
		})
	}

	p.SetControlPhrases([]string{"Pause Bot"})
	assert.True(t, p.IsControlPhrase("pause bot"))
	assert.False(t, p.IsControlPhrase("stop ai"))

	p.SetControlPhrases(nil)
	assert.True(t, p.IsControlPhrase("stop ai"))
}
