package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/replyguard/internal/store/sqlite"
)

func TestMaskKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "(not configured)"},
		{"short", "*****"},
		{"sk-abcdefghijklmnop", "sk-a***********mnop"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskKey(tt.in))
	}
}

func TestResolveConfigPath(t *testing.T) {
	old := cfgFile
	defer func() { cfgFile = old }()

	cfgFile = ""
	t.Setenv("REPLYGUARD_CONFIG", "/etc/replyguard.json")
	assert.Equal(t, "/etc/replyguard.json", resolveConfigPath())

	cfgFile = "local.json"
	assert.Equal(t, "local.json", resolveConfigPath())
}

func TestSetAutomation(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	defer db.Close()
	contacts := sqlite.NewContactStore(db)
	ctx := context.Background()

	require.NoError(t, setAutomation(ctx, contacts, "acme", "+1 555 000 1111", true))
	c, err := contacts.FindByPhone(ctx, "acme", "5550001111")
	require.NoError(t, err)
	assert.True(t, c.AutomationDisabled)

	// Repeating is a no-op.
	require.NoError(t, setAutomation(ctx, contacts, "acme", "+15550001111", true))

	require.NoError(t, setAutomation(ctx, contacts, "acme", "+15550001111", false))
	c, err = contacts.FindByPhone(ctx, "acme", "+15550001111")
	require.NoError(t, err)
	assert.False(t, c.AutomationDisabled)
}
