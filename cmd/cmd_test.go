package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongo-env-sync/internal/exitcodes"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MONGO_ENV_SYNC_BACKUP_DIR", t.TempDir())
	t.Setenv("MONGO_ENV_SYNC_ENV_PREFIX", "CMDTEST")

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})

	err := Execute(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "today", "abc123", "go1.25")

	out, _, err := execute(t, "version")
	require.NoError(t, err)

	assert.Contains(t, out, "mongo-env-sync version 1.2.3")
	assert.Contains(t, out, "Commit: abc123")
}

func TestConfigCommand(t *testing.T) {
	out, _, err := execute(t, "config")
	require.NoError(t, err)

	assert.Contains(t, out, "backup_dir")
	assert.Contains(t, out, "log_level")
}

func TestSyncCommand_NoEnvironments(t *testing.T) {
	_, stderr, err := execute(t, "sync", "--no-color", "--from", "dev", "--to", "staging", "--db", "orders")

	require.Error(t, err)
	assert.Equal(t, exitcodes.ConfigError, exitcodes.FromError(err))
	assert.Contains(t, stderr, "CMDTEST_<NAME>_URI")
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "72h", want: 72 * time.Hour},
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: "2w", want: 14 * 24 * time.Hour},
		{in: "90m", want: 90 * time.Minute},
		{in: "1mo", wantErr: true},
		{in: "xd", wantErr: true},
		{in: "-1h", wantErr: true},
		{in: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAge(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDate(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	got, err := parseDate("2026-01-02T03:04:05Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), got)

	got, err = parseDate("2026-01-02", now)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Day())

	got, err = parseDate("7d", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), got)

	got, err = parseDate("1mo", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC), got)

	// minutes, as for --older-than
	got, err = parseDate("30m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Minute), got)

	_, err = parseDate("yesterday", now)
	assert.Error(t, err)
}

func TestBackupCreateCommand_RequiresFlags(t *testing.T) {
	_, _, err := execute(t, "backup", "create", "--env", "dev")

	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "database" not set`)
}
