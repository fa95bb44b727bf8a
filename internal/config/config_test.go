package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/legacy-reconcile/internal/common"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/home/tester/.local/share/reconcile/live.db", cfg.Database.Path)
	assert.Equal(t, 20, cfg.Report.Examples)
	assert.Equal(t, 10, cfg.Passwords.BcryptCost)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialDelay)
	assert.True(t, cfg.Checkpoint.Auto)
	assert.Equal(t, "info", cfg.Logging.Level)

	opts := cfg.Retry.RetryOptions()
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.InDelta(t, 2.0, opts.Multiplier, 0)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("RECONCILE_DATABASE_DRIVER", "postgres")
	t.Setenv("RECONCILE_DATABASE_DSN", "postgres://localhost/live")
	t.Setenv("RECONCILE_REPORT_EXAMPLES", "3")
	t.Setenv("RECONCILE_RETRY_INITIAL_DELAY", "250ms")

	v := viper.New()
	BindEnv(v)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/live", cfg.Database.DSN)
	assert.Equal(t, 3, cfg.Report.Examples)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		settings map[string]any
		name     string
		problem  string
	}{
		{
			name:     "unknown driver",
			settings: map[string]any{"database.driver": "mysql"},
			problem:  "database.driver must be one of [sqlite postgres]",
		},
		{
			name:     "postgres without dsn",
			settings: map[string]any{"database.driver": "postgres"},
			problem:  "database.dsn is required",
		},
		{
			name:     "no examples",
			settings: map[string]any{"report.examples": 0},
			problem:  "report.examples must be at least 1",
		},
		{
			name:     "bcrypt cost too low",
			settings: map[string]any{"passwords.bcrypt_cost": 2},
			problem:  "passwords.bcrypt_cost must be at least 4",
		},
		{
			name:     "bcrypt cost too high",
			settings: map[string]any{"passwords.bcrypt_cost": 40},
			problem:  "passwords.bcrypt_cost must be at most 31",
		},
		{
			name:     "log format",
			settings: map[string]any{"logging.format": "xml"},
			problem:  "logging.format must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			for k, val := range tt.settings {
				v.Set(k, val)
			}
			_, err := Load(v)
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("RECONCILE_TEST_FROM_ENV=base\nRECONCILE_TEST_SHARED=base\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"),
		[]byte("RECONCILE_TEST_SHARED=local\n"), 0600))
	t.Cleanup(func() {
		_ = os.Unsetenv("RECONCILE_TEST_FROM_ENV")
		_ = os.Unsetenv("RECONCILE_TEST_SHARED")
	})

	require.NoError(t, LoadEnvFiles())
	assert.Equal(t, "base", os.Getenv("RECONCILE_TEST_FROM_ENV"))
	assert.Equal(t, "local", os.Getenv("RECONCILE_TEST_SHARED"))
}

func TestLoadEnvFiles_NoFiles(t *testing.T) {
	t.Chdir(t.TempDir())
	assert.NoError(t, LoadEnvFiles())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("RECONCILE_TEST_DIR", "/data")

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, "live.db"), ExpandPath("~/live.db"))
	assert.Equal(t, "/data/live.db", ExpandPath("$RECONCILE_TEST_DIR/live.db"))
	assert.Equal(t, "/abs/live.db", ExpandPath("/abs/live.db"))
}
