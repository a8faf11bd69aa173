package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFromFile(t *testing.T) {
	for _, k := range []string{
		"FALLWATCH_SMTP_HOST", "FALLWATCH_SMTP_PORT", "FALLWATCH_SMTP_FROM",
		"FALLWATCH_ALERT_RECIPIENTS", "FALLWATCH_REDIS_CHANNEL",
	} {
		t.Setenv(k, "")
	}
	// t.Setenv restores the originals; clear so godotenv may populate them.
	for _, k := range []string{"FALLWATCH_SMTP_HOST", "FALLWATCH_SMTP_PORT", "FALLWATCH_SMTP_FROM", "FALLWATCH_ALERT_RECIPIENTS"} {
		os.Unsetenv(k)
	}

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"FALLWATCH_SMTP_HOST=mail.test\n"+
			"FALLWATCH_SMTP_PORT=2525\n"+
			"FALLWATCH_SMTP_FROM=watch@test\n"+
			"FALLWATCH_ALERT_RECIPIENTS= a@test , b@test,\n"), 0o600))

	env, err := LoadEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "mail.test", env.SMTPHost)
	assert.Equal(t, 2525, env.SMTPPort)
	assert.Equal(t, []string{"a@test", "b@test"}, env.Recipients)
	assert.Equal(t, "fallwatch:alerts", env.RedisChannel)
	assert.True(t, env.EmailEnabled())
}

func TestLoadEnvMissingFile(t *testing.T) {
	t.Setenv("FALLWATCH_SMTP_HOST", "")
	env, err := LoadEnv(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.False(t, env.EmailEnabled())
	assert.Equal(t, 587, env.SMTPPort)
}
