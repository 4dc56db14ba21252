package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/auth"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/config"
)

const testSecret = "cmd-test-secret-that-is-32-chars-long"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "billing.json")
	cfg := `{
		"server": {"site_url": "https://mcplugin.example"},
		"auth": {"jwt_secret": "` + testSecret + `", "audience": "authenticated"},
		"storage": {"driver": "sqlite", "dsn": "` + filepath.Join(dir, "billing.db") + `"},
		"handoff": {"encryption_key": "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="},
		"billing": {"stripe_secret_key": "sk_test_1", "stripe_webhook_secret": "whsec_1"},
		"logging": {"level": "error"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mcplugin-billing 1.2.3\n", out)
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name, value, ok := strings.Cut(line, "=")
		require.True(t, ok, line)
		switch name {
		case "HANDOFF_ENCRYPTION_KEY":
			key, err := base64.StdEncoding.DecodeString(value)
			require.NoError(t, err)
			assert.Len(t, key, config.HandoffKeySize)
		case "AUTH_JWT_SECRET":
			assert.Len(t, value, 64)
		default:
			t.Errorf("unexpected line %q", line)
		}
	}
}

func TestTokenIssuesVerifiableToken(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "token", path, "--user", "user-7", "--email", "u7@example.com")
	require.NoError(t, err)

	p := auth.NewSharedSecretProvider(testSecret, "", "authenticated")
	id, err := p.ValidateToken(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "user-7", id.UserID)

	_, err = execute(t, "token", path)
	assert.Error(t, err, "--user is required")
}

func TestSweepOnce(t *testing.T) {
	out, err := execute(t, "-c", writeConfig(t), "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 locks, 0 handoff codes, 0 webhook events")
}

func TestRunMissingConfig(t *testing.T) {
	_, err := execute(t, "run", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestResolveConfigPathDefault(t *testing.T) {
	root := NewRootCmd("dev")
	assert.Equal(t, defaultConfigPath, resolveConfigPath(root, nil))
	assert.Equal(t, "x.json", resolveConfigPath(root, []string{"x.json"}))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "k=v")

	buf.Reset()
	newLogger(config.LoggingConfig{Level: "debug"}, &buf).Debug("json line")
	assert.Contains(t, buf.String(), `"msg":"json line"`)
	assert.True(t, newLogger(config.LoggingConfig{}, &buf).Enabled(context.Background(), slog.LevelInfo))
}
