package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/entity"
	"github.com/loomhq/loom/internal/llm"
)

func loadClean(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	for _, b := range envBindings {
		t.Setenv(b.keyVar, "")
		os.Unsetenv(b.keyVar)
		t.Setenv(b.baseVar, "")
		os.Unsetenv(b.baseVar)
	}
	os.Unsetenv("LOOM_MODEL")
	os.Unsetenv("LLM_MODEL_ID")
	for k, v := range env {
		t.Setenv(k, v)
	}
	// An isolated cwd keeps a developer's loom.yaml out of the test.
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(cwd) })

	return Load("")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadClean(t, nil)
	require.NoError(t, err)

	assert.Equal(t, "glm-4.7", cfg.Model)
	assert.Equal(t, 8192, cfg.MaxTokens)
	assert.Equal(t, 10, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 40, cfg.Compaction.MaxMessages)
	assert.InDelta(t, 0.9, cfg.Compaction.ContextRatio, 1e-9)
	assert.Equal(t, 4, cfg.MaxToolPar)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NotEmpty(t, cfg.WorkDir)
}

func TestLoad_ModelFromEnv(t *testing.T) {
	cfg, err := loadClean(t, map[string]string{"LLM_MODEL_ID": "deepseek-chat"})
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", cfg.Model)
}

func TestLoad_ProviderCredentials(t *testing.T) {
	cfg, err := loadClean(t, map[string]string{
		"GLM_API_KEY":  "glm-secret",
		"GLM_API_BASE": "https://glm.example/v4",
		"LLM_API_KEY":  "generic-secret",
		"LLM_BASE_URL": "https://proxy.example/v1",
	})
	require.NoError(t, err)

	assert.Equal(t, llm.Credentials{BaseURL: "https://glm.example/v4", APIKey: "glm-secret"}, cfg.Providers["glm"])
	assert.Equal(t, "generic-secret", cfg.Providers[llm.VendorGeneric].APIKey)
	_, hasKimi := cfg.Providers["kimi"]
	assert.False(t, hasKimi)
}

func TestLoad_RejectsMultilineKey(t *testing.T) {
	_, err := loadClean(t, map[string]string{"KIMI_API_KEY": "sk-\nabc"})
	require.Error(t, err)
	assert.Equal(t, entity.CodeBadRequest, entity.CodeOf(err))
}

func TestLoad_ConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"model: kimi-k2\nretry:\n  max_retries: 3\ncompaction:\n  max_messages: 12\n",
	), 0o644))

	for _, b := range envBindings {
		os.Unsetenv(b.keyVar)
		os.Unsetenv(b.baseVar)
	}
	os.Unsetenv("LLM_MODEL_ID")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "kimi-k2", cfg.Model)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 12, cfg.Compaction.MaxMessages)
	// Untouched keys keep defaults.
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
}
