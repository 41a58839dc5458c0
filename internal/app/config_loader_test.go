package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "export:\n  root: /vault\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	def := domain.DefaultConfig()
	assert.Equal(t, "/vault", cfg.Export.Root)
	assert.Equal(t, def.Export.BatchSize, cfg.Export.BatchSize)
	assert.Equal(t, def.Export.RequestDelay, cfg.Export.RequestDelay)
	assert.Equal(t, def.Workers, cfg.Workers)
	assert.Equal(t, "none", cfg.Media.HWAccel)
	assert.True(t, cfg.Export.OnlyNew)
	assert.NotContains(t, cfg.Export.CacheFile, "$HOME")
}

func TestLoadConfig_FileValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
export:
  root: /vault
  targets: ["@gonews", "-100123"]
  batch_size: 25
  request_delay: 2s
workers:
  download_concurrency: 3
media:
  hw_accel: nvidia
  use_h265: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"@gonews", "-100123"}, cfg.Export.Targets)
	assert.Equal(t, 25, cfg.Export.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Export.RequestDelay)
	assert.Equal(t, 3, cfg.Workers.DownloadConcurrency)
	assert.Equal(t, "nvidia", cfg.Media.HWAccel)
	assert.True(t, cfg.Media.UseH265)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "export:\n  root: /vault\n  batch_size: 25\n")
	t.Setenv("TGVAULT_EXPORT_BATCH_SIZE", "7")
	t.Setenv("TGVAULT_WORKERS_IO_CONCURRENCY", "2")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Export.BatchSize)
	assert.Equal(t, 2, cfg.Workers.IOConcurrency)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "export:\n  root: /vault\n")
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("TGVAULT_TELEGRAM_SESSION=work\n"), 0644))
	t.Setenv("TGVAULT_TELEGRAM_SESSION", "")
	os.Unsetenv("TGVAULT_TELEGRAM_SESSION")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "work", cfg.Telegram.Session)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tests := []struct {
		name string
		body string
	}{
		{"batch size", "export:\n  root: /vault\n  batch_size: 0\n"},
		{"absolute media subdir", "export:\n  root: /vault\n  media_subdir: /abs\n"},
		{"image quality", "export:\n  root: /vault\nmedia:\n  image_quality: 101\n"},
		{"crf", "export:\n  root: /vault\nmedia:\n  video_crf: 60\n"},
		{"accelerator", "export:\n  root: /vault\nmedia:\n  hw_accel: voodoo\n"},
		{"download concurrency", "export:\n  root: /vault\nworkers:\n  download_concurrency: 0\n"},
		{"malformed yaml", "export: [root\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, domain.ErrFatalConfig)
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := domain.DefaultConfig()
	cfg.Export.Root = "/vault"
	cfg.Export.Targets = []string{"@gonews"}
	cfg.Export.MaxRateLimitWait = 90 * time.Second
	cfg.Media.VideoPreset = "slow"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Export.Targets, loaded.Export.Targets)
	assert.Equal(t, 90*time.Second, loaded.Export.MaxRateLimitWait)
	assert.Equal(t, "slow", loaded.Media.VideoPreset)
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	assert.Equal(t, filepath.Join(home, "vault"), expandPath("~/vault"))
	assert.Equal(t, filepath.Join(home, "x"), expandPath("$HOME/x"))
	assert.Equal(t, "/abs", expandPath("/abs"))
	assert.Equal(t, "", expandPath(""))
}
