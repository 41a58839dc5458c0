package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. TGVAULT_EXPORT_ROOT
const EnvPrefix = "TGVAULT"

// DefaultConfigDir is where config.yaml, .env and the cache live by default
const DefaultConfigDir = "$HOME/.config/tg-vault-export"

// configValues flattens a config into viper keys. Durations are written as
// strings so saved files stay readable.
func configValues(c *domain.Config) map[string]any {
	return map[string]any{
		"telegram.session":            c.Telegram.Session,
		"telegram.storage_type":       c.Telegram.StorageType,
		"telegram.storage_path":       c.Telegram.StoragePath,
		"telegram.tdl_binary":         c.Telegram.TDLBinary,
		"telegram.proxy":              c.Telegram.Proxy,
		"telegram.dialog_fetch_limit": c.Telegram.DialogFetchLimit,
		"telegram.extra_params":       c.Telegram.ExtraParams,

		"export.root":                 c.Export.Root,
		"export.media_subdir":         c.Export.MediaSubdir,
		"export.entity_folders":       c.Export.EntityFolders,
		"export.targets":              c.Export.Targets,
		"export.interactive":          c.Export.Interactive,
		"export.only_new":             c.Export.OnlyNew,
		"export.media_download":       c.Export.MediaDownload,
		"export.optimize":             c.Export.Optimize,
		"export.cache_file":           c.Export.CacheFile,
		"export.cache_flush_interval": c.Export.CacheFlushInterval,
		"export.batch_size":           c.Export.BatchSize,
		"export.request_delay":        c.Export.RequestDelay.String(),
		"export.rate_limit_retries":   c.Export.RateLimitRetries,
		"export.max_rate_limit_wait":  c.Export.MaxRateLimitWait.String(),
		"export.target_concurrency":   c.Export.TargetConcurrency,
		"export.drain_timeout":        c.Export.DrainTimeout.String(),
		"export.target_cache_max_age": c.Export.TargetCacheMaxAge.String(),

		"workers.io_concurrency":       c.Workers.IOConcurrency,
		"workers.process_concurrency":  c.Workers.ProcessConcurrency,
		"workers.download_concurrency": c.Workers.DownloadConcurrency,
		"workers.cpu_queue_size":       c.Workers.CPUQueueSize,

		"media.image_quality":       c.Media.ImageQuality,
		"media.max_image_dimension": c.Media.MaxImageDimension,
		"media.video_crf":           c.Media.VideoCRF,
		"media.video_preset":        c.Media.VideoPreset,
		"media.hw_accel":            c.Media.HWAccel,
		"media.use_h265":            c.Media.UseH265,
		"media.ffmpeg_binary":       c.Media.FFmpegBinary,

		"database.path": c.Database.Path,

		"notification.enabled": c.Notification.Enabled,
		"notification.sound":   c.Notification.Sound,
		"notification.method":  c.Notification.Method,

		"logging.level":       c.Logging.Level,
		"logging.format":      c.Logging.Format,
		"logging.output_path": c.Logging.OutputPath,
		"logging.logs_dir":    c.Logging.LogsDir,
	}
}

// LoadConfig loads configuration from defaults, the config file and the
// environment, in increasing precedence. A .env file next to the config (or
// in the working directory) is loaded into the environment first.
func LoadConfig(configPath string) (*domain.Config, error) {
	loadDotEnv(configPath)

	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range configValues(domain.DefaultConfig()) {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath(expandPath(DefaultConfigDir))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: failed to read config file: %v", domain.ErrFatalConfig, err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", domain.ErrFatalConfig, err)
	}

	config = expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// loadDotEnv loads the first .env it finds. Variables already set win.
func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	candidates = append(candidates, filepath.Join(expandPath(DefaultConfigDir), ".env"))

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			godotenv.Load(path)
			return
		}
	}
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) *domain.Config {
	config.Export.Root = expandPath(config.Export.Root)
	config.Export.CacheFile = expandPath(config.Export.CacheFile)
	config.Telegram.StoragePath = expandPath(config.Telegram.StoragePath)
	config.Database.Path = expandPath(config.Database.Path)
	config.Logging.LogsDir = expandPath(config.Logging.LogsDir)

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}
	return config
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	// $HOME is resolved through UserHomeDir so it also works where HOME is unset
	if strings.Contains(path, "$HOME") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.ReplaceAll(path, "$HOME", home)
		}
	}
	return os.ExpandEnv(path)
}

// validateConfig validates the configuration
func validateConfig(config *domain.Config) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", domain.ErrFatalConfig, fmt.Sprintf(format, args...))
	}

	if config.Export.Root == "" {
		return fail("export root not configured")
	}
	sub := config.Export.MediaSubdir
	if sub == "" || filepath.IsAbs(sub) || strings.Contains(sub, "..") {
		return fail("media subdirectory must be a relative name, got %q", sub)
	}
	if config.Export.CacheFile == "" {
		return fail("cache file not configured")
	}
	if config.Export.CacheFlushInterval < 0 {
		return fail("cache flush interval cannot be negative")
	}
	if config.Export.BatchSize < 1 {
		return fail("batch size must be at least 1")
	}
	if config.Export.RequestDelay < 0 {
		return fail("request delay cannot be negative")
	}
	if config.Export.RateLimitRetries < 0 {
		return fail("rate limit retries cannot be negative")
	}
	if config.Export.TargetConcurrency < 1 {
		return fail("target concurrency must be at least 1")
	}

	w := config.Workers
	if w.IOConcurrency < 1 || w.ProcessConcurrency < 1 || w.DownloadConcurrency < 1 {
		return fail("io, process and download concurrency must be at least 1")
	}
	if w.CPUQueueSize < 0 {
		return fail("cpu queue size cannot be negative")
	}

	if q := config.Media.ImageQuality; q < 0 || q > 100 {
		return fail("image quality must be between 0 and 100, got %d", q)
	}
	if crf := config.Media.VideoCRF; crf < 0 || crf > 51 {
		return fail("video crf must be between 0 and 51, got %d", crf)
	}
	if config.Media.MaxImageDimension < 0 {
		return fail("max image dimension cannot be negative")
	}
	if _, err := domain.ParseHWAccel(config.Media.HWAccel); err != nil {
		return err
	}

	if config.Telegram.Session == "" {
		return fail("telegram session not configured")
	}
	if config.Database.Path == "" {
		return fail("database path not configured")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range configValues(config) {
		v.Set(key, value)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
