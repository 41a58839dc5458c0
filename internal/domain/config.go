package domain

import "time"

// Config represents the application configuration
type Config struct {
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Export       ExportConfig       `mapstructure:"export"`
	Workers      WorkerPoolConfig   `mapstructure:"workers"`
	Media        MediaConfig        `mapstructure:"media"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// TelegramConfig contains settings for the tdl client session
type TelegramConfig struct {
	Session          string `mapstructure:"session"` // tdl namespace (-n)
	StorageType      string `mapstructure:"storage_type"`
	StoragePath      string `mapstructure:"storage_path"`
	TDLBinary        string `mapstructure:"tdl_binary"`
	Proxy            string `mapstructure:"proxy"`
	DialogFetchLimit int    `mapstructure:"dialog_fetch_limit"`
	ExtraParams      string `mapstructure:"extra_params"`
}

// ExportConfig controls what gets exported and where it lands
type ExportConfig struct {
	Root               string        `mapstructure:"root"`
	MediaSubdir        string        `mapstructure:"media_subdir"`
	EntityFolders      bool          `mapstructure:"entity_folders"`
	Targets            []string      `mapstructure:"targets"`
	Interactive        bool          `mapstructure:"interactive"`
	OnlyNew            bool          `mapstructure:"only_new"`
	MediaDownload      bool          `mapstructure:"media_download"`
	Optimize           bool          `mapstructure:"optimize"`
	CacheFile          string        `mapstructure:"cache_file"`
	CacheFlushInterval int           `mapstructure:"cache_flush_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	RequestDelay       time.Duration `mapstructure:"request_delay"`
	RateLimitRetries   int           `mapstructure:"rate_limit_retries"`
	MaxRateLimitWait   time.Duration `mapstructure:"max_rate_limit_wait"`
	TargetConcurrency  int           `mapstructure:"target_concurrency"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
	TargetCacheMaxAge  time.Duration `mapstructure:"target_cache_max_age"`
}

// WorkerPoolConfig sizes the dispatch pools. It is fixed for the life of the process.
type WorkerPoolConfig struct {
	IOConcurrency       int `mapstructure:"io_concurrency"`
	ProcessConcurrency  int `mapstructure:"process_concurrency"`
	DownloadConcurrency int `mapstructure:"download_concurrency"`
	CPUQueueSize        int `mapstructure:"cpu_queue_size"`
}

// MediaConfig contains media optimization settings
type MediaConfig struct {
	ImageQuality      int    `mapstructure:"image_quality"`       // 0-100
	MaxImageDimension int    `mapstructure:"max_image_dimension"` // 0 keeps the source size
	VideoCRF          int    `mapstructure:"video_crf"`
	VideoPreset       string `mapstructure:"video_preset"`
	HWAccel           string `mapstructure:"hw_accel"` // none, amd, intel, nvidia
	UseH265           bool   `mapstructure:"use_h265"`
	FFmpegBinary      string `mapstructure:"ffmpeg_binary"`
}

// DatabaseConfig contains settings for the target directory database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sound   bool   `mapstructure:"sound"`
	Method  string `mapstructure:"method"` // osascript, notify-send, etc.
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
	LogsDir    string `mapstructure:"logs_dir"`    // category logs; empty disables them
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Session:          "default",
			StorageType:      "bolt",
			StoragePath:      "$HOME/.tdl/data",
			TDLBinary:        "tdl",
			DialogFetchLimit: 20,
		},
		Export: ExportConfig{
			Root:               "$HOME/Obsidian/Telegram",
			MediaSubdir:        "_media",
			EntityFolders:      true,
			OnlyNew:            true,
			MediaDownload:      true,
			Optimize:           true,
			CacheFile:          "$HOME/.config/tg-vault-export/cache.json",
			CacheFlushInterval: 50,
			BatchSize:          100,
			RequestDelay:       500 * time.Millisecond,
			RateLimitRetries:   1,
			MaxRateLimitWait:   5 * time.Minute,
			TargetConcurrency:  1,
			DrainTimeout:       30 * time.Second,
			TargetCacheMaxAge:  TargetCacheMaxAge,
		},
		Workers: WorkerPoolConfig{
			IOConcurrency:       8,
			ProcessConcurrency:  4,
			DownloadConcurrency: 10,
			CPUQueueSize:        8,
		},
		Media: MediaConfig{
			ImageQuality: 85,
			VideoCRF:     28,
			VideoPreset:  "fast",
			HWAccel:      string(HWAccelNone),
			FFmpegBinary: "ffmpeg",
		},
		Database: DatabaseConfig{
			Path: "$HOME/.config/tg-vault-export/targets.db",
		},
		Notification: NotificationConfig{
			Enabled: false,
			Sound:   false,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stderr",
			LogsDir:    "$HOME/.config/tg-vault-export/logs",
		},
	}
}
