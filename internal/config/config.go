package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// Mode selects the exposed surfaces: http, mcp (stdio) or both.
	Mode string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string
	Format      string
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Compress    bool
	JournalSize int
}

// SchedulerConfig tunes the trigger loop and task shutdown.
type SchedulerConfig struct {
	PollInterval time.Duration
	StopTimeout  time.Duration
	UseUTC       bool
}

// ManifestConfig points at an optional task manifest file.
type ManifestConfig struct {
	Path  string
	Watch bool
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark          BarkConfig
	PerMinute     int
	NotifySuccess bool
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Scheduler    SchedulerConfig
	Manifest     ManifestConfig
	Notification NotificationConfig

	StateDir       string
	RunRetention   int
	GitConcurrency int
	ShutdownGrace  time.Duration
}

const (
	envPrefix = "TASKHUB_"

	defaultAddr           = "127.0.0.1:7070"
	defaultMode           = "http"
	defaultLogLevel       = "info"
	defaultRunRetention   = 50
	defaultShutdownGrace  = 5 * time.Second
	defaultPollInterval   = time.Second
	defaultStopTimeout    = 5 * time.Second
	defaultJournalSize    = 1000
	defaultGitConcurrency = 2
	defaultNotifyPerMin   = 10
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads the process arguments. See Load.
func Parse() (*Config, error) {
	return Load(os.Args[1:])
}

// Load builds the configuration from defaults, optional .env files, TASKHUB_*
// environment variables and finally args, each layer overriding the previous.
func Load(args []string) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskhub", ".env"))
	}
	if extra, ok := os.LookupEnv(envPrefix + "ENV_FILE"); ok && extra != "" {
		envFiles = append([]string{extra}, envFiles...)
	}
	for _, f := range envFiles {
		// godotenv never overrides variables that are already set
		_ = godotenv.Load(f)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
			Mode:      getEnvString("MODE", defaultMode),
		},
		Log: LogConfig{
			Level:       getEnvString("LOG_LEVEL", defaultLogLevel),
			Format:      getEnvString("LOG_FORMAT", "text"),
			File:        getEnvString("LOG_FILE", ""),
			MaxSizeMB:   getEnvInt("LOG_MAX_SIZE_MB", 10),
			MaxBackups:  getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays:  getEnvInt("LOG_MAX_AGE_DAYS", 30),
			Compress:    getEnvBool("LOG_COMPRESS", false),
			JournalSize: getEnvInt("JOURNAL_SIZE", defaultJournalSize),
		},
		Scheduler: SchedulerConfig{
			PollInterval: getEnvDuration("POLL_INTERVAL", defaultPollInterval),
			StopTimeout:  getEnvDuration("STOP_TIMEOUT", defaultStopTimeout),
			UseUTC:       getEnvBool("USE_UTC", false),
		},
		Manifest: ManifestConfig{
			Path:  getEnvString("MANIFEST", ""),
			Watch: getEnvBool("MANIFEST_WATCH", false),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
			PerMinute:     getEnvInt("NOTIFY_PER_MINUTE", defaultNotifyPerMin),
			NotifySuccess: getEnvBool("NOTIFY_SUCCESS", false),
		},
		StateDir:       getEnvString("STATE_DIR", ""),
		RunRetention:   getEnvInt("RUN_RETENTION", defaultRunRetention),
		GitConcurrency: getEnvInt("GIT_CONCURRENCY", defaultGitConcurrency),
		ShutdownGrace:  getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("taskhubd", flag.ContinueOnError)
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Server.Mode, "mode", cfg.Server.Mode, "Serve mode: http, mcp or both")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for the database and logs")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Log.File, "log-file", cfg.Log.File, "Rotating log file path")
	fs.BoolVar(&cfg.Scheduler.UseUTC, "use-utc", cfg.Scheduler.UseUTC, "Evaluate daily, weekly and cron triggers in UTC")
	fs.DurationVar(&cfg.Scheduler.PollInterval, "poll-interval", cfg.Scheduler.PollInterval, "Scheduler poll interval")
	fs.DurationVar(&cfg.Scheduler.StopTimeout, "stop-timeout", cfg.Scheduler.StopTimeout, "How long Stop waits for a task")
	fs.StringVar(&cfg.Manifest.Path, "manifest", cfg.Manifest.Path, "Task manifest (JSON or YAML) applied at startup")
	fs.BoolVar(&cfg.Manifest.Watch, "watch-manifest", cfg.Manifest.Watch, "Reapply the manifest when it changes")
	fs.IntVar(&cfg.RunRetention, "run-retention", cfg.RunRetention, "Number of recent runs to retain per task")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.RunRetention < 1 {
		cfg.RunRetention = defaultRunRetention
	}
	if cfg.GitConcurrency < 1 {
		cfg.GitConcurrency = 1
	}
	if cfg.Log.JournalSize < 1 {
		cfg.Log.JournalSize = defaultJournalSize
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q, expected http, mcp or both", c.Server.Mode)
	}
	if c.Scheduler.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("poll interval %s is below 100ms", c.Scheduler.PollInterval)
	}
	if c.Scheduler.StopTimeout <= 0 {
		return fmt.Errorf("stop timeout must be positive")
	}
	return nil
}

// Location returns the zone triggers are evaluated in.
func (c *Config) Location() *time.Location {
	if c.Scheduler.UseUTC {
		return time.UTC
	}
	return time.Local
}

// DatabasePath is the SQLite file inside the state dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "taskhub.db")
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskhub")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
