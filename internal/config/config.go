// Package config loads and validates the orchestrator's configuration
// (spec §6.4 / SPEC_FULL.md §4.I). The shape mirrors the teacher's
// internal/config package: Load(path) (*Config, error) parses YAML via
// gopkg.in/yaml.v3, loadFromEnv layers environment overrides on top, and
// validate enforces the invariants operators most commonly get wrong.
// WatchPolicy uses github.com/fsnotify/fsnotify (a teacher dependency) to
// hot-reload the required-signals and outcome-mapping policy packs without
// a process restart.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jordigilh/decisionorchestrator/pkg/policy"
)

// ServerConfig configures the Ingress Dispatcher's HTTP surface.
type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StoreConfig selects the event/workflow/decision store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "memory"
	DSN    string `yaml:"dsn"`
}

// RedisConfig configures the read-through cache in front of the Query API.
type RedisConfig struct {
	Addr string        `yaml:"addr"`
	DB   int           `yaml:"db"`
	TTL  time.Duration `yaml:"ttl"`
}

// SerializerConfig configures the per-workflow actor pool (spec §4.C).
type SerializerConfig struct {
	WorkerCap             int           `yaml:"worker_cap"`
	PerWorkflowQueueDepth int           `yaml:"per_workflow_queue_depth"`
	ActorIdleTTL          time.Duration `yaml:"actor_idle_ttl"`
	EventHandlerDeadline  time.Duration `yaml:"event_handler_deadline"`
}

// RiskConfig configures the external risk-service client (spec §4.E).
type RiskConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// DeadLetterConfig configures the ingress retry/dead-letter loop.
type DeadLetterConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// SlackConfig configures invariant-violation alerting (pkg/alerting).
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// LoggingConfig configures the logrus logger (spec's ambient stack).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PolicyConfig points at the on-disk policy pack file that
// policy.LoadPacksFromFile parses, and whether it should be hot-reloaded.
type PolicyConfig struct {
	Path      string `yaml:"path"`
	HotReload bool   `yaml:"hot_reload"`
}

// PublishConfig selects how the Decision Authority delivers
// decision.finalised to its configured Sink.
type PublishConfig struct {
	Mode       string `yaml:"mode"` // "sync" or "async_with_buffer"
	BufferSize int    `yaml:"buffer_size"`
}

// Config is the orchestrator's top-level configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Serializer SerializerConfig `yaml:"serializer"`
	Risk       RiskConfig       `yaml:"risk"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Slack      SlackConfig      `yaml:"slack"`
	Logging    LoggingConfig    `yaml:"logging"`
	Policy     PolicyConfig     `yaml:"policy"`
	Publish    PublishConfig    `yaml:"publish"`
}

// Load reads, parses and validates the config file at path, applying
// environment overrides and defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 30 * time.Second
	}
	if cfg.Serializer.WorkerCap <= 0 {
		cfg.Serializer.WorkerCap = 64
	}
	if cfg.Serializer.PerWorkflowQueueDepth <= 0 {
		cfg.Serializer.PerWorkflowQueueDepth = 64
	}
	if cfg.Serializer.ActorIdleTTL <= 0 {
		cfg.Serializer.ActorIdleTTL = 5 * time.Minute
	}
	if cfg.Serializer.EventHandlerDeadline <= 0 {
		cfg.Serializer.EventHandlerDeadline = 30 * time.Second
	}
	if cfg.Risk.Timeout <= 0 {
		cfg.Risk.Timeout = 5 * time.Second
	}
	if cfg.Risk.MaxRetries <= 0 {
		cfg.Risk.MaxRetries = 3
	}
	if cfg.Risk.BackoffBase <= 0 {
		cfg.Risk.BackoffBase = 100 * time.Millisecond
	}
	if cfg.Risk.BackoffCap <= 0 {
		cfg.Risk.BackoffCap = 2 * time.Second
	}
	if cfg.DeadLetter.MaxAttempts <= 0 {
		cfg.DeadLetter.MaxAttempts = 5
	}
	if cfg.DeadLetter.BackoffBase <= 0 {
		cfg.DeadLetter.BackoffBase = 50 * time.Millisecond
	}
	if cfg.DeadLetter.BackoffCap <= 0 {
		cfg.DeadLetter.BackoffCap = 2 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Publish.Mode == "" {
		cfg.Publish.Mode = "sync"
	}
	if cfg.Publish.BufferSize <= 0 {
		cfg.Publish.BufferSize = 256
	}
}

// loadFromEnv layers a small set of operational overrides on top of the
// parsed file, mirroring the teacher's env-override convention.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("ORCHESTRATOR_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ORCHESTRATOR_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("ORCHESTRATOR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ORCHESTRATOR_SLACK_BOT_TOKEN"); v != "" {
		cfg.Slack.BotToken = v
	}
	if v := os.Getenv("ORCHESTRATOR_WORKER_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ORCHESTRATOR_WORKER_CAP: %w", err)
		}
		cfg.Serializer.WorkerCap = n
	}
	return nil
}

var validStoreDrivers = map[string]bool{"postgres": true, "memory": true}

func validate(cfg *Config) error {
	if !validStoreDrivers[cfg.Store.Driver] {
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		return fmt.Errorf("store DSN is required for the postgres driver")
	}
	if cfg.Serializer.WorkerCap <= 0 {
		return fmt.Errorf("serializer worker_cap must be greater than 0")
	}
	if cfg.Serializer.PerWorkflowQueueDepth <= 0 {
		return fmt.Errorf("serializer per_workflow_queue_depth must be greater than 0")
	}
	if cfg.Risk.Endpoint == "" {
		return fmt.Errorf("risk endpoint is required")
	}
	if cfg.DeadLetter.MaxAttempts <= 0 {
		return fmt.Errorf("dead_letter max_attempts must be greater than 0")
	}
	return nil
}

// WatchPolicy reloads the policy pack file at cfg.Policy.Path whenever it
// changes on disk, compiling a fresh *policy.Engine and swapping it into
// store atomically. It returns immediately if HotReload is disabled.
// Callers should invoke the returned stop function on shutdown.
func WatchPolicy(ctx context.Context, cfg PolicyConfig, store *policy.Store, onReload func(error)) (stop func(), err error) {
	if !cfg.HotReload || cfg.Path == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to start policy file watcher: %w", err)
	}
	if err := watcher.Add(cfg.Path); err != nil {
		watcher.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to watch policy file %s: %w", cfg.Path, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				jurisdictions, loadErr := policy.LoadPacksFromFile(cfg.Path)
				if loadErr != nil {
					if onReload != nil {
						onReload(fmt.Errorf("policy reload failed, keeping previous pack: %w", loadErr))
					}
					continue
				}
				engine, buildErr := policy.NewEngine(ctx, jurisdictions)
				if buildErr != nil {
					if onReload != nil {
						onReload(fmt.Errorf("policy reload failed to compile, keeping previous pack: %w", buildErr))
					}
					continue
				}
				store.Replace(engine)
				if onReload != nil {
					onReload(nil)
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onReload != nil {
					onReload(fmt.Errorf("policy watcher error: %w", watchErr))
				}
			}
		}
	}()

	return func() {
		watcher.Close() //nolint:errcheck
		<-done
	}, nil
}
