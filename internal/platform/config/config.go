// Package config provides configuration management for relaygate.
// It supports loading configuration from environment variables, a config
// file, and code-level defaults.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/relaygate/internal/platform/logger"
)

// Config holds all configuration sections for relaygate.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Session   SessionConfig   `mapstructure:"session"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	EventBus  EventBusConfig  `mapstructure:"eventBus"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Primary   PrimaryConfig   `mapstructure:"primary"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Logging   logger.Config   `mapstructure:"logging"`
}

// MCPConfig configures the Model Context Protocol exposure of the Session
// Manager.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PrimaryConfig identifies the "primary Session" the boot/shutdown
// protocol attaches load directives and shutdown summaries to.
type PrimaryConfig struct {
	Tenant   string `mapstructure:"tenant"`
	ChatID   string `mapstructure:"chatId"`
	ThreadID string `mapstructure:"threadId"`
}

// ServerConfig holds the admin/transport HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// SessionConfig holds Session and Session Manager tunables.
type SessionConfig struct {
	ContextWindowSize  int           `mapstructure:"contextWindowSize"`
	SteeringBufferCap  int           `mapstructure:"steeringBufferCap"`
	TTL                time.Duration `mapstructure:"ttl"`
	LRUCapacity        int           `mapstructure:"lruCapacity"`
	StopWaitTimeout    time.Duration `mapstructure:"stopWaitTimeout"`
	ProcessingLockTTL  time.Duration `mapstructure:"processingLockTTL"`
	PendingRecoveryTTL time.Duration `mapstructure:"pendingRecoveryTTL"`
	WarningCooldown    int           `mapstructure:"warningCooldown"`
	RateLimitCapacity  int           `mapstructure:"rateLimitCapacity"`
	RateLimitWindow    time.Duration `mapstructure:"rateLimitWindow"`
}

// ProviderConfig holds Provider Orchestrator policy.
type ProviderConfig struct {
	PrimaryProviderID  string                 `mapstructure:"primaryProviderId"`
	FallbackProviderID string                 `mapstructure:"fallbackProviderId"`
	RetryPolicies      map[string]RetryPolicy `mapstructure:"retryPolicies"`
	DefaultRetryPolicy RetryPolicy            `mapstructure:"defaultRetryPolicy"`
	// AgentCommand is the subprocess command line (argv[0] + args) that
	// speaks ACP over stdio for the "primary" provider. Empty disables the
	// native ACP provider and leaves only the mock fallback registered.
	AgentCommand []string `mapstructure:"agentCommand"`
}

// RetryPolicy is the per-provider retry policy, process-wide configurable.
type RetryPolicy struct {
	MaxRetries    int `mapstructure:"maxRetries"`
	BaseBackoffMs int `mapstructure:"baseBackoffMs"`
}

// SchedulerConfig holds cron scheduler configuration.
type SchedulerConfig struct {
	CronFile        string        `mapstructure:"cronFile"`
	MaxQueueSize    int           `mapstructure:"maxQueueSize"`
	MaxJobsPerHour  int           `mapstructure:"maxJobsPerHour"`
	QueueDrainTick  time.Duration `mapstructure:"queueDrainTick"`
	PollInterval    time.Duration `mapstructure:"pollInterval"`
	Debounce        time.Duration `mapstructure:"debounce"`
	MaxPromptLength int           `mapstructure:"maxPromptLength"`
}

// EventBusConfig selects the eventbus backend.
type EventBusConfig struct {
	NATSUrl string `mapstructure:"natsUrl"`
}

// PathsConfig holds the filesystem roots all persisted state lives under.
type PathsConfig struct {
	Sessions  string `mapstructure:"sessions"`
	Workdirs  string `mapstructure:"workdirs"`
	Data      string `mapstructure:"data"`
	Workdir   string `mapstructure:"workdir"`
	TmpPrefix string `mapstructure:"tmpPrefix"`
}

// Load reads configuration from env vars prefixed RELAYGATE_, an optional
// config file, and defaults, returning the merged Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("relaygate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relaygate")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("session.contextWindowSize", 200000)
	v.SetDefault("session.steeringBufferCap", 100)
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.lruCapacity", 100)
	v.SetDefault("session.stopWaitTimeout", 5*time.Second)
	v.SetDefault("session.processingLockTTL", 60*time.Second)
	v.SetDefault("session.pendingRecoveryTTL", 60*time.Second)
	v.SetDefault("session.warningCooldown", 50)
	v.SetDefault("session.rateLimitCapacity", 20)
	v.SetDefault("session.rateLimitWindow", 60*time.Second)

	v.SetDefault("provider.primaryProviderId", "primary")
	v.SetDefault("provider.fallbackProviderId", "mock")
	v.SetDefault("provider.defaultRetryPolicy.maxRetries", 2)
	v.SetDefault("provider.defaultRetryPolicy.baseBackoffMs", 500)

	v.SetDefault("scheduler.cronFile", "cron.yaml")
	v.SetDefault("scheduler.maxQueueSize", 100)
	v.SetDefault("scheduler.maxJobsPerHour", 60)
	v.SetDefault("scheduler.queueDrainTick", 2*time.Second)
	v.SetDefault("scheduler.pollInterval", 2*time.Second)
	v.SetDefault("scheduler.debounce", 100*time.Millisecond)
	v.SetDefault("scheduler.maxPromptLength", 10000)

	v.SetDefault("paths.sessions", "./data/sessions")
	v.SetDefault("paths.workdirs", "./data/workdirs")
	v.SetDefault("paths.data", "./data")
	v.SetDefault("paths.workdir", ".")
	v.SetDefault("paths.tmpPrefix", "relaygate")

	v.SetDefault("primary.tenant", "default")
	v.SetDefault("primary.chatId", "owner")
	v.SetDefault("primary.threadId", "main")

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}
