package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

const (
	defaultPrimaryTimeout   = 20 * time.Second
	defaultFallbackTimeout  = 20 * time.Second
	defaultRunPollInterval  = 500 * time.Millisecond
	defaultMaxMessageLength = 2000
	defaultDevAddr          = ":8080"
	defaultDevSQLitePath    = "govchat-dev.db"
)

// Config is read once at process start. Nothing below cmd/ reads the environment.
type Config struct {
	AgentsEndpoint   string
	AgentsAPIVersion string
	PrimaryAgentID   string
	// FallbackAgentID is optional; empty disables the fallback path.
	FallbackAgentID string
	ParamPrefix     string
	StateTable      string

	PrimaryTimeout   time.Duration
	FallbackTimeout  time.Duration
	RunPollInterval  time.Duration
	LockTTL          time.Duration
	MaxMessageLength int

	LogLevel string

	DevAddr       string
	DevStaticDir  string
	DevSQLitePath string
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config from the given lookup function.
func LoadFrom(getenv func(string) string) (*Config, error) {
	env := envReader{getenv: getenv}

	cfg := &Config{
		AgentsEndpoint:   env.required("AGENTS_ENDPOINT"),
		AgentsAPIVersion: env.str("AGENTS_API_VERSION", ""),
		PrimaryAgentID:   env.required("PRIMARY_AGENT_ID"),
		FallbackAgentID:  env.str("FALLBACK_AGENT_ID", ""),
		ParamPrefix:      env.required("PARAM_PREFIX"),
		StateTable:       env.str("STATE_TABLE", ""),

		PrimaryTimeout:   env.duration("PRIMARY_TIMEOUT", defaultPrimaryTimeout),
		FallbackTimeout:  env.duration("FALLBACK_TIMEOUT", defaultFallbackTimeout),
		RunPollInterval:  env.duration("RUN_POLL_INTERVAL", defaultRunPollInterval),
		MaxMessageLength: env.integer("MAX_MESSAGE_LENGTH", defaultMaxMessageLength),

		LogLevel: env.str("LOG_LEVEL", "INFO"),

		DevAddr:       env.str("DEV_ADDR", defaultDevAddr),
		DevStaticDir:  env.str("DEV_STATIC_DIR", ""),
		DevSQLitePath: env.str("DEV_SQLITE_PATH", defaultDevSQLitePath),
	}
	// A lease must outlive the longest request it guards.
	cfg.LockTTL = env.duration("LOCK_TTL", cfg.PrimaryTimeout+cfg.FallbackTimeout+15*time.Second)

	if len(env.missing) > 0 {
		return nil, fmt.Errorf("config: required environment variables not set: %s", strings.Join(env.missing, ", "))
	}
	if len(env.invalid) > 0 {
		return nil, fmt.Errorf("config: invalid values for: %s", strings.Join(env.invalid, ", "))
	}
	return cfg, nil
}

// FallbackEnabled reports whether a fallback agent is configured.
func (c *Config) FallbackEnabled() bool {
	return c.FallbackAgentID != ""
}

// LoadAWS loads the default AWS SDK configuration.
func LoadAWS(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("config: load AWS config: %w", err)
	}
	return cfg, nil
}

type envReader struct {
	getenv  func(string) string
	missing []string
	invalid []string
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) required(key string) string {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		e.missing = append(e.missing, key)
	}
	return v
}

func (e *envReader) integer(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		e.invalid = append(e.invalid, key)
		return def
	}
	return n
}

// duration accepts Go duration strings ("30s") or bare integers as seconds.
func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.invalid = append(e.invalid, key)
		return def
	}
	return d
}
