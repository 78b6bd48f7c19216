package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Log      LogConfig
	CORS     CORSConfig
	Redis    RedisConfig
	Agent    AgentConfig
	Matcher  MatcherConfig
	Session  SessionConfig
	Snapshot SnapshotConfig
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ProviderConfig holds settings for a single language-model provider.
type ProviderConfig struct {
	Provider     string `mapstructure:"provider"`
	APIKey       string `mapstructure:"api_key"`
	DefaultModel string `mapstructure:"default_model"`
	Endpoint     string `mapstructure:"endpoint"`
	TimeoutSecs  int    `mapstructure:"timeout_secs"`
}

// Configured reports whether a provider name is set.
func (p *ProviderConfig) Configured() bool {
	return p != nil && p.Provider != ""
}

// TierConfig describes the models consulted at one identification tier.
// Fallback is tried when Primary is rate limited or failing.
type TierConfig struct {
	Primary      ProviderConfig `mapstructure:"primary"`
	Fallback     ProviderConfig `mapstructure:"fallback"`
	MaxTokens    int            `mapstructure:"max_tokens"`
	Temperature  float64        `mapstructure:"temperature"`
	EnableSearch bool           `mapstructure:"enable_search"`
}

// AgentConfig holds identification controller settings.
type AgentConfig struct {
	Tiers               [3]TierConfig
	StrictTransitions   bool          `mapstructure:"strict_transitions"`
	EscalationThreshold float64       `mapstructure:"escalation_threshold"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
}

// Tier returns the config for tier n (1-based).
func (a *AgentConfig) Tier(n int) *TierConfig {
	if n < 1 || n > len(a.Tiers) {
		return nil
	}
	return &a.Tiers[n-1]
}

// MatcherConfig holds fuzzy matching thresholds.
type MatcherConfig struct {
	Threshold      float64 `mapstructure:"threshold"`
	MinTokenLength int     `mapstructure:"min_token_length"`
	MaxSimilar     int     `mapstructure:"max_similar"`
}

// SessionConfig holds conversation settings.
type SessionConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxMessages     int           `mapstructure:"max_messages"`
	PacingDelay     time.Duration `mapstructure:"pacing_delay"`
	PersistDebounce time.Duration `mapstructure:"persist_debounce"`
	DegradedHistory int           `mapstructure:"degraded_history"`
	SnapshotVersion int           `mapstructure:"snapshot_version"`
}

// SnapshotConfig selects where conversation snapshots are stored.
type SnapshotConfig struct {
	Store      string `mapstructure:"store"`
	QuotaBytes int    `mapstructure:"quota_bytes"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"`
}

// IsProduction reports whether the server runs in production mode.
func (s *ServerConfig) IsProduction() bool {
	return s.Environment == "production"
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxOpen  int    `mapstructure:"max_open"`
	MaxIdle  int    `mapstructure:"max_idle"`
}

// DSN returns the PostgreSQL connection string.
func (d *DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LogConfig holds logging settings. An empty File logs to stdout only.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

var tierDefaults = [3]struct {
	provider, model string
	maxTokens       int
	search          bool
}{
	{"gemini", "gemini-2.5-flash", 2048, false},
	{"claude", "claude-sonnet-4-20250514", 4096, false},
	{"gemini", "gemini-2.5-pro", 4096, true},
}

// Load reads configuration from environment variables with the CELLAR_ prefix.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CELLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Server defaults
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.environment", "development")

	// DB defaults
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "cellar")
	v.SetDefault("db.password", "cellar_secret")
	v.SetDefault("db.name", "cellar_db")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_open", 25)
	v.SetDefault("db.max_idle", 10)

	// Log defaults
	v.SetDefault("log.level", "debug")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("cors.allowed_origins", "http://localhost:3000,http://127.0.0.1:3000")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Agent defaults
	v.SetDefault("agent.strict_transitions", false)
	v.SetDefault("agent.escalation_threshold", 0.7)
	v.SetDefault("agent.max_retries", 2)
	v.SetDefault("agent.retry_base_delay", "1s")
	for i, d := range tierDefaults {
		prefix := fmt.Sprintf("agent.tier%d", i+1)
		v.SetDefault(prefix+".primary.provider", d.provider)
		v.SetDefault(prefix+".primary.api_key", "")
		v.SetDefault(prefix+".primary.default_model", d.model)
		v.SetDefault(prefix+".primary.endpoint", "")
		v.SetDefault(prefix+".primary.timeout_secs", 60)
		v.SetDefault(prefix+".fallback.provider", "")
		v.SetDefault(prefix+".fallback.api_key", "")
		v.SetDefault(prefix+".fallback.default_model", "")
		v.SetDefault(prefix+".fallback.endpoint", "")
		v.SetDefault(prefix+".fallback.timeout_secs", 60)
		v.SetDefault(prefix+".max_tokens", d.maxTokens)
		v.SetDefault(prefix+".temperature", 0.2)
		v.SetDefault(prefix+".enable_search", d.search)
	}

	// Matcher defaults
	v.SetDefault("matcher.threshold", 0.8)
	v.SetDefault("matcher.min_token_length", 3)
	v.SetDefault("matcher.max_similar", 5)

	// Session defaults
	v.SetDefault("session.timeout", "30m")
	v.SetDefault("session.max_messages", 30)
	v.SetDefault("session.pacing_delay", "500ms")
	v.SetDefault("session.persist_debounce", "500ms")
	v.SetDefault("session.degraded_history", 10)
	v.SetDefault("session.snapshot_version", 1)

	v.SetDefault("snapshot.store", "memory")
	v.SetDefault("snapshot.quota_bytes", 5*1024*1024)
	v.SetDefault("snapshot.key_prefix", "cellar:agent:")

	// Bind environment variables explicitly for nested keys
	envBindings := map[string]string{
		"server.port":                "CELLAR_SERVER_PORT",
		"server.read_timeout":        "CELLAR_SERVER_READ_TIMEOUT",
		"server.write_timeout":       "CELLAR_SERVER_WRITE_TIMEOUT",
		"server.environment":         "CELLAR_SERVER_ENVIRONMENT",
		"db.host":                    "CELLAR_DB_HOST",
		"db.port":                    "CELLAR_DB_PORT",
		"db.user":                    "CELLAR_DB_USER",
		"db.password":                "CELLAR_DB_PASSWORD",
		"db.name":                    "CELLAR_DB_NAME",
		"db.sslmode":                 "CELLAR_DB_SSLMODE",
		"db.max_open":                "CELLAR_DB_MAX_OPEN",
		"db.max_idle":                "CELLAR_DB_MAX_IDLE",
		"log.level":                  "CELLAR_LOG_LEVEL",
		"log.format":                 "CELLAR_LOG_FORMAT",
		"log.file":                   "CELLAR_LOG_FILE",
		"cors.allowed_origins":       "CELLAR_CORS_ALLOWED_ORIGINS",
		"redis.addr":                 "CELLAR_REDIS_ADDR",
		"redis.password":             "CELLAR_REDIS_PASSWORD",
		"redis.db":                   "CELLAR_REDIS_DB",
		"agent.strict_transitions":   "CELLAR_AGENT_STRICT_TRANSITIONS",
		"agent.escalation_threshold": "CELLAR_AGENT_ESCALATION_THRESHOLD",
		"agent.max_retries":          "CELLAR_AGENT_MAX_RETRIES",
		"agent.retry_base_delay":     "CELLAR_AGENT_RETRY_BASE_DELAY",
		"matcher.threshold":          "CELLAR_MATCHER_THRESHOLD",
		"matcher.min_token_length":   "CELLAR_MATCHER_MIN_TOKEN_LENGTH",
		"matcher.max_similar":        "CELLAR_MATCHER_MAX_SIMILAR",
		"session.timeout":            "CELLAR_SESSION_TIMEOUT",
		"session.max_messages":       "CELLAR_SESSION_MAX_MESSAGES",
		"session.pacing_delay":       "CELLAR_SESSION_PACING_DELAY",
		"session.persist_debounce":   "CELLAR_SESSION_PERSIST_DEBOUNCE",
		"session.degraded_history":   "CELLAR_SESSION_DEGRADED_HISTORY",
		"session.snapshot_version":   "CELLAR_SESSION_SNAPSHOT_VERSION",
		"snapshot.store":             "CELLAR_SNAPSHOT_STORE",
		"snapshot.quota_bytes":       "CELLAR_SNAPSHOT_QUOTA_BYTES",
		"snapshot.key_prefix":        "CELLAR_SNAPSHOT_KEY_PREFIX",
	}
	for i := range tierDefaults {
		for _, field := range []string{"provider", "api_key", "default_model", "endpoint", "timeout_secs"} {
			for _, role := range []string{"primary", "fallback"} {
				key := fmt.Sprintf("agent.tier%d.%s.%s", i+1, role, field)
				envBindings[key] = "CELLAR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			}
		}
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	cfg := &Config{}

	// Hosting platforms set PORT. Use it unless CELLAR_SERVER_PORT is set.
	serverPort := v.GetString("server.port")
	if port := os.Getenv("PORT"); port != "" && os.Getenv("CELLAR_SERVER_PORT") == "" {
		serverPort = ":" + port
	}

	cfg.Server = ServerConfig{
		Port:         serverPort,
		ReadTimeout:  v.GetDuration("server.read_timeout"),
		WriteTimeout: v.GetDuration("server.write_timeout"),
		Environment:  v.GetString("server.environment"),
	}
	cfg.DB = DBConfig{
		Host:     v.GetString("db.host"),
		Port:     v.GetInt("db.port"),
		User:     v.GetString("db.user"),
		Password: v.GetString("db.password"),
		Name:     v.GetString("db.name"),
		SSLMode:  v.GetString("db.sslmode"),
		MaxOpen:  v.GetInt("db.max_open"),
		MaxIdle:  v.GetInt("db.max_idle"),
	}
	cfg.Log = LogConfig{
		Level:      v.GetString("log.level"),
		Format:     v.GetString("log.format"),
		File:       v.GetString("log.file"),
		MaxSizeMB:  v.GetInt("log.max_size_mb"),
		MaxBackups: v.GetInt("log.max_backups"),
		MaxAgeDays: v.GetInt("log.max_age_days"),
	}

	var corsOrigins []string
	for _, o := range strings.Split(v.GetString("cors.allowed_origins"), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			corsOrigins = append(corsOrigins, o)
		}
	}
	cfg.CORS = CORSConfig{AllowedOrigins: corsOrigins}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Agent = AgentConfig{
		StrictTransitions:   v.GetBool("agent.strict_transitions"),
		EscalationThreshold: v.GetFloat64("agent.escalation_threshold"),
		MaxRetries:          v.GetInt("agent.max_retries"),
		RetryBaseDelay:      v.GetDuration("agent.retry_base_delay"),
	}
	for i := range cfg.Agent.Tiers {
		prefix := fmt.Sprintf("agent.tier%d", i+1)
		cfg.Agent.Tiers[i] = TierConfig{
			Primary:      providerConfig(v, prefix+".primary"),
			Fallback:     providerConfig(v, prefix+".fallback"),
			MaxTokens:    v.GetInt(prefix + ".max_tokens"),
			Temperature:  v.GetFloat64(prefix + ".temperature"),
			EnableSearch: v.GetBool(prefix + ".enable_search"),
		}
	}

	cfg.Matcher = MatcherConfig{
		Threshold:      v.GetFloat64("matcher.threshold"),
		MinTokenLength: v.GetInt("matcher.min_token_length"),
		MaxSimilar:     v.GetInt("matcher.max_similar"),
	}
	cfg.Session = SessionConfig{
		Timeout:         v.GetDuration("session.timeout"),
		MaxMessages:     v.GetInt("session.max_messages"),
		PacingDelay:     v.GetDuration("session.pacing_delay"),
		PersistDebounce: v.GetDuration("session.persist_debounce"),
		DegradedHistory: v.GetInt("session.degraded_history"),
		SnapshotVersion: v.GetInt("session.snapshot_version"),
	}
	cfg.Snapshot = SnapshotConfig{
		Store:      v.GetString("snapshot.store"),
		QuotaBytes: v.GetInt("snapshot.quota_bytes"),
		KeyPrefix:  v.GetString("snapshot.key_prefix"),
	}

	switch cfg.Snapshot.Store {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("unknown snapshot store %q (want memory or redis)", cfg.Snapshot.Store)
	}
	if cfg.Matcher.Threshold <= 0 || cfg.Matcher.Threshold > 1 {
		return nil, fmt.Errorf("matcher threshold must be in (0,1], got %v", cfg.Matcher.Threshold)
	}

	return cfg, nil
}

func providerConfig(v *viper.Viper, prefix string) ProviderConfig {
	return ProviderConfig{
		Provider:     v.GetString(prefix + ".provider"),
		APIKey:       v.GetString(prefix + ".api_key"),
		DefaultModel: v.GetString(prefix + ".default_model"),
		Endpoint:     v.GetString(prefix + ".endpoint"),
		TimeoutSecs:  v.GetInt(prefix + ".timeout_secs"),
	}
}
