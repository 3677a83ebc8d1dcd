// Package config provides unified configuration loading for memloop.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("memloop.yaml").
//	    WithEnvPrefix("MEMLOOP").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete memloop configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	LLM       LLMConfig       `yaml:"llm" env:"LLM"`
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Qdrant    QdrantConfig    `yaml:"qdrant" env:"QDRANT"`
	Memory    MemoryConfig    `yaml:"memory" env:"MEMORY"`
	CaseBase  CaseBaseConfig  `yaml:"case_base" env:"CASE_BASE"`
	RuleBase  RuleBaseConfig  `yaml:"rule_base" env:"RULE_BASE"`
	Distill   DistillConfig   `yaml:"distill" env:"DISTILL"`
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`
}

// ServerConfig configures the operational HTTP listener (health + metrics).
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format           string   `yaml:"format" env:"FORMAT"` // json, console
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// LLMConfig configures the generation service client.
type LLMConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Model      string        `yaml:"model" env:"MODEL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	// RequestsPerSecond caps outbound calls client-side; 0 disables the cap.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Model      string        `yaml:"model" env:"MODEL"`
	Dimension  int           `yaml:"dimension" env:"DIMENSION"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
}

// DatabaseConfig configures the durable store behind the case and rules
// bases. Driver is one of: sqlite, postgres.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig configures the observation journal.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// QdrantConfig configures the similarity-search index.
type QdrantConfig struct {
	Host       string `yaml:"host" env:"HOST"`
	Port       int    `yaml:"port" env:"PORT"`
	APIKey     string `yaml:"api_key" env:"API_KEY"`
	Collection string `yaml:"collection" env:"COLLECTION"`
}

// MemoryConfig tunes working memory decay and buffering.
type MemoryConfig struct {
	// DecayRate is the exponential decay constant per hour.
	DecayRate float64 `yaml:"decay_rate" env:"DECAY_RATE"`
	// Score exponents; 1.0 each yields a geometric mean.
	RecencyWeight    float64 `yaml:"recency_weight" env:"RECENCY_WEIGHT"`
	ImportanceWeight float64 `yaml:"importance_weight" env:"IMPORTANCE_WEIGHT"`
	RelevanceWeight  float64 `yaml:"relevance_weight" env:"RELEVANCE_WEIGHT"`
	// ScoreFloor hides observations whose decayed weight falls below it.
	ScoreFloor float64 `yaml:"score_floor" env:"SCORE_FLOOR"`
	// MaxPerAgent bounds the in-process working set per agent.
	MaxPerAgent int `yaml:"max_per_agent" env:"MAX_PER_AGENT"`
	// FlushInterval and FlushBatchSize control the durable-storage flush.
	FlushInterval  time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	FlushBatchSize int           `yaml:"flush_batch_size" env:"FLUSH_BATCH_SIZE"`
	// ReflectionThreshold is the accumulated-importance level that signals
	// a reflection pass; ReflectionWindow bounds the window it sums over.
	ReflectionThreshold float64       `yaml:"reflection_threshold" env:"REFLECTION_THRESHOLD"`
	ReflectionWindow    time.Duration `yaml:"reflection_window" env:"REFLECTION_WINDOW"`
}

// CaseBaseConfig tunes case retrieval. Boosts are configuration so they can
// be tuned or learned offline.
type CaseBaseConfig struct {
	PhaseBoost       float64 `yaml:"phase_boost" env:"PHASE_BOOST"`
	QualityBoost     float64 `yaml:"quality_boost" env:"QUALITY_BOOST"`
	QualityThreshold float64 `yaml:"quality_threshold" env:"QUALITY_THRESHOLD"`
	// StaleAfter logically hides cases unaccessed for longer than this;
	// 0 disables pruning.
	StaleAfter time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
}

// RuleBaseConfig tunes rule retrieval and the merge path.
type RuleBaseConfig struct {
	// ConfidenceFloor hides rules below it from retrieval.
	ConfidenceFloor float64 `yaml:"confidence_floor" env:"CONFIDENCE_FLOOR"`
	// PriorityDomain rules are always represented in results, at least
	// PriorityMinimum of them, even when outranked topically.
	PriorityDomain  string `yaml:"priority_domain" env:"PRIORITY_DOMAIN"`
	PriorityMinimum int    `yaml:"priority_minimum" env:"PRIORITY_MINIMUM"`
	// MergeRetries bounds compare-and-swap attempts on merge conflicts.
	MergeRetries int `yaml:"merge_retries" env:"MERGE_RETRIES"`
}

// DistillConfig tunes the distillation pipeline.
type DistillConfig struct {
	// ValidationSamples is the number of exemplar cases per validation run.
	ValidationSamples int `yaml:"validation_samples" env:"VALIDATION_SAMPLES"`
	// ConfidenceGate discards candidates validated below it. This is the
	// precision/recall knob for learned rules.
	ConfidenceGate float64 `yaml:"confidence_gate" env:"CONFIDENCE_GATE"`
	// MergeThreshold is the similarity above which a candidate merges into
	// an existing rule instead of inserting a near-duplicate.
	MergeThreshold float64 `yaml:"merge_threshold" env:"MERGE_THRESHOLD"`
}

// RetrievalConfig tunes the orchestrator.
type RetrievalConfig struct {
	MemoryTopK int `yaml:"memory_top_k" env:"MEMORY_TOP_K"`
	CaseTopK   int `yaml:"case_top_k" env:"CASE_TOP_K"`
	RuleTopK   int `yaml:"rule_top_k" env:"RULE_TOP_K"`
	// SubStoreTimeout bounds each sub-retrieval independently.
	SubStoreTimeout time.Duration `yaml:"sub_store_timeout" env:"SUB_STORE_TIMEOUT"`
	// TokenBudget caps the assembled context bundle; 0 disables budgeting.
	TokenBudget int `yaml:"token_budget" env:"TOKEN_BUDGET"`
	// TokenEncoding names the tiktoken encoding used to count tokens.
	TokenEncoding string `yaml:"token_encoding" env:"TOKEN_ENCODING"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "MEMLOOP"}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends an extra validation step.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults → file → env → validation.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from path and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Memory.DecayRate <= 0 {
		errs = append(errs, "memory.decay_rate must be positive")
	}
	if c.Memory.MaxPerAgent <= 0 {
		errs = append(errs, "memory.max_per_agent must be positive")
	}
	if c.Distill.ConfidenceGate < 0 || c.Distill.ConfidenceGate > 1 {
		errs = append(errs, "distill.confidence_gate must be in [0,1]")
	}
	if c.Distill.MergeThreshold < 0 || c.Distill.MergeThreshold > 1 {
		errs = append(errs, "distill.merge_threshold must be in [0,1]")
	}
	if c.Distill.ValidationSamples <= 0 {
		errs = append(errs, "distill.validation_samples must be positive")
	}
	if c.RuleBase.ConfidenceFloor < 0 || c.RuleBase.ConfidenceFloor > 1 {
		errs = append(errs, "rule_base.confidence_floor must be in [0,1]")
	}
	if c.CaseBase.QualityThreshold < 0 || c.CaseBase.QualityThreshold > 1 {
		errs = append(errs, "case_base.quality_threshold must be in [0,1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
