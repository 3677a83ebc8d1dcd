package config

import "time"

// DefaultConfig returns the baseline configuration. Every value here can be
// overridden by the YAML file or environment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		LLM: LLMConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o-mini",
			Timeout:           60 * time.Second,
			MaxRetries:        3,
			RequestsPerSecond: 0,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "text-embedding-3-small",
			Dimension:  1536,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "memloop.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6333,
			Collection: "memloop",
		},
		Memory: MemoryConfig{
			DecayRate:           0.08, // per hour; ≈0.02 recency at 48h
			RecencyWeight:       1.0,
			ImportanceWeight:    1.0,
			RelevanceWeight:     1.0,
			ScoreFloor:          0.001,
			MaxPerAgent:         500,
			FlushInterval:       5 * time.Second,
			FlushBatchSize:      64,
			ReflectionThreshold: 3.0,
			ReflectionWindow:    2 * time.Hour,
		},
		CaseBase: CaseBaseConfig{
			PhaseBoost:       0.05,
			QualityBoost:     0.05,
			QualityThreshold: 0.8,
			StaleAfter:       0,
		},
		RuleBase: RuleBaseConfig{
			ConfidenceFloor: 0.3,
			PriorityDomain:  "compliance",
			PriorityMinimum: 2,
			MergeRetries:    3,
		},
		Distill: DistillConfig{
			ValidationSamples: 10,
			ConfidenceGate:    0.7,
			MergeThreshold:    0.9,
		},
		Retrieval: RetrievalConfig{
			MemoryTopK:      8,
			CaseTopK:        5,
			RuleTopK:        5,
			SubStoreTimeout: 5 * time.Second,
			TokenBudget:     4000,
			TokenEncoding:   "cl100k_base",
		},
	}
}
