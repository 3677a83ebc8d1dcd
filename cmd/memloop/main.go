// Command memloop runs the continual-learning memory service.
//
// Usage:
//
//	memloop serve                       # start the service
//	memloop serve --config config.yaml  # with an explicit config file
//	memloop version                     # show version information
//	memloop health                      # probe a running instance
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/memloop/memloop/casebase"
	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/distill"
	"github.com/memloop/memloop/engine"
	"github.com/memloop/memloop/internal/database"
	"github.com/memloop/memloop/internal/metrics"
	"github.com/memloop/memloop/llm"
	"github.com/memloop/memloop/llm/embedding"
	"github.com/memloop/memloop/memory"
	"github.com/memloop/memloop/retrieval"
	"github.com/memloop/memloop/rulebase"
	"github.com/memloop/memloop/vecindex"

	"github.com/prometheus/client_golang/prometheus"
)

// Build-time variables, injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting memloop",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}

	// The observation journal prefers Redis; when Redis is unreachable the
	// relational store carries it instead so the process still comes up.
	var journal memory.Journal
	if rj, jerr := memory.NewRedisJournal(cfg.Redis); jerr == nil {
		journal = rj
		logger.Info("Observation journal backed by Redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		logger.Warn("Redis unavailable, journaling observations to the database", zap.Error(jerr))
		gj, gerr := memory.NewGormJournal(db)
		if gerr != nil {
			logger.Fatal("Failed to initialize observation journal", zap.Error(gerr))
		}
		journal = gj
	}

	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		DefaultModel:      cfg.LLM.Model,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	}, logger)

	embedder := embedding.NewOpenAIProvider(embedding.OpenAIConfig{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimension,
		Timeout:    cfg.Embedding.Timeout,
		MaxRetries: cfg.Embedding.MaxRetries,
	}, logger)

	caseIndex, ruleIndex := buildIndexes(cfg, logger)

	rater, err := memory.NewImportanceRater(provider, logger)
	if err != nil {
		logger.Fatal("Failed to build importance rater", zap.Error(err))
	}
	memories := memory.NewWorkingMemory(cfg.Memory, embedder, journal,
		memory.WithLogger(logger), memory.WithRater(rater))

	reflector, err := memory.NewReflector(provider, logger)
	if err != nil {
		logger.Fatal("Failed to build reflector", zap.Error(err))
	}

	cases, err := casebase.NewStore(cfg.CaseBase, db, caseIndex, embedder, casebase.WithLogger(logger))
	if err != nil {
		logger.Fatal("Failed to build case base", zap.Error(err))
	}
	rules, err := rulebase.NewStore(cfg.RuleBase, db, ruleIndex, embedder, rulebase.WithLogger(logger))
	if err != nil {
		logger.Fatal("Failed to build rules base", zap.Error(err))
	}

	pipeline, err := distill.NewPipeline(cfg.Distill, provider, cases, rules, embedder,
		distill.WithLogger(logger))
	if err != nil {
		logger.Fatal("Failed to build distillation pipeline", zap.Error(err))
	}

	orch := retrieval.NewOrchestrator(cfg.Retrieval, embedder, memories, cases, rules,
		retrieval.WithLogger(logger))

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("memloop", registry)

	eng, err := engine.New(cfg.Memory, engine.Deps{
		Memories:  memories,
		Reflector: reflector,
		Cases:     cases,
		Rules:     rules,
		Pipeline:  pipeline,
		Orch:      orch,
		Provider:  provider,
		Collector: collector,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}

	server := NewServer(cfg, logger, eng, cases, db, provider, registry)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()
	logger.Info("memloop stopped")
}

// buildIndexes picks the similarity index backend. A configured Qdrant
// collection gets one collection per store; otherwise retrieval runs on the
// in-process index and loses recall across restarts.
func buildIndexes(cfg *config.Config, logger *zap.Logger) (vecindex.Index, vecindex.Index) {
	if cfg.Qdrant.Host == "" || cfg.Qdrant.Collection == "" {
		logger.Warn("Qdrant not configured, using in-process similarity index")
		memCfg := vecindex.MemoryIndexConfig{Dimension: cfg.Embedding.Dimension}
		return vecindex.NewMemoryIndex(memCfg, logger), vecindex.NewMemoryIndex(memCfg, logger)
	}

	base := vecindex.QdrantConfig{
		Host:                 cfg.Qdrant.Host,
		Port:                 cfg.Qdrant.Port,
		APIKey:               cfg.Qdrant.APIKey,
		AutoCreateCollection: true,
		VectorSize:           cfg.Embedding.Dimension,
	}
	caseCfg := base
	caseCfg.Collection = cfg.Qdrant.Collection + "_cases"
	ruleCfg := base
	ruleCfg.Collection = cfg.Qdrant.Collection + "_rules"
	return vecindex.NewQdrantIndex(caseCfg, logger), vecindex.NewQdrantIndex(ruleCfg, logger)
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("memloop %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`memloop - continual-learning memory service

Usage:
  memloop <command> [options]

Commands:
  serve     Start the memloop server
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  memloop serve
  memloop serve --config /etc/memloop/config.yaml
  memloop health --addr http://localhost:8080
  memloop version`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
