package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"autoresponder/config"
	"autoresponder/internal/agent"
	"autoresponder/internal/dedup"
	inputfile "autoresponder/internal/input/file"
	inputredis "autoresponder/internal/input/redis"
	"autoresponder/internal/logger"
	"autoresponder/internal/metrics"
	"autoresponder/internal/normalize"
	"autoresponder/internal/opsapi"
	"autoresponder/internal/output/artifacts"
	"autoresponder/internal/output/recordclickhouse"
	"autoresponder/internal/output/recordhttp"
	"autoresponder/internal/output/recordjson"
	"autoresponder/internal/output/recordnats"
	"autoresponder/internal/output/timeline"
	"autoresponder/internal/pipeline"
	"autoresponder/internal/planner"
	"autoresponder/internal/poller"
	"autoresponder/internal/responder"
	"autoresponder/internal/rules"
	"autoresponder/internal/session"
	"autoresponder/internal/target"
	"autoresponder/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("autoresponder.yml"); err == nil {
		return "autoresponder.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "autoresponder.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

func loadConfig(configArg string) (*config.Config, string) {
	configPath := findConfigFile(configArg)
	cfg := &config.Config{}
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	config.ApplyEnv(cfg)
	config.ApplyDefaults(cfg)
	return cfg, configPath
}

// agentPool caches one client per agent URL.
type agentPool struct {
	cfg     config.AgentConfig
	mu      sync.Mutex
	clients map[string]*agent.Client
}

func (p *agentPool) get(t models.TargetInfo) (pipeline.AgentAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[t.AgentURL]; ok {
		return c, nil
	}
	c, err := agent.NewClient(agent.Config{
		BaseURL:        t.AgentURL,
		AgentName:      p.cfg.AgentName,
		RequestTimeout: p.cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	p.clients[t.AgentURL] = c
	return c, nil
}

func newSource(cfg config.InputConfig) responder.Source {
	switch cfg.Mode {
	case "file":
		r, err := inputfile.NewReader(cfg.File)
		if err != nil {
			log.Fatalf("Failed to create alert file reader: %v", err)
		}
		logger.Infof("Input mode: file (%s)", cfg.File)
		return r
	case "redis":
		s, err := inputredis.NewSource(inputredis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Key:          cfg.Redis.Key,
			BlockTimeout: cfg.Redis.BlockTimeout,
			BatchSize:    cfg.Redis.BatchSize,
		})
		if err != nil {
			logger.Errorf("Failed to create Redis alert source: %v", err)
			log.Fatalf("Failed to create Redis alert source: %v", err)
		}
		logger.Infof("Input mode: redis (%s key=%s)", cfg.Redis.Addr, cfg.Redis.Key)
		return s
	default:
		log.Fatalf("Unknown input mode: %s", cfg.Mode)
	}
	return nil
}

func newDedupStore(cfg config.DedupConfig) dedup.Store {
	switch cfg.Store {
	case "file":
		logger.Infof("Dedup state: file (%s)", cfg.File)
		return dedup.NewFileStore(cfg.File)
	case "redis":
		s, err := dedup.NewRedisStore(dedup.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			logger.Errorf("Failed to create Redis dedup store: %v", err)
			log.Fatalf("Failed to create Redis dedup store: %v", err)
		}
		logger.Infof("Dedup state: redis (%s key=%s)", cfg.Redis.Addr, cfg.Redis.Key)
		return s
	default:
		log.Fatalf("Unknown dedup store: %s", cfg.Store)
	}
	return nil
}

func newRecordWriter(cfg config.RecordsConfig, runID string) pipeline.RecordWriter {
	switch cfg.Mode {
	case "file":
		w, err := recordjson.NewWriter(cfg.File.Path)
		if err != nil {
			logger.Errorf("Failed to create record file writer: %v", err)
			log.Fatalf("Failed to create record file writer: %v", err)
		}
		logger.Infof("Record output mode: file (%s)", cfg.File.Path)
		return w
	case "http":
		w, err := recordhttp.NewWriter(recordhttp.Config{
			URL:     cfg.HTTP.URL,
			RunID:   runID,
			Timeout: cfg.HTTP.Timeout,
			Headers: cfg.HTTP.Headers,
		})
		if err != nil {
			logger.Errorf("Failed to create record HTTP writer: %v", err)
			log.Fatalf("Failed to create record HTTP writer: %v", err)
		}
		logger.Infof("Record output mode: http (%s)", cfg.HTTP.URL)
		return w
	case "clickhouse":
		w, err := recordclickhouse.NewWriter(recordclickhouse.Config{
			URL:      cfg.ClickHouse.URL,
			Database: cfg.ClickHouse.Database,
			Table:    cfg.ClickHouse.Table,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Timeout:  cfg.ClickHouse.Timeout,
			Headers:  cfg.ClickHouse.Headers,
		})
		if err != nil {
			logger.Errorf("Failed to create record ClickHouse writer: %v", err)
			log.Fatalf("Failed to create record ClickHouse writer: %v", err)
		}
		logger.Infof("Record output mode: clickhouse (%s/%s.%s)", cfg.ClickHouse.URL, cfg.ClickHouse.Database, cfg.ClickHouse.Table)
		return w
	case "nats":
		w, err := recordnats.NewWriter(recordnats.Config{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject})
		if err != nil {
			logger.Errorf("Failed to create record NATS writer: %v", err)
			log.Fatalf("Failed to create record NATS writer: %v", err)
		}
		return w
	default:
		log.Fatalf("Unknown record output mode: %s", cfg.Mode)
	}
	return nil
}

func newClassifier(cfg config.RulesConfig) *rules.Classifier {
	if !cfg.Enabled {
		return rules.NewClassifier(nil)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		logger.Warnf("Rules enabled but rules.path is empty; using built-in patterns only")
		return rules.NewClassifier(nil)
	}
	engine, stats, err := rules.NewSigmaEngine(cfg.Path)
	if err != nil {
		logger.Errorf("Failed to load Sigma rules from %s: %v", cfg.Path, err)
		log.Fatalf("Failed to load Sigma rules: %v", err)
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
		stats.Loaded,
		stats.SkippedComplex,
		stats.SkippedDatasource,
		stats.SkippedInvalid,
		stats.TotalFiles,
	)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; using built-in patterns only")
		return rules.NewClassifier(nil)
	}
	return rules.NewClassifier(engine)
}

func run(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}
	cfg, configPath := loadConfig(configArg)
	ar := cfg.AutoResponder

	if err := logger.Init(logger.Options{
		Enabled: ar.Logging.IsEnabled(),
		Level:   ar.Logging.Level,
		File:    ar.Logging.File,
		Console: ar.Logging.ToConsole(),
		Format:  ar.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Infof("Auto-responder starting (run_id=%s)", ar.RunID)
	if configPath != "" {
		logger.Infof("Config loaded from: %s", configPath)
	} else {
		logger.Infof("No config file found; using defaults and environment")
	}

	runDir := filepath.Join(ar.OutputDir, ar.RunID)
	tlWriter, err := timeline.NewWriter(runDir)
	if err != nil {
		log.Fatalf("Failed to create timeline writer: %v", err)
	}
	tlWriter.Logf(timeline.LevelInit, "", "", "", "Auto-responder started: planner=%s poll=%s timeout=%s",
		ar.Planner.URL, ar.Input.PollInterval, ar.Dispatch.ExecutionTimeout)

	m := metrics.NewMetrics()

	source := newSource(ar.Input)
	dedupStore := newDedupStore(ar.Dedup)
	index := dedup.NewIndex(ar.Dedup.Window, dedupStore)
	if err := index.Load(context.Background()); err != nil {
		logger.Errorf("Failed to load dedup state, starting empty: %v", err)
	}
	processed, threats := index.Counts()
	logger.Infof("Dedup state: %d processed alerts, %d recent threats", processed, threats)

	plannerClient, err := planner.NewClient(planner.Config{
		URL:         ar.Planner.URL,
		Timeout:     ar.Planner.Timeout,
		Temperature: ar.Planner.Temperature,
		MaxTokens:   ar.Planner.MaxTokens,
		Headers:     ar.Planner.Headers,
	})
	if err != nil {
		log.Fatalf("Failed to create planner client: %v", err)
	}

	targetRules := make([]target.Rule, 0, len(ar.Targets.Rules))
	for _, r := range ar.Targets.Rules {
		targetRules = append(targetRules, target.Rule{
			Prefix:   r.Prefix,
			Role:     models.Role(r.Role),
			TargetIP: r.TargetIP,
			Machine:  r.Machine,
		})
	}
	resolver := target.NewResolver(targetRules, ar.Agent.BaseURL, ar.Agent.Port)

	sessions := session.NewRegistry(session.Config{
		AbortPause: ar.Agent.AbortPause,
		OnAction: func(targetIP string, action session.Action) {
			m.ObserveSessionAction(string(action))
		},
	})
	artifactStore, err := artifacts.NewStore(runDir)
	if err != nil {
		log.Fatalf("Failed to create artifact store: %v", err)
	}
	pool := &agentPool{cfg: ar.Agent, clients: make(map[string]*agent.Client)}
	dispatcher := pipeline.NewDispatcher(
		pipeline.Config{
			Workers:          ar.Dispatch.Workers,
			HealthTimeout:    ar.Agent.HealthTimeout,
			HealthInterval:   ar.Agent.HealthInterval,
			ExecutionTimeout: ar.Dispatch.ExecutionTimeout,
		},
		pool.get,
		sessions,
		poller.New(poller.Config{Interval: ar.Dispatch.StatusInterval, MinGoneElapsed: ar.Dispatch.MinGoneElapsed}),
		normalize.New(artifactStore),
		tlWriter,
		m,
		newRecordWriter(ar.Records, ar.RunID),
	)

	resp, err := responder.New(responder.Config{
		PollInterval: ar.Input.PollInterval,
		MaxRetries:   ar.Dispatch.MaxRetries,
	}, responder.Deps{
		Source:     source,
		Classifier: newClassifier(ar.Rules),
		Index:      index,
		Planner:    plannerClient,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Timeline:   tlWriter,
		Metrics:    m,
	})
	if err != nil {
		log.Fatalf("Failed to create responder: %v", err)
	}

	var ops *opsapi.Server
	if ar.Ops.Enabled {
		ops = opsapi.NewServer(ar.Ops.Addr, opsapi.Deps{
			Gatherer: m.Registry,
			Sessions: sessions,
			Units:    dispatcher,
			Dedup:    index,
			RunID:    ar.RunID,
		})
		ops.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := resp.Run(ctx); err != nil {
			logger.Errorf("Responder error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	cancel()
	<-done

	graceCtx, graceCancel := context.WithTimeout(context.Background(), ar.Dispatch.ShutdownGrace)
	defer graceCancel()
	if err := dispatcher.Shutdown(graceCtx); err != nil {
		logger.Warnf("Dispatcher shutdown: %v", err)
	}
	if err := resp.Flush(context.Background()); err != nil {
		logger.Errorf("Final dedup persist failed: %v", err)
	}
	if ops != nil {
		if err := ops.Shutdown(context.Background()); err != nil {
			logger.Errorf("Error stopping ops endpoint: %v", err)
		}
	}
	if err := source.Close(); err != nil {
		logger.Errorf("Error closing alert source: %v", err)
	}
	if closer, ok := dedupStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Errorf("Error closing dedup store: %v", err)
		}
	}
	tlWriter.Logf(timeline.LevelInit, "", "", "", "Auto-responder stopped")
	if err := tlWriter.Close(); err != nil {
		logger.Errorf("Error closing timeline: %v", err)
	}

	logger.Infof("Auto-responder stopped")
}

func main() {
	run(os.Args[1:])
}
