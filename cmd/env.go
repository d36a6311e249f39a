package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/collector"
	"github.com/sells-group/policy-engine/internal/extract"
	"github.com/sells-group/policy-engine/internal/fetcher"
	"github.com/sells-group/policy-engine/internal/monitoring"
	"github.com/sells-group/policy-engine/internal/orchestrator"
	"github.com/sells-group/policy-engine/internal/resilience"
	"github.com/sells-group/policy-engine/internal/scorer"
	"github.com/sells-group/policy-engine/internal/scrape"
	"github.com/sells-group/policy-engine/internal/store"
	anthropicpkg "github.com/sells-group/policy-engine/pkg/anthropic"
	"github.com/sells-group/policy-engine/pkg/jina"
	"github.com/sells-group/policy-engine/pkg/notion"
)

// engineEnv holds the initialized store, collectors, oracle and monitoring
// pieces shared by the serve, scrape and monitor commands.
type engineEnv struct {
	Store        store.Store
	Registry     *collector.Registry
	Breakers     *resilience.ServiceBreakers
	Oracle       extract.Oracle
	Orchestrator *orchestrator.Orchestrator
	Learner      *monitoring.Learner
	Detector     *monitoring.Detector
	Checker      *monitoring.Checker
	Metrics      *monitoring.Metrics
	Prometheus   *prometheus.Registry

	closers []func() error
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the store config, connects and migrates.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEngine builds everything a collection or monitoring run needs.
// Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st, closers: []func() error{st.Close}}

	env.Prometheus = prometheus.NewRegistry()
	env.Prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	env.Metrics = monitoring.NewMetrics(env.Prometheus)

	retry := resilience.FromRetryConfig(cfg.Retry.MaxRetries, cfg.Retry.BaseDelayMs, cfg.Retry.MaxDelayMs, cfg.Retry.ExponentialBase)

	catalog, err := collector.LoadCatalog()
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "load source catalog")
	}
	env.Registry = collector.Build(catalog, initReader(), collector.FamilyOptions{
		Retry:       retry,
		Concurrency: cfg.Fetch.Concurrency,
	})
	env.Breakers = initBreakers(env.Registry.Names())

	env.Oracle = initOracle(env.Metrics)
	env.Orchestrator = orchestrator.New(st, env.Registry, env.Breakers, env.Oracle, initScorer(env), orchestrator.Options{
		Retry: retry,
		Batch: extract.BatchOptions{
			MaxConcurrent: cfg.Extract.MaxConcurrent,
			Delay:         time.Duration(cfg.Extract.BatchDelayMs) * time.Millisecond,
		},
		Observer: env.Metrics,
	})

	env.Learner = monitoring.NewLearner(st)
	alerter := monitoring.NewAlerter(cfg.Monitor, initChangeSink())
	env.Detector = monitoring.NewDetector(st, env.Oracle,
		monitoring.WithAlerter(alerter),
		monitoring.WithLearner(env.Learner),
		monitoring.WithChangeObserver(env.Metrics),
		monitoring.WithPolicyLimit(cfg.Monitor.PolicyLimit),
	)
	env.Checker = monitoring.NewChecker(env.Detector, monitoring.NewCollector(st), alerter, cfg.Monitor).
		WithMetrics(env.Metrics, env.Breakers)

	zap.L().Info("engine initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("sources", env.Registry.Names()),
		zap.Bool("offline", cfg.Fetch.Offline),
		zap.Bool("oracle", cfg.Extract.UseOracle),
	)
	return env, nil
}

// initReader builds the live document reader chain: Jina Reader first, then
// a direct HTTP fetch. Offline mode returns nil, which selects template
// agents.
func initReader() collector.Reader {
	if cfg.Fetch.Offline {
		zap.L().Warn("fetch.offline set, serving sources from standard templates")
		return nil
	}
	timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	jinaClient := jina.NewClient(cfg.Jina.Key, jina.WithBaseURL(cfg.Jina.BaseURL), jina.WithTimeout(timeout))
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    timeout,
		RatePerSec: cfg.Fetch.RatePerSec,
	})
	return scrape.NewChain(scrape.NewJinaAdapter(jinaClient), scrape.NewLocalScraper(httpFetcher))
}

// initBreakers registers one breaker per source with its configured
// thresholds. Breaker transitions are logged.
func initBreakers(sources []string) *resilience.ServiceBreakers {
	d := cfg.Breakers.Default
	base := resilience.FromCircuitConfig(d.FailureThreshold, d.ResetTimeoutMs, d.MonitoringPeriodMs)
	base.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("source", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	sb := resilience.NewServiceBreakers(base)
	for _, src := range sources {
		b := cfg.Breakers.For(src)
		sb.Register(src, resilience.FromCircuitConfig(b.FailureThreshold, b.ResetTimeoutMs, b.MonitoringPeriodMs))
	}
	return sb
}

func initOracle(usage extract.UsageObserver) extract.Oracle {
	if !cfg.Extract.UseOracle {
		zap.L().Warn("extract.use_oracle disabled, using rule-based extraction")
		return extract.NewOffline()
	}
	// Retries are owned by the orchestrator's retry policy.
	client := anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicpkg.WithMaxRetries(0))
	return extract.New(client, extract.Options{
		Model:       cfg.Anthropic.Model,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		Temperature: cfg.Anthropic.Temperature,
		Usage:       usage,
	})
}

// initScorer uses Redis for cross-validation caching when configured and
// reachable, otherwise an in-process cache.
func initScorer(env *engineEnv) *scorer.Scorer {
	opts := scorer.Options{CacheTTL: time.Duration(cfg.Scoring.CrossValidationTTLMins) * time.Minute}
	if cfg.Scoring.RedisAddr != "" {
		rc := scorer.NewRedisCache(scorer.RedisOptions{
			Addr:     cfg.Scoring.RedisAddr,
			Password: cfg.Scoring.RedisPassword,
			DB:       cfg.Scoring.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			zap.L().Warn("redis unreachable, using in-memory score cache",
				zap.String("addr", cfg.Scoring.RedisAddr), zap.Error(err))
			_ = rc.Close()
		} else {
			opts.Cache = rc
			env.closers = append(env.closers, rc.Close)
		}
	}
	return scorer.New(env.Store, opts)
}

// initChangeSink returns the Notion change log when configured.
func initChangeSink() monitoring.ChangeSink {
	if cfg.Notion.Token == "" || cfg.Notion.ChangesDB == "" {
		zap.L().Debug("notion not configured, change log disabled")
		return nil
	}
	return notion.NewChangeLog(notion.NewClient(cfg.Notion.Token), cfg.Notion.ChangesDB)
}
