package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/medguard/internal/backend"
	"github.com/lvonguyen/medguard/internal/config"
	"github.com/lvonguyen/medguard/internal/mitre"
	"github.com/lvonguyen/medguard/internal/mpc"
	"github.com/lvonguyen/medguard/internal/observability"
	"github.com/lvonguyen/medguard/internal/playbooks"
	"github.com/lvonguyen/medguard/internal/session"
	"github.com/lvonguyen/medguard/internal/telemetry/aggregation"
	"github.com/lvonguyen/medguard/internal/telemetry/classification"
	"github.com/lvonguyen/medguard/internal/telemetry/correlation"
	"github.com/lvonguyen/medguard/internal/telemetry/forwarding"
	"github.com/lvonguyen/medguard/internal/telemetry/ingestion"
	"github.com/lvonguyen/medguard/internal/telemetry/normalization"
	"github.com/lvonguyen/medguard/internal/workflow"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg         *config.Config
	telemetry   *observability.Telemetry
	logger      *zap.Logger
	session     *session.Session
	backend     *backend.Client
	classifier  *classification.Classifier
	techniques  *mitre.Framework
	playbooks   *playbooks.Manager
	correlator  *correlation.Correlator
	forwarder   *forwarding.HECForwarder
	aggregator  *aggregation.Aggregator
	coordinator *workflow.Coordinator
}

// newApp wires every component. daemon enables the parts that only make
// sense for a long-running server: metrics and Splunk forwarding.
func newApp(cfg *config.Config, daemon bool) (*app, error) {
	tel, err := observability.New(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Observability.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Observability.TracingEnabled,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
		MetricsEnabled: daemon && cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger()

	sess := session.New()
	if cfg.Backend.TokenEnv != "" {
		if token := os.Getenv(cfg.Backend.TokenEnv); token != "" {
			if err := sess.Init(token); err != nil {
				logger.Warn("Ignoring session token from environment", zap.String("env", cfg.Backend.TokenEnv), zap.Error(err))
			} else {
				logger.Info("Session initialized from environment", zap.String("user_id", sess.Info().UserID))
			}
		}
	}

	client, err := backend.NewClient(backend.Config{
		BaseURL:    cfg.Backend.BaseURL,
		Timeout:    cfg.Backend.Timeout,
		HealthPath: cfg.Backend.HealthPath,
	}, sess)
	if err != nil {
		return nil, err
	}

	aggOpts := []aggregation.Option{
		aggregation.WithLogger(logger.Named("aggregator")),
		aggregation.WithTracer(tel.Tracer()),
	}
	coordOpts := []workflow.Option{
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithTracer(tel.Tracer()),
	}
	if m := tel.Metrics(); m != nil {
		aggOpts = append(aggOpts, aggregation.WithRecorder(m))
		coordOpts = append(coordOpts, workflow.WithRecorder(m))
	}

	classifier := classification.NewClassifier(classification.DefaultTaxonomy())

	var forwarder *forwarding.HECForwarder
	if daemon && cfg.Splunk.Enabled {
		forwarder, err = forwarding.NewHECForwarder(forwarding.Config{
			HECURL:     cfg.Splunk.HECURL,
			TokenEnv:   cfg.Splunk.TokenEnv,
			Index:      cfg.Splunk.Index,
			SourceType: cfg.Splunk.SourceType,
			Source:     cfg.Splunk.Source,
			Timeout:    cfg.Splunk.Timeout,
			RetryCount: cfg.Splunk.RetryCount,
			Backoff:    time.Second,
		}, classifier, logger.Named("splunk"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Splunk forwarding: %w", err)
		}
		aggOpts = append(aggOpts, aggregation.WithSink(forwarder))
	}

	collector := ingestion.NewLogsCollector(ingestion.CollectorConfig{
		PerPage:   cfg.Telemetry.PerPage,
		EventType: cfg.Telemetry.EventType,
	}, client)
	aggregator := aggregation.New(
		aggregation.Config{PollInterval: cfg.Telemetry.PollInterval},
		collector,
		normalization.NewNormalizer(normalization.DefaultNormalizerConfig()),
		aggOpts...,
	)

	pbs := playbooks.NewManager(logger.Named("playbooks"))
	if dir := cfg.Telemetry.PlaybooksDir; dir != "" {
		if err := pbs.LoadDir(dir); err != nil {
			return nil, fmt.Errorf("failed to load playbooks: %w", err)
		}
	}

	techniques := mitre.NewFramework(logger.Named("atlas"))
	correlator := correlation.NewCorrelator(correlation.Config{
		TimeWindow:        cfg.Telemetry.Correlation.TimeWindow,
		MinEventsForChain: cfg.Telemetry.Correlation.MinEventsForChain,
		RiskThreshold:     cfg.Telemetry.Correlation.RiskThreshold,
	}, correlation.WithLogger(logger.Named("correlation")), correlation.WithTechniques(techniques))

	stages := mpc.NewClient(client)
	coordinator := workflow.NewCoordinator(
		workflow.Stages{Loader: stages, Intersect: stages, Predict: stages, Batch: stages},
		workflow.Config{RecordLimit: cfg.Workflow.RecordLimit, StageTimeout: cfg.Workflow.StageTimeout},
		coordOpts...,
	)

	return &app{
		cfg:         cfg,
		telemetry:   tel,
		logger:      logger,
		session:     sess,
		backend:     client,
		classifier:  classifier,
		forwarder:   forwarder,
		techniques:  techniques,
		playbooks:   pbs,
		correlator:  correlator,
		aggregator:  aggregator,
		coordinator: coordinator,
	}, nil
}

// newRedis connects to Redis when configured. A nil client means the rate
// limiter runs in-process only.
func (a *app) newRedis(ctx context.Context) *redis.Client {
	if !a.cfg.RedisEnabled() {
		return nil
	}

	var password string
	if a.cfg.Redis.PasswordEnv != "" {
		password = os.Getenv(a.cfg.Redis.PasswordEnv)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		a.logger.Warn("Redis unavailable, rate limiting falls back to local limits",
			zap.String("addr", a.cfg.Redis.Addr), zap.Error(err))
	} else {
		a.logger.Info("Connected to Redis", zap.String("addr", a.cfg.Redis.Addr))
	}
	return client
}

func (a *app) close(ctx context.Context) error {
	return a.telemetry.Shutdown(ctx)
}
