package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/audittrail/internal/api"
	"github.com/onnwee/audittrail/internal/archive"
	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/auth"
	"github.com/onnwee/audittrail/internal/config"
	"github.com/onnwee/audittrail/internal/db"
	"github.com/onnwee/audittrail/internal/health"
	"github.com/onnwee/audittrail/internal/idempotency"
	"github.com/onnwee/audittrail/internal/jobs"
	"github.com/onnwee/audittrail/internal/middleware"
	"github.com/onnwee/audittrail/internal/stream"
	"github.com/onnwee/audittrail/internal/tracing"
	"github.com/onnwee/audittrail/migrations"
)

const (
	serviceName        = "audittrail-api"
	version            = "0.1.0"
	dashboardCacheKey  = "audittrail:dashboard"
	idempotencyPrefix  = "audittrail:idem:"
	rateLimitSweepTick = time.Minute
	idempotencySweep   = time.Hour
)

// app holds the wired services of one API process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	tracer    *tracing.Provider
	db        *sql.DB
	redis     *redis.Client
	registry  *prometheus.Registry
	command   *audit.CommandService
	query     *audit.QueryService
	retention *audit.RetentionManager
	feed      *stream.EntryBroadcaster
	handler   http.Handler

	stopBackground context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// newApp connects the dependencies named in cfg and builds the HTTP handler.
// Without DATABASE_URL the trail lives in memory.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.abort()
		}
	}()

	a.tracer, err = tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	auditMetrics := audit.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	streamMetrics := stream.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, r := range []interface{ Register(prometheus.Registerer) error }{auditMetrics, httpMetrics, streamMetrics, jobMetrics} {
		if err := r.Register(a.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	var checks []api.DependencyCheck
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if a.db != nil {
		checks = append(checks, api.DependencyCheck{Name: "database", Checker: health.NewDBChecker(a.db)})
	}

	bg, cancel := context.WithCancel(context.Background())
	a.stopBackground = cancel

	var rateStore middleware.RateLimitStore
	var dashboardCache audit.DashboardCache
	var keys idempotency.Repository
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		rateStore = middleware.NewRedisRateLimitStore(a.redis).WithMetrics(httpMetrics)
		dashboardCache = audit.NewRedisDashboardCache(a.redis, dashboardCacheKey)
		keys = idempotency.NewRedisRepository(a.redis, idempotencyPrefix, idempotency.DefaultExpiry)
		checks = append(checks, api.DependencyCheck{Name: "redis", Checker: health.NewRedisChecker(a.redis), Optional: true})
	} else {
		mem := middleware.NewInMemoryRateLimitStore()
		rateStore = mem
		go sweepRateLimits(bg, mem)

		memKeys := idempotency.NewInMemoryRepository()
		keys = memKeys
		go idempotency.RunPeriodicCleanup(bg, memKeys, idempotencySweep, idempotency.DefaultExpiry, logger)
	}

	var archiver audit.Archiver
	if cfg.ArchiveEnabled() {
		s3, err := archive.NewS3Archiver(archive.Config{
			Bucket:          cfg.ArchiveBucket,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		archiver = s3
		checks = append(checks, api.DependencyCheck{Name: "archive", Checker: s3, Optional: true})
	}

	a.feed = stream.NewEntryBroadcaster(streamMetrics, logger)
	maintenance := &sync.RWMutex{}

	writer := audit.NewChainWriter(store, audit.WithChainMetrics(auditMetrics))
	a.command = audit.NewCommandService(writer, audit.CommandConfig{
		AsyncWorkers:   cfg.AsyncWorkers,
		AsyncQueueSize: cfg.AsyncQueueSize,
		AnonymizeIPs:   cfg.AnonymizeIPs,
		Logger:         logger,
		Metrics:        auditMetrics,
		JobMetrics:     jobMetrics,
		Publisher:      a.feed,
	})
	a.query = audit.NewQueryService(store, audit.QueryConfig{
		MaxPageSize:        cfg.MaxPageSize,
		RetentionPeriod:    cfg.RetentionPeriod(),
		NotificationWindow: cfg.NotificationWindow(),
		Cache:              dashboardCache,
		CacheTTL:           cfg.DashboardCacheTTL(),
		Maintenance:        maintenance,
		Metrics:            auditMetrics,
		JobMetrics:         jobMetrics,
		Logger:             logger,
	})
	a.retention = audit.NewRetentionManager(store, audit.RetentionConfig{
		Period:      cfg.RetentionPeriod(),
		Interval:    cfg.RetentionInterval(),
		DryRun:      cfg.RetentionDryRun,
		Archiver:    archiver,
		Recorder:    a.command,
		Maintenance: maintenance,
		Logger:      logger,
		Metrics:     auditMetrics,
		JobMetrics:  jobMetrics,
	})

	jwtService := auth.NewJWTService(cfg.JWTSecret, auth.WithPreviousSecret(cfg.JWTPreviousSecret))
	rateLimit := func(limit middleware.RateLimitConfig) api.Middleware {
		return middleware.RateLimiter(rateStore, limit, middleware.ActorKeyFunc(), httpMetrics)
	}
	exportRole := middleware.RequireRole(httpMetrics, auth.RoleAdmin, auth.RoleAuditor)
	exportLimit := rateLimit(middleware.DefaultExportLimit())
	writeRole := middleware.RequireRole(httpMetrics, auth.RoleAdmin, auth.RoleService)
	once := idempotency.Middleware(keys, logger)

	mux := api.NewRouter(api.RouterConfig{
		Audit: api.NewAuditHandlers(api.AuditHandlersConfig{
			Query:          a.query,
			Command:        a.command,
			Feed:           a.feed,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			JobMetrics:     jobMetrics,
		}),
		Health:       api.NewHealthHandlers(api.HealthHandlersConfig{Checks: checks, Version: version}),
		Metrics:      promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		Authenticate: middleware.Auth(jwtService, httpMetrics),
		SearchGuard:  rateLimit(middleware.DefaultSearchLimit()),
		ExportGuard:  func(next http.Handler) http.Handler { return exportRole(exportLimit(next)) },
		WriteGuard:   func(next http.Handler) http.Handler { return writeRole(once(next)) },
		ServiceName:  serviceName,
		Version:      version,
	})

	// RequestID -> AuditContext -> Tracing -> Logging -> HTTPMetrics -> CORS -> RateLimiter
	var handler http.Handler = mux
	handler = middleware.RateLimiter(rateStore, middleware.DefaultGlobalLimit(), middleware.IPKeyFunc(), httpMetrics)(handler)
	handler = middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins})(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.AuditContext(handler)
	a.handler = middleware.RequestID(handler)

	if err := a.retention.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("start retention: %w", err)
	}
	if _, err := a.command.Record(ctx, a.lifecycleRequest(audit.EventSystemStartup)); err != nil {
		return nil, fmt.Errorf("record startup: %w", err)
	}
	return a, nil
}

// openStore returns the Postgres store when DATABASE_URL is set, applying
// pending migrations first, and an in-memory store otherwise.
func (a *app) openStore(ctx context.Context) (audit.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, audit entries are kept in memory only")
		return audit.NewInMemoryStore(), nil
	}

	conn, err := db.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.db = conn

	applied, err := db.Migrate(ctx, conn, migrations.FS)
	if err != nil {
		return nil, err
	}
	if len(applied) > 0 {
		a.logger.Info("applied schema migrations", "versions", applied)
	}
	return audit.NewPostgresStore(conn, a.logger), nil
}

func sweepRateLimits(ctx context.Context, store *middleware.InMemoryRateLimitStore) {
	ticker := time.NewTicker(rateLimitSweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Cleanup()
		}
	}
}

func (a *app) lifecycleRequest(eventType audit.EventType) *audit.Request {
	return &audit.Request{
		EventType:  eventType,
		EntityType: audit.SystemEntityType,
		EntityID:   serviceName,
		NewValue:   map[string]string{"version": version, "env": a.cfg.Env},
		Source:     audit.SourceSystem,
	}
}

// shutdown records SYSTEM_SHUTDOWN, drains pending async entries and
// releases every connection. It is safe to call more than once.
func (a *app) shutdown(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.retention != nil {
			a.retention.Stop()
		}
		if a.command != nil {
			if _, err := a.command.Record(ctx, a.lifecycleRequest(audit.EventSystemShutdown)); err != nil {
				errs = append(errs, fmt.Errorf("record shutdown: %w", err))
			}
			if err := a.command.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close command service: %w", err))
			}
		}
		if a.tracer != nil {
			if err := a.tracer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
			}
		}
		errs = append(errs, a.closeResources())
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// abort releases whatever newApp managed to start before failing.
func (a *app) abort() {
	if a.retention != nil {
		a.retention.Stop()
	}
	if a.command != nil {
		_ = a.command.Close(context.Background())
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(context.Background())
	}
	_ = a.closeResources()
}

func (a *app) closeResources() error {
	var errs []error
	if a.stopBackground != nil {
		a.stopBackground()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
