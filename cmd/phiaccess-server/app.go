package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/phiaccess/internal/config"
	"github.com/ehr/phiaccess/internal/domain/audit"
	"github.com/ehr/phiaccess/internal/domain/emergency"
	"github.com/ehr/phiaccess/internal/domain/policy"
	"github.com/ehr/phiaccess/internal/domain/relationship"
	"github.com/ehr/phiaccess/internal/platform/auth"
	"github.com/ehr/phiaccess/internal/platform/cache"
	"github.com/ehr/phiaccess/internal/platform/db"
	"github.com/ehr/phiaccess/internal/platform/directory"
	"github.com/ehr/phiaccess/internal/platform/hipaa"
	"github.com/ehr/phiaccess/internal/platform/metrics"
	"github.com/ehr/phiaccess/internal/platform/middleware"
	"github.com/ehr/phiaccess/internal/platform/notification"
)

// lockLease bounds how long a crashed holder can block a relationship or
// session key in Redis.
const lockLease = 10 * time.Second

// app holds the wired components shared by the serve, report and sweep commands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	kafka   *notification.KafkaNotifier
	metrics *metrics.Collector

	audit         *audit.Service
	relationships *relationship.Service
	engine        *policy.Engine
	emergency     *emergency.Service
	dispatcher    *notification.Dispatcher
	retention     *hipaa.RetentionService
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	var (
		auditStore audit.Store
		relRepo    relationship.Repository
		sessRepo   emergency.Repository
		txFn       func(ctx context.Context, fn func(ctx context.Context) error) error
	)
	switch cfg.ResolvedStoreBackend() {
	case config.StorePostgres:
		cipher, err := hipaa.NewFieldCipher(cfg.PHIEncryptionKey, cfg.PHIEncryptionKeyVersion)
		if err != nil {
			return nil, err
		}
		if !cipher.Enabled() {
			logger.Warn().Msg("PHI_ENCRYPTION_KEY not set; relationship contact details are stored unencrypted")
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		auditStore = audit.NewStorePG(pool)
		relRepo = relationship.NewRepoPG(pool, cipher)
		sessRepo = emergency.NewRepoPG(pool)
		txFn = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.RunInTx(ctx, pool, fn)
		}
		logger.Info().Msg("connected to database")
	default:
		auditStore = audit.NewMemoryStore()
		relRepo = relationship.NewMemoryRepo()
		sessRepo = emergency.NewMemoryRepo()
		logger.Warn().Msg("using in-memory stores; data is lost on restart")
	}

	var (
		locker      cache.Locker      = cache.NewLocalLocker()
		limiter     cache.Limiter     = cache.NewLocalLimiter()
		reportCache cache.ReportCache = cache.NopReportCache{}
	)
	if cfg.RedisURL != "" {
		client, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		locker = cache.NewRedisLocker(client, lockLease)
		limiter = cache.NewRedisLimiter(client, logger)
		reportCache = cache.NewRedisReportCache(client)
		logger.Info().Msg("connected to redis")
	}

	templates := notification.NewTemplateEngine()
	sinks := []notification.Notifier{notification.NewLogNotifier(logger, templates)}
	if len(cfg.KafkaBrokers) > 0 {
		kn, err := notification.NewKafkaNotifier(notification.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaNotifyTopic,
		}, templates)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kafka notifier: %w", err)
		}
		a.kafka = kn
		sinks = append(sinks, kn)
	}
	a.dispatcher = notification.NewDispatcher(cfg.NotifyTimeout, logger, sinks...)

	classifier := hipaa.NewPHIClassifier(hipaa.DefaultPHIResources())
	a.retention = hipaa.NewRetentionService(hipaa.DefaultRetentionPolicies(), logger)

	penalties := audit.DefaultPenalties()
	penalties.Violation = cfg.PenaltyViolation
	penalties.HighRisk = cfg.PenaltyHighRisk
	penalties.MissedReview = cfg.PenaltyMissedReview
	penalties.RiskThreshold = cfg.ReviewRiskThreshold
	a.audit = audit.NewService(auditStore, logger, audit.Options{
		Cache:     reportCache,
		Metrics:   a.metrics,
		Penalties: &penalties,
	})

	a.relationships = relationship.NewService(relRepo, a.audit, locker, classifier, relationship.Config{
		TTL:                    cfg.RelationshipTTL,
		MinJustificationLength: cfg.MinJustificationLength,
	}, logger)
	if txFn != nil {
		a.relationships.SetTx(txFn)
	}

	var oracle policy.RelationshipOracle = localOracle(a.relationships)
	if cfg.OracleURL != "" {
		oracle = directoryOracle(directory.NewClient(cfg.OracleURL, cfg.OracleTimeout))
		logger.Info().Str("url", cfg.OracleURL).Msg("using external relationship oracle")
	}
	a.engine = policy.NewEngine(policyConfig(cfg), policy.EngineOptions{
		Oracle:        oracle,
		OracleTimeout: cfg.OracleTimeout,
		Limiter:       limiter,
		MaxPerHour:    cfg.EmergencyMaxPerHour,
		Classifier:    classifier,
		Metrics:       a.metrics,
	}, logger)

	a.emergency = emergency.NewService(sessRepo, a.engine, a.audit, logger, emergency.Options{
		Locker:   locker,
		Notifier: a.dispatcher,
		Metrics:  a.metrics,
		Tx:       txFn,
	})
	return a, nil
}

func policyConfig(cfg *config.Config) policy.Config {
	pc := policy.DefaultConfig()
	pc.Weights = policy.Weights{
		BaseLow:      cfg.RiskBaseLow,
		BaseModerate: cfg.RiskBaseModerate,
		BaseHigh:     cfg.RiskBaseHigh,
		BaseCritical: cfg.RiskBaseCritical,
		NoSupervisor: cfg.RiskNoSupervisor,
		Unvalidated:  cfg.RiskUnvalidated,
		Terse:        cfg.RiskTerse,
		DirectPHI:    cfg.RiskDirectPHI,
		StrongCredit: cfg.RiskStrongCredit,
	}
	pc.MinJustification = cfg.MinJustificationLength
	pc.ReviewThreshold = cfg.ReviewRiskThreshold
	pc.NotifyModerate = cfg.NotifyModerate
	return pc
}

func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.metrics.Middleware())
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, "/metrics", "/api/v1/compliance/report/export"))

	jwtCfg := auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		SigningKey: []byte(a.cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if a.cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}
	e.Use(middleware.EmergencyToken(a.logger, a.emergency.TokenResolver()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	} else {
		e.GET("/health/db", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "backend": config.StoreMemory})
		})
	}
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	api := e.Group("/api/v1")
	relationship.NewHandler(a.relationships).RegisterRoutes(api)
	emergency.NewHandler(a.emergency).RegisterRoutes(api)

	auditHandler := audit.NewHandler(a.audit)
	auditHandler.AddStatsSource("relationships", a.relationships.Count)
	auditHandler.AddStatsSource("emergency_sessions", a.emergency.Count)
	auditHandler.RegisterRoutes(api)

	hipaa.RegisterRetentionRoutes(api, a.retention)
	notification.NewHandler(a.dispatcher).RegisterRoutes(api)
	return e
}

// Close releases external connections. It is safe on a partially built app.
func (a *app) Close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing kafka writer")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing redis client")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
