package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"veriflow/internal/audit"
	"veriflow/internal/identity"
	jwttoken "veriflow/internal/jwt_token"
	"veriflow/internal/platform/clock"
	"veriflow/internal/platform/config"
	"veriflow/internal/platform/httpserver"
	"veriflow/internal/platform/logger"
	"veriflow/internal/platform/metrics"
	"veriflow/internal/platform/redis"
	"veriflow/internal/ratelimit"
	httptransport "veriflow/internal/transport/http"
	"veriflow/internal/verification/handler"
	"veriflow/internal/verification/service"
	"veriflow/internal/verification/store"
	"veriflow/internal/verification/sweeper"
	"veriflow/internal/verifier"
	id "veriflow/pkg/domain"
	pstrings "veriflow/pkg/platform/strings"
)

const remoteVerifierTimeout = 10 * time.Second

// sessionBackend is what main needs from a session store: the service-facing
// surface plus expiry listing for the sweeper.
type sessionBackend interface {
	service.SessionStore
	sweeper.Lister
}

// main wires the engine's dependencies and keeps the process lifecycle small.
// Business logic lives in the internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m := metrics.New()
	clk := clock.NewSystem()

	rdb, err := redis.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	// Backing stores degrade gracefully: postgres, then redis, then memory.
	var sessions sessionBackend
	var directory service.Directory
	switch {
	case pool != nil:
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		dir := identity.NewPostgres(pool)
		if err := dir.EnsureSchema(ctx); err != nil {
			return err
		}
		sessions, directory = pg, dir
	case rdb != nil:
		sessions, directory = store.NewRedis(rdb.Client), identity.NewMemory()
		log.Warn("identity directory running in-memory; all lookups will miss until seeded")
	default:
		sessions, directory = store.NewMemory(), identity.NewMemory()
		log.Warn("no backing stores configured, running fully in-memory")
	}

	var windows ratelimit.WindowStore = ratelimit.NewMemoryWindowStore(clk)
	if rdb != nil {
		windows = ratelimit.NewRedisWindowStore(rdb.Client, clk)
	}
	identityGov := ratelimit.NewIdentityGovernor(windows, cfg.IdentityRateLimit, cfg.IdentityRateWindow)
	boothGov := ratelimit.NewBoothGovernor(windows, cfg.BoothRateLimit, cfg.BoothRateWindow)

	var auditStore audit.Store = audit.NewMemory()
	var auditDB *sql.DB
	if cfg.PostgresDSN != "" {
		auditDB, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer auditDB.Close()
		pgAudit := audit.NewPostgres(auditDB)
		if err := pgAudit.EnsureSchema(ctx); err != nil {
			return err
		}
		auditStore = pgAudit
	}
	publisher := audit.NewPublisher(auditStore,
		audit.WithLogger(log),
		audit.WithMetrics(m),
		audit.WithAsyncBuffer(1024),
	)
	defer publisher.Close()

	var relay *audit.Relay
	var consumer *audit.Consumer
	if cfg.KafkaBrokers != "" && auditDB != nil {
		brokers := pstrings.DedupeAndTrim(strings.Split(cfg.KafkaBrokers, ","))

		relay, err = audit.NewRelay(auditDB, brokers, cfg.AuditTopic,
			audit.RelayWithLogger(log),
			audit.RelayWithMetrics(m),
		)
		if err != nil {
			return err
		}
		if err := relay.EnsureTopic(ctx, 6); err != nil {
			return err
		}

		consumer, err = audit.NewConsumer(brokers, cfg.AuditTopic, "veriflow-audit-materializer",
			audit.NewPostgres(auditDB),
			audit.ConsumerWithLogger(log),
			audit.ConsumerWithMetrics(m),
		)
		if err != nil {
			return err
		}
	}

	providers := map[id.Method]verifier.Provider{
		id.MethodOTP:    verifier.NewOTPVerifier(clk, cfg.OTPCodeTTL),
		id.MethodManual: verifier.NewManualVerifier(),
	}
	for _, remote := range []struct {
		method   id.Method
		endpoint string
	}{
		{id.MethodFace, cfg.FaceEndpoint},
		{id.MethodBiometric, cfg.BiometricEndpoint},
		{id.MethodDocument, cfg.DocumentEndpoint},
	} {
		if remote.endpoint != "" {
			providers[remote.method] = verifier.NewRemoteVerifier(remote.method, remote.endpoint, remoteVerifierTimeout)
		}
	}
	registry, err := verifier.NewRegistry(providers,
		verifier.WithThreshold(id.MethodFace, cfg.FaceThreshold),
		verifier.WithThreshold(id.MethodBiometric, cfg.BiometricThreshold),
		verifier.WithThreshold(id.MethodDocument, cfg.DocumentThreshold),
	)
	if err != nil {
		return err
	}

	svc := service.NewService(sessions, directory, identityGov, boothGov, registry, publisher,
		service.WithClock(clk),
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithTimeout(cfg.SessionTimeout),
		service.WithMaxAttempts(cfg.MaxAttempts),
		service.WithConflictRetries(cfg.ConflictRetries),
		service.WithVerifierRetries(cfg.VerifierRetries),
	)

	swp := sweeper.New(sessions, svc, cfg.SweeperInterval,
		sweeper.WithClock(clk),
		sweeper.WithLogger(log),
		sweeper.WithMetrics(m),
	)

	jwtSvc := jwttoken.NewJWTService(cfg.JWTSigningKey, "veriflow", "veriflow-booth")
	sessionsHandler := handler.New(svc, log, m, jwttoken.NewValidator(jwtSvc))

	checks := map[string]httptransport.HealthChecker{}
	if rdb != nil {
		checks["redis"] = healthFunc(func() error { return rdb.Health(context.Background()) })
	}
	if pool != nil {
		checks["postgres"] = healthFunc(func() error { return pool.Ping(context.Background()) })
	}
	router := httptransport.NewRouter([]httptransport.Registrar{sessionsHandler}, checks)
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting veriflow", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return swp.Run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// A cancelled context is the normal shutdown path, not a failure.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// healthFunc adapts a closure to the router's HealthChecker.
type healthFunc func() error

func (f healthFunc) Health() error { return f() }
