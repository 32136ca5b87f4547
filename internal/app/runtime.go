package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/reconcile"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/migrations"
)

const testModeEnv = "LEDGER_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// detectTestMode reads the LEDGER_TEST_MODE flag once.
func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether the application should skip runtime side effects
// such as running migrations against a shared database.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// Ledger bundles the wired ledger service, reconciliation engine and the
// connections backing them.
type Ledger struct {
	Service    *ledger.Service
	Engine     *reconcile.Engine
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	JobMetrics *jobmetrics.Metrics
	closers    []func()
}

// BuildLedger opens the configured store and lock backends and wires the
// service and engine on top of them. registerer receives the job collectors.
func BuildLedger(ctx context.Context, cfg *Config, logger *slog.Logger, registerer prometheus.Registerer) (*Ledger, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	l := &Ledger{JobMetrics: jobmetrics.NewMetrics(registerer)}

	var (
		accounts ledger.AccountStore
		postings ledger.PostingStore
		audit    interface {
			ledger.AuditPort
			reconcile.AuditPort
		}
	)
	switch cfg.LedgerStore {
	case StorePostgres:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return nil, err
		}
		l.Pool = pool
		l.closers = append(l.closers, pool.Close)
		if cfg.PGAutoMigrate && !InTestMode() {
			applied, err := db.Migrate(ctx, pool, migrations.FS)
			if err != nil {
				l.Close()
				return nil, err
			}
			if len(applied) > 0 {
				logger.Info("migrations applied", slog.Any("files", applied))
			}
		}
		repo := ledger.NewRepository(pool)
		accounts, postings = repo, repo
		audit = shared.NewAuditLogger(pool)
	default:
		store := memstore.New()
		accounts, postings = store, store
		audit = shared.NewLogAuditor(logger)
	}

	var lock reconcile.Locker = &reconcile.LocalLock{}
	if cfg.LockBackend == LockRedis {
		client, err := cache.New(ctx, cfg.RedisOptions())
		if err != nil {
			l.Close()
			return nil, err
		}
		l.Redis = client
		l.closers = append(l.closers, func() { _ = client.Close() })
		lock = shared.NewRedisMutex(client, shared.ReconciliationLockKey, cfg.ReconcileLockTTL)
	}

	l.Service = ledger.NewService(accounts, postings, audit, logger)
	l.Engine = reconcile.NewEngine(reconcile.Config{
		Accounts:    accounts,
		Postings:    postings,
		Lock:        lock,
		Policy:      cfg.RetryPolicy(),
		Concurrency: cfg.ReconcileConcurrency,
		Logger:      logger,
		Metrics:     l.JobMetrics,
		Audit:       audit,
	})
	logger.Info("ledger wired",
		slog.String("store", cfg.LedgerStore),
		slog.String("lock", cfg.LockBackend))
	return l, nil
}

// Ready pings every open connection.
func (l *Ledger) Ready(ctx context.Context) error {
	if l == nil {
		return errors.New("app: ledger not built")
	}
	if l.Pool != nil {
		if err := l.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if l.Redis != nil {
		if err := l.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases connections in reverse opening order.
func (l *Ledger) Close() {
	if l == nil {
		return
	}
	for i := len(l.closers) - 1; i >= 0; i-- {
		l.closers[i]()
	}
	l.closers = nil
}
