// Package app はコマンドの実行環境を組み立て、各起動モードを実行する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/labelq/internal/claim"
	"github.com/hitoshi/labelq/internal/config"
	"github.com/hitoshi/labelq/internal/database"
	"github.com/hitoshi/labelq/internal/handler"
	"github.com/hitoshi/labelq/internal/ingest"
	"github.com/hitoshi/labelq/internal/label"
	"github.com/hitoshi/labelq/internal/logger"
	"github.com/hitoshi/labelq/internal/metrics"
	"github.com/hitoshi/labelq/internal/middleware"
	"github.com/hitoshi/labelq/internal/repository"
	"github.com/hitoshi/labelq/internal/security"
	"github.com/hitoshi/labelq/internal/stats"
	"github.com/hitoshi/labelq/internal/worker/reclaim"
	"github.com/hitoshi/labelq/internal/worker/syncjob"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの猶予時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、設定を読み込んだ後に設定値のログレベルで再セットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// runtime はDB接続とドメインサービス一式を保持する。
type runtime struct {
	cfg      *config.Config
	db       *sql.DB
	dialect  database.Dialect
	logger   *slog.Logger
	registry *prometheus.Registry

	coord  *claim.Coordinator
	engine *label.Engine
	stats  *stats.Aggregator
	ingest *ingest.Service
}

// openRuntime はDB接続を開き、リポジトリとドメインサービスをワイヤリングする。
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	// 1. DB接続
	db, dialect, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log := slog.Default()
	log.Info("database connection established", slog.String("dialect", string(dialect)))

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 3. リポジトリ
	items := repository.NewItemRepo(db, dialect)
	labelers := repository.NewLabelerRepo(db, dialect)

	// 4. ドメインサービス
	clock := clockwork.NewRealClock()
	coord := claim.NewCoordinator(items, labelers, claim.Config{
		LeaseDuration: cfg.LeaseDuration,
		MaxBatchSize:  cfg.MaxBatchSize,
		MaxExtension:  cfg.MaxExtension,
	}, claim.WithClock(clock), claim.WithMetrics(collector), claim.WithLogger(log))
	engine := label.NewEngine(items, label.WithClock(clock), label.WithMetrics(collector), label.WithLogger(log))
	agg := stats.NewAggregator(items, labelers,
		stats.WithClock(clock), stats.WithLogger(log), stats.WithCacheTTL(cfg.StatsCacheTTL))
	ingestSvc := ingest.NewService(items,
		ingest.WithBatchSize(cfg.IngestBatchSize), ingest.WithClock(clock),
		ingest.WithMetrics(collector), ingest.WithLogger(log))

	return &runtime{
		cfg:      cfg,
		db:       db,
		dialect:  dialect,
		logger:   log,
		registry: registry,
		coord:    coord,
		engine:   engine,
		stats:    agg,
		ingest:   ingestSvc,
	}, nil
}

// Close はDB接続を閉じる。
func (rt *runtime) Close() error {
	return rt.db.Close()
}

// newLister はSYNC_SOURCEからListerを生成する。
// HTTPの同期元にはSSRF対策済みのクライアントを使う。
func (rt *runtime) newLister() (ingest.Lister, error) {
	guard := security.NewSSRFGuard()
	if !strings.HasPrefix(rt.cfg.SyncSource, "dir://") {
		if err := guard.ValidateURL(rt.cfg.SyncSource); err != nil {
			return nil, err
		}
	}
	return ingest.NewLister(rt.cfg.SyncSource, guard.NewSafeClient(rt.cfg.FetchTimeout))
}

// syncListerFactory は同期元が未設定の場合にnilを返す。
func (rt *runtime) syncListerFactory() handler.ListerFactory {
	if rt.cfg.SyncSource == "" {
		return nil
	}
	return rt.newLister
}

// newRouter はHTTPルーターを構築する。
func (rt *runtime) newRouter(rl *middleware.RateLimiter) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:            rt.logger,
		CORSAllowedOrigin: rt.cfg.CORSAllowedOrigin,
		AdminSecret:       rt.cfg.AdminSecret,
		RateLimiter:       rl,

		DB:       rt.db,
		Gatherer: rt.registry,

		ClaimService:    rt.coord,
		LabelService:    rt.engine,
		TrainingService: rt.engine,
		StatsService:    rt.stats,

		ReclaimService: rt.coord,
		IngestService:  rt.ingest,
		SyncLister:     rt.syncListerFactory(),
		OnChange:       rt.stats.Invalidate,
	})
}

// runServe はAPIサーバーモードで起動する。
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET is not set; admin routes are disabled")
	}

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitPerMinute))
	defer rl.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      rt.newRouter(rl),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れクレームの回収と、SYNC_SOURCEが設定されていれば定期同期を実行する。
// 同一ホストで複数のワーカーが動かないようにファイルロックを取得する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	lock := flock.New(cfg.WorkerLockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire worker lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another labelq worker is already running (lock: %s)", cfg.WorkerLockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to release worker lock", slog.String("error", err.Error()))
		}
	}()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	slog.Info("worker starting",
		slog.String("lock", cfg.WorkerLockPath),
		slog.Duration("reclaim_interval", cfg.ReclaimInterval),
		slog.Duration("sync_interval", cfg.SyncInterval),
	)

	g, gctx := errgroup.WithContext(ctx)

	sweeper := reclaim.NewSweeper(rt.coord, cfg.ReclaimInterval, rt.logger, nil)
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})

	if cfg.SyncSource != "" {
		lister, err := rt.newLister()
		if err != nil {
			return fmt.Errorf("invalid SYNC_SOURCE: %w", err)
		}
		job := syncjob.NewJob(rt.ingest, lister, rt.logger, nil, syncjob.Config{Interval: cfg.SyncInterval})
		g.Go(func() error {
			job.Start(gctx)
			return nil
		})
	} else {
		slog.Info("SYNC_SOURCE is not set; periodic sync is disabled")
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
// SQLiteのURLは認証情報を含まないためそのまま返す。
func maskDatabaseURL(url string) string {
	if isSQLiteURL(url) {
		return url
	}
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

func isSQLiteURL(url string) bool {
	d, err := database.DialectFromURL(url)
	return err == nil && d == database.DialectSQLite
}
