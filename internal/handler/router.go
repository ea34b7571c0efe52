package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/labelq/internal/metrics"
	"github.com/hitoshi/labelq/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	AdminSecret       string
	RateLimiter       *middleware.RateLimiter

	// インフラ
	DB       Pinger
	Gatherer prometheus.Gatherer

	// クレーム
	ClaimService ClaimServiceInterface

	// ラベル
	LabelService    LabelServiceInterface
	TrainingService TrainingServiceInterface

	// 統計
	StatsService StatsServiceInterface

	// 管理
	ReclaimService ReclaimServiceInterface
	IngestService  IngestServiceInterface
	SyncLister     ListerFactory
	OnChange       func()
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS
//
// ワーカー用ルートはさらに WorkerIdentity → RateLimit、
// 管理用ルートは AdminSecret → RateLimit を通る。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	claimHandler := NewClaimHandler(deps.ClaimService)
	itemHandler := NewItemHandler(deps.LabelService)
	statsHandler := NewStatsHandler(deps.StatsService)
	adminHandler := NewAdminHandler(deps.ReclaimService, deps.IngestService, deps.TrainingService, deps.SyncLister, deps.OnChange)

	// --- インフラ ---
	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 参照系（ワーカーID不要、IP単位のレート制限） ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.Middleware())

		r.Get("/api/stats", statsHandler.Global)
		r.Get("/api/leaderboard", statsHandler.Leaderboard)
	})

	// --- ワーカー用ルート ---
	// ミドルウェアスタック: WorkerIdentity → RateLimit
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewWorkerIdentityMiddleware())
		r.Use(deps.RateLimiter.Middleware())

		r.Route("/api/claims", func(r chi.Router) {
			r.Get("/", claimHandler.ListClaims)
			r.Post("/", claimHandler.ClaimBatch)
			r.Delete("/{id}", claimHandler.ReleaseClaim)
			r.Patch("/{id}", claimHandler.ExtendClaim)
		})

		r.Route("/api/items", func(r chi.Router) {
			r.Get("/", itemHandler.ListItems)
			r.Post("/{id}/label", itemHandler.ApplyLabel)
		})
	})

	// --- 管理用ルート ---
	// ミドルウェアスタック: AdminSecret → RateLimit
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.NewAdminSecretMiddleware(deps.AdminSecret))
		r.Use(deps.RateLimiter.Middleware())

		r.Get("/labelers", statsHandler.AdminLabelers)
		r.Post("/reclaim", adminHandler.ReclaimExpired)
		r.Post("/workers/{workerId}/release", adminHandler.ForceReleaseWorker)
		r.Post("/sync", adminHandler.Sync)
		r.Post("/ingest", adminHandler.Ingest)
		r.Post("/mark-trained", adminHandler.MarkTrained)
	})

	return r
}
