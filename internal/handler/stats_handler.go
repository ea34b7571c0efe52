package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/labelq/internal/model"
)

// StatsServiceInterface は統計ハンドラーが必要とするサービスインターフェース。
type StatsServiceInterface interface {
	Global(ctx context.Context) (*model.GlobalStats, error)
	Leaderboard(ctx context.Context) ([]model.LabelerStat, error)
	AdminView(ctx context.Context) ([]model.LabelerStat, error)
}

// StatsHandler は統計参照のHTTPハンドラー。
type StatsHandler struct {
	service StatsServiceInterface
}

// NewStatsHandler はStatsHandlerを生成する。
func NewStatsHandler(service StatsServiceInterface) *StatsHandler {
	return &StatsHandler{service: service}
}

// Global は全体統計を返す。
// GET /api/stats
func (h *StatsHandler) Global(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Global(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Leaderboard はラベル付け件数のランキングを返す。
// GET /api/leaderboard
func (h *StatsHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Leaderboard(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLabelerListResponse(stats))
}

// AdminLabelers はクレーム中アイテムを含むワーカー別統計を返す。
// GET /api/admin/labelers
func (h *StatsHandler) AdminLabelers(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.AdminView(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLabelerListResponse(stats))
}
