package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/labelq/internal/ingest"
	"github.com/hitoshi/labelq/internal/middleware"
	"github.com/hitoshi/labelq/internal/model"
)

// ReclaimServiceInterface は管理用のクレーム回収操作。
type ReclaimServiceInterface interface {
	ReclaimExpired(ctx context.Context) (int64, error)
	ForceReleaseWorker(ctx context.Context, workerID string) (int64, error)
}

// IngestServiceInterface はアイテム取り込み操作。
type IngestServiceInterface interface {
	Ingest(ctx context.Context, ids []string) (model.IngestResult, error)
	Sync(ctx context.Context, lister ingest.Lister) (*ingest.SyncReport, error)
}

// TrainingServiceInterface は学習済みフラグの更新操作。
type TrainingServiceInterface interface {
	MarkTrained(ctx context.Context, ids []string) (int64, error)
}

// ListerFactory は設定済みの同期元からListerを生成する。
type ListerFactory func() (ingest.Lister, error)

// AdminHandler は管理用操作のHTTPハンドラー。
type AdminHandler struct {
	reclaim  ReclaimServiceInterface
	ingest   IngestServiceInterface
	training TrainingServiceInterface
	lister   ListerFactory
	onChange func()
}

// NewAdminHandler はAdminHandlerを生成する。
// listerがnilの場合、同期エンドポイントは503を返す。
// onChangeはアイテムの状態を変更した後に呼ばれる（統計キャッシュの破棄など）。
func NewAdminHandler(
	reclaim ReclaimServiceInterface,
	ingestSvc IngestServiceInterface,
	training TrainingServiceInterface,
	lister ListerFactory,
	onChange func(),
) *AdminHandler {
	if onChange == nil {
		onChange = func() {}
	}
	return &AdminHandler{
		reclaim:  reclaim,
		ingest:   ingestSvc,
		training: training,
		lister:   lister,
		onChange: onChange,
	}
}

// idsRequest はID一覧を受け取るリクエストボディ。
type idsRequest struct {
	IDs []string `json:"ids"`
}

// ReclaimExpired は期限切れのクレームを一括回収する。
// POST /api/admin/reclaim
func (h *AdminHandler) ReclaimExpired(w http.ResponseWriter, r *http.Request) {
	n, err := h.reclaim.ReclaimExpired(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.onChange()
	writeJSON(w, http.StatusOK, map[string]int64{"released": n})
}

// ForceReleaseWorker は指定ワーカーの未ラベルのクレームをすべて解放する。
// POST /api/admin/workers/{workerId}/release
func (h *AdminHandler) ForceReleaseWorker(w http.ResponseWriter, r *http.Request) {
	workerID := strings.TrimSpace(chi.URLParam(r, "workerId"))
	if workerID == "" {
		handleServiceError(w, model.NewInvalidRequestError("workerIdは必須です"))
		return
	}

	n, err := h.reclaim.ForceReleaseWorker(r.Context(), workerID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.onChange()
	writeJSON(w, http.StatusOK, map[string]int64{"released": n})
}

// Ingest は指定IDのアイテムを取り込む。既存のIDは変更しない。
// POST /api/admin/ingest
func (h *AdminHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	res, err := h.ingest.Ingest(r.Context(), req.IDs)
	if res.Added > 0 {
		h.onChange()
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sync は設定済みの同期元からアイテムを取り込む。
// POST /api/admin/sync
func (h *AdminHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.lister == nil {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
			Code:     "SYNC_DISABLED",
			Message:  "同期元が設定されていません。",
			Category: "system",
			Action:   "SYNC_SOURCEを設定してください。",
		})
		return
	}

	lister, err := h.lister()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	report, err := h.ingest.Sync(r.Context(), lister)
	if err != nil {
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			slog.Error("sync failed", slog.String("source", lister.Source()), slog.String("error", err.Error()))
			middleware.WriteErrorResponse(w, http.StatusBadGateway, &model.APIError{
				Code:     "SYNC_FAILED",
				Message:  "同期元からの一覧取得に失敗しました。",
				Category: "system",
				Action:   "同期元の状態を確認してください。",
			})
			return
		}
		handleServiceError(w, err)
		return
	}
	h.onChange()
	writeJSON(w, http.StatusOK, toSyncResponse(report))
}

// MarkTrained はラベル付け済みアイテムを学習済みにする。
// POST /api/admin/mark-trained
func (h *AdminHandler) MarkTrained(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if len(req.IDs) == 0 {
		handleServiceError(w, model.NewInvalidRequestError("idsは1件以上指定してください"))
		return
	}

	n, err := h.training.MarkTrained(r.Context(), req.IDs)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.onChange()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": n})
}
