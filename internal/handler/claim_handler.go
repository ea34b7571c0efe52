package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/labelq/internal/model"
)

// ClaimServiceInterface はクレームハンドラーが必要とするサービスインターフェース。
type ClaimServiceInterface interface {
	ClaimBatch(ctx context.Context, workerID, displayName string, batchSize int) ([]*model.WorkItem, error)
	ReleaseClaim(ctx context.Context, workerID, itemID string) error
	ExtendClaim(ctx context.Context, workerID, itemID string, additional time.Duration) (*model.WorkItem, error)
	GetWorkerClaims(ctx context.Context, workerID string) ([]*model.WorkItem, error)
}

// ClaimHandler はクレーム操作のHTTPハンドラー。
type ClaimHandler struct {
	service ClaimServiceInterface
}

// NewClaimHandler はClaimHandlerを生成する。
func NewClaimHandler(service ClaimServiceInterface) *ClaimHandler {
	return &ClaimHandler{service: service}
}

// claimBatchRequest はバッチクレームのリクエストボディ。
type claimBatchRequest struct {
	DisplayName string `json:"displayName"`
	BatchSize   int    `json:"batchSize"`
}

// extendClaimRequest はクレーム延長のリクエストボディ。
// 0または省略時はサービス側のデフォルト延長時間を使う。
type extendClaimRequest struct {
	AdditionalMinutes int `json:"additionalMinutes"`
}

// ClaimBatch は未ラベルのアイテムをまとめてクレームする。
// POST /api/claims
func (h *ClaimHandler) ClaimBatch(w http.ResponseWriter, r *http.Request) {
	workerID, ok := workerIDOrReject(w, r)
	if !ok {
		return
	}

	req := claimBatchRequest{BatchSize: 1}
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	items, err := h.service.ClaimBatch(r.Context(), workerID, req.DisplayName, req.BatchSize)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, claimBatchResponse{
		Items:   toItemResponses(items),
		Claimed: len(items),
	})
}

// ReleaseClaim は自分のクレームを解放する。
// DELETE /api/claims/{id}
func (h *ClaimHandler) ReleaseClaim(w http.ResponseWriter, r *http.Request) {
	workerID, ok := workerIDOrReject(w, r)
	if !ok {
		return
	}

	if err := h.service.ReleaseClaim(r.Context(), workerID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ExtendClaim はクレームの期限を延長する。
// PATCH /api/claims/{id}
func (h *ClaimHandler) ExtendClaim(w http.ResponseWriter, r *http.Request) {
	workerID, ok := workerIDOrReject(w, r)
	if !ok {
		return
	}

	var req extendClaimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.AdditionalMinutes < 0 {
		handleServiceError(w, model.NewInvalidRequestError("additionalMinutesは0以上で指定してください"))
		return
	}

	item, err := h.service.ExtendClaim(r.Context(), workerID, chi.URLParam(r, "id"),
		time.Duration(req.AdditionalMinutes)*time.Minute)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toItemResponse(item))
}

// ListClaims は自分が保持しているクレームの一覧を返す。期限切れも含む。
// GET /api/claims
func (h *ClaimHandler) ListClaims(w http.ResponseWriter, r *http.Request) {
	workerID, ok := workerIDOrReject(w, r)
	if !ok {
		return
	}

	items, err := h.service.GetWorkerClaims(r.Context(), workerID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, itemListResponse{
		Items: toItemResponses(items),
		Total: len(items),
	})
}
