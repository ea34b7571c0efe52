package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/labelq/internal/model"
)

// LabelServiceInterface はアイテムハンドラーが必要とするサービスインターフェース。
type LabelServiceInterface interface {
	// ApplyLabel はラベルを検証してアイテムに適用する。
	ApplyLabel(ctx context.Context, itemID, label string) (*model.WorkItem, error)
	// ListItems はフィルタ条件に一致するアイテムを返す。
	ListItems(ctx context.Context, filter model.ItemFilter) ([]*model.WorkItem, error)
}

// ItemHandler はアイテム操作のHTTPハンドラー。
type ItemHandler struct {
	service LabelServiceInterface
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(service LabelServiceInterface) *ItemHandler {
	return &ItemHandler{service: service}
}

// applyLabelRequest はラベル適用のリクエストボディ。
type applyLabelRequest struct {
	Label string `json:"label"`
}

// ApplyLabel はアイテムにラベルを付与する。
// クレームの所有は確認しない（再ラベル付けや訂正を許可するため）。
// POST /api/items/{id}/label
func (h *ItemHandler) ApplyLabel(w http.ResponseWriter, r *http.Request) {
	var req applyLabelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if strings.TrimSpace(req.Label) == "" {
		handleServiceError(w, model.NewInvalidRequestError("labelは必須です"))
		return
	}

	item, err := h.service.ApplyLabel(r.Context(), chi.URLParam(r, "id"), req.Label)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toItemResponse(item))
}

// ListItems はアイテム一覧を返す。
// GET /api/items?label=pass&trained=false&claimedBy=xxx&limit=50&offset=0
func (h *ItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	filter, err := parseItemFilter(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	items, err := h.service.ListItems(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, itemListResponse{
		Items: toItemResponses(items),
		Total: len(items),
	})
}

// parseItemFilter はクエリパラメータからItemFilterを組み立てる。
// ラベル値の検証はサービス側で行う。
func parseItemFilter(r *http.Request) (model.ItemFilter, error) {
	q := r.URL.Query()
	var filter model.ItemFilter

	if v := q.Get("label"); v != "" {
		l := model.Label(strings.ToLower(strings.TrimSpace(v)))
		filter.Label = &l
	}
	if v := q.Get("trained"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, model.NewInvalidRequestError("trainedはtrueまたはfalseで指定してください")
		}
		filter.IsTrained = &b
	}
	if v := q.Get("claimedBy"); v != "" {
		filter.ClaimedBy = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, model.NewInvalidRequestError("limitは整数で指定してください")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, model.NewInvalidRequestError("offsetは整数で指定してください")
		}
		filter.Offset = n
	}
	return filter, nil
}
