package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/labelq/internal/model"
)

// mockLabelService はLabelServiceInterfaceとTrainingServiceInterfaceのモック実装。
type mockLabelService struct {
	applyLabelFn  func(ctx context.Context, itemID, label string) (*model.WorkItem, error)
	listItemsFn   func(ctx context.Context, filter model.ItemFilter) ([]*model.WorkItem, error)
	markTrainedFn func(ctx context.Context, ids []string) (int64, error)
}

func (m *mockLabelService) ApplyLabel(ctx context.Context, itemID, label string) (*model.WorkItem, error) {
	if m.applyLabelFn != nil {
		return m.applyLabelFn(ctx, itemID, label)
	}
	return nil, nil
}

func (m *mockLabelService) ListItems(ctx context.Context, filter model.ItemFilter) ([]*model.WorkItem, error) {
	if m.listItemsFn != nil {
		return m.listItemsFn(ctx, filter)
	}
	return nil, nil
}

func (m *mockLabelService) MarkTrained(ctx context.Context, ids []string) (int64, error) {
	if m.markTrainedFn != nil {
		return m.markTrainedFn(ctx, ids)
	}
	return 0, nil
}

// --- POST /api/items/{id}/label テスト ---

func TestItemHandler_ApplyLabel_Success(t *testing.T) {
	labeledAt := time.Date(2026, 3, 1, 9, 3, 0, 0, time.UTC)
	svc := &mockLabelService{
		applyLabelFn: func(ctx context.Context, itemID, label string) (*model.WorkItem, error) {
			if itemID != "a.jpg" {
				t.Errorf("itemID = %q, want a.jpg", itemID)
			}
			if label != "pass" {
				t.Errorf("label = %q, want pass", label)
			}
			it := claimedItem(itemID, "w1", labeledAt.Add(7*time.Minute))
			it.Label = model.LabelPass
			it.LabeledAt = &labeledAt
			return it, nil
		},
	}
	h := NewItemHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/items/a.jpg/label", strings.NewReader(`{"label":"pass"}`))
	req = withChiURLParam(withWorkerID(req, "w1"), "id", "a.jpg")
	w := httptest.NewRecorder()
	h.ApplyLabel(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp itemResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Label != "pass" {
		t.Errorf("label = %q, want pass", resp.Label)
	}
	// ラベル付け後もクレームの来歴は残る
	if resp.ClaimedBy == nil || *resp.ClaimedBy != "w1" {
		t.Errorf("claimed_by = %v, want w1", resp.ClaimedBy)
	}
	if resp.LabeledAt == nil || !resp.LabeledAt.Equal(labeledAt) {
		t.Errorf("labeled_at = %v, want %v", resp.LabeledAt, labeledAt)
	}
}

func TestItemHandler_ApplyLabel_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
		wantCode   string
	}{
		{"ラベルなし", `{}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"空白のみ", `{"label":"  "}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"許可リスト外", `{"label":"great"}`, model.NewInvalidLabelError("great"), http.StatusBadRequest, model.ErrCodeInvalidLabel},
		{"存在しない", `{"label":"pass"}`, model.NewItemNotFoundError("a.jpg"), http.StatusNotFound, model.ErrCodeItemNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockLabelService{
				applyLabelFn: func(ctx context.Context, itemID, label string) (*model.WorkItem, error) {
					return nil, tt.svcErr
				},
			}
			h := NewItemHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/items/a.jpg/label", strings.NewReader(tt.body))
			req = withChiURLParam(req, "id", "a.jpg")
			w := httptest.NewRecorder()
			h.ApplyLabel(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := parseAPIErrorResponse(t, w)["code"]; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

// --- GET /api/items テスト ---

func TestItemHandler_ListItems_ParsesFilter(t *testing.T) {
	var got model.ItemFilter
	svc := &mockLabelService{
		listItemsFn: func(ctx context.Context, filter model.ItemFilter) ([]*model.WorkItem, error) {
			got = filter
			return []*model.WorkItem{{ID: "a.jpg", Label: model.LabelPass}}, nil
		},
	}
	h := NewItemHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/items?label=PASS&trained=false&claimedBy=w1&limit=20&offset=40", nil)
	w := httptest.NewRecorder()
	h.ListItems(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.Label == nil || *got.Label != model.LabelPass {
		t.Errorf("Label = %v, want pass", got.Label)
	}
	if got.IsTrained == nil || *got.IsTrained {
		t.Errorf("IsTrained = %v, want false", got.IsTrained)
	}
	if got.ClaimedBy == nil || *got.ClaimedBy != "w1" {
		t.Errorf("ClaimedBy = %v, want w1", got.ClaimedBy)
	}
	if got.Limit != 20 || got.Offset != 40 {
		t.Errorf("Limit/Offset = %d/%d, want 20/40", got.Limit, got.Offset)
	}

	var resp itemListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("total = %d, want 1", resp.Total)
	}
}

func TestItemHandler_ListItems_NoQuery(t *testing.T) {
	var got model.ItemFilter
	svc := &mockLabelService{
		listItemsFn: func(ctx context.Context, filter model.ItemFilter) ([]*model.WorkItem, error) {
			got = filter
			return nil, nil
		},
	}
	h := NewItemHandler(svc)

	w := httptest.NewRecorder()
	h.ListItems(w, httptest.NewRequest(http.MethodGet, "/api/items", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.Label != nil || got.IsTrained != nil || got.ClaimedBy != nil {
		t.Errorf("filter = %+v, want no conditions", got)
	}
}

func TestItemHandler_ListItems_InvalidQuery_Returns400(t *testing.T) {
	for _, q := range []string{"trained=maybe", "limit=ten", "offset=x"} {
		t.Run(q, func(t *testing.T) {
			h := NewItemHandler(&mockLabelService{})

			w := httptest.NewRecorder()
			h.ListItems(w, httptest.NewRequest(http.MethodGet, "/api/items?"+q, nil))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}
