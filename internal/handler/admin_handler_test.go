package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/labelq/internal/ingest"
	"github.com/hitoshi/labelq/internal/model"
)

// mockReclaimService はReclaimServiceInterfaceのモック実装。
type mockReclaimService struct {
	reclaimFn      func(ctx context.Context) (int64, error)
	forceReleaseFn func(ctx context.Context, workerID string) (int64, error)
}

func (m *mockReclaimService) ReclaimExpired(ctx context.Context) (int64, error) {
	if m.reclaimFn != nil {
		return m.reclaimFn(ctx)
	}
	return 0, nil
}

func (m *mockReclaimService) ForceReleaseWorker(ctx context.Context, workerID string) (int64, error) {
	if m.forceReleaseFn != nil {
		return m.forceReleaseFn(ctx, workerID)
	}
	return 0, nil
}

// mockIngestService はIngestServiceInterfaceのモック実装。
type mockIngestService struct {
	ingestFn func(ctx context.Context, ids []string) (model.IngestResult, error)
	syncFn   func(ctx context.Context, lister ingest.Lister) (*ingest.SyncReport, error)
}

func (m *mockIngestService) Ingest(ctx context.Context, ids []string) (model.IngestResult, error) {
	if m.ingestFn != nil {
		return m.ingestFn(ctx, ids)
	}
	return model.IngestResult{}, nil
}

func (m *mockIngestService) Sync(ctx context.Context, lister ingest.Lister) (*ingest.SyncReport, error) {
	if m.syncFn != nil {
		return m.syncFn(ctx, lister)
	}
	return &ingest.SyncReport{}, nil
}

// failingLister は常にエラーを返すListerのスタブ。
type failingLister struct{}

func (failingLister) List(context.Context) ([]string, error) { return nil, errors.New("connection refused") }
func (failingLister) Source() string                         { return "https://images.example.com/" }

func newTestAdminHandler(reclaim *mockReclaimService, ing *mockIngestService, lbl *mockLabelService, lister ListerFactory) (*AdminHandler, *int) {
	changes := 0
	return NewAdminHandler(reclaim, ing, lbl, lister, func() { changes++ }), &changes
}

func TestAdminHandler_ReclaimExpired(t *testing.T) {
	h, changes := newTestAdminHandler(&mockReclaimService{
		reclaimFn: func(ctx context.Context) (int64, error) { return 3, nil },
	}, &mockIngestService{}, &mockLabelService{}, nil)

	w := httptest.NewRecorder()
	h.ReclaimExpired(w, httptest.NewRequest(http.MethodPost, "/api/admin/reclaim", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"released":3`) {
		t.Errorf("body = %s, want released:3", w.Body.String())
	}
	if *changes != 1 {
		t.Errorf("onChange calls = %d, want 1", *changes)
	}
}

func TestAdminHandler_ForceReleaseWorker(t *testing.T) {
	var gotWorker string
	h, _ := newTestAdminHandler(&mockReclaimService{
		forceReleaseFn: func(ctx context.Context, workerID string) (int64, error) {
			gotWorker = workerID
			return 2, nil
		},
	}, &mockIngestService{}, &mockLabelService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/workers/w9/release", nil)
	req = withChiURLParam(req, "workerId", "w9")
	w := httptest.NewRecorder()
	h.ForceReleaseWorker(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotWorker != "w9" {
		t.Errorf("workerID = %q, want w9", gotWorker)
	}
	if !strings.Contains(w.Body.String(), `"released":2`) {
		t.Errorf("body = %s, want released:2", w.Body.String())
	}
}

func TestAdminHandler_Ingest_PartialFailure(t *testing.T) {
	h, changes := newTestAdminHandler(&mockReclaimService{}, &mockIngestService{
		ingestFn: func(ctx context.Context, ids []string) (model.IngestResult, error) {
			return model.IngestResult{Added: 1000}, model.NewStoreUnavailableError("ingest", errors.New("disk full"))
		},
	}, &mockLabelService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/ingest", strings.NewReader(`{"ids":["a.jpg"]}`))
	w := httptest.NewRecorder()
	h.Ingest(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	// 一部でも追加された場合は統計を破棄する
	if *changes != 1 {
		t.Errorf("onChange calls = %d, want 1", *changes)
	}
}

func TestAdminHandler_Ingest_Success(t *testing.T) {
	var gotIDs []string
	h, _ := newTestAdminHandler(&mockReclaimService{}, &mockIngestService{
		ingestFn: func(ctx context.Context, ids []string) (model.IngestResult, error) {
			gotIDs = ids
			return model.IngestResult{Added: 1, Skipped: 1}, nil
		},
	}, &mockLabelService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/ingest", strings.NewReader(`{"ids":["a.jpg","b.jpg"]}`))
	w := httptest.NewRecorder()
	h.Ingest(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(gotIDs) != 2 {
		t.Errorf("ids = %v, want 2 entries", gotIDs)
	}
	var resp model.IngestResult
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Added != 1 || resp.Skipped != 1 {
		t.Errorf("resp = %+v, want added=1 skipped=1", resp)
	}
}

func TestAdminHandler_MarkTrained(t *testing.T) {
	t.Run("空のIDは400", func(t *testing.T) {
		h, _ := newTestAdminHandler(&mockReclaimService{}, &mockIngestService{}, &mockLabelService{}, nil)

		w := httptest.NewRecorder()
		h.MarkTrained(w, httptest.NewRequest(http.MethodPost, "/api/admin/mark-trained", strings.NewReader(`{"ids":[]}`)))

		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("更新件数を返す", func(t *testing.T) {
		h, _ := newTestAdminHandler(&mockReclaimService{}, &mockIngestService{}, &mockLabelService{
			markTrainedFn: func(ctx context.Context, ids []string) (int64, error) { return 1, nil },
		}, nil)

		w := httptest.NewRecorder()
		h.MarkTrained(w, httptest.NewRequest(http.MethodPost, "/api/admin/mark-trained", strings.NewReader(`{"ids":["a.jpg","c.jpg"]}`)))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if !strings.Contains(w.Body.String(), `"updated":1`) {
			t.Errorf("body = %s, want updated:1", w.Body.String())
		}
	})
}

func TestAdminHandler_Sync_Disabled(t *testing.T) {
	h, _ := newTestAdminHandler(&mockReclaimService{}, &mockIngestService{}, &mockLabelService{}, nil)

	w := httptest.NewRecorder()
	h.Sync(w, httptest.NewRequest(http.MethodPost, "/api/admin/sync", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != "SYNC_DISABLED" {
		t.Errorf("code = %q, want SYNC_DISABLED", got)
	}
}

func TestAdminHandler_Sync_Success(t *testing.T) {
	lister := ingest.StaticLister{"a.jpg", "notes.txt"}
	h, changes := newTestAdminHandler(&mockReclaimService{}, &mockIngestService{
		syncFn: func(ctx context.Context, l ingest.Lister) (*ingest.SyncReport, error) {
			return &ingest.SyncReport{RunID: "run-1", Source: l.Source(), Total: 1, Added: 1, Duration: 1500 * time.Millisecond}, nil
		},
	}, &mockLabelService{}, func() (ingest.Lister, error) { return lister, nil })

	w := httptest.NewRecorder()
	h.Sync(w, httptest.NewRequest(http.MethodPost, "/api/admin/sync", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp syncResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RunID != "run-1" || resp.Added != 1 || resp.DurationMs != 1500 {
		t.Errorf("resp = %+v", resp)
	}
	if *changes != 1 {
		t.Errorf("onChange calls = %d, want 1", *changes)
	}
}

func TestAdminHandler_Sync_ListerFailure_Returns502(t *testing.T) {
	h, changes := newTestAdminHandler(&mockReclaimService{}, &mockIngestService{
		syncFn: func(ctx context.Context, l ingest.Lister) (*ingest.SyncReport, error) {
			_, err := l.List(ctx)
			return nil, err
		},
	}, &mockLabelService{}, func() (ingest.Lister, error) { return failingLister{}, nil })

	w := httptest.NewRecorder()
	h.Sync(w, httptest.NewRequest(http.MethodPost, "/api/admin/sync", nil))

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if *changes != 0 {
		t.Errorf("onChange calls = %d, want 0", *changes)
	}
}
