package handler

import (
	"time"

	"github.com/hitoshi/labelq/internal/ingest"
	"github.com/hitoshi/labelq/internal/model"
)

// itemResponse はアイテムのレスポンス表現。
type itemResponse struct {
	ID             string     `json:"id"`
	Label          string     `json:"label"`
	ClaimedBy      *string    `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	IsTrained      bool       `json:"is_trained"`
	TrainedAt      *time.Time `json:"trained_at,omitempty"`
	LabeledAt      *time.Time `json:"labeled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// itemListResponse はアイテム一覧のレスポンス。
type itemListResponse struct {
	Items []itemResponse `json:"items"`
	Total int            `json:"total"`
}

// claimBatchResponse はバッチクレームのレスポンス。
type claimBatchResponse struct {
	Items   []itemResponse `json:"items"`
	Claimed int            `json:"claimed"`
}

// labelerListResponse はワーカー別統計一覧のレスポンス。
type labelerListResponse struct {
	Labelers []model.LabelerStat `json:"labelers"`
	Total    int                 `json:"total"`
}

// syncResponse は同期結果のレスポンス。
type syncResponse struct {
	RunID      string  `json:"runId"`
	Source     string  `json:"source"`
	Total      int     `json:"total"`
	Added      int     `json:"added"`
	Skipped    int     `json:"skipped"`
	DurationMs float64 `json:"durationMs"`
}

func toItemResponse(it *model.WorkItem) itemResponse {
	return itemResponse{
		ID:             it.ID,
		Label:          string(it.Label),
		ClaimedBy:      it.ClaimedBy,
		ClaimedAt:      it.ClaimedAt,
		ClaimExpiresAt: it.ClaimExpiresAt,
		IsTrained:      it.IsTrained,
		TrainedAt:      it.TrainedAt,
		LabeledAt:      it.LabeledAt,
		CreatedAt:      it.CreatedAt,
		UpdatedAt:      it.UpdatedAt,
	}
}

// toItemResponses は空の場合も空配列（nullではなく）を返す。
func toItemResponses(items []*model.WorkItem) []itemResponse {
	out := make([]itemResponse, len(items))
	for i, it := range items {
		out[i] = toItemResponse(it)
	}
	return out
}

func toLabelerListResponse(stats []model.LabelerStat) labelerListResponse {
	if stats == nil {
		stats = []model.LabelerStat{}
	}
	return labelerListResponse{Labelers: stats, Total: len(stats)}
}

func toSyncResponse(r *ingest.SyncReport) syncResponse {
	return syncResponse{
		RunID:      r.RunID,
		Source:     r.Source,
		Total:      r.Total,
		Added:      r.Added,
		Skipped:    r.Skipped,
		DurationMs: float64(r.Duration.Milliseconds()),
	}
}
