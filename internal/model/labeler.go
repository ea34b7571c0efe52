package model

import "time"

// Labeler はワーカーIDと表示名の対応を表す。
// 認証済みアカウントではなく、表示用の補助情報にすぎない。
type Labeler struct {
	WorkerID    string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ClaimedItemView は管理画面向けのクレーム中アイテムを表す。
type ClaimedItemView struct {
	ItemID           string     `json:"itemId"`
	ClaimedAt        *time.Time `json:"claimedAt,omitempty"`
	ClaimExpiresAt   *time.Time `json:"claimExpiresAt,omitempty"`
	MinutesRemaining int        `json:"minutesRemaining"`
	Expired          bool       `json:"expired"`
}

// LabelerStat はワーカーごとの集計結果を表す。保存はされず、読み出しのたびに算出される。
type LabelerStat struct {
	WorkerID     string            `json:"workerId"`
	DisplayName  string            `json:"displayName"`
	ActiveClaims int               `json:"activeClaims"`
	TotalLabeled int               `json:"totalLabeled"`
	PassCount    int               `json:"passCount"`
	FaultyCount  int               `json:"faultyCount"`
	MaybeCount   int               `json:"maybeCount"`
	LastActivity *time.Time        `json:"lastActivity,omitempty"`
	ClaimedItems []ClaimedItemView `json:"claimedItems,omitempty"`
}

// GlobalStats はアイテム全体の状態別件数を表す。
type GlobalStats struct {
	Total              int64 `json:"total"`
	AvailableUnlabeled int64 `json:"availableUnlabeled"`
	Claimed            int64 `json:"claimed"`
	Unlabeled          int64 `json:"unlabeled"`
	Pass               int64 `json:"pass"`
	Faulty             int64 `json:"faulty"`
	Maybe              int64 `json:"maybe"`
	Trained            int64 `json:"trained"`
	LabeledUntrained   int64 `json:"labeledUntrained"`
	ActiveLabelers     int64 `json:"activeLabelers"`
}

// IngestResult は取り込み処理の結果を表す。
type IngestResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}
