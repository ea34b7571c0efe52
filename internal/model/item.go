// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Label はアイテムに付与するラベルを表す。
type Label string

const (
	// LabelUnlabeled は未ラベル状態。初期状態であり、クレーム可能な状態でもある。
	LabelUnlabeled Label = "unlabeled"
	// LabelPass は合格ラベル。
	LabelPass Label = "pass"
	// LabelFaulty は不良ラベル。
	LabelFaulty Label = "faulty"
	// LabelMaybe は判断保留ラベル。
	LabelMaybe Label = "maybe"
)

// Labels は許可されたラベルの一覧。
var Labels = []Label{LabelUnlabeled, LabelPass, LabelFaulty, LabelMaybe}

// ParseLabel は文字列をラベルに変換する。
// 前後の空白と大文字小文字は無視する。許可リスト外の値はInvalidLabelエラーを返す。
func ParseLabel(s string) (Label, error) {
	l := Label(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", NewInvalidLabelError(s)
	}
	return l, nil
}

// Valid はラベルが許可リストに含まれるかを返す。
func (l Label) Valid() bool {
	for _, v := range Labels {
		if l == v {
			return true
		}
	}
	return false
}

// Terminal はラベルが未ラベル以外（作業完了）かを返す。
func (l Label) Terminal() bool {
	return l != LabelUnlabeled && l.Valid()
}

// WorkItem はラベル付け対象の画像1件を表す。
// クレーム情報はラベル付け後も来歴として保持され、クリアされない。
type WorkItem struct {
	ID             string
	Label          Label
	ClaimedBy      *string
	ClaimedAt      *time.Time
	ClaimExpiresAt *time.Time
	IsTrained      bool
	TrainedAt      *time.Time
	LabeledAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Owner はクレーム所有者のワーカーIDを返す。未クレームの場合は空文字列。
func (w *WorkItem) Owner() string {
	if w.ClaimedBy == nil {
		return ""
	}
	return *w.ClaimedBy
}

// HasValidClaim は指定時刻において有効なクレームが存在するかを返す。
// 有効なクレームとは、未ラベルかつ所有者ありかつ期限前のものを指す。
func (w *WorkItem) HasValidClaim(now time.Time) bool {
	return w.Label == LabelUnlabeled &&
		w.ClaimedBy != nil &&
		w.ClaimExpiresAt != nil &&
		now.Before(*w.ClaimExpiresAt)
}

// Claimable は指定時刻においてクレーム可能かを返す。
func (w *WorkItem) Claimable(now time.Time) bool {
	if w.Label != LabelUnlabeled {
		return false
	}
	if w.ClaimedBy == nil || w.ClaimExpiresAt == nil {
		return true
	}
	return !now.Before(*w.ClaimExpiresAt)
}

// ItemFilter はアイテム一覧の絞り込み条件を表す。
// nilのフィールドは条件に含めない。
type ItemFilter struct {
	Label     *Label
	IsTrained *bool
	ClaimedBy *string
	Limit     int
	Offset    int
}
