package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: claim, label, validation, system
	Action   string // 利用者向け対処方法
	Err      error  // 原因となったエラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrNotOwned) のように番兵値と比較できる。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 定義済みエラーコード
const (
	ErrCodeItemNotFound     = "ITEM_NOT_FOUND"
	ErrCodeClaimNotOwned    = "CLAIM_NOT_OWNED"
	ErrCodeInvalidLabel     = "INVALID_LABEL"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
)

// 比較用の番兵エラー。
var (
	ErrNotFound         = &APIError{Code: ErrCodeItemNotFound}
	ErrNotOwned         = &APIError{Code: ErrCodeClaimNotOwned}
	ErrInvalidLabel     = &APIError{Code: ErrCodeInvalidLabel}
	ErrStoreUnavailable = &APIError{Code: ErrCodeStoreUnavailable}
)

// NewItemNotFoundError はアイテム未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定されたアイテムが見つかりません: %s", itemID),
		Category: "label",
		Action:   "アイテムIDを確認してください。",
	}
}

// NewClaimNotOwnedError はクレームを保持していない場合のエラーを生成する。
// 他ワーカーが所有している場合、期限切れの場合、ラベル付け済みの場合を含む。
func NewClaimNotOwnedError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeClaimNotOwned,
		Message:  fmt.Sprintf("このアイテムの有効なクレームを保持していません: %s", itemID),
		Category: "claim",
		Action:   "新しいバッチをクレームし直してください。",
	}
}

// NewInvalidLabelError は無効なラベルエラーを生成する。
func NewInvalidLabelError(label string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLabel,
		Message:  fmt.Sprintf("無効なラベルです: %s", label),
		Category: "validation",
		Action:   "ラベルには pass、faulty、maybe、unlabeled のいずれかを指定してください。",
	}
}

// NewStoreUnavailableError はストアの一時的な障害を表すエラーを生成する。
func NewStoreUnavailableError(op string, err error) *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  fmt.Sprintf("データストアの処理に失敗しました（%s）", op),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewInvalidRequestError はリクエスト内容の不備を表すエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  reason,
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}
