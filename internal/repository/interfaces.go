// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/labelq/internal/model"
)

// ItemRepository はラベル付け対象アイテムの永続化インターフェース。
//
// クレーム関連の更新はすべて単一の条件付きUPDATE文で行い、
// 適格性の判定と書き込みを不可分に実行する。
type ItemRepository interface {
	// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.WorkItem, error)

	// ClaimNext はクレーム可能なアイテムを1件選び、workerIDの所有として予約する。
	// 適格なアイテムがない場合はnilを返す。
	ClaimNext(ctx context.Context, workerID string, now, expiresAt time.Time) (*model.WorkItem, error)

	// Release はworkerIDが有効なクレームを保持している場合のみクレーム情報をクリアする。
	// 条件を満たさない場合はfalseを返す。
	Release(ctx context.Context, workerID, itemID string, now time.Time) (bool, error)

	// Extend はworkerIDが有効なクレームを保持している場合のみ期限をadditionalだけ延長する。
	// 条件を満たさない場合はnilを返す。
	Extend(ctx context.Context, workerID, itemID string, additional time.Duration, now time.Time) (*model.WorkItem, error)

	// ReclaimExpired は期限切れの未ラベルアイテムのクレーム情報をクリアし、件数を返す。
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)

	// ReleaseAllByWorker はworkerIDが所有する未ラベルアイテムのクレームを期限に関係なくクリアする。
	ReleaseAllByWorker(ctx context.Context, workerID string, now time.Time) (int64, error)

	// ListClaimedBy はworkerIDが所有する未ラベルアイテムを期限に関係なく返す。
	ListClaimedBy(ctx context.Context, workerID string) ([]*model.WorkItem, error)

	// UpdateLabel はラベルを更新する。クレーム情報は変更しない。
	// 見つからない場合はnilを返す。
	UpdateLabel(ctx context.Context, itemID string, label model.Label, now time.Time) (*model.WorkItem, error)

	// MarkTrained はラベル付け済みかつ未学習のアイテムを学習済みにし、更新件数を返す。
	MarkTrained(ctx context.Context, itemIDs []string, now time.Time) (int64, error)

	// InsertMissing は存在しないIDのみを未ラベルとして挿入し、挿入件数を返す。
	// 呼び出し側でバッチサイズを制御すること。
	InsertMissing(ctx context.Context, itemIDs []string, now time.Time) (int64, error)

	// List はフィルタ条件に一致するアイテムを作成日時順に返す。
	List(ctx context.Context, filter model.ItemFilter) ([]*model.WorkItem, error)

	// ListAttributed はクレーム所有者が記録されているアイテムをすべて返す。
	// ワーカー別集計に使用する。
	ListAttributed(ctx context.Context) ([]*model.WorkItem, error)

	// Stats は状態別の件数を集計する。
	Stats(ctx context.Context, now time.Time) (*model.GlobalStats, error)
}

// LabelerRepository はワーカー表示名の永続化インターフェース。
type LabelerRepository interface {
	// Upsert は表示名を登録または更新する。
	Upsert(ctx context.Context, workerID, displayName string, now time.Time) error

	// NameMap はワーカーIDから表示名への対応表を返す。
	NameMap(ctx context.Context) (map[string]string, error)
}
