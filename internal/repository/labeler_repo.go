package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/labelq/internal/database"
)

// LabelerRepo はワーカー表示名のリポジトリ。
type LabelerRepo struct {
	db *sql.DB
	d  dialect
}

// NewLabelerRepo は指定されたデータベース種別のLabelerRepoを生成する。
func NewLabelerRepo(db *sql.DB, kind database.Dialect) *LabelerRepo {
	return &LabelerRepo{db: db, d: dialectFor(kind)}
}

var _ LabelerRepository = (*LabelerRepo)(nil)

// Upsert は表示名を登録または更新する。
func (r *LabelerRepo) Upsert(ctx context.Context, workerID, displayName string, now time.Time) error {
	t := r.d.timeArg(now)
	query, args, err := r.d.sb.Insert("labelers").
		Columns("worker_id", "display_name", "created_at", "updated_at").
		Values(workerID, displayName, t, t).
		Suffix("ON CONFLICT (worker_id) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("表示名登録のクエリ生成に失敗しました: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return storeError("表示名の登録", err)
	}
	return nil
}

// NameMap はワーカーIDから表示名への対応表を返す。
func (r *LabelerRepo) NameMap(ctx context.Context) (map[string]string, error) {
	query, args, err := r.d.sb.Select("worker_id", "display_name").From("labelers").ToSql()
	if err != nil {
		return nil, fmt.Errorf("表示名一覧のクエリ生成に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("表示名一覧の取得", err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, storeError("表示名一覧の取得", err)
		}
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("表示名一覧の取得", err)
	}
	return names, nil
}
