package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hitoshi/labelq/internal/database"
	"github.com/hitoshi/labelq/internal/model"
)

// markTrainedChunkSize はMarkTrainedで1文に含めるID数の上限。
const markTrainedChunkSize = 500

const itemColumns = `id, label, claimed_by, claimed_at, claim_expires_at,
	is_trained, trained_at, labeled_at, created_at, updated_at`

// eligibleCondition はクレーム可能なアイテムの条件。? には現在時刻が入る。
const eligibleCondition = `label = 'unlabeled'
	AND (claimed_by IS NULL OR claim_expires_at IS NULL OR claim_expires_at <= ?)`

// claimNextQuery は候補を1件選んで所有者を書き込む条件付きUPDATE。
// 外側のWHEREでも適格性を再判定するため、候補選択と書き込みの間に
// 他のワーカーが先に予約した場合は0件になる。
const claimNextQuery = `UPDATE items
SET claimed_by = ?, claimed_at = ?, claim_expires_at = ?, updated_at = ?
WHERE id = (
	SELECT id FROM items
	WHERE ` + eligibleCondition + `
	ORDER BY created_at, id
	LIMIT 1 %s
)
AND ` + eligibleCondition + `
RETURNING ` + itemColumns

const statsQuery = `SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN ` + eligibleCondition + ` THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN label = 'unlabeled' AND claimed_by IS NOT NULL AND claim_expires_at > ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN label = 'unlabeled' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN label = 'pass' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN label = 'faulty' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN label = 'maybe' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN is_trained = TRUE THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN label <> 'unlabeled' AND is_trained = FALSE THEN 1 ELSE 0 END), 0),
	COUNT(DISTINCT CASE WHEN label = 'unlabeled' AND claimed_by IS NOT NULL AND claim_expires_at > ? THEN claimed_by END)
FROM items`

// ItemRepo はdatabase/sqlとsquirrelを使用したアイテムリポジトリ。
// PostgreSQLとSQLiteの両方に対応する。
type ItemRepo struct {
	db *sql.DB
	d  dialect

	claimSQL string
	statsSQL string
}

// NewItemRepo は指定されたデータベース種別のItemRepoを生成する。
func NewItemRepo(db *sql.DB, kind database.Dialect) *ItemRepo {
	d := dialectFor(kind)
	return &ItemRepo{
		db:       db,
		d:        d,
		claimSQL: d.rebind(fmt.Sprintf(claimNextQuery, d.lockSuffix)),
		statsSQL: d.rebind(statsQuery),
	}
}

// NewPostgresItemRepo はPostgreSQL用のItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *ItemRepo {
	return NewItemRepo(db, database.DialectPostgres)
}

// NewSQLiteItemRepo はSQLite用のItemRepoを生成する。
func NewSQLiteItemRepo(db *sql.DB) *ItemRepo {
	return NewItemRepo(db, database.DialectSQLite)
}

var _ ItemRepository = (*ItemRepo)(nil)

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanItem は1行分のカラムをWorkItemに読み込む。
func scanItem(s rowScanner) (*model.WorkItem, error) {
	item := &model.WorkItem{}
	var label string
	var claimedBy sql.NullString
	var claimedAt, expiresAt, trainedAt, labeledAt, createdAt, updatedAt nullTime

	if err := s.Scan(
		&item.ID, &label, &claimedBy, &claimedAt, &expiresAt,
		&item.IsTrained, &trainedAt, &labeledAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	item.Label = model.Label(label)
	if claimedBy.Valid {
		owner := claimedBy.String
		item.ClaimedBy = &owner
	}
	item.ClaimedAt = claimedAt.ptr()
	item.ClaimExpiresAt = expiresAt.ptr()
	item.TrainedAt = trainedAt.ptr()
	item.LabeledAt = labeledAt.ptr()
	item.CreatedAt = createdAt.Time
	item.UpdatedAt = updatedAt.Time

	return item, nil
}

// queryOne は1行を返すクエリを実行する。0行の場合はnilを返す。
func (r *ItemRepo) queryOne(ctx context.Context, op, query string, args ...any) (*model.WorkItem, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(op, err)
	}
	return item, nil
}

// queryMany は複数行を返すクエリを実行する。
func (r *ItemRepo) queryMany(ctx context.Context, op, query string, args ...any) ([]*model.WorkItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return items, nil
}

// exec は更新系クエリを実行し、影響行数を返す。
func (r *ItemRepo) exec(ctx context.Context, op string, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("%sのクエリ生成に失敗しました: %w", op, err)
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storeError(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storeError(op, err)
	}
	return n, nil
}

// validClaim は workerID が有効なクレームを保持している条件を返す。
func (r *ItemRepo) validClaim(workerID, itemID string, now time.Time) sq.And {
	return sq.And{
		sq.Eq{"id": itemID},
		sq.Eq{"claimed_by": workerID},
		sq.Eq{"label": string(model.LabelUnlabeled)},
		sq.Gt{"claim_expires_at": r.d.timeArg(now)},
	}
}

// clearClaim はクレーム情報をクリアするUPDATE文の雛形を返す。
func (r *ItemRepo) clearClaim(now time.Time) sq.UpdateBuilder {
	return r.d.sb.Update("items").
		Set("claimed_by", nil).
		Set("claimed_at", nil).
		Set("claim_expires_at", nil).
		Set("updated_at", r.d.timeArg(now))
}

// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *ItemRepo) FindByID(ctx context.Context, id string) (*model.WorkItem, error) {
	query, args, err := r.d.sb.Select(itemColumns).From("items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("アイテム取得のクエリ生成に失敗しました: %w", err)
	}
	return r.queryOne(ctx, "アイテムの取得", query, args...)
}

// ClaimNext はクレーム可能なアイテムを1件予約する。適格なアイテムがない場合はnilを返す。
func (r *ItemRepo) ClaimNext(ctx context.Context, workerID string, now, expiresAt time.Time) (*model.WorkItem, error) {
	t := r.d.timeArg(now)
	return r.queryOne(ctx, "アイテムのクレーム", r.claimSQL,
		workerID, t, r.d.timeArg(expiresAt), t,
		t,
		t,
	)
}

// Release は有効なクレームを保持している場合のみクレーム情報をクリアする。
func (r *ItemRepo) Release(ctx context.Context, workerID, itemID string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, "クレームの解放",
		r.clearClaim(now).Where(r.validClaim(workerID, itemID, now)),
	)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Extend は有効なクレームを保持している場合のみ期限を延長する。条件を満たさない場合はnilを返す。
func (r *ItemRepo) Extend(ctx context.Context, workerID, itemID string, additional time.Duration, now time.Time) (*model.WorkItem, error) {
	query, args, err := r.d.sb.Update("items").
		Set("claim_expires_at", r.d.addDuration("claim_expires_at", additional)).
		Set("updated_at", r.d.timeArg(now)).
		Where(r.validClaim(workerID, itemID, now)).
		Suffix("RETURNING " + itemColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クレーム延長のクエリ生成に失敗しました: %w", err)
	}
	return r.queryOne(ctx, "クレームの延長", query, args...)
}

// ReclaimExpired は期限切れの未ラベルアイテムのクレーム情報をクリアする。
func (r *ItemRepo) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.exec(ctx, "期限切れクレームの回収",
		r.clearClaim(now).Where(sq.And{
			sq.Eq{"label": string(model.LabelUnlabeled)},
			sq.NotEq{"claimed_by": nil},
			sq.Lt{"claim_expires_at": r.d.timeArg(now)},
		}),
	)
}

// ReleaseAllByWorker はworkerIDが所有する未ラベルアイテムのクレームをすべてクリアする。
// ラベル付け済みアイテムのクレーム情報は来歴として残す。
func (r *ItemRepo) ReleaseAllByWorker(ctx context.Context, workerID string, now time.Time) (int64, error) {
	return r.exec(ctx, "ワーカーのクレーム強制解放",
		r.clearClaim(now).Where(sq.Eq{
			"claimed_by": workerID,
			"label":      string(model.LabelUnlabeled),
		}),
	)
}

// ListClaimedBy はworkerIDが所有する未ラベルアイテムを期限に関係なく返す。
func (r *ItemRepo) ListClaimedBy(ctx context.Context, workerID string) ([]*model.WorkItem, error) {
	query, args, err := r.d.sb.Select(itemColumns).From("items").
		Where(sq.Eq{"claimed_by": workerID, "label": string(model.LabelUnlabeled)}).
		OrderBy("claimed_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クレーム一覧のクエリ生成に失敗しました: %w", err)
	}
	return r.queryMany(ctx, "クレーム一覧の取得", query, args...)
}

// UpdateLabel はラベルを更新する。クレーム情報は来歴として変更しない。
//
// 未ラベル以外への遷移ではlabeled_atを初回のみ記録する。
// 未ラベルへ戻す場合は学習済みフラグも解除する。
func (r *ItemRepo) UpdateLabel(ctx context.Context, itemID string, label model.Label, now time.Time) (*model.WorkItem, error) {
	t := r.d.timeArg(now)
	b := r.d.sb.Update("items").
		Set("label", string(label)).
		Set("updated_at", t)

	if label.Terminal() {
		b = b.Set("labeled_at", sq.Expr("COALESCE(labeled_at, ?)", t))
	} else {
		b = b.Set("is_trained", false).Set("trained_at", nil)
	}

	query, args, err := b.Where(sq.Eq{"id": itemID}).Suffix("RETURNING " + itemColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("ラベル更新のクエリ生成に失敗しました: %w", err)
	}
	return r.queryOne(ctx, "ラベルの更新", query, args...)
}

// MarkTrained はラベル付け済みかつ未学習のアイテムを学習済みにする。
// 存在しないIDや未ラベルのIDは無視する。
func (r *ItemRepo) MarkTrained(ctx context.Context, itemIDs []string, now time.Time) (int64, error) {
	var total int64
	t := r.d.timeArg(now)
	for _, ids := range chunk(itemIDs, markTrainedChunkSize) {
		n, err := r.exec(ctx, "学習済みフラグの更新",
			r.d.sb.Update("items").
				Set("is_trained", true).
				Set("trained_at", t).
				Set("updated_at", t).
				Where(sq.And{
					sq.Eq{"id": ids},
					sq.NotEq{"label": string(model.LabelUnlabeled)},
					sq.Eq{"is_trained": false},
				}),
		)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// insertColumns はInsertMissingが1行あたりにバインドするパラメータ数。
const insertColumns = 4

// MaxInsertBatchSize はInsertMissingに1回で渡せるIDの上限。
// SQLiteのバインド変数上限（32766）を1行あたりのパラメータ数で割った値で、
// PostgreSQLの上限（65535）にも収まる。
const MaxInsertBatchSize = 32766 / insertColumns

// InsertMissing は存在しないIDのみを未ラベルとして挿入する。既存のアイテムは変更しない。
// itemIDsはMaxInsertBatchSize件以下であること。
func (r *ItemRepo) InsertMissing(ctx context.Context, itemIDs []string, now time.Time) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	if len(itemIDs) > MaxInsertBatchSize {
		return 0, model.NewInvalidRequestError(
			fmt.Sprintf("一度に追加できるのは%d件までです（%d件）", MaxInsertBatchSize, len(itemIDs)))
	}
	t := r.d.timeArg(now)
	b := r.d.sb.Insert("items").Columns("id", "label", "created_at", "updated_at")
	for _, id := range itemIDs {
		b = b.Values(id, string(model.LabelUnlabeled), t, t)
	}
	return r.exec(ctx, "アイテムの追加", b.Suffix("ON CONFLICT (id) DO NOTHING"))
}

// List はフィルタ条件に一致するアイテムを作成日時順に返す。
func (r *ItemRepo) List(ctx context.Context, filter model.ItemFilter) ([]*model.WorkItem, error) {
	b := r.d.sb.Select(itemColumns).From("items").OrderBy("created_at", "id")
	if filter.Label != nil {
		b = b.Where(sq.Eq{"label": string(*filter.Label)})
	}
	if filter.IsTrained != nil {
		b = b.Where(sq.Eq{"is_trained": *filter.IsTrained})
	}
	if filter.ClaimedBy != nil {
		b = b.Where(sq.Eq{"claimed_by": *filter.ClaimedBy})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("アイテム一覧のクエリ生成に失敗しました: %w", err)
	}
	return r.queryMany(ctx, "アイテム一覧の取得", query, args...)
}

// ListAttributed はクレーム所有者が記録されているアイテムをすべて返す。
func (r *ItemRepo) ListAttributed(ctx context.Context) ([]*model.WorkItem, error) {
	query, args, err := r.d.sb.Select(itemColumns).From("items").
		Where(sq.NotEq{"claimed_by": nil}).
		OrderBy("claimed_by", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("集計対象のクエリ生成に失敗しました: %w", err)
	}
	return r.queryMany(ctx, "集計対象の取得", query, args...)
}

// Stats は状態別の件数を1クエリで集計する。
func (r *ItemRepo) Stats(ctx context.Context, now time.Time) (*model.GlobalStats, error) {
	t := r.d.timeArg(now)
	s := &model.GlobalStats{}
	err := r.db.QueryRowContext(ctx, r.statsSQL, t, t, t).Scan(
		&s.Total, &s.AvailableUnlabeled, &s.Claimed, &s.Unlabeled,
		&s.Pass, &s.Faulty, &s.Maybe,
		&s.Trained, &s.LabeledUntrained, &s.ActiveLabelers,
	)
	if err != nil {
		return nil, storeError("統計の集計", err)
	}
	return s, nil
}
