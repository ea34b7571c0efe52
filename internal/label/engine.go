// Package label はアイテムのラベル遷移を扱う。
// ラベル付けはクレーム情報を変更しない。クレーム情報は誰が作業したかの来歴として残る。
package label

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/labelq/internal/logger"
	"github.com/hitoshi/labelq/internal/metrics"
	"github.com/hitoshi/labelq/internal/model"
	"github.com/hitoshi/labelq/internal/repository"
)

// 一覧取得の件数制御
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Option はEngineの任意設定。
type Option func(*Engine)

// WithClock は時刻の取得元を差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(rec metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = metrics.OrNop(rec) }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger.OrDefault(l) }
}

// Engine はラベルの適用と学習済みフラグの更新を行う。
type Engine struct {
	items   repository.ItemRepository
	clock   clockwork.Clock
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewEngine は新しいEngineを生成する。
func NewEngine(items repository.ItemRepository, opts ...Option) *Engine {
	e := &Engine{
		items:   items,
		clock:   clockwork.NewRealClock(),
		metrics: metrics.Nop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyLabel はラベルを検証して適用する。
// 許可リスト外の値はINVALID_LABEL、存在しないアイテムはITEM_NOT_FOUNDを返す。
// unlabeledへ戻したアイテムは再びクレーム可能になる。
func (e *Engine) ApplyLabel(ctx context.Context, itemID, rawLabel string) (*model.WorkItem, error) {
	lbl, err := model.ParseLabel(rawLabel)
	if err != nil {
		return nil, err
	}

	item, err := e.items.UpdateLabel(ctx, itemID, lbl, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, model.NewItemNotFoundError(itemID)
	}

	e.metrics.RecordLabelApplied(string(lbl))
	e.logger.Info("ラベルを適用しました",
		slog.String("item_id", itemID),
		slog.String("label", string(lbl)),
		slog.String("worker_id", item.Owner()),
	)
	return item, nil
}

// MarkTrained はラベル付け済みのアイテムを学習済みにし、実際に更新した件数を返す。
// 存在しないIDや未ラベルのIDは黙って無視する。
func (e *Engine) MarkTrained(ctx context.Context, itemIDs []string) (int64, error) {
	ids := uniqueIDs(itemIDs)
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := e.items.MarkTrained(ctx, ids, e.clock.Now())
	if err != nil {
		return 0, err
	}

	e.metrics.RecordTrained(n)
	e.logger.Info("学習済みフラグを更新しました",
		slog.Int("requested", len(ids)),
		slog.Int64("count", n),
	)
	return n, nil
}

// ListItems はフィルタ条件に一致するアイテムを返す。
func (e *Engine) ListItems(ctx context.Context, filter model.ItemFilter) ([]*model.WorkItem, error) {
	if filter.Label != nil && !filter.Label.Valid() {
		return nil, model.NewInvalidLabelError(string(*filter.Label))
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return e.items.List(ctx, filter)
}

// uniqueIDs は空白を除去し、空文字列と重複を取り除く。順序は保持する。
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
