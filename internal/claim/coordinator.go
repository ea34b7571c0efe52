// Package claim はワーカーへのアイテム割り当て（クレーム）を管理する。
//
// 排他性はデータストアの条件付きUPDATEに委ねており、
// プロセス内のロックは持たない。複数プロセスから同時に呼び出してよい。
package claim

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/labelq/internal/logger"
	"github.com/hitoshi/labelq/internal/metrics"
	"github.com/hitoshi/labelq/internal/model"
	"github.com/hitoshi/labelq/internal/repository"
	"github.com/hitoshi/labelq/internal/security"
)

// デフォルト値
const (
	DefaultLeaseDuration = 10 * time.Minute
	DefaultMaxBatchSize  = 50
	DefaultExtension     = 5 * time.Minute
	DefaultMaxExtension  = 30 * time.Minute
)

// Config はクレームの期間とバッチ上限を表す。
// ゼロ値のフィールドはデフォルト値で補完される。
type Config struct {
	LeaseDuration time.Duration
	MaxBatchSize  int
	MaxExtension  time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxExtension <= 0 {
		c.MaxExtension = DefaultMaxExtension
	}
	return c
}

// Option はCoordinatorの任意設定。
type Option func(*Coordinator)

// WithClock は時刻の取得元を差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(rec metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = metrics.OrNop(rec) }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger.OrDefault(l) }
}

// Coordinator はクレームの取得・解放・延長・回収を行う。
type Coordinator struct {
	items     repository.ItemRepository
	labelers  repository.LabelerRepository
	sanitizer *security.NameSanitizer
	clock     clockwork.Clock
	metrics   metrics.Recorder
	logger    *slog.Logger
	cfg       Config
}

// NewCoordinator は新しいCoordinatorを生成する。
// labelersがnilの場合、表示名は記録されない。
func NewCoordinator(
	items repository.ItemRepository,
	labelers repository.LabelerRepository,
	cfg Config,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		items:     items,
		labelers:  labelers,
		sanitizer: security.NewNameSanitizer(),
		clock:     clockwork.NewRealClock(),
		metrics:   metrics.Nop{},
		logger:    slog.Default(),
		cfg:       cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config は補完済みの設定を返す。
func (c *Coordinator) Config() Config {
	return c.cfg
}

// ClaimBatch は適格なアイテムを最大batchSize件、1件ずつ予約する。
//
// 適格なアイテムが尽きた時点で打ち切り、それまでの結果を返す（エラーではない）。
// 途中でストアが失敗した場合は予約済みの分を返し、ロールバックしない。
// 1件も予約できないままストアが失敗した場合のみエラーを返す。
func (c *Coordinator) ClaimBatch(ctx context.Context, workerID, displayName string, batchSize int) ([]*model.WorkItem, error) {
	workerID, err := normalizeWorkerID(workerID)
	if err != nil {
		return nil, err
	}

	start := c.clock.Now()
	n := c.batchSize(batchSize)
	c.rememberName(ctx, workerID, displayName)

	claimed := make([]*model.WorkItem, 0, n)
	for len(claimed) < n {
		now := c.clock.Now()
		item, err := c.items.ClaimNext(ctx, workerID, now, now.Add(c.cfg.LeaseDuration))
		if err != nil {
			if len(claimed) == 0 {
				return nil, err
			}
			c.logger.Warn("バッチクレームを途中で打ち切りました",
				slog.String("worker_id", workerID),
				slog.Int("requested", n),
				slog.Int("granted", len(claimed)),
				slog.String("error", err.Error()),
			)
			break
		}
		if item == nil {
			c.metrics.RecordClaimExhausted()
			break
		}
		claimed = append(claimed, item)
	}

	c.metrics.RecordClaimsGranted(len(claimed))
	c.metrics.RecordClaimLatency(c.clock.Since(start))
	c.logger.Info("バッチクレームが完了しました",
		slog.String("worker_id", workerID),
		slog.Int("requested", n),
		slog.Int("granted", len(claimed)),
	)

	return claimed, nil
}

// ReleaseClaim は呼び出し元が有効なクレームを保持している場合のみ解放する。
// アイテムが存在しない場合はITEM_NOT_FOUND、それ以外の失敗はCLAIM_NOT_OWNEDを返す。
func (c *Coordinator) ReleaseClaim(ctx context.Context, workerID, itemID string) error {
	workerID, err := normalizeWorkerID(workerID)
	if err != nil {
		return err
	}

	ok, err := c.items.Release(ctx, workerID, itemID, c.clock.Now())
	if err != nil {
		return err
	}
	c.metrics.RecordRelease(ok)
	if !ok {
		return c.rejection(ctx, itemID)
	}

	c.logger.Info("クレームを解放しました",
		slog.String("worker_id", workerID),
		slog.String("item_id", itemID),
	)
	return nil
}

// ExtendClaim はクレームの期限をadditionalだけ延長する。
// additionalが0以下の場合は5分、上限を超える場合は上限に丸める。
// 期限切れのクレームは延長できない（CLAIM_NOT_OWNED）。
func (c *Coordinator) ExtendClaim(ctx context.Context, workerID, itemID string, additional time.Duration) (*model.WorkItem, error) {
	workerID, err := normalizeWorkerID(workerID)
	if err != nil {
		return nil, err
	}

	item, err := c.items.Extend(ctx, workerID, itemID, c.extension(additional), c.clock.Now())
	if err != nil {
		return nil, err
	}
	c.metrics.RecordExtend(item != nil)
	if item == nil {
		return nil, c.rejection(ctx, itemID)
	}
	return item, nil
}

// ReclaimExpired は期限切れのクレームをすべて回収し、件数を返す。
// 冪等であり、ClaimBatchと並行して実行してよい。
func (c *Coordinator) ReclaimExpired(ctx context.Context) (int64, error) {
	start := c.clock.Now()

	count, err := c.items.ReclaimExpired(ctx, start)
	if err != nil {
		c.logger.Error("期限切れクレームの回収に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	c.metrics.RecordReclaimed(count)
	c.logger.Info("期限切れクレームを回収しました",
		slog.Int64("count", count),
		slog.Float64("duration_ms", float64(c.clock.Since(start).Milliseconds())),
	)
	return count, nil
}

// ForceReleaseWorker はworkerIDが保持する未ラベルアイテムのクレームを期限に関係なく解放する。
// ラベル付け済みアイテムの来歴は変更しない。
func (c *Coordinator) ForceReleaseWorker(ctx context.Context, workerID string) (int64, error) {
	workerID, err := normalizeWorkerID(workerID)
	if err != nil {
		return 0, err
	}

	count, err := c.items.ReleaseAllByWorker(ctx, workerID, c.clock.Now())
	if err != nil {
		return 0, err
	}

	c.metrics.RecordForceReleased(count)
	c.logger.Info("ワーカーのクレームを強制解放しました",
		slog.String("worker_id", workerID),
		slog.Int64("count", count),
	)
	return count, nil
}

// GetWorkerClaims はworkerIDが保持する未ラベルアイテムを期限切れも含めて返す。
// 再接続時に作業中のバッチを復元するために使う。
func (c *Coordinator) GetWorkerClaims(ctx context.Context, workerID string) ([]*model.WorkItem, error) {
	workerID, err := normalizeWorkerID(workerID)
	if err != nil {
		return nil, err
	}
	return c.items.ListClaimedBy(ctx, workerID)
}

// rejection は条件付き更新が0件だった理由を判定する。
func (c *Coordinator) rejection(ctx context.Context, itemID string) error {
	item, err := c.items.FindByID(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return model.NewItemNotFoundError(itemID)
	}
	return model.NewClaimNotOwnedError(itemID)
}

// rememberName は表示名を記録する。失敗してもクレームは継続する。
func (c *Coordinator) rememberName(ctx context.Context, workerID, displayName string) {
	if c.labelers == nil {
		return
	}
	name := c.sanitizer.Sanitize(displayName)
	if name == "" {
		return
	}
	if err := c.labelers.Upsert(ctx, workerID, name, c.clock.Now()); err != nil {
		c.logger.Warn("表示名の記録に失敗しました",
			slog.String("worker_id", workerID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) batchSize(n int) int {
	if n <= 0 {
		return 1
	}
	if n > c.cfg.MaxBatchSize {
		return c.cfg.MaxBatchSize
	}
	return n
}

func (c *Coordinator) extension(d time.Duration) time.Duration {
	if d <= 0 {
		d = DefaultExtension
	}
	if d > c.cfg.MaxExtension {
		return c.cfg.MaxExtension
	}
	return d
}

func normalizeWorkerID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", model.NewInvalidRequestError("ワーカーIDが指定されていません")
	}
	return id, nil
}
