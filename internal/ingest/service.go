// Package ingest は外部のコンテンツ一覧をアイテムストアへ取り込む。
// 取り込みは冪等であり、既存のアイテムは変更しない。
package ingest

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/labelq/internal/logger"
	"github.com/hitoshi/labelq/internal/metrics"
	"github.com/hitoshi/labelq/internal/model"
	"github.com/hitoshi/labelq/internal/repository"
)

// DefaultBatchSize は1文で挿入する最大件数。
const DefaultBatchSize = 1000

// imageExtensions は同期対象とする拡張子。
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// IsImageKey はキーが画像ファイルの拡張子を持つかを返す。大文字小文字は区別しない。
func IsImageKey(key string) bool {
	return imageExtensions[strings.ToLower(path.Ext(key))]
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithBatchSize は1文あたりの挿入件数を設定する。
// repository.MaxInsertBatchSizeを超える値は上限に丸める。
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = min(n, repository.MaxInsertBatchSize)
		}
	}
}

// WithClock は時刻の取得元を差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(rec metrics.Recorder) Option {
	return func(s *Service) { s.metrics = metrics.OrNop(rec) }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = logger.OrDefault(l) }
}

// Service はアイテムの取り込みを行う。
type Service struct {
	items     repository.ItemRepository
	batchSize int
	clock     clockwork.Clock
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewService は新しいServiceを生成する。
func NewService(items repository.ItemRepository, opts ...Option) *Service {
	s := &Service{
		items:     items,
		batchSize: DefaultBatchSize,
		clock:     clockwork.NewRealClock(),
		metrics:   metrics.Nop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest は未登録のIDを未ラベルのアイテムとして追加する。
//
// 入力は前後の空白を除去し、空文字列と重複を取り除いてから処理する。
// batchSize件ずつ挿入し、途中で失敗した場合はそれまでの件数とエラーを返す。
func (s *Service) Ingest(ctx context.Context, candidateIDs []string) (model.IngestResult, error) {
	ids := normalize(candidateIDs)
	var res model.IngestResult
	if len(ids) == 0 {
		return res, nil
	}

	now := s.clock.Now()
	for start := 0; start < len(ids); start += s.batchSize {
		end := min(start+s.batchSize, len(ids))
		batch := ids[start:end]

		n, err := s.items.InsertMissing(ctx, batch, now)
		if err != nil {
			s.metrics.RecordIngest(res.Added, res.Skipped)
			s.logger.Error("アイテムの取り込みに失敗しました",
				slog.Int("processed", start),
				slog.Int("total", len(ids)),
				slog.Int("added", res.Added),
				slog.String("error", err.Error()),
			)
			return res, err
		}
		res.Added += int(n)
		res.Skipped += len(batch) - int(n)
	}

	s.metrics.RecordIngest(res.Added, res.Skipped)
	s.logger.Info("アイテムを取り込みました",
		slog.Int("total", len(ids)),
		slog.Int("added", res.Added),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

// SyncReport は同期1回分の結果を表す。
type SyncReport struct {
	RunID    string
	Source   string
	Total    int
	Added    int
	Skipped  int
	Duration time.Duration
}

// Sync はlisterから候補を取得し、画像ファイルのみを取り込む。
func (s *Service) Sync(ctx context.Context, lister Lister) (*SyncReport, error) {
	report := &SyncReport{RunID: uuid.NewString(), Source: lister.Source()}
	start := s.clock.Now()

	keys, err := lister.List(ctx)
	if err != nil {
		s.logger.Error("コンテンツ一覧の取得に失敗しました",
			slog.String("run_id", report.RunID),
			slog.String("source", report.Source),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	images := make([]string, 0, len(keys))
	for _, k := range keys {
		if IsImageKey(k) {
			images = append(images, k)
		}
	}
	report.Total = len(images)

	res, err := s.Ingest(ctx, images)
	report.Added, report.Skipped = res.Added, res.Skipped
	report.Duration = s.clock.Since(start)
	if err != nil {
		return report, err
	}

	s.logger.Info("同期が完了しました",
		slog.String("run_id", report.RunID),
		slog.String("source", report.Source),
		slog.Int("listed", len(keys)),
		slog.Int("images", report.Total),
		slog.Int("added", report.Added),
		slog.Float64("duration_ms", float64(report.Duration.Milliseconds())),
	)
	return report, nil
}

func normalize(ids []string) []string {
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
