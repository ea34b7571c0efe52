// Package syncjob はコンテンツ一覧の定期同期ジョブを提供する。
package syncjob

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/labelq/internal/ingest"
)

// Syncer は一覧の取得と取り込みを行う。ingest.Serviceが実装する。
type Syncer interface {
	Sync(ctx context.Context, lister ingest.Lister) (*ingest.SyncReport, error)
}

// Config は同期ジョブの設定。
type Config struct {
	// Interval は実行間隔（デフォルト: 15分）。
	Interval time.Duration
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Minute}
}

// Job は同期を定期実行する。
// 連続して失敗した場合は一定時間実行を見送る。
type Job struct {
	syncer            Syncer
	lister            ingest.Lister
	logger            *slog.Logger
	clock             clockwork.Clock
	config            Config
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewJob は新しいJobを生成する。
func NewJob(syncer Syncer, lister ingest.Lister, logger *slog.Logger, clock clockwork.Clock, config Config) *Job {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Job{
		syncer: syncer,
		lister: lister,
		logger: logger,
		clock:  clock,
		config: config,
	}
}

// Start は起動直後に1回実行し、以降はティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context) {
	ticker := j.clock.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("同期ジョブを開始しました",
		slog.String("source", j.lister.Source()),
		slog.Duration("interval", j.config.Interval),
	)

	j.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("同期ジョブを停止しました")
			return
		case <-ticker.Chan():
			j.RunOnce(ctx)
		}
	}
}

// RunOnce は同期を1回実行する。バックオフ中の場合は何もせずnilを返す。
func (j *Job) RunOnce(ctx context.Context) *ingest.SyncReport {
	now := j.clock.Now()
	if !j.backoffUntil.IsZero() && now.Before(j.backoffUntil) {
		j.logger.Info("同期ジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", j.backoffUntil),
		)
		return nil
	}

	report, err := j.syncer.Sync(ctx, j.lister)
	if err != nil {
		j.consecutiveErrors++
		j.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("source", j.lister.Source()),
			slog.Int("consecutive_errors", j.consecutiveErrors),
			slog.String("error", err.Error()),
		)
		if backoff := errorBackoff(j.consecutiveErrors); backoff > 0 {
			j.backoffUntil = now.Add(backoff)
			j.logger.Warn("連続エラーによりバックオフを適用します",
				slog.Int("consecutive_errors", j.consecutiveErrors),
				slog.Duration("backoff_duration", backoff),
			)
		}
		return report
	}

	j.consecutiveErrors = 0
	j.backoffUntil = time.Time{}
	return report
}

// errorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func errorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
