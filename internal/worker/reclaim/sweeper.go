// Package reclaim は期限切れクレームの定期回収ジョブを提供する。
// 回収を実行しないと放棄されたアイテムが永久にクレームされたままになるため、
// ワーカーモードでは必ず一定間隔で実行する。
package reclaim

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval はデフォルトの実行間隔。
const DefaultInterval = 5 * time.Minute

// Reclaimer は期限切れクレームを回収する。claim.Coordinatorが実装する。
type Reclaimer interface {
	ReclaimExpired(ctx context.Context) (int64, error)
}

// Sweeper は期限切れクレームの回収を定期実行する。
// 回収処理自体が冪等なため、複数プロセスで同時に動いても整合性は崩れない。
type Sweeper struct {
	reclaimer Reclaimer
	logger    *slog.Logger
	clock     clockwork.Clock
	Interval  time.Duration
}

// NewSweeper は新しいSweeperを生成する。intervalが0以下の場合は5分。
func NewSweeper(reclaimer Reclaimer, interval time.Duration, logger *slog.Logger, clock clockwork.Clock) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{
		reclaimer: reclaimer,
		logger:    logger,
		clock:     clock,
		Interval:  interval,
	}
}

// Start は起動直後に1回実行し、以降はティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.Interval)
	defer ticker.Stop()

	s.logger.Info("クレーム回収ジョブを開始しました",
		slog.Duration("interval", s.Interval),
	)

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("クレーム回収ジョブを停止しました")
			return
		case <-ticker.Chan():
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は回収を1回実行し、回収件数を返す。
// 失敗はログに記録し、次の周期で再試行する。
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	n, err := s.reclaimer.ReclaimExpired(ctx)
	if err != nil {
		s.logger.Error("クレーム回収サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0
	}
	return n
}
