// Package stats はアイテムの状態から全体統計とワーカー別集計を算出する。
// 集計結果は保存せず、読み出しのたびにストアの内容から計算する。
package stats

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/labelq/internal/logger"
	"github.com/hitoshi/labelq/internal/model"
	"github.com/hitoshi/labelq/internal/repository"
)

const (
	cacheKeyGlobal      = "global"
	cacheKeyLeaderboard = "leaderboard"
)

// cached はキャッシュに保持する集計結果。
type cached struct {
	global  *model.GlobalStats
	workers []model.LabelerStat
}

// Option はAggregatorの任意設定。
type Option func(*Aggregator)

// WithClock は時刻の取得元を差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(a *Aggregator) { a.clock = clock }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger.OrDefault(l) }
}

// WithCacheTTL は全体統計とリーダーボードをttlの間キャッシュする。
// 0以下の場合はキャッシュしない。管理画面向けの集計はキャッシュ対象外。
func WithCacheTTL(ttl time.Duration) Option {
	return func(a *Aggregator) {
		if ttl <= 0 {
			a.cache = nil
			return
		}
		a.cache = expirable.NewLRU[string, cached](4, nil, ttl)
	}
}

// Aggregator は統計の算出を行う。
type Aggregator struct {
	items    repository.ItemRepository
	labelers repository.LabelerRepository
	clock    clockwork.Clock
	logger   *slog.Logger
	cache    *expirable.LRU[string, cached]
}

// NewAggregator は新しいAggregatorを生成する。
// labelersがnilの場合、表示名にはワーカーIDを使う。
func NewAggregator(items repository.ItemRepository, labelers repository.LabelerRepository, opts ...Option) *Aggregator {
	a := &Aggregator{
		items:    items,
		labelers: labelers,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Global は状態別の件数を返す。
func (a *Aggregator) Global(ctx context.Context) (*model.GlobalStats, error) {
	if c, ok := a.cached(cacheKeyGlobal); ok {
		return c.global, nil
	}

	s, err := a.items.Stats(ctx, a.clock.Now())
	if err != nil {
		return nil, err
	}

	a.store(cacheKeyGlobal, cached{global: s})
	return s, nil
}

// Labelers はワーカー別の集計をワーカーID順で返す。
func (a *Aggregator) Labelers(ctx context.Context) ([]model.LabelerStat, error) {
	out, err := a.aggregate(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(x, y model.LabelerStat) int {
		return cmp.Compare(x.WorkerID, y.WorkerID)
	})
	return out, nil
}

// Leaderboard はラベル付け件数の多い順にワーカーを返す。
// 同数の場合はワーカーID順。1件もラベル付けしていないワーカーは含めない。
func (a *Aggregator) Leaderboard(ctx context.Context) ([]model.LabelerStat, error) {
	if c, ok := a.cached(cacheKeyLeaderboard); ok {
		return slices.Clone(c.workers), nil
	}

	all, err := a.aggregate(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.LabelerStat, 0, len(all))
	for _, s := range all {
		if s.TotalLabeled == 0 {
			continue
		}
		s.ClaimedItems = nil
		out = append(out, s)
	}
	slices.SortFunc(out, func(x, y model.LabelerStat) int {
		if c := cmp.Compare(y.TotalLabeled, x.TotalLabeled); c != 0 {
			return c
		}
		return cmp.Compare(x.WorkerID, y.WorkerID)
	})

	a.store(cacheKeyLeaderboard, cached{workers: out})
	return slices.Clone(out), nil
}

// AdminView は最終活動時刻の新しい順にワーカーを返す。
// 各ワーカーのクレーム中アイテムと残り時間を含む。常に最新の状態から算出する。
func (a *Aggregator) AdminView(ctx context.Context) ([]model.LabelerStat, error) {
	out, err := a.aggregate(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, compareByActivity)
	return out, nil
}

// Invalidate はキャッシュを破棄する。
func (a *Aggregator) Invalidate() {
	if a.cache != nil {
		a.cache.Purge()
	}
}

func (a *Aggregator) aggregate(ctx context.Context) ([]model.LabelerStat, error) {
	items, err := a.items.ListAttributed(ctx)
	if err != nil {
		return nil, err
	}
	return Aggregate(items, a.names(ctx), a.clock.Now()), nil
}

// names は表示名の対応表を返す。取得できない場合は空の対応表で続行する。
func (a *Aggregator) names(ctx context.Context) map[string]string {
	if a.labelers == nil {
		return nil
	}
	names, err := a.labelers.NameMap(ctx)
	if err != nil {
		a.logger.Warn("表示名の取得に失敗しました。ワーカーIDで代替します",
			slog.String("error", err.Error()),
		)
		return nil
	}
	return names
}

func (a *Aggregator) cached(key string) (cached, bool) {
	if a.cache == nil {
		return cached{}, false
	}
	return a.cache.Get(key)
}

func (a *Aggregator) store(key string, v cached) {
	if a.cache != nil {
		a.cache.Add(key, v)
	}
}

// Aggregate はクレーム所有者ごとにアイテムを集計する。結果の順序は不定。
//
// activeClaimsは期限切れを含む未ラベルのクレーム数、totalLabeledはラベル付け済みの件数。
// lastActivityはclaimedAtとlabeledAtの最大値。表示名がない場合はワーカーIDを使う。
func Aggregate(items []*model.WorkItem, names map[string]string, now time.Time) []model.LabelerStat {
	byWorker := make(map[string]*model.LabelerStat)
	order := make([]string, 0)

	for _, it := range items {
		owner := it.Owner()
		if owner == "" {
			continue
		}
		s, ok := byWorker[owner]
		if !ok {
			name := names[owner]
			if name == "" {
				name = owner
			}
			s = &model.LabelerStat{WorkerID: owner, DisplayName: name}
			byWorker[owner] = s
			order = append(order, owner)
		}

		switch it.Label {
		case model.LabelUnlabeled:
			s.ActiveClaims++
			s.ClaimedItems = append(s.ClaimedItems, claimedView(it, now))
		case model.LabelPass:
			s.TotalLabeled++
			s.PassCount++
		case model.LabelFaulty:
			s.TotalLabeled++
			s.FaultyCount++
		case model.LabelMaybe:
			s.TotalLabeled++
			s.MaybeCount++
		}

		s.LastActivity = latest(s.LastActivity, it.ClaimedAt)
		s.LastActivity = latest(s.LastActivity, it.LabeledAt)
	}

	out := make([]model.LabelerStat, 0, len(order))
	for _, id := range order {
		out = append(out, *byWorker[id])
	}
	return out
}

func claimedView(it *model.WorkItem, now time.Time) model.ClaimedItemView {
	v := model.ClaimedItemView{
		ItemID:         it.ID,
		ClaimedAt:      it.ClaimedAt,
		ClaimExpiresAt: it.ClaimExpiresAt,
	}
	if it.ClaimExpiresAt != nil {
		v.MinutesRemaining = MinutesRemaining(*it.ClaimExpiresAt, now)
		v.Expired = it.ClaimExpiresAt.Before(now)
	}
	return v
}

// MinutesRemaining は期限までの残り分数を四捨五入で返す。期限を過ぎている場合は0。
func MinutesRemaining(expiresAt, now time.Time) int {
	m := math.Round(expiresAt.Sub(now).Minutes())
	if m < 0 {
		return 0
	}
	return int(m)
}

func latest(cur, t *time.Time) *time.Time {
	if t == nil {
		return cur
	}
	if cur == nil || t.After(*cur) {
		v := *t
		return &v
	}
	return cur
}

// compareByActivity は最終活動時刻の降順、同時刻はワーカーID順で比較する。
// 活動時刻がないワーカーは末尾に並べる。
func compareByActivity(x, y model.LabelerStat) int {
	switch {
	case x.LastActivity == nil && y.LastActivity != nil:
		return 1
	case x.LastActivity != nil && y.LastActivity == nil:
		return -1
	case x.LastActivity != nil && y.LastActivity != nil:
		if c := y.LastActivity.Compare(*x.LastActivity); c != 0 {
			return c
		}
	}
	return cmp.Compare(x.WorkerID, y.WorkerID)
}
