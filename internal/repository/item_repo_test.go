package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/labelq/internal/dbtest"
	"github.com/hitoshi/labelq/internal/model"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo *ItemRepo, ids ...string) {
	t.Helper()
	n, err := repo.InsertMissing(context.Background(), ids, baseTime)
	require.NoError(t, err)
	require.Equal(t, int64(len(ids)), n)
}

func TestItemRepo_ClaimNext(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)
		seed(t, repo, "a.jpg", "b.jpg")

		exp := baseTime.Add(10 * time.Minute)
		first, err := repo.ClaimNext(ctx, "w1", baseTime, exp)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "a.jpg", first.ID)
		assert.Equal(t, "w1", first.Owner())
		require.NotNil(t, first.ClaimedAt)
		assert.True(t, first.ClaimedAt.Equal(baseTime))
		require.NotNil(t, first.ClaimExpiresAt)
		assert.True(t, first.ClaimExpiresAt.Equal(exp))

		second, err := repo.ClaimNext(ctx, "w2", baseTime, exp)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, "b.jpg", second.ID)

		none, err := repo.ClaimNext(ctx, "w3", baseTime, exp)
		require.NoError(t, err)
		assert.Nil(t, none, "適格なアイテムがない場合はnilを返す")

		// 期限到達時点で再び適格になる
		again, err := repo.ClaimNext(ctx, "w3", exp, exp.Add(10*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, "w3", again.Owner())
	})
}

func TestItemRepo_ClaimNext_SkipsLabeledItems(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)
		seed(t, repo, "a.jpg")

		_, err := repo.UpdateLabel(ctx, "a.jpg", model.LabelPass, baseTime)
		require.NoError(t, err)

		got, err := repo.ClaimNext(ctx, "w1", baseTime, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestItemRepo_ClaimNext_Concurrent(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)

		const pool = 30
		ids := make([]string, pool)
		for i := range ids {
			ids[i] = fmt.Sprintf("img-%03d.png", i)
		}
		seed(t, repo, ids...)

		const workers = 8
		var mu sync.Mutex
		seen := make(map[string]string)
		var wg sync.WaitGroup
		errs := make(chan error, workers)

		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					item, err := repo.ClaimNext(ctx, worker, baseTime, baseTime.Add(time.Minute))
					if err != nil {
						errs <- err
						return
					}
					if item == nil {
						return
					}
					mu.Lock()
					if prev, dup := seen[item.ID]; dup {
						mu.Unlock()
						errs <- fmt.Errorf("%s は %s と %s の両方に割り当てられた", item.ID, prev, worker)
						return
					}
					seen[item.ID] = worker
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Error(err)
		}
		assert.Len(t, seen, pool)
	})
}

func TestItemRepo_Release(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)
		seed(t, repo, "a.jpg")

		exp := baseTime.Add(10 * time.Minute)
		_, err := repo.ClaimNext(ctx, "w1", baseTime, exp)
		require.NoError(t, err)

		ok, err := repo.Release(ctx, "w2", "a.jpg", baseTime)
		require.NoError(t, err)
		assert.False(t, ok, "他ワーカーは解放できない")

		ok, err = repo.Release(ctx, "w1", "a.jpg", exp)
		require.NoError(t, err)
		assert.False(t, ok, "期限切れのクレームは解放できない")

		ok, err = repo.Release(ctx, "w1", "a.jpg", baseTime)
		require.NoError(t, err)
		assert.True(t, ok)

		item, err := repo.FindByID(ctx, "a.jpg")
		require.NoError(t, err)
		assert.Nil(t, item.ClaimedBy)
		assert.Nil(t, item.ClaimedAt)
		assert.Nil(t, item.ClaimExpiresAt)
	})
}

func TestItemRepo_Extend(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)
		seed(t, repo, "a.jpg")

		exp := baseTime.Add(10 * time.Minute)
		_, err := repo.ClaimNext(ctx, "w1", baseTime, exp)
		require.NoError(t, err)

		got, err := repo.Extend(ctx, "w1", "a.jpg", 5*time.Minute, baseTime.Add(time.Minute))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.ClaimExpiresAt.Equal(exp.Add(5*time.Minute)),
			"claim_expires_at = %v, want %v", got.ClaimExpiresAt, exp.Add(5*time.Minute))

		got, err = repo.Extend(ctx, "w2", "a.jpg", 5*time.Minute, baseTime)
		require.NoError(t, err)
		assert.Nil(t, got, "他ワーカーは延長できない")

		got, err = repo.Extend(ctx, "w1", "a.jpg", 5*time.Minute, exp.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, got, "期限切れのクレームは延長できない")
	})
}

func TestItemRepo_ReclaimExpired(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)
		seed(t, repo, "a.jpg", "b.jpg", "c.jpg")

		_, err := repo.ClaimNext(ctx, "w1", baseTime, baseTime.Add(time.Second))
		require.NoError(t, err)
		_, err = repo.ClaimNext(ctx, "w1", baseTime, baseTime.Add(time.Hour))
		require.NoError(t, err)
		_, err = repo.ClaimNext(ctx, "w2", baseTime, baseTime.Add(time.Second))
		require.NoError(t, err)
		_, err = repo.UpdateLabel(ctx, "c.jpg", model.LabelFaulty, baseTime)
		require.NoError(t, err)

		n, err := repo.ReclaimExpired(ctx, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		n, err = repo.ReclaimExpired(ctx, baseTime.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "ラベル付け済みと有効期限内のアイテムは対象外")

		n, err = repo.ReclaimExpired(ctx, baseTime.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "冪等")

		labeled, err := repo.FindByID(ctx, "c.jpg")
		require.NoError(t, err)
		assert.Equal(t, "w2", labeled.Owner(), "来歴は残る")
	})
}

func TestItemRepo_ReleaseAllByWorker(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)
		seed(t, repo, "a.jpg", "b.jpg", "c.jpg")

		for _, w := range []string{"w1", "w1", "w2"} {
			_, err := repo.ClaimNext(ctx, w, baseTime, baseTime.Add(time.Hour))
			require.NoError(t, err)
		}
		_, err := repo.UpdateLabel(ctx, "a.jpg", model.LabelMaybe, baseTime)
		require.NoError(t, err)

		n, err := repo.ReleaseAllByWorker(ctx, "w1", baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		claims, err := repo.ListClaimedBy(ctx, "w1")
		require.NoError(t, err)
		assert.Empty(t, claims)

		labeled, err := repo.FindByID(ctx, "a.jpg")
		require.NoError(t, err)
		assert.Equal(t, "w1", labeled.Owner())

		other, err := repo.ListClaimedBy(ctx, "w2")
		require.NoError(t, err)
		assert.Len(t, other, 1)
	})
}

func TestItemRepo_UpdateLabel(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)
		seed(t, repo, "a.jpg")

		claimed, err := repo.ClaimNext(ctx, "w1", baseTime, baseTime.Add(time.Minute))
		require.NoError(t, err)

		first := baseTime.Add(30 * time.Second)
		got, err := repo.UpdateLabel(ctx, "a.jpg", model.LabelPass, first)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.LabelPass, got.Label)
		assert.Equal(t, claimed.Owner(), got.Owner())
		assert.True(t, got.ClaimedAt.Equal(*claimed.ClaimedAt))
		require.NotNil(t, got.LabeledAt)
		assert.True(t, got.LabeledAt.Equal(first))

		got, err = repo.UpdateLabel(ctx, "a.jpg", model.LabelFaulty, first.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, got.LabeledAt.Equal(first), "labeled_at は初回のみ記録する")

		missing, err := repo.UpdateLabel(ctx, "nope.jpg", model.LabelPass, first)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestItemRepo_UpdateLabel_UnlabeledClearsTrained(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)
		seed(t, repo, "a.jpg")

		_, err := repo.UpdateLabel(ctx, "a.jpg", model.LabelPass, baseTime)
		require.NoError(t, err)
		n, err := repo.MarkTrained(ctx, []string{"a.jpg"}, baseTime)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		got, err := repo.UpdateLabel(ctx, "a.jpg", model.LabelUnlabeled, baseTime)
		require.NoError(t, err)
		assert.False(t, got.IsTrained)
		assert.Nil(t, got.TrainedAt)
	})
}

func TestItemRepo_MarkTrained(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)
		seed(t, repo, "a.jpg", "b.jpg", "c.jpg")

		_, err := repo.UpdateLabel(ctx, "a.jpg", model.LabelPass, baseTime)
		require.NoError(t, err)
		_, err = repo.UpdateLabel(ctx, "b.jpg", model.LabelFaulty, baseTime)
		require.NoError(t, err)

		n, err := repo.MarkTrained(ctx, []string{"a.jpg", "b.jpg", "c.jpg", "missing.jpg"}, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = repo.MarkTrained(ctx, []string{"a.jpg", "b.jpg"}, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "冪等")

		c, err := repo.FindByID(ctx, "c.jpg")
		require.NoError(t, err)
		assert.False(t, c.IsTrained)
	})
}

func TestItemRepo_InsertMissing(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)

		n, err := repo.InsertMissing(ctx, []string{"a", "b", "c"}, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		_, err = repo.UpdateLabel(ctx, "a", model.LabelPass, baseTime)
		require.NoError(t, err)

		n, err = repo.InsertMissing(ctx, []string{"a", "b", "c", "d"}, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		a, err := repo.FindByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.LabelPass, a.Label, "既存アイテムは変更しない")

		n, err = repo.InsertMissing(ctx, nil, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})
}

func TestItemRepo_InsertMissing_BatchLimit(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)

		ids := make([]string, MaxInsertBatchSize+1)
		for i := range ids {
			ids[i] = fmt.Sprintf("img-%05d", i)
		}

		n, err := repo.InsertMissing(ctx, ids[:MaxInsertBatchSize], baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(MaxInsertBatchSize), n)

		_, err = repo.InsertMissing(ctx, ids, baseTime)
		var apiErr *model.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, model.ErrCodeInvalidRequest, apiErr.Code)
	})
}

func TestItemRepo_ListAndStats(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		ctx := context.Background()
		repo := NewItemRepo(b.DB, b.Dialect)
		seed(t, repo, "a", "b", "c", "d", "e")

		// a: w1 有効クレーム, b: w2 期限切れクレーム, c: pass 学習済み, d: faulty, e: 未クレーム
		_, err := repo.ClaimNext(ctx, "w1", baseTime, baseTime.Add(time.Hour))
		require.NoError(t, err)
		_, err = repo.ClaimNext(ctx, "w2", baseTime, baseTime.Add(time.Second))
		require.NoError(t, err)
		_, err = repo.UpdateLabel(ctx, "c", model.LabelPass, baseTime)
		require.NoError(t, err)
		_, err = repo.UpdateLabel(ctx, "d", model.LabelFaulty, baseTime)
		require.NoError(t, err)
		_, err = repo.MarkTrained(ctx, []string{"c"}, baseTime)
		require.NoError(t, err)

		now := baseTime.Add(time.Minute)
		s, err := repo.Stats(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, model.GlobalStats{
			Total:              5,
			AvailableUnlabeled: 2,
			Claimed:            1,
			Unlabeled:          3,
			Pass:               1,
			Faulty:             1,
			Maybe:              0,
			Trained:            1,
			LabeledUntrained:   1,
			ActiveLabelers:     1,
		}, *s)

		unlabeled := model.LabelUnlabeled
		items, err := repo.List(ctx, model.ItemFilter{Label: &unlabeled})
		require.NoError(t, err)
		assert.Len(t, items, 3)

		trained := true
		items, err = repo.List(ctx, model.ItemFilter{IsTrained: &trained})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "c", items[0].ID)

		items, err = repo.List(ctx, model.ItemFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "b", items[0].ID)

		attributed, err := repo.ListAttributed(ctx)
		require.NoError(t, err)
		assert.Len(t, attributed, 2)
	})
}

func TestItemRepo_StatsEmpty(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		repo := NewItemRepo(b.DB, b.Dialect)
		s, err := repo.Stats(context.Background(), baseTime)
		require.NoError(t, err)
		assert.Equal(t, model.GlobalStats{}, *s)
	})
}

func TestItemRepo_StoreUnavailable(t *testing.T) {
	db := dbtest.SQLite(t)
	repo := NewSQLiteItemRepo(db)
	require.NoError(t, db.Close())

	_, err := repo.FindByID(context.Background(), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}

func TestChunk(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	got := chunk(ids, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, got)
	assert.Nil(t, chunk(nil, 2))
}
