package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/labelq/internal/dbtest"
	"github.com/hitoshi/labelq/internal/model"
	"github.com/hitoshi/labelq/internal/repository"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// countingRepo はInsertMissingの呼び出しを記録し、指定回数目で失敗させる。
type countingRepo struct {
	repository.ItemRepository
	batches [][]string
	failAt  int
}

func (r *countingRepo) InsertMissing(ctx context.Context, ids []string, now time.Time) (int64, error) {
	r.batches = append(r.batches, ids)
	if r.failAt > 0 && len(r.batches) == r.failAt {
		return 0, model.NewStoreUnavailableError("insert", errors.New("disk full"))
	}
	return r.ItemRepository.InsertMissing(ctx, ids, now)
}

func countItems(t *testing.T, repo repository.ItemRepository) int64 {
	t.Helper()
	s, err := repo.Stats(context.Background(), baseTime)
	require.NoError(t, err)
	return s.Total
}

func TestIngest_Idempotent(t *testing.T) {
	dbtest.Backends(t, func(t *testing.T, b dbtest.Backend) {
		items := repository.NewItemRepo(b.DB, b.Dialect)
		svc := NewService(items, WithClock(clockwork.NewFakeClockAt(baseTime)))
		ctx := context.Background()

		res, err := svc.Ingest(ctx, []string{"a", "b", "c"})
		require.NoError(t, err)
		assert.Equal(t, model.IngestResult{Added: 3, Skipped: 0}, res)
		assert.Equal(t, int64(3), countItems(t, items))

		res, err = svc.Ingest(ctx, []string{"a", "b", "c", "d"})
		require.NoError(t, err)
		assert.Equal(t, model.IngestResult{Added: 1, Skipped: 3}, res)
		assert.Equal(t, int64(4), countItems(t, items))

		res, err = svc.Ingest(ctx, []string{"d", "c", "b", "a"})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Added, "同じ入力の再実行では追加されない")
	})
}

func TestIngest_LeavesExistingItemsUntouched(t *testing.T) {
	items := repository.NewSQLiteItemRepo(dbtest.SQLite(t))
	svc := NewService(items)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, []string{"a"})
	require.NoError(t, err)
	_, err = items.ClaimNext(ctx, "w1", baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)
	_, err = items.UpdateLabel(ctx, "a", model.LabelPass, baseTime)
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, []string{"a"})
	require.NoError(t, err)

	got, err := items.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.LabelPass, got.Label)
	assert.Equal(t, "w1", got.Owner())
}

func TestIngest_NormalizesAndBatches(t *testing.T) {
	repo := &countingRepo{ItemRepository: repository.NewSQLiteItemRepo(dbtest.SQLite(t))}
	svc := NewService(repo, WithBatchSize(2))

	res, err := svc.Ingest(context.Background(), []string{" a ", "b", "", "a", "c", "d", "e", "  "})
	require.NoError(t, err)
	assert.Equal(t, model.IngestResult{Added: 5}, res)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, repo.batches)
}

func TestIngest_OversizedBatchIsClamped(t *testing.T) {
	repo := &countingRepo{ItemRepository: repository.NewSQLiteItemRepo(dbtest.SQLite(t))}
	svc := NewService(repo, WithBatchSize(9000))

	ids := make([]string, 9000)
	for i := range ids {
		ids[i] = fmt.Sprintf("img-%05d.jpg", i)
	}
	res, err := svc.Ingest(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, model.IngestResult{Added: 9000}, res)
	require.Len(t, repo.batches, 2)
	assert.Len(t, repo.batches[0], repository.MaxInsertBatchSize)
	assert.Len(t, repo.batches[1], 9000-repository.MaxInsertBatchSize)
}

func TestIngest_EmptyInput(t *testing.T) {
	repo := &countingRepo{ItemRepository: repository.NewSQLiteItemRepo(dbtest.SQLite(t))}
	svc := NewService(repo)

	res, err := svc.Ingest(context.Background(), []string{"", " "})
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.Empty(t, repo.batches)
}

func TestIngest_PartialFailure(t *testing.T) {
	repo := &countingRepo{ItemRepository: repository.NewSQLiteItemRepo(dbtest.SQLite(t)), failAt: 2}
	svc := NewService(repo, WithBatchSize(2))

	res, err := svc.Ingest(context.Background(), []string{"a", "b", "c", "d", "e"})
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.Equal(t, model.IngestResult{Added: 2}, res, "失敗前のバッチは反映済み")
	assert.Len(t, repo.batches, 2, "失敗後のバッチは実行しない")
}

func TestSync_FiltersImages(t *testing.T) {
	items := repository.NewSQLiteItemRepo(dbtest.SQLite(t))
	svc := NewService(items)

	report, err := svc.Sync(context.Background(), StaticLister{
		"cats/a.JPG", "cats/b.png", "notes.txt", "cats/", "c.webp", "d.jpeg", "e.gif", "f.tiff",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "static", report.Source)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 5, report.Added)

	report, err = svc.Sync(context.Background(), StaticLister{"cats/a.JPG", "g.png"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 1, report.Skipped)
}

type failingLister struct{}

func (failingLister) List(context.Context) ([]string, error) { return nil, errors.New("bucket unreachable") }
func (failingLister) Source() string                          { return "broken" }

func TestSync_ListerError(t *testing.T) {
	svc := NewService(repository.NewSQLiteItemRepo(dbtest.SQLite(t)))

	report, err := svc.Sync(context.Background(), failingLister{})
	assert.Error(t, err)
	assert.Nil(t, report)
}

func TestIsImageKey(t *testing.T) {
	tests := map[string]bool{
		"a.jpg":         true,
		"dir/b.JPEG":    true,
		"c.Png":         true,
		"d.gif":         true,
		"e.webp":        true,
		"f.txt":         false,
		"jpg":           false,
		"dir.jpg/child": false,
	}
	for key, want := range tests {
		assert.Equal(t, want, IsImageKey(key), key)
	}
}
