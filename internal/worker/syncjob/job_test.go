package syncjob

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/labelq/internal/ingest"
)

type mockSyncer struct {
	calls int
	err   error
}

func (m *mockSyncer) Sync(ctx context.Context, lister ingest.Lister) (*ingest.SyncReport, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	keys, _ := lister.List(ctx)
	return &ingest.SyncReport{Source: lister.Source(), Total: len(keys), Added: len(keys)}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestDefaultConfig(t *testing.T) {
	if got := DefaultConfig().Interval; got != 15*time.Minute {
		t.Errorf("Interval = %v, want 15m", got)
	}
}

func TestJob_RunOnce_Succeeds(t *testing.T) {
	var buf bytes.Buffer
	syncer := &mockSyncer{}
	job := NewJob(syncer, ingest.StaticLister{"a.jpg", "b.jpg"}, newTestLogger(&buf), nil, Config{})

	report := job.RunOnce(context.Background())
	if report == nil {
		t.Fatal("report should not be nil")
	}
	if report.Added != 2 {
		t.Errorf("Added = %d, want 2", report.Added)
	}
}

func TestJob_RunOnce_BacksOffAfterConsecutiveErrors(t *testing.T) {
	var buf bytes.Buffer
	clock := clockwork.NewFakeClock()
	syncer := &mockSyncer{err: errors.New("index unreachable")}
	job := NewJob(syncer, ingest.StaticLister{}, newTestLogger(&buf), clock, Config{Interval: time.Minute})

	for i := 0; i < 3; i++ {
		job.RunOnce(context.Background())
	}
	if syncer.calls != 3 {
		t.Fatalf("calls = %d, want 3", syncer.calls)
	}

	// バックオフ中は実行しない
	job.RunOnce(context.Background())
	if syncer.calls != 3 {
		t.Errorf("バックオフ中に同期が実行された: calls = %d", syncer.calls)
	}

	// バックオフ終了後は再開し、成功でリセットされる
	clock.Advance(31 * time.Minute)
	syncer.err = nil
	if job.RunOnce(context.Background()) == nil {
		t.Fatal("バックオフ終了後に同期が実行されていない")
	}
	if job.consecutiveErrors != 0 {
		t.Errorf("consecutiveErrors = %d, want 0", job.consecutiveErrors)
	}
}

func TestErrorBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{1, 0},
		{2, 0},
		{3, 30 * time.Minute},
		{5, time.Hour},
		{10, 6 * time.Hour},
	}
	for _, tt := range tests {
		if got := errorBackoff(tt.errors); got != tt.want {
			t.Errorf("errorBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

func TestJob_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	clock := clockwork.NewFakeClock()
	syncer := &mockSyncer{}
	job := NewJob(syncer, ingest.StaticLister{"a.jpg"}, newTestLogger(&buf), clock, Config{Interval: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker not registered: %v", err)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}
}
