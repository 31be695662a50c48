package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// mockSessionDeleter はSessionDeleterのテスト用モック。
type mockSessionDeleter struct {
	calls   int32
	deleted int64
	err     error
}

func (m *mockSessionDeleter) DeleteExpired(ctx context.Context) (int64, error) {
	atomic.AddInt32(&m.calls, 1)
	return m.deleted, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockSessionDeleter{deleted: 5}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if mock.calls != 1 {
		t.Errorf("DeleteExpired calls = %d, want 1", mock.calls)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログのパースに失敗: %v", err)
	}
	if entry["deleted_count"] != float64(5) {
		t.Errorf("deleted_count = %v, want 5", entry["deleted_count"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_msを含めるべき")
	}
}

func TestCleanupJob_Run_NothingToDelete(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockSessionDeleter{}, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Errorf("削除対象がなくてもエラーにならないべき: %v", err)
	}
}

func TestCleanupJob_Run_ReturnsError(t *testing.T) {
	var buf bytes.Buffer
	cause := errors.New("connection refused")
	job := NewCleanupJob(&mockSessionDeleter{err: cause}, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, cause)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"level":"ERROR"`)) {
		t.Error("エラーをログに記録するべき")
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStops(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockSessionDeleter{}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("キャンセル後にStartが戻るべき")
	}
	if atomic.LoadInt32(&mock.calls) < 2 {
		t.Errorf("起動直後と定期実行で削除されるべき: calls = %d", mock.calls)
	}
}
