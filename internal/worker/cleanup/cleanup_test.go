package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type mockPruner struct {
	called  int
	before  time.Time
	deleted int64
	err     error
}

func (m *mockPruner) DeleteReceivedBefore(_ context.Context, before time.Time) (int64, error) {
	m.called++
	m.before = before
	return m.deleted, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var cleanupNow = time.Date(2026, 6, 20, 3, 0, 0, 0, time.UTC)

func newTestJob(p *mockPruner, buf *bytes.Buffer) *CleanupJob {
	job := NewCleanupJob(p, newTestLogger(buf))
	job.now = func() time.Time { return cleanupNow }
	return job
}

func TestNewCleanupJob_SetsRetentionDays(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPruner{}, newTestLogger(&buf))

	if job.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", job.RetentionDays)
	}
}

func TestCleanupJob_Run_UsesRetentionCutoff(t *testing.T) {
	var buf bytes.Buffer
	p := &mockPruner{}
	job := newTestJob(p, &buf)
	job.RetentionDays = 7

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	want := cleanupNow.AddDate(0, 0, -7)
	if !p.before.Equal(want) {
		t.Errorf("before = %v, want %v", p.before, want)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPruner{deleted: 42}, &buf)

	_ = job.Run(context.Background())

	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["deleted_count"] == float64(42) && entry["retention_days"] == float64(30) {
			found = true
		}
	}
	if !found {
		t.Errorf("ログに deleted_count=42, retention_days=30 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ReturnsAndLogsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPruner{err: sql.ErrConnDone}, &buf)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	p := &mockPruner{}
	job := newTestJob(p, &buf)

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
	if p.called != 2 {
		t.Errorf("呼び出し回数 = %d, want 2", p.called)
	}
}

func TestCleanupJob_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	p := &mockPruner{}
	job := newTestJob(p, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start が終了しない")
	}
}
