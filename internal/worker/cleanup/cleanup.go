// Package cleanup はWebhookイベントログの保持期間管理ジョブを提供する。
// 保持期間（デフォルト30日）を超過した受信記録を日次で削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventPruner は受信日時より前のイベントを削除するインターフェース。
// repository.WebhookEventRepositoryが満たす。
type EventPruner interface {
	DeleteReceivedBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したWebhookイベントの削除ジョブ。
// 削除対象がなくてもエラーにならない。
type CleanupJob struct {
	events        EventPruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // イベントログの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(events EventPruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		events:        events,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 30,
	}
}

// Run は保持期間を超過したイベントを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	deleted, err := j.events.DeleteReceivedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("Webhookイベントログのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("Webhookイベントログのクリーンアップに失敗: %w", err)
	}

	j.logger.Info("Webhookイベントログのクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}

// Start は指定間隔でRunを繰り返す。コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
