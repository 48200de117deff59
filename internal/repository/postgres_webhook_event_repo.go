package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/stridesync/internal/model"
)

// PostgresWebhookEventRepo はPostgreSQLを使用したWebhookイベントログ。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// Record はイベントを記録する。同一配信が記録済みの場合はErrDuplicateを返す。
func (r *PostgresWebhookEventRepo) Record(ctx context.Context, e *model.WebhookEvent) error {
	updates, err := json.Marshal(e.Updates)
	if err != nil {
		return fmt.Errorf("updatesのシリアライズに失敗しました: %w", err)
	}
	if e.Updates == nil {
		updates = []byte("{}")
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_events (
		     id, object_type, object_id, aspect_type, owner_id, subscription_id,
		     event_time, updates, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (event_time, object_id, aspect_type) DO NOTHING`,
		e.ID, e.ObjectType, e.ObjectID, e.AspectType, e.OwnerID, e.SubscriptionID,
		e.EventTime, updates, e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("Webhookイベントの記録に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// MarkProcessed は処理結果を記録する。
func (r *PostgresWebhookEventRepo) MarkProcessed(ctx context.Context, id string, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed = $2, error_message = $3 WHERE id = $1`,
		id, errMsg == "", errMsg,
	)
	if err != nil {
		return fmt.Errorf("Webhookイベントの処理結果の記録に失敗しました: %w", err)
	}
	return nil
}

// DeleteReceivedBefore は指定日時より前に受信したイベントを削除し、削除件数を返す。
func (r *PostgresWebhookEventRepo) DeleteReceivedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("Webhookイベントの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	return n, nil
}
