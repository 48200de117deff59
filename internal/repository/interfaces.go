// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/stridesync/internal/model"
)

// ErrDuplicate は一意制約違反により挿入されなかったことを示す。
var ErrDuplicate = errors.New("一意制約により既に存在します")

// AthleteLinkRepository は外部アカウント連携情報の永続化インターフェース。
type AthleteLinkRepository interface {
	// FindByUserID はユーザーIDで連携情報を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.AthleteLink, error)

	// FindByAthleteID は外部アスリートIDで連携情報を取得する。見つからない場合はnilを返す。
	FindByAthleteID(ctx context.Context, athleteID int64) (*model.AthleteLink, error)

	// Upsert は連携情報を作成する。既に存在する場合はアスリートIDとトークンを置き換える。
	// 集計値と同期日時は保持する。
	Upsert(ctx context.Context, link *model.AthleteLink) error

	// UpdateTokens はトークンを置き換える。
	// 有効期限は現在の値より進む場合のみ更新し、巻き戻さない。
	UpdateTokens(ctx context.Context, userID string, access, refresh model.SealedToken, expiresAt time.Time) error

	// ClearTokens はトークンのみを消去する。連携情報とアクティビティは残す。
	ClearTokens(ctx context.Context, userID string) error

	// SaveSyncStats は集計値とlast_synced_atを更新する。
	SaveSyncStats(ctx context.Context, userID string, stats model.AthleteStats, syncedAt time.Time) error

	// SaveWebhookStats は集計値とlast_webhook_atを更新する。
	SaveWebhookStats(ctx context.Context, userID string, stats model.AthleteStats, receivedAt time.Time) error

	// ListLinked はトークンを保持している全連携をuser_id順で返す。
	ListLinked(ctx context.Context) ([]*model.AthleteLink, error)

	// ListStale はバッチ同期の対象候補を返す。
	// トークンを保持し、last_synced_atがsyncedBeforeより古く（未同期を含む）、
	// かつlast_webhook_atがwebhookBeforeより古い（未受信を含む）連携を、
	// last_synced_atの古い順（NULL優先）にlimit件まで返す。
	ListStale(ctx context.Context, syncedBefore, webhookBefore time.Time, limit int) ([]*model.AthleteLink, error)

	// Delete は連携情報を削除する。アクティビティはCASCADE削除される。
	Delete(ctx context.Context, userID string) error
}

// ActivityRepository はアクティビティの永続化インターフェース。
// external_idの一意性が重複配信に対する冪等性の基準となる。
type ActivityRepository interface {
	// FindByExternalID は外部アクティビティIDで検索する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID int64) (*model.Activity, error)

	// Create はアクティビティを作成する。
	Create(ctx context.Context, activity *model.Activity) error

	// Update は既存アクティビティを上書き更新する。
	Update(ctx context.Context, activity *model.Activity) error

	// ListByUserID はユーザーの全アクティビティをstart_at降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Activity, error)

	// LatestStartAt はユーザーの最新アクティビティの開始日時を返す。存在しない場合はnilを返す。
	LatestStartAt(ctx context.Context, userID string) (*time.Time, error)

	// DeleteByExternalID はユーザーのアクティビティを外部IDで削除する。
	// 削除した場合はtrueを返す。存在しない場合もエラーにはしない。
	DeleteByExternalID(ctx context.Context, userID string, externalID int64) (bool, error)

	// DeleteByUserID はユーザーの全アクティビティを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// AchievementRepository は実績定義と解除記録の永続化インターフェース。
type AchievementRepository interface {
	// ListDefinitions は全実績定義を返す。
	ListDefinitions(ctx context.Context) ([]model.AchievementDefinition, error)

	// ListUnlockedIDs はユーザーが解除済みの実績IDを返す。
	ListUnlockedIDs(ctx context.Context, userID string) ([]string, error)

	// Unlock は解除記録を挿入する。既に解除済みの場合はErrDuplicateを返す。
	Unlock(ctx context.Context, unlock *model.AchievementUnlock) error
}

// WebhookEventRepository は受信したWebhookイベントの記録インターフェース。
// 再試行キューではなく、受信履歴と処理結果のログとして使う。
type WebhookEventRepository interface {
	// Record はイベントを記録する。同一配信（event_time, object_id, aspect_type）が
	// 既に記録済みの場合はErrDuplicateを返す。
	Record(ctx context.Context, event *model.WebhookEvent) error

	// MarkProcessed は処理結果を記録する。errMsgが空の場合は成功として扱う。
	MarkProcessed(ctx context.Context, id string, errMsg string) error

	// DeleteReceivedBefore は指定日時より前に受信したイベントを削除し、削除件数を返す。
	DeleteReceivedBefore(ctx context.Context, before time.Time) (int64, error)
}
