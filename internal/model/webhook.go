// Package model はドメインモデルを定義する。
package model

import "time"

// Webhookイベントのオブジェクト種別。
const (
	WebhookObjectActivity = "activity"
	WebhookObjectAthlete  = "athlete"
)

// Webhookイベントの操作種別。
const (
	WebhookAspectCreate = "create"
	WebhookAspectUpdate = "update"
	WebhookAspectDelete = "delete"
)

// WebhookEvent は外部プラットフォームから受信したプッシュイベントを表す。
type WebhookEvent struct {
	ID             string
	ObjectType     string
	ObjectID       int64
	AspectType     string
	OwnerID        int64
	SubscriptionID int64
	EventTime      int64
	Updates        map[string]string
	Processed      bool
	ErrorMessage   string
	ReceivedAt     time.Time
}

// IsDeauthorization はアスリートの連携解除イベントかを判定する。
func (e *WebhookEvent) IsDeauthorization() bool {
	return e.ObjectType == WebhookObjectAthlete &&
		e.AspectType == WebhookAspectUpdate &&
		e.Updates["authorized"] == "false"
}
