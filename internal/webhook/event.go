// Package webhook は外部プラットフォームからのプッシュイベントの受信と処理を提供する。
// 受信の応答と処理は分離しており、処理は応答後に非同期で実行する。
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/stridesync/internal/model"
)

// Payload はPOST /webhookで受信するイベント本文。
type Payload struct {
	ObjectType     string         `json:"object_type"`
	ObjectID       int64          `json:"object_id"`
	AspectType     string         `json:"aspect_type"`
	OwnerID        int64          `json:"owner_id"`
	SubscriptionID int64          `json:"subscription_id"`
	EventTime      int64          `json:"event_time"`
	Updates        map[string]any `json:"updates"`
}

// ErrInvalidPayload はイベント本文が不正であることを示す。
var ErrInvalidPayload = errors.New("Webhookイベントの形式が不正です")

// ParsePayload はJSON本文をイベントに変換する。
func ParsePayload(body []byte) (*model.WebhookEvent, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ObjectType == "" || p.AspectType == "" || p.ObjectID == 0 || p.OwnerID == 0 {
		return nil, ErrInvalidPayload
	}
	return p.ToModel(), nil
}

// ToModel はイベント本文をドメインモデルに変換する。
// updatesの値は真偽値や数値で届くことがあるため文字列に正規化する。
func (p *Payload) ToModel() *model.WebhookEvent {
	var updates map[string]string
	if len(p.Updates) > 0 {
		updates = make(map[string]string, len(p.Updates))
		for k, v := range p.Updates {
			updates[k] = fmt.Sprint(v)
		}
	}
	return &model.WebhookEvent{
		ObjectType:     p.ObjectType,
		ObjectID:       p.ObjectID,
		AspectType:     p.AspectType,
		OwnerID:        p.OwnerID,
		SubscriptionID: p.SubscriptionID,
		EventTime:      p.EventTime,
		Updates:        updates,
	}
}
