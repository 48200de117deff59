// Package model はドメインモデルを定義する。
package model

import "time"

// TokenScheme は保存されたトークン値の符号化方式を表す。
// 書き込み時に値と一緒に記録し、読み出し時に推測しない。
type TokenScheme string

const (
	// TokenSchemePlain は平文で保存されたトークン（暗号鍵未設定時・旧データ）。
	TokenSchemePlain TokenScheme = "plain"
	// TokenSchemeAESGCM は AES-256-GCM で暗号化されたトークン。
	TokenSchemeAESGCM TokenScheme = "aes-gcm"
)

// SealedToken は保存形式のOAuthトークンを表す。
type SealedToken struct {
	Scheme TokenScheme
	Value  string
}

// IsEmpty はトークンが未設定かどうかを返す。
func (t SealedToken) IsEmpty() bool {
	return t.Value == ""
}

// AthleteLink はサービスのユーザーと外部プラットフォームのアスリートとの紐付けを表す。
// 初回連携時に作成され、同期・Webhook処理のたびに更新される。
type AthleteLink struct {
	UserID            string
	ExternalAthleteID int64
	AccessToken       SealedToken
	RefreshToken      SealedToken
	TokenExpiresAt    time.Time
	LastSyncedAt      *time.Time
	LastWebhookAt     *time.Time
	TotalDistance     float64 // メートル
	TotalRuns         int
	CurrentStreak     int
	LongestStreak     int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasTokens はアクセストークンとリフレッシュトークンが保存されているかを返す。
// 連携解除（deauthorize）後はfalseになる。
func (l *AthleteLink) HasTokens() bool {
	return !l.AccessToken.IsEmpty() && !l.RefreshToken.IsEmpty()
}

// HasTotals は過去の同期で集計値が記録されているかを返す。
// 未記録の場合は初回同期としてフル同期を行う。
func (l *AthleteLink) HasTotals() bool {
	return l.TotalRuns > 0 || l.TotalDistance > 0
}

// AthleteStats はアクティビティ集合から算出した集計値のスナップショット。
type AthleteStats struct {
	TotalDistance float64 // メートル
	TotalRuns     int
	CurrentStreak int
	LongestStreak int
}

// ApplyStats は集計値をAthleteLinkに反映する。
func (l *AthleteLink) ApplyStats(stats AthleteStats) {
	l.TotalDistance = stats.TotalDistance
	l.TotalRuns = stats.TotalRuns
	l.CurrentStreak = stats.CurrentStreak
	l.LongestStreak = stats.LongestStreak
}
