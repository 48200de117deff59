// Package model はドメインモデルを定義する。
package model

import "time"

// AchievementDefinition は実績の解除条件を表す静的な参照データ。
// RequirementType は正規の4種類に加えて旧表記を含むため、評価時に別名解決を行う。
type AchievementDefinition struct {
	ID               string
	Name             string
	RequirementType  string
	RequirementValue float64
}

// AchievementUnlock はユーザーが解除した実績を表す。(UserID, AchievementID) で一意。
type AchievementUnlock struct {
	ID            string
	UserID        string
	AchievementID string
	UnlockedAt    time.Time
}
