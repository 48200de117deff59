// Package model はドメインモデルを定義する。
package model

import "time"

// runningTypes はランニングとして扱うアクティビティ種別。
var runningTypes = map[string]bool{
	"Run":        true,
	"TrailRun":   true,
	"VirtualRun": true,
}

// IsRunningType はアクティビティ種別がランニングかを判定する。
func IsRunningType(activityType string) bool {
	return runningTypes[activityType]
}

// HeartRate は心拍数の平均値と最大値を表す。未計測の場合はnil。
type HeartRate struct {
	Average *float64
	Max     *float64
}

// Activity は同期済みのランニングアクティビティを表す。
// ExternalID は外部プラットフォームのアクティビティIDで、全体で一意。
type Activity struct {
	ID            string
	UserID        string
	ExternalID    int64
	Name          string
	Description   string
	Type          string
	Distance      float64 // メートル
	MovingTime    int     // 秒
	StartAt       time.Time
	Pace          float64 // 秒/km（距離0の場合は0）
	ElevationGain float64
	HeartRate     HeartRate
	Calories      *float64
	Kudos         int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DerivePace は距離と移動時間からペース（秒/km）を算出する。
func DerivePace(distanceMeters float64, movingTimeSec int) float64 {
	if distanceMeters <= 0 || movingTimeSec <= 0 {
		return 0
	}
	return float64(movingTimeSec) / (distanceMeters / 1000)
}
