// Package achievement は集計値に基づく実績の解除判定を提供する。
package achievement

import (
	"strings"

	"github.com/hitoshi/stridesync/internal/model"
)

// StatKind は実績の判定に使う集計値の種類。
type StatKind int

const (
	StatUnknown StatKind = iota
	StatTotalDistance
	StatTotalRuns
	StatCurrentStreak
	StatLongestStreak
)

// aliases は要件種別の表記から正規の種類への対応表。
// 旧データの表記揺れもここで吸収する。
var aliases = map[string]StatKind{
	"total_distance": StatTotalDistance,
	"distance":       StatTotalDistance,
	"total_km":       StatTotalDistance,

	"total_runs": StatTotalRuns,
	"runs_count": StatTotalRuns,
	"run_count":  StatTotalRuns,

	"current_streak": StatCurrentStreak,
	"streak":         StatCurrentStreak,
	"streak_days":    StatCurrentStreak,

	"longest_streak": StatLongestStreak,
	"max_streak":     StatLongestStreak,
}

// ResolveStatKind は要件種別の文字列を正規の種類に解決する。
// 未知の表記はStatUnknownを返す。
func ResolveStatKind(requirementType string) StatKind {
	return aliases[strings.ToLower(strings.TrimSpace(requirementType))]
}

// String は正規の要件種別名を返す。
func (k StatKind) String() string {
	switch k {
	case StatTotalDistance:
		return "total_distance"
	case StatTotalRuns:
		return "total_runs"
	case StatCurrentStreak:
		return "current_streak"
	case StatLongestStreak:
		return "longest_streak"
	default:
		return "unknown"
	}
}

// Value は集計値から該当する値を取り出す。
// 距離は要件値に合わせてkm単位で返す。
func (k StatKind) Value(stats model.AthleteStats) float64 {
	switch k {
	case StatTotalDistance:
		return stats.TotalDistance / 1000
	case StatTotalRuns:
		return float64(stats.TotalRuns)
	case StatCurrentStreak:
		return float64(stats.CurrentStreak)
	case StatLongestStreak:
		return float64(stats.LongestStreak)
	default:
		return 0
	}
}
