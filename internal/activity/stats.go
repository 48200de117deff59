package activity

import (
	"sort"
	"time"

	"github.com/hitoshi/stridesync/internal/model"
)

// ComputeStats はアクティビティ集合から合計距離・回数・ストリークを算出する。
// ExternalIDの重複は呼び出し側で取り除いておくこと。
func ComputeStats(activities []*model.Activity, now time.Time) model.AthleteStats {
	var stats model.AthleteStats
	starts := make([]time.Time, 0, len(activities))
	for _, a := range activities {
		stats.TotalDistance += a.Distance
		stats.TotalRuns++
		starts = append(starts, a.StartAt)
	}
	stats.CurrentStreak, stats.LongestStreak = Streaks(starts, now)
	return stats
}

// Streaks は実施日時の集合から現在と最長のストリーク（連続日数）を返す。
// 日付はUTCの暦日で判定する。
// 現在のストリークは最新の実施日が今日か昨日の場合のみ数え、それ以外は0とする。
// 最長のストリークは現在のストリークが途切れても保持される。
func Streaks(starts []time.Time, now time.Time) (current, longest int) {
	days := distinctDays(starts)
	if len(days) == 0 {
		return 0, 0
	}

	run := 1
	longest = 1
	leading := 0 // 最新日から続く連続区間の長さ
	for i := 1; i < len(days); i++ {
		if days[i-1].AddDate(0, 0, -1).Equal(days[i]) {
			run++
		} else {
			if leading == 0 {
				leading = run
			}
			run = 1
		}
		longest = max(longest, run)
	}
	if leading == 0 {
		leading = run
	}

	today := truncateDay(now)
	if days[0].Equal(today) || days[0].Equal(today.AddDate(0, 0, -1)) {
		current = leading
	}
	return current, longest
}

// distinctDays は日時をUTCの暦日に丸めて重複を除き、新しい順に並べる。
func distinctDays(starts []time.Time) []time.Time {
	seen := make(map[time.Time]bool, len(starts))
	days := make([]time.Time, 0, len(starts))
	for _, s := range starts {
		d := truncateDay(s)
		if seen[d] {
			continue
		}
		seen[d] = true
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })
	return days
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Merge は保存済みと新規取得のアクティビティをExternalIDで重複排除して結合する。
// 同じExternalIDがある場合は新規取得側を優先する。
func Merge(stored, fetched []*model.Activity) []*model.Activity {
	byID := make(map[int64]*model.Activity, len(stored)+len(fetched))
	order := make([]int64, 0, len(stored)+len(fetched))
	for _, list := range [][]*model.Activity{stored, fetched} {
		for _, a := range list {
			if _, ok := byID[a.ExternalID]; !ok {
				order = append(order, a.ExternalID)
			}
			byID[a.ExternalID] = a
		}
	}

	merged := make([]*model.Activity, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	return merged
}
