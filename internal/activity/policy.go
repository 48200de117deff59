package activity

import (
	"time"

	"github.com/hitoshi/stridesync/internal/model"
)

// Mode は同期方式。
type Mode string

const (
	// ModeFull は全期間を取得する同期。初回同期または強制指定時。
	ModeFull Mode = "full"
	// ModeIncremental は直近分のみを取得する同期。
	ModeIncremental Mode = "incremental"
)

const (
	// PerPage は一覧取得の1ページあたり件数。
	PerPage = 200
	// MaxPagesFull はフル同期で取得する最大ページ数（2000件）。
	MaxPagesFull = 10
	// MaxPagesIncremental は差分同期で取得する最大ページ数。
	MaxPagesIncremental = 5
	// DetailBackfillLimit は詳細を追加取得する新規アクティビティの最大件数。
	DetailBackfillLimit = 5

	// IncrementalSlack は差分同期の取得開始を最新アクティビティから遡らせる幅。
	// 遅れてアップロードされたアクティビティを拾うための経験則で、
	// 24時間を超えて遅延したアップロードは次のフル同期まで取りこぼす。
	IncrementalSlack = 24 * time.Hour
)

// SelectMode は同期方式を決定する。
// 強制指定があるか、集計値が未記録（初回同期）の場合はフル同期とする。
func SelectMode(link *model.AthleteLink, forceFull bool) Mode {
	if forceFull || !link.HasTotals() {
		return ModeFull
	}
	return ModeIncremental
}

// MaxPages は同期方式ごとの最大ページ数を返す。
func (m Mode) MaxPages() int {
	if m == ModeFull {
		return MaxPagesFull
	}
	return MaxPagesIncremental
}

// IncrementalAfter は差分同期の取得開始日時を返す。
// max(最新の保存済み開始日時 - IncrementalSlack, 当月1日0時UTC)。
// 保存済みアクティビティがない場合は当月1日とする。
func IncrementalAfter(latestStart *time.Time, now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	monthStart := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)

	if latestStart == nil {
		return monthStart
	}
	after := latestStart.UTC().Add(-IncrementalSlack)
	if after.Before(monthStart) {
		return monthStart
	}
	return after
}
