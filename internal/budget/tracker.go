// Package budget は外部プラットフォームAPIの呼び出し枠を管理する。
// 15分ウィンドウと日次ウィンドウの2種類のカウンタを保持し、
// ハード上限の93%を安全上限として「N回呼び出してよいか」に答える。
package budget

import (
	"errors"
	"sync"
	"time"
)

const (
	// ShortWindow は短期ウィンドウの長さ。UTC基準の15分境界でリセットする。
	ShortWindow = 15 * time.Minute
	// safetyMarginPercent はハード上限に対する安全上限の割合（%）。
	safetyMarginPercent = 93
)

// ErrExhausted は呼び出し枠が不足していることを示す。
var ErrExhausted = errors.New("API呼び出し枠が不足しています")

// Limits はプラットフォームが課すハード上限。
type Limits struct {
	ShortTerm int // 15分あたり
	Daily     int // UTC日あたり
}

// DefaultLimits はStravaのアプリケーション既定上限を返す。
func DefaultLimits() Limits {
	return Limits{
		ShortTerm: 200,
		Daily:     2000,
	}
}

// SafeLimit はハード上限から安全上限を算出する。
func SafeLimit(hard int) int {
	return hard * safetyMarginPercent / 100
}

// Usage は現在の消費状況のスナップショット。
type Usage struct {
	ShortTerm    int
	Daily        int
	ShortLimit   int // 安全上限
	DailyLimit   int // 安全上限
	ShortResetAt time.Time
	DailyResetAt time.Time
}

// Option はTrackerの生成オプション。
type Option func(*Tracker)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker はプロセス内で共有されるAPI呼び出し枠の管理者。
// 永続化はしない。あくまで安全マージン付きの見積もりであり、台帳ではない。
// 単一プロセス・単一スケジューラを前提とする。
type Tracker struct {
	mu         sync.Mutex
	limits     Limits
	shortUsed  int
	dailyUsed  int
	shortStart time.Time
	dayStart   time.Time
	now        func() time.Time
}

// NewTracker はTrackerの新しいインスタンスを生成する。
func NewTracker(limits Limits, opts ...Option) *Tracker {
	t := &Tracker{
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	now := t.now().UTC()
	t.shortStart = now.Truncate(ShortWindow)
	t.dayStart = startOfDay(now)
	return t
}

// RecordCalls は両ウィンドウのカウンタをn増やす。
func (t *Tracker) RecordCalls(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roll()
	t.shortUsed += n
	t.dailyUsed += n
}

// CanMakeCalls はn回の呼び出し後も両ウィンドウが安全上限以内に収まるかを返す。
// 判定のみでカウンタは増やさない。
func (t *Tracker) CanMakeCalls(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roll()
	return t.fits(n)
}

// TrySpend は判定と加算を1つの操作として行う。
// 安全上限に収まる場合のみn回分を予約してtrueを返す。
// 複数の呼び出し元が同時に判定して上限を超える競合を防ぐ。
func (t *Tracker) TrySpend(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roll()
	if !t.fits(n) {
		return false
	}
	if n > 0 {
		t.shortUsed += n
		t.dailyUsed += n
	}
	return true
}

// UpdateFromUsage はプラットフォームが返した消費数でローカルカウンタを上書きする。
// 外部の値がローカルの見積もりより優先される。負の値は無視する。
func (t *Tracker) UpdateFromUsage(shortTerm, daily int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roll()
	if shortTerm >= 0 {
		t.shortUsed = shortTerm
	}
	if daily >= 0 {
		t.dailyUsed = daily
	}
}

// UserBudget は残り枠で同期可能なユーザー数を返す。
// floor(min(短期残り, 日次残り) / callsPerUser)。
func (t *Tracker) UserBudget(callsPerUser int) int {
	if callsPerUser <= 0 {
		callsPerUser = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roll()
	remaining := min(
		SafeLimit(t.limits.ShortTerm)-t.shortUsed,
		SafeLimit(t.limits.Daily)-t.dailyUsed,
	)
	if remaining <= 0 {
		return 0
	}
	return remaining / callsPerUser
}

// Usage は現在の消費状況を返す。
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roll()
	return Usage{
		ShortTerm:    t.shortUsed,
		Daily:        t.dailyUsed,
		ShortLimit:   SafeLimit(t.limits.ShortTerm),
		DailyLimit:   SafeLimit(t.limits.Daily),
		ShortResetAt: t.shortStart.Add(ShortWindow),
		DailyResetAt: t.dayStart.AddDate(0, 0, 1),
	}
}

// fits はロック取得済みの状態でn回分の余裕があるかを判定する。
func (t *Tracker) fits(n int) bool {
	return t.shortUsed+n <= SafeLimit(t.limits.ShortTerm) &&
		t.dailyUsed+n <= SafeLimit(t.limits.Daily)
}

// roll はウィンドウ境界を過ぎていればカウンタをリセットする。
// 連続的なスライディングウィンドウではなく固定境界で判定する。
func (t *Tracker) roll() {
	now := t.now().UTC()

	if !now.Before(t.shortStart.Add(ShortWindow)) {
		t.shortUsed = 0
		t.shortStart = now.Truncate(ShortWindow)
	}

	if !now.Before(t.dayStart.AddDate(0, 0, 1)) {
		t.dailyUsed = 0
		t.dayStart = startOfDay(now)
	}
}

// startOfDay はUTCの0時を返す。
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
