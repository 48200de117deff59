package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/repository"
	"github.com/hitoshi/stridesync/internal/strava"
)

// PlatformClient は同期に必要な外部プラットフォームの操作。
// strava.Clientが実装する。
type PlatformClient interface {
	ListActivities(ctx context.Context, accessToken string, p strava.ListParams) ([]strava.SummaryActivity, error)
	GetActivity(ctx context.Context, accessToken string, activityID int64) (*strava.SummaryActivity, error)
}

// TokenSource は有効なアクセストークンを提供する。token.Vaultが実装する。
type TokenSource interface {
	AccessToken(ctx context.Context, link *model.AthleteLink) (string, error)
}

// Budget は呼び出し前の残り枠確認に使う。budget.Trackerが実装する。
type Budget interface {
	CanMakeCalls(n int) bool
}

// AchievementEvaluator は集計値に基づいて実績を評価する。
type AchievementEvaluator interface {
	Evaluate(ctx context.Context, userID string, stats model.AthleteStats) ([]string, error)
}

// Result はユーザー1人分の同期結果。
type Result struct {
	UserID           string
	Mode             Mode
	Success          bool
	ActivitiesSynced int
	Error            string
	Err              error // 失敗時の元エラー。errors.Isでの判定用
}

// OrchestratorConfig は同期処理の設定。
type OrchestratorConfig struct {
	// DetailDelay は詳細取得の間隔。0以下の場合は間隔を空けない。
	DetailDelay time.Duration
}

// Orchestrator はユーザー単位の同期処理を行う。
// 方式の決定、ページング取得、詳細の追加取得、UPSERT、集計、実績評価までを1回の同期とする。
type Orchestrator struct {
	links        repository.AthleteLinkRepository
	activities   repository.ActivityRepository
	client       PlatformClient
	tokens       TokenSource
	budget       Budget
	achievements AchievementEvaluator
	upserter     *Upserter
	locks        *UserLocks
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	config       OrchestratorConfig
	now          func() time.Time
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
func NewOrchestrator(
	links repository.AthleteLinkRepository,
	activities repository.ActivityRepository,
	client PlatformClient,
	tokens TokenSource,
	budget Budget,
	achievements AchievementEvaluator,
	upserter *Upserter,
	locks *UserLocks,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	config OrchestratorConfig,
) *Orchestrator {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Orchestrator{
		links:        links,
		activities:   activities,
		client:       client,
		tokens:       tokens,
		budget:       budget,
		achievements: achievements,
		upserter:     upserter,
		locks:        locks,
		metrics:      mc,
		logger:       logger,
		config:       config,
		now:          time.Now,
	}
}

// SyncUser はユーザー1人分の同期を実行する。
// 途中の失敗は全てResultに失敗として記録し、呼び出し元へエラーを伝播しない。
func (o *Orchestrator) SyncUser(ctx context.Context, link *model.AthleteLink, forceFull bool) Result {
	start := o.now()
	result := Result{UserID: link.UserID, Mode: SelectMode(link, forceFull)}

	unlock, err := o.locks.Lock(ctx, link.UserID)
	if err != nil {
		result.Err = err
		result.Error = fmt.Sprintf("ユーザーロックの取得に失敗しました: %v", err)
		return result
	}
	defer unlock()

	// ロック待ちの間に別の同期が集計値を保存していれば差分同期で足りる
	if result.Mode == ModeFull && !forceFull {
		o.refreshLink(ctx, link)
	}
	mode := SelectMode(link, forceFull)
	result.Mode = mode

	synced, err := o.syncLocked(ctx, link, mode)
	elapsed := o.now().Sub(start)
	o.metrics.RecordSync(string(mode), err == nil)
	o.metrics.RecordSyncLatency(elapsed)

	if err != nil {
		o.logger.Warn("ユーザー同期に失敗しました",
			slog.String("user_id", link.UserID),
			slog.String("mode", string(mode)),
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
		result.Err = err
		result.Error = err.Error()
		return result
	}

	o.logger.Info("ユーザー同期完了",
		slog.String("user_id", link.UserID),
		slog.String("mode", string(mode)),
		slog.Int("activities_synced", synced),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
	result.Success = true
	result.ActivitiesSynced = synced
	return result
}

// refreshLink はロック取得後に保存済みの連携情報を読み直し、linkを上書きする。
// 読み直せない場合は呼び出し元のスナップショットをそのまま使う。
func (o *Orchestrator) refreshLink(ctx context.Context, link *model.AthleteLink) {
	fresh, err := o.links.FindByUserID(ctx, link.UserID)
	if err != nil {
		o.logger.Warn("連携情報の再取得に失敗しました",
			slog.String("user_id", link.UserID),
			slog.String("error", err.Error()),
		)
		return
	}
	if fresh != nil {
		*link = *fresh
	}
}

func (o *Orchestrator) syncLocked(ctx context.Context, link *model.AthleteLink, mode Mode) (int, error) {
	accessToken, err := o.tokens.AccessToken(ctx, link)
	if err != nil {
		return 0, fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
	}

	stored, err := o.activities.ListByUserID(ctx, link.UserID)
	if err != nil {
		return 0, err
	}
	storedIDs := make(map[int64]bool, len(stored))
	var latest *time.Time
	for _, a := range stored {
		storedIDs[a.ExternalID] = true
		if latest == nil || a.StartAt.After(*latest) {
			t := a.StartAt
			latest = &t
		}
	}

	var after time.Time
	if mode == ModeIncremental {
		after = IncrementalAfter(latest, o.now())
	}

	fetched, err := o.fetchRuns(ctx, accessToken, mode, after)
	if err != nil {
		return 0, err
	}

	o.backfillDetails(ctx, link.UserID, accessToken, fetched, storedIDs)

	models := make([]model.Activity, 0, len(fetched))
	for i := range fetched {
		models = append(models, fetched[i].ToModel())
	}

	upserted, err := o.upserter.Upsert(ctx, link.UserID, models)
	if err != nil {
		// 保存できた分で集計を続ける
		o.logger.Warn("一部のアクティビティを保存できませんでした",
			slog.String("user_id", link.UserID),
			slog.String("error", err.Error()),
		)
	}
	o.metrics.RecordActivitiesUpserted(len(upserted.Persisted))

	now := o.now().UTC()
	stats := ComputeStats(Merge(stored, upserted.Persisted), now)
	if err := o.links.SaveSyncStats(ctx, link.UserID, stats, now); err != nil {
		return 0, err
	}
	link.ApplyStats(stats)
	link.LastSyncedAt = &now

	if o.achievements != nil {
		if _, err := o.achievements.Evaluate(ctx, link.UserID, stats); err != nil {
			o.logger.Warn("実績の評価に失敗しました",
				slog.String("user_id", link.UserID),
				slog.String("error", err.Error()),
			)
		}
	}

	return len(upserted.Persisted), nil
}

// fetchRuns は一覧をページングで取得し、ランニング系のみを返す。
// ランニング以外もページの取得には枠を消費する。
func (o *Orchestrator) fetchRuns(ctx context.Context, accessToken string, mode Mode, after time.Time) ([]strava.SummaryActivity, error) {
	var runs []strava.SummaryActivity
	for page := 1; page <= mode.MaxPages(); page++ {
		items, err := o.client.ListActivities(ctx, accessToken, strava.ListParams{
			After:   after,
			Page:    page,
			PerPage: PerPage,
		})
		if err != nil {
			return nil, fmt.Errorf("%dページ目の取得に失敗しました: %w", page, err)
		}
		for i := range items {
			if items[i].IsRun() {
				runs = append(runs, items[i])
			}
		}
		if len(items) < PerPage {
			break
		}
	}
	return runs, nil
}

// backfillDetails は新規アクティビティのうち新しい順にDetailBackfillLimit件まで詳細を取得し、
// 一覧では得られないカロリーと説明文を補う。
// 呼び出しは一定間隔で行い、枠が足りなくなった時点で打ち切る。失敗は同期を止めない。
func (o *Orchestrator) backfillDetails(ctx context.Context, userID, accessToken string, fetched []strava.SummaryActivity, storedIDs map[int64]bool) {
	var fresh []int
	for i := range fetched {
		if !storedIDs[fetched[i].ID] {
			fresh = append(fresh, i)
		}
	}
	if len(fresh) == 0 {
		return
	}
	sort.SliceStable(fresh, func(a, b int) bool {
		return fetched[fresh[a]].StartDate.After(fetched[fresh[b]].StartDate)
	})
	if len(fresh) > DetailBackfillLimit {
		fresh = fresh[:DetailBackfillLimit]
	}

	limit := rate.Inf
	if o.config.DetailDelay > 0 {
		limit = rate.Every(o.config.DetailDelay)
	}
	pacer := rate.NewLimiter(limit, 1)

	for _, idx := range fresh {
		if err := pacer.Wait(ctx); err != nil {
			return
		}
		if o.budget != nil && !o.budget.CanMakeCalls(1) {
			o.logger.Info("呼び出し枠が不足しているため詳細取得を打ち切ります",
				slog.String("user_id", userID),
			)
			return
		}

		detail, err := o.client.GetActivity(ctx, accessToken, fetched[idx].ID)
		if err != nil {
			o.logger.Warn("アクティビティ詳細の取得に失敗しました",
				slog.String("user_id", userID),
				slog.Int64("activity_id", fetched[idx].ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if detail.Calories != nil {
			fetched[idx].Calories = detail.Calories
		}
		if detail.Description != "" {
			fetched[idx].Description = detail.Description
		}
	}
}

// Recompute は保存済みアクティビティから集計値を再計算する。
// 外部プラットフォームへの問い合わせは行わない。
func (o *Orchestrator) Recompute(ctx context.Context, userID string) (model.AthleteStats, error) {
	stored, err := o.activities.ListByUserID(ctx, userID)
	if err != nil {
		return model.AthleteStats{}, err
	}
	return ComputeStats(stored, o.now()), nil
}
