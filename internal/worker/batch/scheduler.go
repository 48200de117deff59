// Package batch は定期的な安全網としてのバッチ同期を提供する。
// Webhookが主な更新経路であり、このバッチは取りこぼしを補うためだけに低頻度で実行する。
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/stridesync/internal/activity"
	"github.com/hitoshi/stridesync/internal/budget"
	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/repository"
)

// Syncer はユーザー1人分の同期を実行する。activity.Orchestratorが実装する。
type Syncer interface {
	SyncUser(ctx context.Context, link *model.AthleteLink, forceFull bool) activity.Result
}

// Budget はバッチの対象人数の決定と途中停止の判定に使う。budget.Trackerが実装する。
type Budget interface {
	CanMakeCalls(n int) bool
	UserBudget(callsPerUser int) int
}

// Config はバッチ同期の設定パラメータ。
type Config struct {
	// Interval はバッチの実行間隔（デフォルト: 6時間）。
	Interval time.Duration
	// SyncCooldown は前回のバッチ同期からの最低経過時間（デフォルト: 12時間）。
	SyncCooldown time.Duration
	// WebhookCooldown は前回のWebhook更新からの最低経過時間（デフォルト: 24時間）。
	WebhookCooldown time.Duration
	// MaxUsers は1回のバッチで同期する最大ユーザー数（デフォルト: 50）。
	MaxUsers int
	// CallsPerUser はユーザー1人あたりの呼び出し数の見積もり（デフォルト: 7）。
	CallsPerUser int
	// UserDelay はユーザー間の待機時間（デフォルト: 10秒）。
	UserDelay time.Duration
}

// DefaultConfig はデフォルトのバッチ設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:        6 * time.Hour,
		SyncCooldown:    12 * time.Hour,
		WebhookCooldown: 24 * time.Hour,
		MaxUsers:        50,
		CallsPerUser:    7,
		UserDelay:       10 * time.Second,
	}
}

// Summary はバッチ1回分の結果。
type Summary struct {
	Results      []activity.Result
	Synced       int
	Failed       int
	StoppedEarly bool
}

// Scheduler は安全網のバッチ同期を定期実行する。
// ユーザーは古い同期順に1人ずつ処理し、各ユーザーの前に残り枠を確認する。
type Scheduler struct {
	links   repository.AthleteLinkRepository
	syncer  Syncer
	budget  Budget
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	config  Config
	now     func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	links repository.AthleteLinkRepository,
	syncer Syncer,
	b Budget,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Scheduler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if config.CallsPerUser <= 0 {
		config.CallsPerUser = 1
	}
	return &Scheduler{
		links:   links,
		syncer:  syncer,
		budget:  b,
		metrics: mc,
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// Start はティッカーでバッチを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("バッチ同期スケジューラを開始しました",
		slog.Duration("interval", s.config.Interval),
		slog.Int("max_users", s.config.MaxUsers),
		slog.Duration("user_delay", s.config.UserDelay),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("バッチ同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("バッチ同期の実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はバッチを1回実行する。
// 呼び出し枠が既に枯渇している場合はエラーにせずスキップする。
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	if !s.budget.CanMakeCalls(s.config.CallsPerUser) {
		s.logger.Info("API呼び出し枠が不足しているためバッチ同期をスキップします")
		s.metrics.RecordBatchRun(0, 0, true)
		return Summary{StoppedEarly: true}, nil
	}

	limit := min(s.config.MaxUsers, s.budget.UserBudget(s.config.CallsPerUser))
	if limit <= 0 {
		return Summary{}, nil
	}

	now := s.now()
	candidates, err := s.links.ListStale(ctx,
		now.Add(-s.config.SyncCooldown),
		now.Add(-s.config.WebhookCooldown),
		limit,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("同期対象ユーザーの取得に失敗しました: %w", err)
	}
	if len(candidates) == 0 {
		s.logger.Info("バッチ同期の対象ユーザーはいません")
		return Summary{}, nil
	}

	s.logger.Info("バッチ同期を開始します",
		slog.Int("candidates", len(candidates)),
		slog.Int("limit", limit),
	)
	return s.SyncAll(ctx, candidates, false), nil
}

// SyncAll は指定ユーザーを順番に同期する。
// 各ユーザーの前に残り枠を確認し、不足した時点で打ち切る。個別の失敗では打ち切らない。
func (s *Scheduler) SyncAll(ctx context.Context, links []*model.AthleteLink, forceFull bool) Summary {
	start := s.now()
	var sum Summary

	for i, link := range links {
		if ctx.Err() != nil {
			sum.StoppedEarly = true
			break
		}
		if i > 0 && s.config.UserDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.config.UserDelay):
			}
			if ctx.Err() != nil {
				sum.StoppedEarly = true
				break
			}
		}
		if !s.budget.CanMakeCalls(s.config.CallsPerUser) {
			s.logger.Info("API呼び出し枠が不足したためバッチ同期を打ち切ります",
				slog.Int("processed", i),
				slog.Int("remaining", len(links)-i),
			)
			sum.StoppedEarly = true
			break
		}

		res := s.syncer.SyncUser(ctx, link, forceFull)
		sum.Results = append(sum.Results, res)
		if res.Success {
			sum.Synced++
			continue
		}
		sum.Failed++
		s.logger.Warn("ユーザーの同期に失敗しました",
			slog.String("user_id", res.UserID),
			slog.String("error", res.Error),
		)
		if errors.Is(res.Err, budget.ErrExhausted) {
			sum.StoppedEarly = true
			break
		}
	}

	s.metrics.RecordBatchRun(sum.Synced, sum.Failed, sum.StoppedEarly)
	s.logger.Info("バッチ同期が完了しました",
		slog.Int("synced", sum.Synced),
		slog.Int("failed", sum.Failed),
		slog.Bool("stopped_early", sum.StoppedEarly),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return sum
}
