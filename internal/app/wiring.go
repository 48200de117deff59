package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/stridesync/internal/achievement"
	"github.com/hitoshi/stridesync/internal/activity"
	"github.com/hitoshi/stridesync/internal/athlete"
	"github.com/hitoshi/stridesync/internal/budget"
	"github.com/hitoshi/stridesync/internal/config"
	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/repository"
	"github.com/hitoshi/stridesync/internal/security"
	"github.com/hitoshi/stridesync/internal/strava"
	"github.com/hitoshi/stridesync/internal/token"
	"github.com/hitoshi/stridesync/internal/webhook"
	"github.com/hitoshi/stridesync/internal/worker/batch"
	"github.com/hitoshi/stridesync/internal/worker/cleanup"
)

// services はserve・workerの両モードで共有する依存関係。
// 呼び出し枠のカウンタとユーザーロックはプロセス内で1つだけ持つ。
type services struct {
	registry *prometheus.Registry
	budget   *budget.Tracker

	links        *repository.PostgresAthleteLinkRepo
	orchestrator *activity.Orchestrator
	scheduler    *batch.Scheduler
	processor    *webhook.Processor
	athletes     *athlete.Service
	cleanup      *cleanup.CleanupJob
}

// newServices は設定とDB接続から全サービスを組み立てる。
func newServices(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*services, error) {
	// 1. 外部エンドポイントの検証
	for _, u := range []string{cfg.StravaAPIBaseURL, cfg.StravaTokenURL} {
		if err := security.ValidatePlatformURL(u); err != nil {
			return nil, fmt.Errorf("invalid platform URL %q: %w", u, err)
		}
	}

	// 2. メトリクスと呼び出し枠
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(reg)

	tracker := budget.NewTracker(budget.Limits{
		ShortTerm: cfg.StravaShortLimit,
		Daily:     cfg.StravaDailyLimit,
	})
	metrics.RegisterBudgetGauges(reg, tracker)

	// 3. リポジトリの初期化
	linkRepo := repository.NewPostgresAthleteLinkRepo(db)
	activityRepo := repository.NewPostgresActivityRepo(db)
	achievementRepo := repository.NewPostgresAchievementRepo(db)
	eventRepo := repository.NewPostgresWebhookEventRepo(db)

	// 4. 外部プラットフォームとトークン
	client := strava.NewClient(
		security.NewPlatformClient(cfg.PlatformClientTimeout),
		tracker,
		logger,
		strava.Config{
			ClientID:     cfg.StravaClientID,
			ClientSecret: cfg.StravaClientSecret,
			APIBaseURL:   cfg.StravaAPIBaseURL,
			TokenURL:     cfg.StravaTokenURL,
		},
	)

	cipher, err := token.NewCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}
	if !cipher.Enabled() {
		logger.Warn("TOKEN_ENCRYPTION_KEYが未設定のため、トークンを平文で保存します")
	}
	vault := token.NewVault(cipher, linkRepo, client, mc, logger)

	// 5. 同期処理
	locks := activity.NewUserLocks()
	upserter := activity.NewUpserter(activityRepo, security.NewTextSanitizer(), logger)
	evaluator := achievement.NewEvaluator(achievementRepo, mc, logger)
	orchestrator := activity.NewOrchestrator(
		linkRepo, activityRepo, client, vault, tracker, evaluator, upserter, locks, mc, logger,
		activity.OrchestratorConfig{DetailDelay: cfg.SyncDetailDelay},
	)

	scheduler := batch.NewScheduler(linkRepo, orchestrator, tracker, mc, logger, batch.Config{
		Interval:        cfg.SyncInterval,
		SyncCooldown:    cfg.SyncCooldown,
		WebhookCooldown: cfg.WebhookCooldown,
		MaxUsers:        cfg.SyncMaxUsersPerBatch,
		CallsPerUser:    cfg.SyncCallsPerUser,
		UserDelay:       cfg.SyncUserDelay,
	})

	processor := webhook.NewProcessor(
		linkRepo, activityRepo, eventRepo, client, vault, tracker, upserter, orchestrator, evaluator,
		locks, mc, logger,
		webhook.Config{
			VerifyToken:    cfg.WebhookVerifyToken,
			ProcessTimeout: cfg.WebhookProcessTimeout,
		},
	)
	if cfg.WebhookVerifyToken == "" {
		logger.Warn("STRAVA_WEBHOOK_VERIFY_TOKENが未設定のため、Webhook購読の検証はすべて拒否されます")
	}

	athletes := athlete.NewService(linkRepo, activityRepo, client, vault, tracker, orchestrator, locks, logger)

	cleanupJob := cleanup.NewCleanupJob(eventRepo, logger)
	if cfg.WebhookEventRetentionDays > 0 {
		cleanupJob.RetentionDays = cfg.WebhookEventRetentionDays
	}

	return &services{
		registry:     reg,
		budget:       tracker,
		links:        linkRepo,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		processor:    processor,
		athletes:     athletes,
		cleanup:      cleanupJob,
	}, nil
}
