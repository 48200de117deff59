// Package app はサブコマンドの解析、依存関係のワイヤリング、プロセスのライフサイクル管理を行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hitoshi/stridesync/internal/config"
	"github.com/hitoshi/stridesync/internal/database"
	"github.com/hitoshi/stridesync/internal/handler"
	"github.com/hitoshi/stridesync/internal/logger"
	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/middleware"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// cleanupInterval はWebhookイベントログのクリーンアップ間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("LOG_LEVELが不正なためinfoで起動します", slog.String("log_level", cfg.LogLevel))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信すると停止する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(ctx, port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとHTTPサーバーを停止し、処理中のWebhookと初回同期の完了を待つ。
func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. サービスの初期化
	svc, err := newServices(cfg, db, slog.Default())
	if err != nil {
		return err
	}

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.ManualSyncPerMinute(cfg.RateLimitManualSync))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger: slog.Default(),
		Bearer: middleware.BearerConfig{
			Secret: cfg.JWTSecret,
			Issuer: cfg.JWTIssuer,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(svc.registry),

		Links:       svc.links,
		UserSyncer:  svc.orchestrator,
		BatchSyncer: svc.scheduler,

		WebhookProcessor: svc.processor,
		AthleteService:   svc.athletes,
	})

	// 4. バックグラウンドジョブ（同一プロセスで呼び出し枠を共有する）
	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()
	var jobs sync.WaitGroup
	if cfg.ServeRunsScheduler {
		startJobs(jobCtx, &jobs, svc)
	}

	// 5. HTTPサーバーの起動
	// 手動同期はユーザー1人分の同期完了まで応答を待つため、書き込みタイムアウトを長めに取る
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Bool("scheduler", cfg.ServeRunsScheduler),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			cancelJobs()
			jobs.Wait()
			return fmt.Errorf("server listen error: %w", err)
		}
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	cancelJobs()
	jobs.Wait()

	// 受付済みWebhookと連携直後の初回同期の完了を待つ
	if err := svc.processor.Wait(shutdownCtx); err != nil {
		slog.Warn("処理中のWebhookイベントを待たずに終了します", slog.String("error", err.Error()))
	}
	if err := svc.athletes.Wait(shutdownCtx); err != nil {
		slog.Warn("処理中の初回同期を待たずに終了します", slog.String("error", err.Error()))
	}

	logBudgetUsage(svc)
	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、バッチ同期とクリーンアップジョブを実行する。
// ctxがキャンセルされると現在のユーザーの同期完了後に停止する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. サービスの初期化
	svc, err := newServices(cfg, db, slog.Default())
	if err != nil {
		return err
	}

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_users_per_batch", cfg.SyncMaxUsersPerBatch),
	)

	// 3. ジョブの実行（ctxがキャンセルされるまでブロッキング）
	var jobs sync.WaitGroup
	startJobs(ctx, &jobs, svc)
	jobs.Wait()

	logBudgetUsage(svc)
	slog.Info("worker stopped gracefully")
	return nil
}

// startJobs はバッチ同期とクリーンアップをバックグラウンドで起動する。
func startJobs(ctx context.Context, wg *sync.WaitGroup, svc *services) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.scheduler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		svc.cleanup.Start(ctx, cleanupInterval)
	}()
}

func logBudgetUsage(svc *services) {
	u := svc.budget.Usage()
	slog.Info("API呼び出し枠の消費状況",
		slog.Int("short_used", u.ShortTerm),
		slog.Int("short_limit", u.ShortLimit),
		slog.Int("daily_used", u.Daily),
		slog.Int("daily_limit", u.DailyLimit),
	)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Int("version", int(status.Version)),
		slog.Bool("dirty", status.Dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
