package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/stridesync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Bearer            middleware.BearerConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 同期
	Links       LinkFinder
	UserSyncer  UserSyncer
	BatchSyncer BatchSyncer

	// Webhook
	WebhookProcessor WebhookProcessor

	// 外部アカウント連携
	AthleteService AthleteServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS
//	  → (認証が必要なルートのみ) BearerAuth → RateLimit(General)
//
// /health、/metrics、/webhookは認証不要。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	syncHandler := NewSyncHandler(deps.Links, deps.UserSyncer, deps.BatchSyncer)
	webhookHandler := NewWebhookHandler(deps.WebhookProcessor)
	athleteHandler := NewAthleteHandler(deps.AthleteService)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// 外部プラットフォームからの呼び出し。verify_tokenで検証する
	r.Get("/webhook", webhookHandler.Verify)
	r.Post("/webhook", webhookHandler.Receive)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.Bearer))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// POST /sync - 手動同期（手動同期専用レート制限を追加）
		r.With(deps.RateLimiter.ManualSyncMiddleware()).Post("/sync", syncHandler.Sync)

		r.Route("/api/strava", func(r chi.Router) {
			r.Post("/connect", athleteHandler.Connect)
			r.Delete("/connect", athleteHandler.Disconnect)
			r.Get("/status", athleteHandler.Status)
		})
	})

	return r
}
