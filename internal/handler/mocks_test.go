package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/stridesync/internal/activity"
	"github.com/hitoshi/stridesync/internal/middleware"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/worker/batch"
)

// --- モック定義 ---

// mockLinkFinder はLinkFinderのモック実装。
type mockLinkFinder struct {
	findByUserIDFn func(ctx context.Context, userID string) (*model.AthleteLink, error)
	listLinkedFn   func(ctx context.Context) ([]*model.AthleteLink, error)
}

func (m *mockLinkFinder) FindByUserID(ctx context.Context, userID string) (*model.AthleteLink, error) {
	if m.findByUserIDFn != nil {
		return m.findByUserIDFn(ctx, userID)
	}
	return &model.AthleteLink{UserID: userID, ExternalAthleteID: 1001}, nil
}

func (m *mockLinkFinder) ListLinked(ctx context.Context) ([]*model.AthleteLink, error) {
	if m.listLinkedFn != nil {
		return m.listLinkedFn(ctx)
	}
	return nil, nil
}

// mockUserSyncer はUserSyncerのモック実装。
type mockUserSyncer struct {
	syncUserFn func(ctx context.Context, link *model.AthleteLink, forceFull bool) activity.Result
	calls      []string
}

func (m *mockUserSyncer) SyncUser(ctx context.Context, link *model.AthleteLink, forceFull bool) activity.Result {
	m.calls = append(m.calls, link.UserID)
	if m.syncUserFn != nil {
		return m.syncUserFn(ctx, link, forceFull)
	}
	return activity.Result{UserID: link.UserID, Mode: activity.ModeIncremental, Success: true}
}

// mockBatchSyncer はBatchSyncerのモック実装。
type mockBatchSyncer struct {
	syncAllFn func(ctx context.Context, links []*model.AthleteLink, forceFull bool) batch.Summary
}

func (m *mockBatchSyncer) SyncAll(ctx context.Context, links []*model.AthleteLink, forceFull bool) batch.Summary {
	if m.syncAllFn != nil {
		return m.syncAllFn(ctx, links, forceFull)
	}
	return batch.Summary{}
}

// mockWebhookProcessor はWebhookProcessorのモック実装。
type mockWebhookProcessor struct {
	verifyFn func(mode, verifyToken, challenge string) (string, error)
	accepted []*model.WebhookEvent
}

func (m *mockWebhookProcessor) Verify(mode, verifyToken, challenge string) (string, error) {
	if m.verifyFn != nil {
		return m.verifyFn(mode, verifyToken, challenge)
	}
	return challenge, nil
}

func (m *mockWebhookProcessor) Accept(_ context.Context, event *model.WebhookEvent) {
	m.accepted = append(m.accepted, event)
}

// mockAthleteService はAthleteServiceInterfaceのモック実装。
type mockAthleteService struct {
	connectFn    func(ctx context.Context, userID, code string) (*model.AthleteLink, error)
	disconnectFn func(ctx context.Context, userID string) error
	statusFn     func(ctx context.Context, userID string) (*model.AthleteLink, error)
}

func (m *mockAthleteService) Connect(ctx context.Context, userID, code string) (*model.AthleteLink, error) {
	if m.connectFn != nil {
		return m.connectFn(ctx, userID, code)
	}
	return &model.AthleteLink{UserID: userID}, nil
}

func (m *mockAthleteService) Disconnect(ctx context.Context, userID string) error {
	if m.disconnectFn != nil {
		return m.disconnectFn(ctx, userID)
	}
	return nil
}

func (m *mockAthleteService) Status(ctx context.Context, userID string) (*model.AthleteLink, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, userID)
	}
	return &model.AthleteLink{UserID: userID}, nil
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error {
	return m.err
}

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(r.Context(), userID)
	return r.WithContext(ctx)
}

// withAdmin はテスト用に管理者ロールの認証主体を注入するヘルパー。
func withAdmin(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithPrincipal(r.Context(), middleware.Principal{
		UserID: userID,
		Role:   middleware.RoleAdmin,
	})
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}
