package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/stridesync/internal/athlete"
	"github.com/hitoshi/stridesync/internal/budget"
	"github.com/hitoshi/stridesync/internal/model"
)

func TestAthleteHandler_Connect_Success(t *testing.T) {
	svc := &mockAthleteService{
		connectFn: func(_ context.Context, userID, code string) (*model.AthleteLink, error) {
			if userID != "user-1" || code != "auth-code" {
				t.Errorf("userID=%q code=%q が渡されていない", userID, code)
			}
			return &model.AthleteLink{
				UserID:            userID,
				ExternalAthleteID: 1001,
				AccessToken:       model.SealedToken{Scheme: model.TokenSchemePlain, Value: "a"},
				RefreshToken:      model.SealedToken{Scheme: model.TokenSchemePlain, Value: "r"},
			}, nil
		},
	}
	h := NewAthleteHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/strava/connect", strings.NewReader(`{"code":" auth-code "}`))
	w := httptest.NewRecorder()
	h.Connect(w, withUserID(req, "user-1"))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var resp athleteStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスのデコードに失敗しました: %v", err)
	}
	if !resp.Connected || resp.AthleteID != 1001 {
		t.Errorf("レスポンスが期待と異なる: %+v", resp)
	}
}

func TestAthleteHandler_Connect_MissingCode(t *testing.T) {
	h := NewAthleteHandler(&mockAthleteService{})

	req := httptest.NewRequest(http.MethodPost, "/api/strava/connect", strings.NewReader(`{"code":""}`))
	w := httptest.NewRecorder()
	h.Connect(w, withUserID(req, "user-1"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAthleteHandler_Connect_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"認可失敗", athlete.ErrAuthorizationFailed, http.StatusBadRequest, model.ErrCodeAuthorizationFailed},
		{"別ユーザーに連携済み", athlete.ErrLinkedToOtherUser, http.StatusConflict, model.ErrCodeAthleteLinkConflict},
		{"呼び出し枠の枯渇", fmt.Errorf("交換前: %w", budget.ErrExhausted), http.StatusServiceUnavailable, model.ErrCodeBudgetExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAthleteService{
				connectFn: func(context.Context, string, string) (*model.AthleteLink, error) {
					return nil, tt.err
				},
			}
			h := NewAthleteHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/strava/connect", strings.NewReader(`{"code":"c"}`))
			w := httptest.NewRecorder()
			h.Connect(w, withUserID(req, "user-1"))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if resp := parseAPIErrorResponse(t, w); resp["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", resp["code"], tt.wantCode)
			}
			if hasRetry := w.Header().Get("Retry-After") != ""; hasRetry != (tt.wantStatus == http.StatusServiceUnavailable) {
				t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestUntilNextShortWindow(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 7, 30, 0, time.UTC)
	if got := untilNextShortWindow(now); got != 7*time.Minute+30*time.Second {
		t.Errorf("untilNextShortWindow = %v, want %v", got, 7*time.Minute+30*time.Second)
	}
}

func TestAthleteHandler_Disconnect(t *testing.T) {
	var gotUserID string
	svc := &mockAthleteService{
		disconnectFn: func(_ context.Context, userID string) error {
			gotUserID = userID
			return nil
		},
	}
	h := NewAthleteHandler(svc)

	req := httptest.NewRequest(http.MethodDelete, "/api/strava/connect", nil)
	w := httptest.NewRecorder()
	h.Disconnect(w, withUserID(req, "user-1"))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotUserID != "user-1" {
		t.Errorf("userID = %q, want user-1", gotUserID)
	}
}

func TestAthleteHandler_Disconnect_NotLinked(t *testing.T) {
	svc := &mockAthleteService{
		disconnectFn: func(context.Context, string) error {
			return athlete.ErrNotLinked
		},
	}
	h := NewAthleteHandler(svc)

	req := httptest.NewRequest(http.MethodDelete, "/api/strava/connect", nil)
	w := httptest.NewRecorder()
	h.Disconnect(w, withUserID(req, "user-1"))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAthleteHandler_Status_Linked(t *testing.T) {
	synced := time.Date(2026, 6, 20, 6, 0, 0, 0, time.UTC)
	svc := &mockAthleteService{
		statusFn: func(_ context.Context, userID string) (*model.AthleteLink, error) {
			return &model.AthleteLink{
				UserID:            userID,
				ExternalAthleteID: 1001,
				AccessToken:       model.SealedToken{Value: "a"},
				RefreshToken:      model.SealedToken{Value: "r"},
				TotalDistance:     15000,
				TotalRuns:         2,
				CurrentStreak:     1,
				LongestStreak:     4,
				LastSyncedAt:      &synced,
			}, nil
		},
	}
	h := NewAthleteHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/strava/status", nil)
	w := httptest.NewRecorder()
	h.Status(w, withUserID(req, "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp athleteStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスのデコードに失敗しました: %v", err)
	}
	if !resp.Connected || resp.TotalDistance != 15000 || resp.TotalRuns != 2 || resp.LongestStreak != 4 {
		t.Errorf("レスポンスが期待と異なる: %+v", resp)
	}
	if resp.LastSyncedAt == nil || !resp.LastSyncedAt.Equal(synced) {
		t.Errorf("last_synced_at = %v, want %v", resp.LastSyncedAt, synced)
	}
	if resp.LastWebhookAt != nil {
		t.Errorf("last_webhook_at = %v, want nil", resp.LastWebhookAt)
	}
}

func TestAthleteHandler_Status_NotLinked(t *testing.T) {
	svc := &mockAthleteService{
		statusFn: func(context.Context, string) (*model.AthleteLink, error) {
			return nil, athlete.ErrNotLinked
		},
	}
	h := NewAthleteHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/strava/status", nil)
	w := httptest.NewRecorder()
	h.Status(w, withUserID(req, "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp athleteStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスのデコードに失敗しました: %v", err)
	}
	if resp.Connected {
		t.Error("未連携の場合 connected は false であるべき")
	}
}

func TestAthleteHandler_Unauthenticated(t *testing.T) {
	h := NewAthleteHandler(&mockAthleteService{})

	req := httptest.NewRequest(http.MethodGet, "/api/strava/status", nil)
	w := httptest.NewRecorder()
	h.Status(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
