package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/stridesync/internal/athlete"
	"github.com/hitoshi/stridesync/internal/middleware"
	"github.com/hitoshi/stridesync/internal/model"
)

// AthleteServiceInterface は外部アカウント連携ハンドラーが必要とするサービスインターフェース。
type AthleteServiceInterface interface {
	// Connect は認可コードを交換して連携を作成し、初回同期を開始する。
	Connect(ctx context.Context, userID, code string) (*model.AthleteLink, error)
	// Disconnect は連携を解除し、保存済みアクティビティを削除する。
	Disconnect(ctx context.Context, userID string) error
	// Status は連携状態を返す。
	Status(ctx context.Context, userID string) (*model.AthleteLink, error)
}

type connectRequest struct {
	Code string `json:"code"`
}

type athleteStatusResponse struct {
	Connected     bool       `json:"connected"`
	AthleteID     int64      `json:"athlete_id,omitempty"`
	TotalDistance float64    `json:"total_distance"`
	TotalRuns     int        `json:"total_runs"`
	CurrentStreak int        `json:"current_streak"`
	LongestStreak int        `json:"longest_streak"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
	LastWebhookAt *time.Time `json:"last_webhook_at"`
}

// AthleteHandler は外部アカウント連携のHTTPハンドラー。
type AthleteHandler struct {
	service AthleteServiceInterface
}

// NewAthleteHandler はAthleteHandlerを生成する。
func NewAthleteHandler(service AthleteServiceInterface) *AthleteHandler {
	return &AthleteHandler{service: service}
}

// Connect は外部アカウントを連携する。
// POST /api/strava/connect
func (h *AthleteHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req connectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの形式が正しくありません"))
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("codeは必須です"))
		return
	}

	link, err := h.service.Connect(r.Context(), userID, code)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, toAthleteStatusResponse(link))
}

// Disconnect は外部アカウントの連携を解除する。
// DELETE /api/strava/connect
func (h *AthleteHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Disconnect(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status は連携状態と集計値を返す。未連携の場合はconnected=falseを返す。
// GET /api/strava/status
func (h *AthleteHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	link, err := h.service.Status(r.Context(), userID)
	if errors.Is(err, athlete.ErrNotLinked) {
		middleware.WriteJSON(w, http.StatusOK, athleteStatusResponse{})
		return
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toAthleteStatusResponse(link))
}

func toAthleteStatusResponse(link *model.AthleteLink) athleteStatusResponse {
	return athleteStatusResponse{
		Connected:     link.HasTokens(),
		AthleteID:     link.ExternalAthleteID,
		TotalDistance: link.TotalDistance,
		TotalRuns:     link.TotalRuns,
		CurrentStreak: link.CurrentStreak,
		LongestStreak: link.LongestStreak,
		LastSyncedAt:  link.LastSyncedAt,
		LastWebhookAt: link.LastWebhookAt,
	}
}
