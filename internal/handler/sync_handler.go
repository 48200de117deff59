package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hitoshi/stridesync/internal/activity"
	"github.com/hitoshi/stridesync/internal/middleware"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/worker/batch"
)

// LinkFinder は同期対象の連携情報を取得するインターフェース。
type LinkFinder interface {
	FindByUserID(ctx context.Context, userID string) (*model.AthleteLink, error)
	ListLinked(ctx context.Context) ([]*model.AthleteLink, error)
}

// UserSyncer はユーザー1人分の同期を行うインターフェース。
// activity.Orchestratorが実装する。
type UserSyncer interface {
	SyncUser(ctx context.Context, link *model.AthleteLink, forceFull bool) activity.Result
}

// BatchSyncer は複数ユーザーを順番に同期するインターフェース。
// batch.Schedulerが実装する。
type BatchSyncer interface {
	SyncAll(ctx context.Context, links []*model.AthleteLink, forceFull bool) batch.Summary
}

type syncRequest struct {
	ForceFullSync bool   `json:"force_full_sync"`
	UserID        string `json:"user_id"`
}

type syncResultResponse struct {
	UserID           string `json:"user_id"`
	Success          bool   `json:"success"`
	Error            string `json:"error,omitempty"`
	ActivitiesSynced int    `json:"activities_synced"`
	Mode             string `json:"mode,omitempty"`
}

type syncResponse struct {
	Results      []syncResultResponse `json:"results"`
	StoppedEarly bool                 `json:"stopped_early,omitempty"`
}

// SyncHandler は手動同期のHTTPハンドラー。
type SyncHandler struct {
	links  LinkFinder
	syncer UserSyncer
	batch  BatchSyncer
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(links LinkFinder, syncer UserSyncer, batch BatchSyncer) *SyncHandler {
	return &SyncHandler{
		links:  links,
		syncer: syncer,
		batch:  batch,
	}
}

// Sync は手動同期を実行し、ユーザーごとの結果を返す。
// POST /sync
//
// 一般ユーザーは自分自身のみ対象にできる。管理者がuser_idを省略した場合は連携済みの全ユーザーを対象とする。
// 個別の同期失敗はresultsに含め、HTTPエラーにはしない。
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	req, err := decodeSyncRequest(w, r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)

	if !principal.IsAdmin() && req.UserID != "" && req.UserID != principal.UserID {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return
	}

	if principal.IsAdmin() && req.UserID == "" {
		h.syncAll(w, r, req.ForceFullSync)
		return
	}

	targetUserID := req.UserID
	if targetUserID == "" {
		targetUserID = principal.UserID
	}

	link, err := h.links.FindByUserID(r.Context(), targetUserID)
	if err != nil {
		handleServiceError(w, fmt.Errorf("連携情報の取得に失敗しました: %w", err))
		return
	}
	if link == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewAthleteNotLinkedError())
		return
	}

	res := h.syncer.SyncUser(r.Context(), link, req.ForceFullSync)
	middleware.WriteJSON(w, http.StatusOK, syncResponse{
		Results: []syncResultResponse{toSyncResultResponse(res)},
	})
}

func (h *SyncHandler) syncAll(w http.ResponseWriter, r *http.Request, forceFull bool) {
	links, err := h.links.ListLinked(r.Context())
	if err != nil {
		handleServiceError(w, fmt.Errorf("連携ユーザーの取得に失敗しました: %w", err))
		return
	}

	summary := h.batch.SyncAll(r.Context(), links, forceFull)
	results := make([]syncResultResponse, 0, len(summary.Results))
	for _, res := range summary.Results {
		results = append(results, toSyncResultResponse(res))
	}
	middleware.WriteJSON(w, http.StatusOK, syncResponse{
		Results:      results,
		StoppedEarly: summary.StoppedEarly,
	})
}

// decodeSyncRequest はリクエストボディを読み込む。ボディが空の場合はデフォルト値を返す。
func decodeSyncRequest(w http.ResponseWriter, r *http.Request) (syncRequest, error) {
	var req syncRequest
	if r.Body == nil {
		return req, nil
	}
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return syncRequest{}, nil
		}
		return syncRequest{}, fmt.Errorf("JSONの形式が正しくありません")
	}
	return req, nil
}

func toSyncResultResponse(res activity.Result) syncResultResponse {
	return syncResultResponse{
		UserID:           res.UserID,
		Success:          res.Success,
		Error:            res.Error,
		ActivitiesSynced: res.ActivitiesSynced,
		Mode:             string(res.Mode),
	}
}
