// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/stridesync/internal/athlete"
	"github.com/hitoshi/stridesync/internal/budget"
	"github.com/hitoshi/stridesync/internal/middleware"
	"github.com/hitoshi/stridesync/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限（64KB）。
const maxRequestBodySize = 64 << 10

func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	if apiErr == nil {
		// APIError以外のエラーは内部サーバーエラーとして扱う
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if apiErr.Code == model.ErrCodeBudgetExhausted {
		// 短期ウィンドウの切り替わりで枠が回復する
		middleware.WriteRetryableErrorResponse(w, http.StatusServiceUnavailable, apiErr, untilNextShortWindow(time.Now()))
		return
	}
	writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
}

func untilNextShortWindow(now time.Time) time.Duration {
	next := now.UTC().Truncate(budget.ShortWindow).Add(budget.ShortWindow)
	return next.Sub(now)
}

// toAPIError はドメインエラーをAPIErrorに変換する。対応がない場合はnilを返す。
func toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, athlete.ErrNotLinked):
		return model.NewAthleteNotLinkedError()
	case errors.Is(err, athlete.ErrAuthorizationFailed):
		return model.NewAuthorizationFailedError()
	case errors.Is(err, athlete.ErrLinkedToOtherUser):
		return model.NewAthleteLinkConflictError()
	case errors.Is(err, budget.ErrExhausted):
		return model.NewBudgetExhaustedError()
	default:
		return nil
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden, model.ErrCodeWebhookVerifyFailed:
		return http.StatusForbidden
	case model.ErrCodeInvalidRequest, model.ErrCodeAuthorizationFailed:
		return http.StatusBadRequest
	case model.ErrCodeAthleteNotLinked:
		return http.StatusNotFound
	case model.ErrCodeAthleteLinkConflict:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeBudgetExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requireUserID は認証済みユーザーIDを返す。未認証の場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
