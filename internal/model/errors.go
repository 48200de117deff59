// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, strava, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeAthleteNotLinked    = "ATHLETE_NOT_LINKED"
	ErrCodeAuthorizationFailed = "STRAVA_AUTHORIZATION_FAILED"
	ErrCodeBudgetExhausted     = "STRAVA_BUDGET_EXHAUSTED"
	ErrCodeWebhookVerifyFailed = "WEBHOOK_VERIFICATION_FAILED"
	ErrCodeAthleteLinkConflict = "STRAVA_ATHLETE_ALREADY_LINKED"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を実行する権限がありません。",
		Category: "auth",
		Action:   "自分のアカウントに対してのみ実行できます。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewAthleteNotLinkedError はStrava未連携エラーを生成する。
func NewAthleteNotLinkedError() *APIError {
	return &APIError{
		Code:     ErrCodeAthleteNotLinked,
		Message:  "Stravaアカウントが連携されていません。",
		Category: "strava",
		Action:   "設定画面からStravaアカウントを連携してください。",
	}
}

// NewAuthorizationFailedError はStrava認可コードの交換失敗エラーを生成する。
func NewAuthorizationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthorizationFailed,
		Message:  "Stravaとの連携に失敗しました。",
		Category: "strava",
		Action:   "もう一度Stravaの連携画面からやり直してください。",
	}
}

// NewBudgetExhaustedError はStrava API呼び出し枠の枯渇エラーを生成する。
func NewBudgetExhaustedError() *APIError {
	return &APIError{
		Code:     ErrCodeBudgetExhausted,
		Message:  "Strava APIの呼び出し上限に達しています。",
		Category: "strava",
		Action:   "15分ほど待ってから再度お試しください。",
	}
}

// NewWebhookVerifyFailedError はWebhook購読検証の失敗エラーを生成する。
func NewWebhookVerifyFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeWebhookVerifyFailed,
		Message:  "Webhook購読の検証に失敗しました。",
		Category: "auth",
		Action:   "verify_tokenの設定を確認してください。",
	}
}

// NewAthleteLinkConflictError は外部アカウントが別ユーザーに連携済みのエラーを生成する。
func NewAthleteLinkConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeAthleteLinkConflict,
		Message:  "このStravaアカウントは別のユーザーに連携されています。",
		Category: "strava",
		Action:   "連携済みのユーザーで連携を解除してから再度お試しください。",
	}
}

// NewRateLimitedError はリクエスト過多エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
