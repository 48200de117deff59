// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/stridesync/internal/model"
)

// RoleAdmin は全ユーザーを対象に操作できる運用者のロール。
const RoleAdmin = "admin"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// principalContextKey はリクエストコンテキストに認証主体を格納するためのキー。
	principalContextKey = contextKey("principal")
	// principalSinkKey はアクセスログが認証主体を受け取るためのキー。
	principalSinkKey = contextKey("principal_sink")
)

var (
	errMissingToken = errors.New("bearer token がありません")
	errInvalidToken = errors.New("bearer token が不正です")
)

// Principal は認証済みの呼び出し元を表す。
type Principal struct {
	UserID string
	Role   string
}

// IsAdmin は運用者ロールを持つかを返す。
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// BearerConfig はbearer tokenの検証パラメータ。
type BearerConfig struct {
	Secret string
	Issuer string
}

// ParseBearer はHS256で署名されたJWTを検証し、認証主体を返す。
// subが空のトークンは拒否する。
func ParseBearer(token string, cfg BearerConfig) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, errMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !parsed.Valid {
		return Principal{}, errInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, errInvalidToken
	}
	role, _ := claims["role"].(string)
	return Principal{UserID: sub, Role: role}, nil
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのbearer tokenを検証し、
// 認証主体をリクエストコンテキストに注入するミドルウェアを返す。
// 未認証リクエストには401 Unauthorizedを返す。
func NewBearerAuthMiddleware(cfg BearerConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			p, err := ParseBearer(token, cfg)
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext はリクエストコンテキストから認証主体を取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("user ID not found in context")
	}
	return p.UserID, nil
}

// ContextWithPrincipal はコンテキストに認証主体を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	if sink, ok := ctx.Value(principalSinkKey).(*Principal); ok {
		*sink = p
	}
	return context.WithValue(ctx, principalContextKey, p)
}

func withPrincipalSink(ctx context.Context, sink *Principal) context.Context {
	return context.WithValue(ctx, principalSinkKey, sink)
}

// ContextWithUserID は一般ユーザーとしてコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithPrincipal(ctx, Principal{UserID: userID})
}
