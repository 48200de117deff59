package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/stridesync/internal/budget"
	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/strava"
)

// ExpirySkew は期限切れ判定の余裕。残り時間がこれを下回ったら更新する。
const ExpirySkew = 60 * time.Second

// ErrReauthorizationRequired はトークンが失効しており、
// ユーザーによる再連携が必要であることを示す。その場での再試行はしない。
var ErrReauthorizationRequired = errors.New("外部アカウントの再連携が必要です")

// LinkStore はトークン更新に必要なAthleteLinkの永続化操作。
type LinkStore interface {
	FindByUserID(ctx context.Context, userID string) (*model.AthleteLink, error)
	// UpdateTokens はトークンを置き換える。有効期限は現在値より進む場合のみ更新する。
	UpdateTokens(ctx context.Context, userID string, access, refresh model.SealedToken, expiresAt time.Time) error
}

// Refresher はリフレッシュトークンで新しいトークンを取得する。
// strava.Clientが実装する。
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*strava.Token, error)
}

// Vault はトークンの暗号化と更新を管理する。
// 同一ユーザーの更新はsingleflightで1回にまとめる。
// プラットフォームは最新のリフレッシュトークンしか受け付けないため、
// 重複した更新は先行した呼び出し元のアクセストークンを失効させてしまう。
type Vault struct {
	cipher    *Cipher
	links     LinkStore
	refresher Refresher
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
	group     singleflight.Group
}

// NewVault はVaultを生成する。
func NewVault(cipher *Cipher, links LinkStore, refresher Refresher, mc metrics.MetricsCollector, logger *slog.Logger) *Vault {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Vault{
		cipher:    cipher,
		links:     links,
		refresher: refresher,
		metrics:   mc,
		logger:    logger,
		now:       time.Now,
	}
}

// refreshed は更新結果。singleflightで待機中の呼び出し元と共有する。
type refreshed struct {
	accessToken string
	access      model.SealedToken
	refresh     model.SealedToken
	expiresAt   time.Time
}

// Seal はプラットフォームから受け取ったトークン一式を保存形式に変換する。
func (v *Vault) Seal(tok *strava.Token) (access, refresh model.SealedToken, err error) {
	if access, err = v.cipher.Seal(tok.AccessToken); err != nil {
		return model.SealedToken{}, model.SealedToken{}, fmt.Errorf("アクセストークンの暗号化に失敗しました: %w", err)
	}
	if refresh, err = v.cipher.Seal(tok.RefreshToken); err != nil {
		return model.SealedToken{}, model.SealedToken{}, fmt.Errorf("リフレッシュトークンの暗号化に失敗しました: %w", err)
	}
	return access, refresh, nil
}

// AccessToken は有効なアクセストークンを返す。
// 期限切れ間近であれば更新し、linkのトークンと有効期限も更新後の値に置き換える。
func (v *Vault) AccessToken(ctx context.Context, link *model.AthleteLink) (string, error) {
	if !link.HasTokens() {
		return "", ErrReauthorizationRequired
	}

	if link.TokenExpiresAt.After(v.now().Add(ExpirySkew)) {
		access, err := v.cipher.Open(link.AccessToken)
		if err != nil {
			return "", fmt.Errorf("アクセストークンの復号に失敗しました: %w", err)
		}
		return access, nil
	}

	refreshToken, err := v.cipher.Open(link.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("リフレッシュトークンの復号に失敗しました: %w", err)
	}

	r, err := v.refresh(ctx, link.UserID, refreshToken)
	if err != nil {
		return "", err
	}

	link.AccessToken = r.access
	link.RefreshToken = r.refresh
	if r.expiresAt.After(link.TokenExpiresAt) {
		link.TokenExpiresAt = r.expiresAt
	}
	return r.accessToken, nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得し、
// 両方のトークンを保存し直す。
// 更新できない場合はErrReauthorizationRequiredを返す。
// 呼び出し枠が不足している場合はbudget.ErrExhaustedを返す。
func (v *Vault) Refresh(ctx context.Context, userID, refreshToken string) (string, error) {
	r, err := v.refresh(ctx, userID, refreshToken)
	if err != nil {
		return "", err
	}
	return r.accessToken, nil
}

func (v *Vault) refresh(ctx context.Context, userID, refreshToken string) (*refreshed, error) {
	ch := v.group.DoChan(userID, func() (any, error) {
		// 回転したトークンは呼び出し元のキャンセルに関係なく保存まで完了させる
		return v.doRefresh(context.WithoutCancel(ctx), userID, refreshToken)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*refreshed), nil
	}
}

func (v *Vault) doRefresh(ctx context.Context, userID, refreshToken string) (*refreshed, error) {
	// 直前の更新で既に新しいトークンが保存されていればそれを使う
	if link, err := v.links.FindByUserID(ctx, userID); err == nil && link != nil && link.HasTokens() &&
		link.TokenExpiresAt.After(v.now().Add(ExpirySkew)) {
		access, err := v.cipher.Open(link.AccessToken)
		if err == nil {
			return &refreshed{
				accessToken: access,
				access:      link.AccessToken,
				refresh:     link.RefreshToken,
				expiresAt:   link.TokenExpiresAt,
			}, nil
		}
	}

	tok, err := v.refresher.RefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, budget.ErrExhausted) {
			return nil, err
		}
		v.metrics.RecordTokenRefresh(false)
		v.logger.Warn("アクセストークンの更新に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrReauthorizationRequired, err)
	}

	access, refresh, err := v.Seal(tok)
	if err != nil {
		return nil, err
	}
	if err := v.links.UpdateTokens(ctx, userID, access, refresh, tok.ExpiresAt); err != nil {
		return nil, fmt.Errorf("更新したトークンの保存に失敗しました: %w", err)
	}

	v.metrics.RecordTokenRefresh(true)
	v.logger.Info("アクセストークンを更新しました",
		slog.String("user_id", userID),
		slog.Time("expires_at", tok.ExpiresAt),
	)

	return &refreshed{
		accessToken: tok.AccessToken,
		access:      access,
		refresh:     refresh,
		expiresAt:   tok.ExpiresAt,
	}, nil
}
