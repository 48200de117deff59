package strava

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int    `json:"expires_in"`
	Athlete      *struct {
		ID        int64  `json:"id"`
		Firstname string `json:"firstname"`
		Lastname  string `json:"lastname"`
	} `json:"athlete,omitempty"`
}

// Token はトークンエンドポイントから取得したトークン一式。
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AthleteID    int64 // 認可コード交換時のみ設定される
}

// ExchangeCode は認可コードをトークンに交換する（authorization_codeグラント）。
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	return c.requestToken(ctx, url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
	})
}

// RefreshToken はリフレッシュトークンで新しいトークンを取得する（refresh_tokenグラント）。
// Stravaは最新のリフレッシュトークンのみを受け付けるため、
// 返却されたリフレッシュトークンは必ず保存し直すこと。
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	return c.requestToken(ctx, url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	})
}

// Deauthorize はアクセストークンを失効させ、アプリケーションとの連携を解除する。
func (c *Client) Deauthorize(ctx context.Context, accessToken string) error {
	data := url.Values{"access_token": {accessToken}}
	req, err := newRequest(ctx, http.MethodPost, c.config.DeauthorizeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("連携解除に失敗しました: %w", err)
	}
	return nil
}

// requestToken はトークンエンドポイントへフォームをPOSTする。
func (c *Client) requestToken(ctx context.Context, data url.Values) (*Token, error) {
	req, err := newRequest(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tr tokenResponse
	if err := c.do(req, &tr); err != nil {
		return nil, fmt.Errorf("トークンの取得に失敗しました: %w", err)
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	token := &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Unix(tr.ExpiresAt, 0).UTC(),
	}
	if tr.ExpiresAt == 0 && tr.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.Athlete != nil {
		token.AthleteID = tr.Athlete.ID
	}
	return token, nil
}
