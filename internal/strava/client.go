// Package strava はStrava APIとの連携機能を提供する。
// OAuthトークンエンドポイント、アクティビティ一覧・詳細の取得、
// レスポンスヘッダーからの呼び出し枠の読み取りを含む。
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/stridesync/internal/budget"
)

const (
	defaultAPIBaseURL     = "https://www.strava.com/api/v3"
	defaultTokenURL       = "https://www.strava.com/oauth/token"
	defaultDeauthorizeURL = "https://www.strava.com/oauth/deauthorize"

	// maxResponseSize はレスポンスボディの読み取り上限（8MB）。
	maxResponseSize = 8 << 20
)

// ErrUnauthorized はアクセストークンが無効（401）であることを示す。
var ErrUnauthorized = errors.New("Stravaがアクセストークンを拒否しました")

// StatusError は200以外のHTTPステータスを表す。
// 429（スロットリング）も他の失敗と同様にこのエラーとして扱う。
type StatusError struct {
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("Strava APIがステータス %d を返しました: %s", e.StatusCode, e.Body)
}

// IsNotFound は404エラーかを判定する。
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Budget はAPI呼び出し枠の予約と補正のインターフェース。
// budget.Trackerが実装する。
type Budget interface {
	TrySpend(n int) bool
	UpdateFromUsage(shortTerm, daily int)
}

// Config はStravaクライアントの設定。
type Config struct {
	ClientID     string
	ClientSecret string

	// テスト用にオーバーライド可能なURL
	APIBaseURL     string
	TokenURL       string
	DeauthorizeURL string
}

// Client はStrava APIのクライアント。
// すべての呼び出しは事前に呼び出し枠を1回分予約し、
// レスポンスの使用量ヘッダーでローカルのカウンタを補正する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	budget     Budget
	config     Config
}

// NewClient はClientの新しいインスタンスを生成する。
// budgetがnilの場合は呼び出し枠の確認を行わない。
func NewClient(httpClient *http.Client, b Budget, logger *slog.Logger, config Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	if config.DeauthorizeURL == "" {
		config.DeauthorizeURL = defaultDeauthorizeURL
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		budget:     b,
		config:     config,
	}
}

// do はリクエストを実行し、成功時にレスポンスJSONをoutへデコードする。
// outがnilの場合はボディを破棄する。
func (c *Client) do(req *http.Request, out any) error {
	if c.budget != nil && !c.budget.TrySpend(1) {
		return budget.ErrExhausted
	}

	req.Header.Set("User-Agent", "StrideSync/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Strava APIの呼び出しに失敗しました",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("Strava APIリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	c.applyUsage(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.logger.Warn("Strava APIがエラーステータスを返しました",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("http_status", resp.StatusCode),
		)
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// applyUsage は使用量ヘッダーが含まれていればBudgetへ反映する。
func (c *Client) applyUsage(h http.Header) {
	if c.budget == nil {
		return
	}
	shortTerm, daily, ok := ParseUsageHeader(h.Get(HeaderRateLimitUsage))
	if !ok {
		return
	}
	c.budget.UpdateFromUsage(shortTerm, daily)
}

// newRequest はコンテキスト付きのリクエストを作成する。
func newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	return req, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
