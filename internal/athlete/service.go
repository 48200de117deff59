// Package athlete は外部アカウントの連携・連携解除のドメインロジックを提供する。
package athlete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/stridesync/internal/activity"
	"github.com/hitoshi/stridesync/internal/budget"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/repository"
	"github.com/hitoshi/stridesync/internal/strava"
)

var (
	// ErrNotLinked はユーザーが外部アカウントを連携していないことを示す。
	ErrNotLinked = errors.New("外部アカウントが連携されていません")
	// ErrAuthorizationFailed は認可コードの交換に失敗したことを示す。
	ErrAuthorizationFailed = errors.New("認可コードの交換に失敗しました")
	// ErrLinkedToOtherUser は外部アカウントが別のユーザーに連携済みであることを示す。
	ErrLinkedToOtherUser = errors.New("外部アカウントは別のユーザーに連携済みです")
)

// OAuthClient は連携・連携解除に使う外部プラットフォームの操作。
// strava.Clientが実装する。
type OAuthClient interface {
	ExchangeCode(ctx context.Context, code string) (*strava.Token, error)
	Deauthorize(ctx context.Context, accessToken string) error
}

// TokenVault はトークンの封印と有効なアクセストークンの取得を行う。
// token.Vaultが実装する。
type TokenVault interface {
	Seal(tok *strava.Token) (access, refresh model.SealedToken, err error)
	AccessToken(ctx context.Context, link *model.AthleteLink) (string, error)
}

// Syncer はユーザー1人分の同期を実行する。activity.Orchestratorが実装する。
type Syncer interface {
	SyncUser(ctx context.Context, link *model.AthleteLink, forceFull bool) activity.Result
}

// Service は外部アカウント連携のサービス層。
type Service struct {
	links      repository.AthleteLinkRepository
	activities repository.ActivityRepository
	oauth      OAuthClient
	vault      TokenVault
	budget     activity.Budget
	syncer     Syncer
	locks      *activity.UserLocks
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	links repository.AthleteLinkRepository,
	activities repository.ActivityRepository,
	oauth OAuthClient,
	vault TokenVault,
	b activity.Budget,
	syncer Syncer,
	locks *activity.UserLocks,
	logger *slog.Logger,
) *Service {
	return &Service{
		links:      links,
		activities: activities,
		oauth:      oauth,
		vault:      vault,
		budget:     b,
		syncer:     syncer,
		locks:      locks,
		logger:     logger,
	}
}

// Connect は認可コードをトークンに交換して連携情報を保存し、
// 初回のフル同期をバックグラウンドで開始する。
func (s *Service) Connect(ctx context.Context, userID, code string) (*model.AthleteLink, error) {
	if !s.budget.CanMakeCalls(1) {
		return nil, budget.ErrExhausted
	}

	tok, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		if errors.Is(err, budget.ErrExhausted) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}

	owner, err := s.links.FindByAthleteID(ctx, tok.AthleteID)
	if err != nil {
		return nil, fmt.Errorf("連携情報の取得に失敗しました: %w", err)
	}
	if owner != nil && owner.UserID != userID {
		return nil, ErrLinkedToOtherUser
	}

	access, refresh, err := s.vault.Seal(tok)
	if err != nil {
		return nil, err
	}

	if err := s.links.Upsert(ctx, &model.AthleteLink{
		UserID:            userID,
		ExternalAthleteID: tok.AthleteID,
		AccessToken:       access,
		RefreshToken:      refresh,
		TokenExpiresAt:    tok.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("連携情報の保存に失敗しました: %w", err)
	}

	link, err := s.links.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("連携情報の取得に失敗しました: %w", err)
	}
	if link == nil {
		return nil, ErrNotLinked
	}

	s.logger.Info("外部アカウントを連携しました",
		slog.String("user_id", userID),
		slog.Int64("athlete_id", tok.AthleteID),
	)

	s.wg.Add(1)
	go func(l model.AthleteLink) {
		defer s.wg.Done()
		res := s.syncer.SyncUser(context.WithoutCancel(ctx), &l, true)
		if !res.Success {
			s.logger.Warn("連携直後の同期に失敗しました",
				slog.String("user_id", l.UserID),
				slog.String("error", res.Error),
			)
		}
	}(*link)

	return link, nil
}

// Disconnect は連携を解除する。
// 呼び出し枠がある場合のみ外部プラットフォームへの連携解除を試み、その失敗は無視する。
// その後アクティビティと連携情報を削除する。
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	link, err := s.links.FindByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("連携情報の取得に失敗しました: %w", err)
	}
	if link == nil {
		return ErrNotLinked
	}

	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	s.deauthorize(ctx, link)

	if err := s.activities.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("アクティビティの削除に失敗しました: %w", err)
	}
	if err := s.links.Delete(ctx, userID); err != nil {
		return fmt.Errorf("連携情報の削除に失敗しました: %w", err)
	}

	s.logger.Info("外部アカウントの連携を解除しました",
		slog.String("user_id", userID),
		slog.Int64("athlete_id", link.ExternalAthleteID),
	)
	return nil
}

func (s *Service) deauthorize(ctx context.Context, link *model.AthleteLink) {
	if !link.HasTokens() || !s.budget.CanMakeCalls(2) {
		return
	}
	accessToken, err := s.vault.AccessToken(ctx, link)
	if err == nil {
		err = s.oauth.Deauthorize(ctx, accessToken)
	}
	if err != nil {
		s.logger.Warn("外部プラットフォームでの連携解除に失敗しました",
			slog.String("user_id", link.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// Status は連携状態を返す。外部プラットフォームへの呼び出しは行わない。
func (s *Service) Status(ctx context.Context, userID string) (*model.AthleteLink, error) {
	link, err := s.links.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("連携情報の取得に失敗しました: %w", err)
	}
	if link == nil {
		return nil, ErrNotLinked
	}
	return link, nil
}

// Wait は連携直後のバックグラウンド同期の完了を待つ。
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
