package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/stridesync/internal/model"
)

// linkColumns はathlete_linksのSELECT列。scanLinkの順序と一致させる。
const linkColumns = `user_id, external_athlete_id,
	access_token, access_token_scheme, refresh_token, refresh_token_scheme,
	token_expires_at, last_synced_at, last_webhook_at,
	total_distance, total_runs, current_streak, longest_streak,
	created_at, updated_at`

// PostgresAthleteLinkRepo はPostgreSQLを使用した連携情報リポジトリ。
type PostgresAthleteLinkRepo struct {
	db *sql.DB
}

// NewPostgresAthleteLinkRepo はPostgresAthleteLinkRepoを生成する。
func NewPostgresAthleteLinkRepo(db *sql.DB) *PostgresAthleteLinkRepo {
	return &PostgresAthleteLinkRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(s rowScanner) (*model.AthleteLink, error) {
	link := &model.AthleteLink{}
	var accessScheme, refreshScheme string
	var lastSyncedAt, lastWebhookAt sql.NullTime

	err := s.Scan(
		&link.UserID, &link.ExternalAthleteID,
		&link.AccessToken.Value, &accessScheme, &link.RefreshToken.Value, &refreshScheme,
		&link.TokenExpiresAt, &lastSyncedAt, &lastWebhookAt,
		&link.TotalDistance, &link.TotalRuns, &link.CurrentStreak, &link.LongestStreak,
		&link.CreatedAt, &link.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	link.AccessToken.Scheme = model.TokenScheme(accessScheme)
	link.RefreshToken.Scheme = model.TokenScheme(refreshScheme)
	if lastSyncedAt.Valid {
		link.LastSyncedAt = &lastSyncedAt.Time
	}
	if lastWebhookAt.Valid {
		link.LastWebhookAt = &lastWebhookAt.Time
	}
	return link, nil
}

// FindByUserID はユーザーIDで連携情報を取得する。見つからない場合はnilを返す。
func (r *PostgresAthleteLinkRepo) FindByUserID(ctx context.Context, userID string) (*model.AthleteLink, error) {
	link, err := scanLink(r.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM athlete_links WHERE user_id = $1`,
		userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連携情報の取得に失敗しました: %w", err)
	}
	return link, nil
}

// FindByAthleteID は外部アスリートIDで連携情報を取得する。見つからない場合はnilを返す。
func (r *PostgresAthleteLinkRepo) FindByAthleteID(ctx context.Context, athleteID int64) (*model.AthleteLink, error) {
	link, err := scanLink(r.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM athlete_links WHERE external_athlete_id = $1`,
		athleteID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アスリートIDによる連携情報の検索に失敗しました: %w", err)
	}
	return link, nil
}

// Upsert は連携情報を作成する。既に存在する場合はアスリートIDとトークンを置き換える。
func (r *PostgresAthleteLinkRepo) Upsert(ctx context.Context, link *model.AthleteLink) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO athlete_links (
		     user_id, external_athlete_id,
		     access_token, access_token_scheme, refresh_token, refresh_token_scheme,
		     token_expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (user_id) DO UPDATE SET
		     external_athlete_id = EXCLUDED.external_athlete_id,
		     access_token = EXCLUDED.access_token,
		     access_token_scheme = EXCLUDED.access_token_scheme,
		     refresh_token = EXCLUDED.refresh_token,
		     refresh_token_scheme = EXCLUDED.refresh_token_scheme,
		     token_expires_at = EXCLUDED.token_expires_at,
		     updated_at = EXCLUDED.updated_at`,
		link.UserID, link.ExternalAthleteID,
		link.AccessToken.Value, schemeOrPlain(link.AccessToken.Scheme),
		link.RefreshToken.Value, schemeOrPlain(link.RefreshToken.Scheme),
		link.TokenExpiresAt, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("アスリートは別のユーザーに連携済みです: %w", ErrDuplicate)
		}
		return fmt.Errorf("連携情報の保存に失敗しました: %w", err)
	}
	return nil
}

// UpdateTokens はトークンを置き換える。有効期限はGREATESTで巻き戻りを防ぐ。
func (r *PostgresAthleteLinkRepo) UpdateTokens(ctx context.Context, userID string, access, refresh model.SealedToken, expiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE athlete_links SET
		     access_token = $2, access_token_scheme = $3,
		     refresh_token = $4, refresh_token_scheme = $5,
		     token_expires_at = GREATEST(token_expires_at, $6),
		     updated_at = NOW()
		 WHERE user_id = $1`,
		userID,
		access.Value, schemeOrPlain(access.Scheme),
		refresh.Value, schemeOrPlain(refresh.Scheme),
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("トークンの更新に失敗しました: %w", err)
	}
	return expectOneRow(result, "連携情報が見つかりません")
}

// ClearTokens はトークンのみを消去する。
func (r *PostgresAthleteLinkRepo) ClearTokens(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE athlete_links SET
		     access_token = '', access_token_scheme = 'plain',
		     refresh_token = '', refresh_token_scheme = 'plain',
		     updated_at = NOW()
		 WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("トークンの消去に失敗しました: %w", err)
	}
	return nil
}

// SaveSyncStats は集計値とlast_synced_atを更新する。
func (r *PostgresAthleteLinkRepo) SaveSyncStats(ctx context.Context, userID string, stats model.AthleteStats, syncedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE athlete_links SET
		     total_distance = $2, total_runs = $3, current_streak = $4, longest_streak = $5,
		     last_synced_at = $6, updated_at = NOW()
		 WHERE user_id = $1`,
		userID, stats.TotalDistance, stats.TotalRuns, stats.CurrentStreak, stats.LongestStreak, syncedAt,
	)
	if err != nil {
		return fmt.Errorf("同期結果の保存に失敗しました: %w", err)
	}
	return nil
}

// SaveWebhookStats は集計値とlast_webhook_atを更新する。
func (r *PostgresAthleteLinkRepo) SaveWebhookStats(ctx context.Context, userID string, stats model.AthleteStats, receivedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE athlete_links SET
		     total_distance = $2, total_runs = $3, current_streak = $4, longest_streak = $5,
		     last_webhook_at = $6, updated_at = NOW()
		 WHERE user_id = $1`,
		userID, stats.TotalDistance, stats.TotalRuns, stats.CurrentStreak, stats.LongestStreak, receivedAt,
	)
	if err != nil {
		return fmt.Errorf("Webhook処理結果の保存に失敗しました: %w", err)
	}
	return nil
}

// ListLinked はトークンを保持している全連携を返す。
func (r *PostgresAthleteLinkRepo) ListLinked(ctx context.Context) ([]*model.AthleteLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM athlete_links
		 WHERE access_token <> '' AND refresh_token <> ''
		 ORDER BY user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("連携一覧の取得に失敗しました: %w", err)
	}
	return collectLinks(rows)
}

// ListStale はバッチ同期の対象候補をlast_synced_atの古い順に返す。
func (r *PostgresAthleteLinkRepo) ListStale(ctx context.Context, syncedBefore, webhookBefore time.Time, limit int) ([]*model.AthleteLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM athlete_links
		 WHERE access_token <> '' AND refresh_token <> ''
		   AND (last_synced_at IS NULL OR last_synced_at < $1)
		   AND (last_webhook_at IS NULL OR last_webhook_at < $2)
		 ORDER BY last_synced_at ASC NULLS FIRST
		 LIMIT $3`,
		syncedBefore, webhookBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期対象の取得に失敗しました: %w", err)
	}
	return collectLinks(rows)
}

// Delete は連携情報を削除する。
func (r *PostgresAthleteLinkRepo) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM athlete_links WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("連携情報の削除に失敗しました: %w", err)
	}
	return nil
}

func collectLinks(rows *sql.Rows) ([]*model.AthleteLink, error) {
	defer rows.Close()

	var links []*model.AthleteLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("連携情報のスキャンに失敗しました: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("連携情報の行の読み取りに失敗しました: %w", err)
	}
	return links, nil
}

func schemeOrPlain(s model.TokenScheme) string {
	if s == "" {
		return string(model.TokenSchemePlain)
	}
	return string(s)
}
