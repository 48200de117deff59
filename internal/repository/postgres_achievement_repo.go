package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/stridesync/internal/model"
)

// PostgresAchievementRepo はPostgreSQLを使用した実績リポジトリ。
type PostgresAchievementRepo struct {
	db *sql.DB
}

// NewPostgresAchievementRepo はPostgresAchievementRepoを生成する。
func NewPostgresAchievementRepo(db *sql.DB) *PostgresAchievementRepo {
	return &PostgresAchievementRepo{db: db}
}

// ListDefinitions は全実績定義を返す。
func (r *PostgresAchievementRepo) ListDefinitions(ctx context.Context) ([]model.AchievementDefinition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, requirement_type, requirement_value
		 FROM achievements ORDER BY requirement_type, requirement_value`,
	)
	if err != nil {
		return nil, fmt.Errorf("実績定義の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var defs []model.AchievementDefinition
	for rows.Next() {
		var d model.AchievementDefinition
		if err := rows.Scan(&d.ID, &d.Name, &d.RequirementType, &d.RequirementValue); err != nil {
			return nil, fmt.Errorf("実績定義のスキャンに失敗しました: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("実績定義の行の読み取りに失敗しました: %w", err)
	}
	return defs, nil
}

// ListUnlockedIDs はユーザーが解除済みの実績IDを返す。
func (r *PostgresAchievementRepo) ListUnlockedIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT achievement_id FROM achievement_unlocks WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("解除済み実績の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("解除済み実績のスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("解除済み実績の行の読み取りに失敗しました: %w", err)
	}
	return ids, nil
}

// Unlock は解除記録を挿入する。既に解除済みの場合はErrDuplicateを返す。
func (r *PostgresAchievementRepo) Unlock(ctx context.Context, u *model.AchievementUnlock) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO achievement_unlocks (id, user_id, achievement_id, unlocked_at)
		 VALUES ($1, $2, $3, $4)`,
		u.ID, u.UserID, u.AchievementID, u.UnlockedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("実績の解除記録に失敗しました: %w", err)
	}
	return nil
}
