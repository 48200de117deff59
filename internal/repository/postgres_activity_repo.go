package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/stridesync/internal/model"
)

const activityColumns = `id, user_id, external_id, name, description, type,
	distance, moving_time, start_at, pace, elevation_gain,
	avg_heartrate, max_heartrate, calories, kudos, created_at, updated_at`

// PostgresActivityRepo はPostgreSQLを使用したアクティビティリポジトリ。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

func scanActivity(s rowScanner) (*model.Activity, error) {
	a := &model.Activity{}
	var avgHR, maxHR, calories sql.NullFloat64

	err := s.Scan(
		&a.ID, &a.UserID, &a.ExternalID, &a.Name, &a.Description, &a.Type,
		&a.Distance, &a.MovingTime, &a.StartAt, &a.Pace, &a.ElevationGain,
		&avgHR, &maxHR, &calories, &a.Kudos, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.HeartRate.Average = floatPtr(avgHR)
	a.HeartRate.Max = floatPtr(maxHR)
	a.Calories = floatPtr(calories)
	return a, nil
}

// FindByExternalID は外部アクティビティIDで検索する。見つからない場合はnilを返す。
func (r *PostgresActivityRepo) FindByExternalID(ctx context.Context, externalID int64) (*model.Activity, error) {
	a, err := scanActivity(r.db.QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE external_id = $1`,
		externalID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("外部IDによるアクティビティの検索に失敗しました: %w", err)
	}
	return a, nil
}

// Create はアクティビティを作成する。
func (r *PostgresActivityRepo) Create(ctx context.Context, a *model.Activity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activities (`+activityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		a.ID, a.UserID, a.ExternalID, a.Name, a.Description, a.Type,
		a.Distance, a.MovingTime, a.StartAt, a.Pace, a.ElevationGain,
		nullFloat(a.HeartRate.Average), nullFloat(a.HeartRate.Max), nullFloat(a.Calories),
		a.Kudos, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("アクティビティ %d は既に存在します: %w", a.ExternalID, ErrDuplicate)
		}
		return fmt.Errorf("アクティビティの作成に失敗しました: %w", err)
	}
	return nil
}

// Update は既存アクティビティを上書き更新する。履歴は保持しない。
func (r *PostgresActivityRepo) Update(ctx context.Context, a *model.Activity) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE activities SET
		     name = $2, description = $3, type = $4,
		     distance = $5, moving_time = $6, start_at = $7, pace = $8, elevation_gain = $9,
		     avg_heartrate = $10, max_heartrate = $11, calories = $12, kudos = $13,
		     updated_at = $14
		 WHERE id = $1`,
		a.ID, a.Name, a.Description, a.Type,
		a.Distance, a.MovingTime, a.StartAt, a.Pace, a.ElevationGain,
		nullFloat(a.HeartRate.Average), nullFloat(a.HeartRate.Max), nullFloat(a.Calories), a.Kudos,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("アクティビティの更新に失敗しました: %w", err)
	}
	return nil
}

// ListByUserID はユーザーの全アクティビティをstart_at降順で返す。
func (r *PostgresActivityRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Activity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM activities
		 WHERE user_id = $1
		 ORDER BY start_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("アクティビティ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var activities []*model.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("アクティビティのスキャンに失敗しました: %w", err)
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アクティビティの行の読み取りに失敗しました: %w", err)
	}
	return activities, nil
}

// LatestStartAt はユーザーの最新アクティビティの開始日時を返す。存在しない場合はnilを返す。
func (r *PostgresActivityRepo) LatestStartAt(ctx context.Context, userID string) (*time.Time, error) {
	var latest sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(start_at) FROM activities WHERE user_id = $1`,
		userID,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("最新アクティビティ日時の取得に失敗しました: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	return &latest.Time, nil
}

// DeleteByExternalID はユーザーのアクティビティを外部IDで削除する。
func (r *PostgresActivityRepo) DeleteByExternalID(ctx context.Context, userID string, externalID int64) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM activities WHERE user_id = $1 AND external_id = $2`,
		userID, externalID,
	)
	if err != nil {
		return false, fmt.Errorf("アクティビティの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// DeleteByUserID はユーザーの全アクティビティを削除する。
func (r *PostgresActivityRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM activities WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("アクティビティの一括削除に失敗しました: %w", err)
	}
	return nil
}
