package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/repository"
	"github.com/hitoshi/stridesync/internal/security"
)

const (
	maxNameRunes        = 255
	maxDescriptionRunes = 4000
)

// Upserter は外部IDを同一性の基準としたアクティビティのUPSERT処理を提供する。
// 同じアクティビティを何度適用しても1件にまとまる。
type Upserter struct {
	repo      repository.ActivityRepository
	sanitizer security.TextSanitizer
	logger    *slog.Logger
	now       func() time.Time
}

// NewUpserter はUpserterの新しいインスタンスを生成する。
func NewUpserter(repo repository.ActivityRepository, sanitizer security.TextSanitizer, logger *slog.Logger) *Upserter {
	return &Upserter{
		repo:      repo,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// UpsertResult はUPSERTの結果。
type UpsertResult struct {
	Persisted []*model.Activity // 保存できたアクティビティ
	Created   int
	Updated   int
}

// Upsert はアクティビティをUPSERTする。
// 1件の失敗で処理を止めず、保存できたものはそのまま残す（ロールバックしない）。
// 失敗はまとめてerrとして返す。
func (u *Upserter) Upsert(ctx context.Context, userID string, activities []model.Activity) (UpsertResult, error) {
	var res UpsertResult
	var errs []error
	now := u.now().UTC()

	for i := range activities {
		a, created, err := u.upsertOne(ctx, userID, activities[i], now)
		if err != nil {
			u.logger.Error("アクティビティのUPSERTに失敗しました",
				slog.String("user_id", userID),
				slog.Int64("activity_id", activities[i].ExternalID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		res.Persisted = append(res.Persisted, a)
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}

	if len(activities) > 0 {
		u.logger.Info("アクティビティUPSERT完了",
			slog.String("user_id", userID),
			slog.Int("created", res.Created),
			slog.Int("updated", res.Updated),
			slog.Int("failed", len(errs)),
		)
	}
	return res, errors.Join(errs...)
}

// UpsertOne は1件のアクティビティをUPSERTする。
func (u *Upserter) UpsertOne(ctx context.Context, userID string, activity model.Activity) (*model.Activity, error) {
	a, _, err := u.upsertOne(ctx, userID, activity, u.now().UTC())
	return a, err
}

func (u *Upserter) upsertOne(ctx context.Context, userID string, in model.Activity, now time.Time) (*model.Activity, bool, error) {
	in.Name = u.sanitizer.Sanitize(in.Name, maxNameRunes)
	in.Description = u.sanitizer.Sanitize(in.Description, maxDescriptionRunes)

	existing, err := u.repo.FindByExternalID(ctx, in.ExternalID)
	if err != nil {
		return nil, false, fmt.Errorf("アクティビティ %d の検索に失敗: %w", in.ExternalID, err)
	}

	if existing != nil {
		if existing.UserID != userID {
			return nil, false, fmt.Errorf("アクティビティ %d は別のユーザーに属しています", in.ExternalID)
		}
		applyUpdate(existing, in, now)
		if err := u.repo.Update(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("アクティビティ %d の更新に失敗: %w", in.ExternalID, err)
		}
		return existing, false, nil
	}

	created := in
	created.ID = uuid.New().String()
	created.UserID = userID
	created.Pace = model.DerivePace(in.Distance, in.MovingTime)
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := u.repo.Create(ctx, &created); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, false, fmt.Errorf("アクティビティ %d の挿入に失敗: %w", in.ExternalID, err)
		}
		// 同時に挿入された場合は更新として扱う
		existing, err := u.repo.FindByExternalID(ctx, in.ExternalID)
		if err != nil {
			return nil, false, fmt.Errorf("アクティビティ %d の再検索に失敗: %w", in.ExternalID, err)
		}
		if existing == nil || existing.UserID != userID {
			return nil, false, fmt.Errorf("アクティビティ %d の挿入が競合しました", in.ExternalID)
		}
		applyUpdate(existing, in, now)
		if err := u.repo.Update(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("アクティビティ %d の更新に失敗: %w", in.ExternalID, err)
		}
		return existing, false, nil
	}
	return &created, true, nil
}

// applyUpdate は既存アクティビティを上書きし、算出項目を再計算する。
// 詳細エンドポイントでしか取得できない項目は、新しい値がない場合に既存値を維持する。
func applyUpdate(existing *model.Activity, in model.Activity, now time.Time) {
	existing.Name = in.Name
	existing.Type = in.Type
	existing.Distance = in.Distance
	existing.MovingTime = in.MovingTime
	existing.StartAt = in.StartAt
	existing.ElevationGain = in.ElevationGain
	existing.HeartRate = in.HeartRate
	existing.Kudos = in.Kudos
	existing.Pace = model.DerivePace(in.Distance, in.MovingTime)
	if in.Description != "" {
		existing.Description = in.Description
	}
	if in.Calories != nil {
		existing.Calories = in.Calories
	}
	existing.UpdatedAt = now
}
