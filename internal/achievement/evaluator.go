package achievement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/repository"
)

// Evaluator は未解除の実績について集計値が要件値以上かを判定し、解除を記録する。
// 状態を持たず、通知は行わない。
type Evaluator struct {
	repo    repository.AchievementRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// NewEvaluator はEvaluatorの新しいインスタンスを生成する。
func NewEvaluator(repo repository.AchievementRepository, mc metrics.MetricsCollector, logger *slog.Logger) *Evaluator {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Evaluator{
		repo:    repo,
		metrics: mc,
		logger:  logger,
		now:     time.Now,
	}
}

// Evaluate は集計値のスナップショットを評価し、新たに解除した実績名を返す。
// 同時に解除された場合の一意制約違反はエラーにしない。
func (e *Evaluator) Evaluate(ctx context.Context, userID string, stats model.AthleteStats) ([]string, error) {
	defs, err := e.repo.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	unlockedIDs, err := e.repo.ListUnlockedIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	unlocked := make(map[string]bool, len(unlockedIDs))
	for _, id := range unlockedIDs {
		unlocked[id] = true
	}

	var names []string
	for _, def := range defs {
		if unlocked[def.ID] {
			continue
		}

		kind := ResolveStatKind(def.RequirementType)
		if kind == StatUnknown {
			e.logger.Warn("未知の実績要件種別のためスキップします",
				slog.String("achievement_id", def.ID),
				slog.String("requirement_type", def.RequirementType),
			)
			continue
		}
		if kind.Value(stats) < def.RequirementValue {
			continue
		}

		err := e.repo.Unlock(ctx, &model.AchievementUnlock{
			ID:            uuid.New().String(),
			UserID:        userID,
			AchievementID: def.ID,
			UnlockedAt:    e.now().UTC(),
		})
		if errors.Is(err, repository.ErrDuplicate) {
			continue
		}
		if err != nil {
			return names, fmt.Errorf("実績 %s の解除に失敗しました: %w", def.ID, err)
		}
		names = append(names, def.Name)
	}

	if len(names) > 0 {
		e.metrics.RecordAchievementsUnlocked(len(names))
		e.logger.Info("実績を解除しました",
			slog.String("user_id", userID),
			slog.Any("achievements", names),
		)
	}
	return names, nil
}
