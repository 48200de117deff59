package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/stridesync/internal/activity"
	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/repository"
	"github.com/hitoshi/stridesync/internal/strava"
)

// callsPerEvent はactivity.create/updateの処理で消費しうる呼び出し数。
// トークン更新1回と詳細取得1回。
const callsPerEvent = 2

// eventLogTimeout は受信ログへの書き込み1回あたりのタイムアウト。
const eventLogTimeout = 5 * time.Second

// ErrVerificationFailed は購読検証の失敗を示す。
var ErrVerificationFailed = errors.New("Webhook購読の検証に失敗しました")

// errDropped はイベントを処理せずに破棄したことを示す。
// 次回のバッチ同期で補完されるためエラーとしては扱わない。
var errDropped = errors.New("イベントを破棄しました")

// StatsRecomputer は保存済みアクティビティから集計値を再計算する。
// activity.Orchestratorが実装する。
type StatsRecomputer interface {
	Recompute(ctx context.Context, userID string) (model.AthleteStats, error)
}

// Config はWebhook処理の設定。
type Config struct {
	// VerifyToken は購読検証で照合する秘密値。空の場合は全ての検証要求を拒否する。
	VerifyToken string
	// ProcessTimeout は非同期処理1件あたりのタイムアウト。
	ProcessTimeout time.Duration
}

// Processor はWebhookイベントの受信と処理を行う。
type Processor struct {
	links        repository.AthleteLinkRepository
	activities   repository.ActivityRepository
	events       repository.WebhookEventRepository
	client       activity.PlatformClient
	tokens       activity.TokenSource
	budget       activity.Budget
	upserter     *activity.Upserter
	stats        StatsRecomputer
	achievements activity.AchievementEvaluator
	locks        *activity.UserLocks
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	config       Config
	now          func() time.Time

	wg sync.WaitGroup
}

// NewProcessor はProcessorの新しいインスタンスを生成する。
func NewProcessor(
	links repository.AthleteLinkRepository,
	activities repository.ActivityRepository,
	events repository.WebhookEventRepository,
	client activity.PlatformClient,
	tokens activity.TokenSource,
	budget activity.Budget,
	upserter *activity.Upserter,
	stats StatsRecomputer,
	achievements activity.AchievementEvaluator,
	locks *activity.UserLocks,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Processor {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = 60 * time.Second
	}
	return &Processor{
		links:        links,
		activities:   activities,
		events:       events,
		client:       client,
		tokens:       tokens,
		budget:       budget,
		upserter:     upserter,
		stats:        stats,
		achievements: achievements,
		locks:        locks,
		metrics:      mc,
		logger:       logger,
		config:       config,
		now:          time.Now,
	}
}

// Verify は購読検証を行い、成功した場合はchallengeをそのまま返す。
// 秘密値が未設定の場合は常に失敗する。
func (p *Processor) Verify(mode, verifyToken, challenge string) (string, error) {
	if p.config.VerifyToken == "" {
		p.logger.Warn("Webhook検証用の秘密値が未設定のため検証要求を拒否しました")
		return "", ErrVerificationFailed
	}
	if mode != "subscribe" || challenge == "" {
		return "", ErrVerificationFailed
	}
	if subtle.ConstantTimeCompare([]byte(verifyToken), []byte(p.config.VerifyToken)) != 1 {
		return "", ErrVerificationFailed
	}
	return challenge, nil
}

// Accept は非同期処理を開始して即座に戻る。
// 受信ログへの記録も非同期処理側で行うため、DBの応答が遅くても呼び出し元は待たない。
// 処理の成否は呼び出し元に返らない。
func (p *Processor) Accept(ctx context.Context, event *model.WebhookEvent) {
	event.ID = uuid.New().String()
	event.ReceivedAt = p.now().UTC()

	// 応答後にリクエストのコンテキストが終了しても処理は続ける
	base := context.WithoutCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		recorded := p.record(base, event)

		pctx, cancel := context.WithTimeout(base, p.config.ProcessTimeout)
		err := p.Process(pctx, event)
		cancel()

		if recorded {
			p.markProcessed(base, event.ID, err)
		}
	}()
}

// record はイベントを受信ログに記録する。記録できた場合はtrueを返す。
func (p *Processor) record(base context.Context, event *model.WebhookEvent) bool {
	ctx, cancel := context.WithTimeout(base, eventLogTimeout)
	defer cancel()

	err := p.events.Record(ctx, event)
	switch {
	case err == nil:
		return true
	case errors.Is(err, repository.ErrDuplicate):
		// 処理は冪等なので重複配信もそのまま処理する
		p.logger.Info("重複したWebhookイベントを受信しました",
			slog.String("object_type", event.ObjectType),
			slog.String("aspect_type", event.AspectType),
			slog.Int64("object_id", event.ObjectID),
		)
	default:
		p.logger.Error("Webhookイベントの記録に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	return false
}

// markProcessed は処理結果を受信ログに記録する。
// 処理がタイムアウトしていても記録できるよう、処理用とは別のコンテキストを使う。
func (p *Processor) markProcessed(base context.Context, id string, processErr error) {
	ctx, cancel := context.WithTimeout(base, eventLogTimeout)
	defer cancel()

	msg := ""
	if processErr != nil && !errors.Is(processErr, errDropped) {
		msg = processErr.Error()
	}
	if err := p.events.MarkProcessed(ctx, id, msg); err != nil {
		p.logger.Error("Webhookイベントの処理結果の記録に失敗しました",
			slog.String("event_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Wait は実行中の非同期処理の完了を待つ。ctxが先に終了した場合はそのエラーを返す。
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process はイベント1件を同期的に処理する。
// 破棄したイベントはerrDroppedを返し、失敗はログとメトリクスに記録する。
func (p *Processor) Process(ctx context.Context, event *model.WebhookEvent) error {
	start := p.now()
	err := p.dispatch(ctx, event)

	result := metrics.ResultSuccess
	attrs := []any{
		slog.String("object_type", event.ObjectType),
		slog.String("aspect_type", event.AspectType),
		slog.Int64("object_id", event.ObjectID),
		slog.Int64("athlete_id", event.OwnerID),
		slog.Float64("duration_ms", float64(p.now().Sub(start).Milliseconds())),
	}
	switch {
	case err == nil:
		p.logger.Info("Webhookイベントを処理しました", attrs...)
	case errors.Is(err, errDropped):
		result = metrics.ResultSkipped
		p.logger.Info("Webhookイベントを破棄しました", append(attrs, slog.String("reason", err.Error()))...)
	default:
		result = metrics.ResultFailure
		p.logger.Error("Webhookイベントの処理に失敗しました", append(attrs, slog.String("error", err.Error()))...)
	}
	p.metrics.RecordWebhookEvent(event.ObjectType, event.AspectType, result)
	return err
}

func (p *Processor) dispatch(ctx context.Context, event *model.WebhookEvent) error {
	link, err := p.links.FindByAthleteID(ctx, event.OwnerID)
	if err != nil {
		return fmt.Errorf("連携情報の取得に失敗しました: %w", err)
	}
	if link == nil {
		return fmt.Errorf("%w: 連携されていないアスリートです", errDropped)
	}

	unlock, err := p.locks.Lock(ctx, link.UserID)
	if err != nil {
		return fmt.Errorf("ユーザーロックの取得に失敗しました: %w", err)
	}
	defer unlock()

	switch event.ObjectType {
	case model.WebhookObjectAthlete:
		if !event.IsDeauthorization() {
			return fmt.Errorf("%w: 対象外のアスリートイベントです", errDropped)
		}
		if err := p.links.ClearTokens(ctx, link.UserID); err != nil {
			return fmt.Errorf("トークンの消去に失敗しました: %w", err)
		}
		p.logger.Info("連携解除によりトークンを消去しました",
			slog.String("user_id", link.UserID),
		)
		return nil

	case model.WebhookObjectActivity:
		switch event.AspectType {
		case model.WebhookAspectDelete:
			return p.deleteActivity(ctx, link, event.ObjectID)
		case model.WebhookAspectCreate, model.WebhookAspectUpdate:
			return p.syncActivity(ctx, link, event.ObjectID)
		}
	}
	return fmt.Errorf("%w: 未知のイベント種別です", errDropped)
}

func (p *Processor) deleteActivity(ctx context.Context, link *model.AthleteLink, externalID int64) error {
	deleted, err := p.activities.DeleteByExternalID(ctx, link.UserID, externalID)
	if err != nil {
		return fmt.Errorf("アクティビティの削除に失敗しました: %w", err)
	}
	if !deleted {
		p.logger.Info("削除対象のアクティビティは保存されていません",
			slog.String("user_id", link.UserID),
			slog.Int64("activity_id", externalID),
		)
	}
	return p.saveStats(ctx, link.UserID, false)
}

func (p *Processor) syncActivity(ctx context.Context, link *model.AthleteLink, externalID int64) error {
	if !p.budget.CanMakeCalls(callsPerEvent) {
		return fmt.Errorf("%w: API呼び出し枠が不足しています", errDropped)
	}

	accessToken, err := p.tokens.AccessToken(ctx, link)
	if err != nil {
		return fmt.Errorf("%w: アクセストークンを取得できません: %v", errDropped, err)
	}

	summary, err := p.client.GetActivity(ctx, accessToken, externalID)
	if err != nil {
		if strava.IsNotFound(err) {
			return fmt.Errorf("%w: アクティビティが見つかりません", errDropped)
		}
		return fmt.Errorf("アクティビティの取得に失敗しました: %w", err)
	}
	if !summary.IsRun() {
		return fmt.Errorf("%w: ランニング以外のアクティビティです", errDropped)
	}

	a := summary.ToModel()
	if _, err := p.upserter.UpsertOne(ctx, link.UserID, a); err != nil {
		return fmt.Errorf("アクティビティの保存に失敗しました: %w", err)
	}
	return p.saveStats(ctx, link.UserID, true)
}

// saveStats は集計値を再計算して保存する。evaluateがtrueの場合は実績も評価する。
func (p *Processor) saveStats(ctx context.Context, userID string, evaluate bool) error {
	stats, err := p.stats.Recompute(ctx, userID)
	if err != nil {
		return fmt.Errorf("集計値の再計算に失敗しました: %w", err)
	}
	if err := p.links.SaveWebhookStats(ctx, userID, stats, p.now().UTC()); err != nil {
		return fmt.Errorf("集計値の保存に失敗しました: %w", err)
	}
	if !evaluate || p.achievements == nil {
		return nil
	}
	if _, err := p.achievements.Evaluate(ctx, userID, stats); err != nil {
		p.logger.Warn("実績の評価に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
