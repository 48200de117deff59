package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/stridesync/internal/activity"
	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/security"
	"github.com/hitoshi/stridesync/internal/strava"
)

// --- テスト用モック ---

type memActivityRepo struct {
	mu         sync.Mutex
	byExternal map[int64]*model.Activity
}

func newMemActivityRepo(activities ...*model.Activity) *memActivityRepo {
	m := &memActivityRepo{byExternal: make(map[int64]*model.Activity)}
	for _, a := range activities {
		m.byExternal[a.ExternalID] = a
	}
	return m
}

func (m *memActivityRepo) FindByExternalID(_ context.Context, externalID int64) (*model.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byExternal[externalID]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (m *memActivityRepo) Create(_ context.Context, a *model.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.byExternal[a.ExternalID] = &c
	return nil
}

func (m *memActivityRepo) Update(ctx context.Context, a *model.Activity) error {
	return m.Create(ctx, a)
}

func (m *memActivityRepo) ListByUserID(_ context.Context, userID string) ([]*model.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Activity
	for _, a := range m.byExternal {
		if a.UserID == userID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memActivityRepo) LatestStartAt(context.Context, string) (*time.Time, error) {
	return nil, nil
}

func (m *memActivityRepo) DeleteByExternalID(_ context.Context, userID string, externalID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byExternal[externalID]
	if !ok || a.UserID != userID {
		return false, nil
	}
	delete(m.byExternal, externalID)
	return true, nil
}

func (m *memActivityRepo) DeleteByUserID(context.Context, string) error { return nil }

func (m *memActivityRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byExternal)
}

// statsFromRepo は保存済みアクティビティから集計するStatsRecomputer。
type statsFromRepo struct {
	repo *memActivityRepo
	now  time.Time
}

func (s statsFromRepo) Recompute(ctx context.Context, userID string) (model.AthleteStats, error) {
	stored, _ := s.repo.ListByUserID(ctx, userID)
	return activity.ComputeStats(stored, s.now), nil
}

type mockLinkRepo struct {
	mu           sync.Mutex
	links        map[int64]*model.AthleteLink
	cleared      []string
	webhookStats []model.AthleteStats
}

func newMockLinkRepo(links ...*model.AthleteLink) *mockLinkRepo {
	m := &mockLinkRepo{links: make(map[int64]*model.AthleteLink)}
	for _, l := range links {
		m.links[l.ExternalAthleteID] = l
	}
	return m
}

func (m *mockLinkRepo) FindByUserID(context.Context, string) (*model.AthleteLink, error) {
	return nil, nil
}
func (m *mockLinkRepo) FindByAthleteID(_ context.Context, id int64) (*model.AthleteLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[id], nil
}
func (m *mockLinkRepo) Upsert(context.Context, *model.AthleteLink) error { return nil }
func (m *mockLinkRepo) UpdateTokens(context.Context, string, model.SealedToken, model.SealedToken, time.Time) error {
	return nil
}
func (m *mockLinkRepo) ClearTokens(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, userID)
	return nil
}
func (m *mockLinkRepo) SaveSyncStats(context.Context, string, model.AthleteStats, time.Time) error {
	return nil
}
func (m *mockLinkRepo) SaveWebhookStats(_ context.Context, _ string, stats model.AthleteStats, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookStats = append(m.webhookStats, stats)
	return nil
}
func (m *mockLinkRepo) ListLinked(context.Context) ([]*model.AthleteLink, error) { return nil, nil }
func (m *mockLinkRepo) ListStale(context.Context, time.Time, time.Time, int) ([]*model.AthleteLink, error) {
	return nil, nil
}
func (m *mockLinkRepo) Delete(context.Context, string) error { return nil }

type mockEventRepo struct {
	mu          sync.Mutex
	recordErr   error
	recordDelay time.Duration
	recorded    []*model.WebhookEvent
	processed   map[string]string
}

func newMockEventRepo() *mockEventRepo {
	return &mockEventRepo{processed: make(map[string]string)}
}

func (m *mockEventRepo) Record(_ context.Context, e *model.WebhookEvent) error {
	if m.recordDelay > 0 {
		time.Sleep(m.recordDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.recorded = append(m.recorded, e)
	return nil
}

func (m *mockEventRepo) MarkProcessed(ctx context.Context, id string, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[id] = errMsg
	return nil
}

func (m *mockEventRepo) DeleteReceivedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type mockPlatform struct {
	mu      sync.Mutex
	getFunc func(id int64) (*strava.SummaryActivity, error)
	calls   int
}

func (m *mockPlatform) ListActivities(context.Context, string, strava.ListParams) ([]strava.SummaryActivity, error) {
	return nil, nil
}

func (m *mockPlatform) GetActivity(_ context.Context, _ string, id int64) (*strava.SummaryActivity, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.getFunc(id)
}

type mockTokens struct {
	err error
}

func (m *mockTokens) AccessToken(context.Context, *model.AthleteLink) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "access", nil
}

type mockBudget struct {
	ok bool
}

func (m *mockBudget) CanMakeCalls(int) bool { return m.ok }

type mockEvaluator struct {
	mu    sync.Mutex
	calls int
}

func (m *mockEvaluator) Evaluate(context.Context, string, model.AthleteStats) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return nil, nil
}

// recordingMetrics はWebhookイベントの結果ラベルを記録する。
type recordingMetrics struct {
	metrics.Nop
	mu      sync.Mutex
	results []string
}

func (m *recordingMetrics) RecordWebhookEvent(_, _, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fixture はProcessorと依存モックをまとめたもの。
type fixture struct {
	links      *mockLinkRepo
	activities *memActivityRepo
	events     *mockEventRepo
	platform   *mockPlatform
	tokens     *mockTokens
	budget     *mockBudget
	evaluator  *mockEvaluator
	metrics    *recordingMetrics
	config     Config
}

var fixtureNow = time.Date(2026, 6, 20, 12, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	return &fixture{
		links: newMockLinkRepo(&model.AthleteLink{
			UserID:            "user-1",
			ExternalAthleteID: 1001,
			AccessToken:       model.SealedToken{Scheme: model.TokenSchemePlain, Value: "a"},
			RefreshToken:      model.SealedToken{Scheme: model.TokenSchemePlain, Value: "r"},
		}),
		activities: newMemActivityRepo(),
		events:     newMockEventRepo(),
		platform: &mockPlatform{getFunc: func(id int64) (*strava.SummaryActivity, error) {
			return &strava.SummaryActivity{ID: id, Name: "Morning Run", Type: "Run", Distance: 5000, MovingTime: 1500, StartDate: fixtureNow}, nil
		}},
		tokens:    &mockTokens{},
		budget:    &mockBudget{ok: true},
		evaluator: &mockEvaluator{},
		metrics:   &recordingMetrics{},
		config:    Config{VerifyToken: "s3cret", ProcessTimeout: 5 * time.Second},
	}
}

func (f *fixture) processor() *Processor {
	upserter := activity.NewUpserter(f.activities, security.NewTextSanitizer(), discardLogger())
	p := NewProcessor(
		f.links, f.activities, f.events, f.platform, f.tokens, f.budget, upserter,
		statsFromRepo{repo: f.activities, now: fixtureNow},
		f.evaluator, activity.NewUserLocks(), f.metrics, discardLogger(), f.config,
	)
	p.now = func() time.Time { return fixtureNow }
	return p
}

func storedRun(externalID int64, distance float64, start time.Time) *model.Activity {
	return &model.Activity{
		ID:         fmt.Sprintf("act-%d", externalID),
		UserID:     "user-1",
		ExternalID: externalID,
		Type:       "Run",
		Distance:   distance,
		MovingTime: 1800,
		StartAt:    start,
	}
}
