package activity

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/strava"
)

// --- テスト用モック ---

// memActivityRepo はexternal_idの一意性を再現するインメモリのActivityRepository。
type memActivityRepo struct {
	mu          sync.Mutex
	byExternal  map[int64]*model.Activity
	createCalls int
	updateCalls int
	createErr   func(a *model.Activity) error
}

func newMemActivityRepo() *memActivityRepo {
	return &memActivityRepo{byExternal: make(map[int64]*model.Activity)}
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
	if m.createErr != nil {
		if err := m.createErr(a); err != nil {
			return err
		}
	}
	m.createCalls++
	c := *a
	m.byExternal[a.ExternalID] = &c
	return nil
}

func (m *memActivityRepo) Update(_ context.Context, a *model.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	c := *a
	m.byExternal[a.ExternalID] = &c
	return nil
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
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.After(out[j].StartAt) })
	return out, nil
}

func (m *memActivityRepo) LatestStartAt(ctx context.Context, userID string) (*time.Time, error) {
	list, _ := m.ListByUserID(ctx, userID)
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0].StartAt, nil
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

func (m *memActivityRepo) DeleteByUserID(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.byExternal {
		if a.UserID == userID {
			delete(m.byExternal, id)
		}
	}
	return nil
}

func (m *memActivityRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byExternal)
}

// mockLinkRepo はAthleteLinkRepositoryのモック。
type mockLinkRepo struct {
	findFunc          func(userID string) (*model.AthleteLink, error)
	saveSyncStatsFunc func(ctx context.Context, userID string, stats model.AthleteStats, syncedAt time.Time) error
	savedStats        *model.AthleteStats
}

func (m *mockLinkRepo) FindByUserID(_ context.Context, userID string) (*model.AthleteLink, error) {
	if m.findFunc != nil {
		return m.findFunc(userID)
	}
	return nil, nil
}
func (m *mockLinkRepo) FindByAthleteID(context.Context, int64) (*model.AthleteLink, error) {
	return nil, nil
}
func (m *mockLinkRepo) Upsert(context.Context, *model.AthleteLink) error { return nil }
func (m *mockLinkRepo) UpdateTokens(context.Context, string, model.SealedToken, model.SealedToken, time.Time) error {
	return nil
}
func (m *mockLinkRepo) ClearTokens(context.Context, string) error { return nil }
func (m *mockLinkRepo) SaveSyncStats(ctx context.Context, userID string, stats model.AthleteStats, syncedAt time.Time) error {
	m.savedStats = &stats
	if m.saveSyncStatsFunc != nil {
		return m.saveSyncStatsFunc(ctx, userID, stats, syncedAt)
	}
	return nil
}
func (m *mockLinkRepo) SaveWebhookStats(context.Context, string, model.AthleteStats, time.Time) error {
	return nil
}
func (m *mockLinkRepo) ListLinked(context.Context) ([]*model.AthleteLink, error) { return nil, nil }
func (m *mockLinkRepo) ListStale(context.Context, time.Time, time.Time, int) ([]*model.AthleteLink, error) {
	return nil, nil
}
func (m *mockLinkRepo) Delete(context.Context, string) error { return nil }

// mockPlatform はPlatformClientのモック。
type mockPlatform struct {
	mu           sync.Mutex
	listFunc     func(p strava.ListParams) ([]strava.SummaryActivity, error)
	getFunc      func(id int64) (*strava.SummaryActivity, error)
	listParams   []strava.ListParams
	detailCalled []int64
}

func (m *mockPlatform) ListActivities(_ context.Context, _ string, p strava.ListParams) ([]strava.SummaryActivity, error) {
	m.mu.Lock()
	m.listParams = append(m.listParams, p)
	m.mu.Unlock()
	return m.listFunc(p)
}

func (m *mockPlatform) GetActivity(_ context.Context, _ string, id int64) (*strava.SummaryActivity, error) {
	m.mu.Lock()
	m.detailCalled = append(m.detailCalled, id)
	m.mu.Unlock()
	if m.getFunc != nil {
		return m.getFunc(id)
	}
	return &strava.SummaryActivity{ID: id}, nil
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
	canMakeCallsFunc func(n int) bool
}

func (m *mockBudget) CanMakeCalls(n int) bool {
	if m.canMakeCallsFunc != nil {
		return m.canMakeCallsFunc(n)
	}
	return true
}

type mockEvaluator struct {
	calls int
	last  model.AthleteStats
}

func (m *mockEvaluator) Evaluate(_ context.Context, _ string, stats model.AthleteStats) ([]string, error) {
	m.calls++
	m.last = stats
	return nil, nil
}

// identitySanitizer は入力をそのまま返すTextSanitizer。
type identitySanitizer struct{}

func (identitySanitizer) Sanitize(raw string, _ int) string { return raw }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// runPage はランニングアクティビティのページを生成する。IDはfirstIDから連番。
func runPage(firstID int64, n int, base time.Time) []strava.SummaryActivity {
	page := make([]strava.SummaryActivity, n)
	for i := range page {
		page[i] = strava.SummaryActivity{
			ID:         firstID + int64(i),
			Name:       "Run",
			Type:       "Run",
			Distance:   5000 + float64(i),
			MovingTime: 1500,
			StartDate:  base.Add(-time.Duration(firstID+int64(i)) * time.Hour),
		}
	}
	return page
}
