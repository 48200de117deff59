package strava

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/stridesync/internal/model"
)

// MaxPerPage は一覧エンドポイントの1ページあたり最大件数。
const MaxPerPage = 200

// SummaryActivity は一覧・詳細エンドポイントが返すアクティビティ。
// Calories と Description は詳細エンドポイントでのみ返される。
type SummaryActivity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Description        string    `json:"description"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	HasHeartrate       bool      `json:"has_heartrate"`
	AverageHeartrate   *float64  `json:"average_heartrate"`
	MaxHeartrate       *float64  `json:"max_heartrate"`
	Calories           *float64  `json:"calories"`
	KudosCount         int       `json:"kudos_count"`
	Athlete            struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
}

// ActivityType はsport_typeを優先したアクティビティ種別を返す。
func (a *SummaryActivity) ActivityType() string {
	if a.SportType != "" {
		return a.SportType
	}
	return a.Type
}

// IsRun はランニング系のアクティビティかを判定する。
func (a *SummaryActivity) IsRun() bool {
	return model.IsRunningType(a.ActivityType()) || model.IsRunningType(a.Type)
}

// ToModel はmodel.Activityに変換する。IDとUserID、タイムスタンプは設定しない。
func (a *SummaryActivity) ToModel() model.Activity {
	act := model.Activity{
		ExternalID:    a.ID,
		Name:          a.Name,
		Description:   a.Description,
		Type:          a.ActivityType(),
		Distance:      a.Distance,
		MovingTime:    a.MovingTime,
		StartAt:       a.StartDate.UTC(),
		Pace:          model.DerivePace(a.Distance, a.MovingTime),
		ElevationGain: a.TotalElevationGain,
		Calories:      a.Calories,
		Kudos:         a.KudosCount,
	}
	if a.HasHeartrate || a.AverageHeartrate != nil {
		act.HeartRate = model.HeartRate{
			Average: a.AverageHeartrate,
			Max:     a.MaxHeartrate,
		}
	}
	return act
}

// ListParams は一覧取得のパラメータ。
type ListParams struct {
	After   time.Time // ゼロ値の場合は指定しない
	Page    int
	PerPage int
}

// ListActivities は認証済みアスリートのアクティビティ一覧を1ページ取得する。
func (c *Client) ListActivities(ctx context.Context, accessToken string, p ListParams) ([]SummaryActivity, error) {
	reqURL, err := url.Parse(c.config.APIBaseURL + "/athlete/activities")
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}

	perPage := p.PerPage
	if perPage <= 0 || perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}

	q := reqURL.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if !p.After.IsZero() {
		q.Set("after", strconv.FormatInt(p.After.Unix(), 10))
	}
	reqURL.RawQuery = q.Encode()

	req, err := newRequest(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var activities []SummaryActivity
	if err := c.do(req, &activities); err != nil {
		return nil, fmt.Errorf("アクティビティ一覧の取得に失敗しました: %w", err)
	}
	return activities, nil
}

// GetActivity はアクティビティ1件の詳細を取得する。
func (c *Client) GetActivity(ctx context.Context, accessToken string, activityID int64) (*SummaryActivity, error) {
	rawURL := fmt.Sprintf("%s/activities/%d", c.config.APIBaseURL, activityID)
	req, err := newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var activity SummaryActivity
	if err := c.do(req, &activity); err != nil {
		return nil, fmt.Errorf("アクティビティ詳細の取得に失敗しました: %w", err)
	}
	return &activity, nil
}
