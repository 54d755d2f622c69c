package sports

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	sdkhttp "github.com/arbx/goarb/pkg/sdk/http"
)

const nhlHost = "https://api-web.nhle.com"

// politeGap 对体育数据源的最小请求间隔。这些是免费公开接口，别刷爆它们。
const politeGap = 2 * time.Second

// NHLClient 官方 NHL 数据源（api-web.nhle.com）。
// 逐播数据没有墙钟时间，事件 At 为零值。
type NHLClient struct {
	http    *sdkhttp.Client
	limiter *rate.Limiter
}

func NewNHLClient() *NHLClient {
	return &NHLClient{
		http:    sdkhttp.NewClientWithTimeout(nhlHost, 10*time.Second),
		limiter: rate.NewLimiter(rate.Every(politeGap), 1),
	}
}

func (c *NHLClient) League() League { return LeagueNHL }

type nhlScoreResponse struct {
	Games []nhlGame `json:"games"`
}

type nhlGame struct {
	ID               int64         `json:"id"`
	GameState        string        `json:"gameState"`
	StartTimeUTC     string        `json:"startTimeUTC"`
	PeriodDescriptor nhlPeriodDesc `json:"periodDescriptor"`
	HomeTeam         nhlTeam       `json:"homeTeam"`
	AwayTeam         nhlTeam       `json:"awayTeam"`
}

type nhlPeriodDesc struct {
	Number int `json:"number"`
}

type nhlTeam struct {
	ID     int64        `json:"id"`
	Abbrev string       `json:"abbrev"`
	Name   nhlLocalName `json:"name"`
	Score  int          `json:"score"`
}

type nhlLocalName struct {
	Default string `json:"default"`
}

func (c *NHLClient) Scoreboard(ctx context.Context) ([]Game, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp nhlScoreResponse
	if err := c.http.GetJSON(ctx, "/v1/score/now", nil, &resp); err != nil {
		return nil, errors.Wrap(err, "NHL 记分牌拉取失败")
	}
	games := make([]Game, 0, len(resp.Games))
	for _, g := range resp.Games {
		start, _ := time.Parse(time.RFC3339, g.StartTimeUTC)
		games = append(games, Game{
			ID:        strconv.FormatInt(g.ID, 10),
			League:    LeagueNHL,
			Home:      Team{Name: g.HomeTeam.Name.Default, Abbrev: g.HomeTeam.Abbrev},
			Away:      Team{Name: g.AwayTeam.Name.Default, Abbrev: g.AwayTeam.Abbrev},
			HomeScore: g.HomeTeam.Score,
			AwayScore: g.AwayTeam.Score,
			State:     nhlGameState(g.GameState),
			Period:    g.PeriodDescriptor.Number,
			StartAt:   start,
		})
	}
	return games, nil
}

func nhlGameState(s string) GameState {
	switch s {
	case "LIVE", "CRIT":
		return GameLive
	case "FINAL", "OFF":
		return GameFinal
	}
	return GameScheduled
}

type nhlPlayByPlay struct {
	HomeTeam nhlTeam   `json:"homeTeam"`
	AwayTeam nhlTeam   `json:"awayTeam"`
	Plays    []nhlPlay `json:"plays"`
}

type nhlPlay struct {
	EventID          int64         `json:"eventId"`
	TypeDescKey      string        `json:"typeDescKey"`
	TimeInPeriod     string        `json:"timeInPeriod"`
	PeriodDescriptor nhlPeriodDesc `json:"periodDescriptor"`
	Details          nhlPlayDetail `json:"details"`
}

type nhlPlayDetail struct {
	EventOwnerTeamID int64 `json:"eventOwnerTeamId"`
}

// Events 返回进球事件。NHL 逐播不带墙钟，since 无从过滤，调用方靠
// EventID 去重判新。
func (c *NHLClient) Events(ctx context.Context, gameID string, since time.Time) ([]ScoreEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var pbp nhlPlayByPlay
	if err := c.http.GetJSON(ctx, "/v1/gamecenter/"+gameID+"/play-by-play", nil, &pbp); err != nil {
		return nil, errors.Wrapf(err, "NHL 逐播拉取失败: %s", gameID)
	}
	var out []ScoreEvent
	for _, p := range pbp.Plays {
		if p.TypeDescKey != "goal" {
			continue
		}
		side, team := SideHome, pbp.HomeTeam.Abbrev
		if p.Details.EventOwnerTeamID == pbp.AwayTeam.ID {
			side, team = SideAway, pbp.AwayTeam.Abbrev
		}
		out = append(out, ScoreEvent{
			League:  LeagueNHL,
			GameID:  gameID,
			EventID: strconv.FormatInt(p.EventID, 10),
			Side:    side,
			Team:    team,
			Kind:    "goal",
			Points:  1,
			Detail:  fmt.Sprintf("P%d %s", p.PeriodDescriptor.Number, p.TimeInPeriod),
		})
	}
	return out, nil
}
