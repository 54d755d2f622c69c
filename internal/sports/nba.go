package sports

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	sdkhttp "github.com/arbx/goarb/pkg/sdk/http"
)

const nbaHost = "https://cdn.nba.com"

// NBAClient 官方 NBA liveData 源（cdn.nba.com 静态 JSON）。
type NBAClient struct {
	http    *sdkhttp.Client
	limiter *rate.Limiter
}

func NewNBAClient() *NBAClient {
	return &NBAClient{
		http:    sdkhttp.NewClientWithTimeout(nbaHost, 10*time.Second),
		limiter: rate.NewLimiter(rate.Every(politeGap), 1),
	}
}

func (c *NBAClient) League() League { return LeagueNBA }

type nbaScoreboardResponse struct {
	Scoreboard nbaScoreboard `json:"scoreboard"`
}

type nbaScoreboard struct {
	Games []nbaGame `json:"games"`
}

type nbaGame struct {
	GameID      string  `json:"gameId"`
	GameStatus  int     `json:"gameStatus"` // 1 未开始 2 进行中 3 结束
	Period      int     `json:"period"`
	GameTimeUTC string  `json:"gameTimeUTC"`
	HomeTeam    nbaTeam `json:"homeTeam"`
	AwayTeam    nbaTeam `json:"awayTeam"`
}

type nbaTeam struct {
	TeamID  int64  `json:"teamId"`
	Tricode string `json:"teamTricode"`
	City    string `json:"teamCity"`
	Name    string `json:"teamName"`
	Score   int    `json:"score"`
}

func (c *NBAClient) Scoreboard(ctx context.Context) ([]Game, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp nbaScoreboardResponse
	if err := c.http.GetJSON(ctx, "/static/json/liveData/scoreboard/todaysScoreboard_00.json", nil, &resp); err != nil {
		return nil, errors.Wrap(err, "NBA 记分牌拉取失败")
	}
	games := make([]Game, 0, len(resp.Scoreboard.Games))
	for _, g := range resp.Scoreboard.Games {
		start, _ := time.Parse(time.RFC3339, g.GameTimeUTC)
		games = append(games, Game{
			ID:        g.GameID,
			League:    LeagueNBA,
			Home:      Team{Name: g.HomeTeam.City + " " + g.HomeTeam.Name, Abbrev: g.HomeTeam.Tricode},
			Away:      Team{Name: g.AwayTeam.City + " " + g.AwayTeam.Name, Abbrev: g.AwayTeam.Tricode},
			HomeScore: g.HomeTeam.Score,
			AwayScore: g.AwayTeam.Score,
			State:     nbaGameState(g.GameStatus),
			Period:    g.Period,
			StartAt:   start,
		})
	}
	return games, nil
}

func nbaGameState(status int) GameState {
	switch status {
	case 2:
		return GameLive
	case 3:
		return GameFinal
	}
	return GameScheduled
}

type nbaPlayByPlayResponse struct {
	Game nbaPlayByPlayGame `json:"game"`
}

type nbaPlayByPlayGame struct {
	GameID  string      `json:"gameId"`
	Actions []nbaAction `json:"actions"`
}

type nbaAction struct {
	ActionNumber int    `json:"actionNumber"`
	ActionType   string `json:"actionType"`
	ShotResult   string `json:"shotResult"`
	TeamTricode  string `json:"teamTricode"`
	TimeActual   string `json:"timeActual"`
	Period       int    `json:"period"`
	ScoreHome    string `json:"scoreHome"`
	ScoreAway    string `json:"scoreAway"`
	Description  string `json:"description"`
}

// Events 从逐播动作流里按比分增量提取得分事件。
// 动作自带累计比分，谁的分涨了谁得分，不需要另查主客队归属。
func (c *NBAClient) Events(ctx context.Context, gameID string, since time.Time) ([]ScoreEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp nbaPlayByPlayResponse
	endpoint := "/static/json/liveData/playbyplay/playbyplay_" + gameID + ".json"
	if err := c.http.GetJSON(ctx, endpoint, nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "NBA 逐播拉取失败: %s", gameID)
	}

	var out []ScoreEvent
	prevHome, prevAway := 0, 0
	for _, a := range resp.Game.Actions {
		home, errH := strconv.Atoi(a.ScoreHome)
		away, errA := strconv.Atoi(a.ScoreAway)
		if errH != nil || errA != nil {
			continue
		}
		dHome, dAway := home-prevHome, away-prevAway
		prevHome, prevAway = home, away
		if dHome <= 0 && dAway <= 0 {
			continue
		}

		side, points := SideHome, dHome
		if dAway > 0 {
			side, points = SideAway, dAway
		}
		at, _ := time.Parse(time.RFC3339, a.TimeActual)
		if !at.IsZero() && at.Before(since) {
			continue
		}
		out = append(out, ScoreEvent{
			League:  LeagueNBA,
			GameID:  gameID,
			EventID: strconv.Itoa(a.ActionNumber),
			Side:    side,
			Team:    a.TeamTricode,
			Kind:    a.ActionType,
			Points:  points,
			At:      at,
			Detail:  a.Description,
		})
	}
	return out, nil
}
