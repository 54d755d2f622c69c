package sports

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	sdkhttp "github.com/arbx/goarb/pkg/sdk/http"
)

const mlbHost = "https://statsapi.mlb.com"

// MLBClient 官方 MLB statsapi 源。
type MLBClient struct {
	http    *sdkhttp.Client
	limiter *rate.Limiter
}

func NewMLBClient() *MLBClient {
	return &MLBClient{
		http:    sdkhttp.NewClientWithTimeout(mlbHost, 10*time.Second),
		limiter: rate.NewLimiter(rate.Every(politeGap), 1),
	}
}

func (c *MLBClient) League() League { return LeagueMLB }

type mlbScheduleResponse struct {
	Dates []mlbScheduleDate `json:"dates"`
}

type mlbScheduleDate struct {
	Games []mlbScheduleGame `json:"games"`
}

type mlbScheduleGame struct {
	GamePk   int64     `json:"gamePk"`
	GameDate string    `json:"gameDate"`
	Status   mlbStatus `json:"status"`
	Teams    mlbSides  `json:"teams"`
}

type mlbStatus struct {
	AbstractGameState string `json:"abstractGameState"` // Preview / Live / Final
}

type mlbSides struct {
	Home mlbSide `json:"home"`
	Away mlbSide `json:"away"`
}

type mlbSide struct {
	Team  mlbTeamRef `json:"team"`
	Score int        `json:"score"`
}

type mlbTeamRef struct {
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation"`
}

func (c *MLBClient) Scoreboard(ctx context.Context) ([]Game, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp mlbScheduleResponse
	if err := c.http.GetJSON(ctx, "/api/v1/schedule", map[string]any{"sportId": 1}, &resp); err != nil {
		return nil, errors.Wrap(err, "MLB 赛程拉取失败")
	}
	var games []Game
	for _, d := range resp.Dates {
		for _, g := range d.Games {
			start, _ := time.Parse(time.RFC3339, g.GameDate)
			games = append(games, Game{
				ID:        strconv.FormatInt(g.GamePk, 10),
				League:    LeagueMLB,
				Home:      Team{Name: g.Teams.Home.Team.Name, Abbrev: g.Teams.Home.Team.Abbreviation},
				Away:      Team{Name: g.Teams.Away.Team.Name, Abbrev: g.Teams.Away.Team.Abbreviation},
				HomeScore: g.Teams.Home.Score,
				AwayScore: g.Teams.Away.Score,
				State:     mlbGameState(g.Status.AbstractGameState),
				StartAt:   start,
			})
		}
	}
	return games, nil
}

func mlbGameState(s string) GameState {
	switch s {
	case "Live":
		return GameLive
	case "Final":
		return GameFinal
	}
	return GameScheduled
}

type mlbFeedResponse struct {
	GameData mlbGameData `json:"gameData"`
	LiveData mlbLiveData `json:"liveData"`
}

type mlbGameData struct {
	Teams mlbFeedTeams `json:"teams"`
}

type mlbFeedTeams struct {
	Home mlbTeamRef `json:"home"`
	Away mlbTeamRef `json:"away"`
}

type mlbLiveData struct {
	Plays mlbPlays `json:"plays"`
}

type mlbPlays struct {
	AllPlays []mlbPlay `json:"allPlays"`
}

type mlbPlay struct {
	About  mlbPlayAbout  `json:"about"`
	Result mlbPlayResult `json:"result"`
}

type mlbPlayAbout struct {
	AtBatIndex    int    `json:"atBatIndex"`
	IsScoringPlay bool   `json:"isScoringPlay"`
	HalfInning    string `json:"halfInning"` // top / bottom
	Inning        int    `json:"inning"`
	EndTime       string `json:"endTime"`
}

type mlbPlayResult struct {
	Event       string `json:"event"`
	Description string `json:"description"`
	RBI         int    `json:"rbi"`
}

// Events 从实时 feed 提取得分打席。下半局击球方是主队。
func (c *MLBClient) Events(ctx context.Context, gameID string, since time.Time) ([]ScoreEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp mlbFeedResponse
	if err := c.http.GetJSON(ctx, "/api/v1.1/game/"+gameID+"/feed/live", nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "MLB 实时 feed 拉取失败: %s", gameID)
	}
	var out []ScoreEvent
	for _, p := range resp.LiveData.Plays.AllPlays {
		if !p.About.IsScoringPlay {
			continue
		}
		side, team := SideAway, resp.GameData.Teams.Away.Abbreviation
		if p.About.HalfInning == "bottom" {
			side, team = SideHome, resp.GameData.Teams.Home.Abbreviation
		}
		at, _ := time.Parse(time.RFC3339, p.About.EndTime)
		if !at.IsZero() && at.Before(since) {
			continue
		}
		points := p.Result.RBI
		if points <= 0 {
			points = 1
		}
		out = append(out, ScoreEvent{
			League:  LeagueMLB,
			GameID:  gameID,
			EventID: strconv.Itoa(p.About.AtBatIndex),
			Side:    side,
			Team:    team,
			Kind:    p.Result.Event,
			Points:  points,
			At:      at,
			Detail:  p.Result.Description,
		})
	}
	return out, nil
}
