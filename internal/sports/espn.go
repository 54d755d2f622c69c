package sports

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	sdkhttp "github.com/arbx/goarb/pkg/sdk/http"
)

const espnHost = "https://site.api.espn.com"

// ESPNClient 通用 ESPN 源。NFL 和足球的主源，其余联盟的兜底。
type ESPNClient struct {
	league    League
	sportPath string // 形如 football/nfl、hockey/nhl、soccer/eng.1
	http      *sdkhttp.Client
	limiter   *rate.Limiter
}

func NewESPNClient(league League) *ESPNClient {
	return NewESPNClientPath(league, espnDefaultPath(league))
}

// NewESPNClientPath 指定 ESPN 赛事路径，足球联赛（eng.1 / esp.1 / uefa.champions）用。
func NewESPNClientPath(league League, sportPath string) *ESPNClient {
	return &ESPNClient{
		league:    league,
		sportPath: strings.Trim(sportPath, "/"),
		http:      sdkhttp.NewClientWithTimeout(espnHost, 10*time.Second),
		limiter:   rate.NewLimiter(rate.Every(politeGap), 1),
	}
}

func espnDefaultPath(league League) string {
	switch league {
	case LeagueNHL:
		return "hockey/nhl"
	case LeagueNBA:
		return "basketball/nba"
	case LeagueMLB:
		return "baseball/mlb"
	case LeagueNFL:
		return "football/nfl"
	case LeagueSoccer:
		return "soccer/eng.1"
	}
	return string(league)
}

func (c *ESPNClient) League() League { return c.league }

type espnScoreboardResponse struct {
	Events []espnEvent `json:"events"`
}

type espnEvent struct {
	ID           string            `json:"id"`
	Date         string            `json:"date"`
	Status       espnStatus        `json:"status"`
	Competitions []espnCompetition `json:"competitions"`
}

type espnStatus struct {
	Period int            `json:"period"`
	Type   espnStatusType `json:"type"`
}

type espnStatusType struct {
	State string `json:"state"` // pre / in / post
}

type espnCompetition struct {
	Competitors []espnCompetitor `json:"competitors"`
}

type espnCompetitor struct {
	HomeAway string       `json:"homeAway"`
	Score    string       `json:"score"`
	Team     espnTeamInfo `json:"team"`
}

type espnTeamInfo struct {
	ID           string `json:"id"`
	Abbreviation string `json:"abbreviation"`
	DisplayName  string `json:"displayName"`
}

func (c *ESPNClient) Scoreboard(ctx context.Context) ([]Game, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp espnScoreboardResponse
	if err := c.http.GetJSON(ctx, "/apis/site/v2/sports/"+c.sportPath+"/scoreboard", nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "ESPN 记分牌拉取失败: %s", c.sportPath)
	}
	games := make([]Game, 0, len(resp.Events))
	for _, ev := range resp.Events {
		if len(ev.Competitions) == 0 {
			continue
		}
		g := Game{
			ID:      ev.ID,
			League:  c.league,
			State:   espnGameState(ev.Status.Type.State),
			Period:  ev.Status.Period,
			StartAt: espnParseTime(ev.Date),
		}
		for _, comp := range ev.Competitions[0].Competitors {
			team := Team{Name: comp.Team.DisplayName, Abbrev: comp.Team.Abbreviation}
			score, _ := strconv.Atoi(comp.Score)
			if comp.HomeAway == "home" {
				g.Home, g.HomeScore = team, score
			} else {
				g.Away, g.AwayScore = team, score
			}
		}
		games = append(games, g)
	}
	return games, nil
}

func espnGameState(s string) GameState {
	switch s {
	case "in":
		return GameLive
	case "post":
		return GameFinal
	}
	return GameScheduled
}

// ESPN 的时间戳常把秒省掉（2026-01-15T01:15Z）。
func espnParseTime(s string) time.Time {
	if t, err := time.Parse("2006-01-02T15:04Z07:00", s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

type espnSummaryResponse struct {
	ScoringPlays []espnScoringPlay `json:"scoringPlays"`
}

type espnScoringPlay struct {
	ID        string        `json:"id"`
	Type      espnPlayType  `json:"type"`
	Text      string        `json:"text"`
	HomeScore int           `json:"homeScore"`
	AwayScore int           `json:"awayScore"`
	Period    espnPlayRound `json:"period"`
	Team      espnTeamInfo  `json:"team"`
	Wallclock string        `json:"wallclock"`
}

type espnPlayType struct {
	Text string `json:"text"`
}

type espnPlayRound struct {
	Number int `json:"number"`
}

// Events 读 summary 的 scoringPlays。每条都带累计比分，
// 主客归属从比分增量推，球队字段只当展示名用。
func (c *ESPNClient) Events(ctx context.Context, gameID string, since time.Time) ([]ScoreEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp espnSummaryResponse
	endpoint := "/apis/site/v2/sports/" + c.sportPath + "/summary"
	if err := c.http.GetJSON(ctx, endpoint, map[string]any{"event": gameID}, &resp); err != nil {
		return nil, errors.Wrapf(err, "ESPN 比赛摘要拉取失败: %s", gameID)
	}
	var out []ScoreEvent
	prevHome, prevAway := 0, 0
	for _, p := range resp.ScoringPlays {
		dHome, dAway := p.HomeScore-prevHome, p.AwayScore-prevAway
		prevHome, prevAway = p.HomeScore, p.AwayScore
		if dHome <= 0 && dAway <= 0 {
			continue
		}
		side, points := SideHome, dHome
		if dAway > 0 {
			side, points = SideAway, dAway
		}
		at, _ := time.Parse(time.RFC3339, p.Wallclock)
		if !at.IsZero() && at.Before(since) {
			continue
		}
		out = append(out, ScoreEvent{
			League:  c.league,
			GameID:  gameID,
			EventID: p.ID,
			Side:    side,
			Team:    p.Team.Abbreviation,
			Kind:    strings.ToLower(p.Type.Text),
			Points:  points,
			At:      at,
			Detail:  p.Text,
		})
	}
	return out, nil
}
