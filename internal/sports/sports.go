package sports

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var sportsLog = logrus.WithField("component", "sports")

// League 支持的联盟。NHL/NBA/MLB 走官方数据源，NFL 与足球走 ESPN。
type League string

const (
	LeagueNHL    League = "nhl"
	LeagueNBA    League = "nba"
	LeagueMLB    League = "mlb"
	LeagueNFL    League = "nfl"
	LeagueSoccer League = "soccer"
)

// ParseLeague 解析配置里的联盟名（大小写不敏感）。
func ParseLeague(s string) (League, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nhl":
		return LeagueNHL, nil
	case "nba":
		return LeagueNBA, nil
	case "mlb":
		return LeagueMLB, nil
	case "nfl":
		return LeagueNFL, nil
	case "soccer", "football", "epl":
		return LeagueSoccer, nil
	}
	return "", errors.Errorf("未知联盟: %q", s)
}

// GameState 比赛状态。
type GameState string

const (
	GameScheduled GameState = "scheduled"
	GameLive      GameState = "live"
	GameFinal     GameState = "final"
)

// TeamSide 主客方。
type TeamSide string

const (
	SideHome TeamSide = "home"
	SideAway TeamSide = "away"
)

// Team 球队标识。Abbrev 是联盟缩写（BOS、NYR），Name 是展示名。
type Team struct {
	Name   string
	Abbrev string
}

// Game 记分牌上的一场比赛。ID 只在它来自的数据源内有意义。
type Game struct {
	ID        string
	League    League
	Home      Team
	Away      Team
	HomeScore int
	AwayScore int
	State     GameState
	Period    int
	StartAt   time.Time
}

// ScoreEvent 一次得分事件。
//
// At 尽量取联盟给的墙钟时间；拿不到（NHL 逐播没有墙钟）时为零值，
// 分类器退化为"首次观测到即新事件"的判定。
type ScoreEvent struct {
	League  League
	GameID  string
	EventID string // 数据源内唯一，轮询去重用
	Side    TeamSide
	Team    string // 得分方缩写或队名
	Kind    string // goal / 2pt / 3pt / freethrow / run / touchdown / ...
	Points  int
	At      time.Time
	Detail  string
}

// Source 单一联盟的比分源。实现方自带对上游的礼貌间隔，
// 调用方不需要再做节流。
type Source interface {
	League() League

	// Scoreboard 拉取当前记分牌（当天所有比赛）。
	Scoreboard(ctx context.Context) ([]Game, error)

	// Events 返回一场比赛的得分事件，按时间升序。
	// since 是尽力而为的过滤：无墙钟时间的源会返回全部得分事件。
	Events(ctx context.Context, gameID string, since time.Time) ([]ScoreEvent, error)
}

// NewSource 为联盟构造比分源。
// NHL/NBA/MLB 用官方源、ESPN 兜底；NFL 和足球直接走 ESPN。
func NewSource(league League) (Source, error) {
	switch league {
	case LeagueNHL:
		return newFallbackSource(NewNHLClient(), NewESPNClient(league)), nil
	case LeagueNBA:
		return newFallbackSource(NewNBAClient(), NewESPNClient(league)), nil
	case LeagueMLB:
		return newFallbackSource(NewMLBClient(), NewESPNClient(league)), nil
	case LeagueNFL, LeagueSoccer:
		return NewESPNClient(league), nil
	}
	return nil, errors.Errorf("联盟 %q 没有比分源", league)
}

// FindGame 在记分牌里找两支球队的比赛，按缩写或队名匹配（大小写不敏感，
// 子串也算：市场结果标签常写 "Bruins" 而不是全名）。进行中的比赛优先。
func FindGame(games []Game, teamA, teamB string) (Game, bool) {
	var found Game
	var ok bool
	for _, g := range games {
		if !gameMatches(g, teamA, teamB) {
			continue
		}
		if g.State == GameLive {
			return g, true
		}
		if !ok {
			found, ok = g, true
		}
	}
	return found, ok
}

func gameMatches(g Game, teamA, teamB string) bool {
	return (g.Home.Matches(teamA) && g.Away.Matches(teamB)) ||
		(g.Home.Matches(teamB) && g.Away.Matches(teamA))
}

// Matches 队伍是否对得上一个市场结果标签（缩写精确、名称子串）。
func (t Team) Matches(label string) bool {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return false
	}
	if strings.EqualFold(t.Abbrev, label) {
		return true
	}
	name := strings.ToLower(t.Name)
	return name == label || strings.Contains(name, label) || strings.Contains(label, name)
}

// fallbackSource 先走主源，主源连不上时整场切到 ESPN 并保持住：
// 两边的 gameID 不互通，中途来回切会让在途分类拿错比赛。
// 多场比赛的爆发轮询会并发进来，切换标记用原子量。
type fallbackSource struct {
	league  League
	primary Source
	backup  Source

	switched atomic.Bool
}

func newFallbackSource(primary, backup Source) *fallbackSource {
	return &fallbackSource{league: primary.League(), primary: primary, backup: backup}
}

func (f *fallbackSource) League() League { return f.league }

func (f *fallbackSource) Scoreboard(ctx context.Context) ([]Game, error) {
	if !f.switched.Load() {
		games, err := f.primary.Scoreboard(ctx)
		if err == nil {
			return games, nil
		}
		if f.switched.CompareAndSwap(false, true) {
			sportsLog.Warnf("⚠️ %s 官方源不可用，切换 ESPN: %v", f.league, err)
		}
	}
	return f.backup.Scoreboard(ctx)
}

func (f *fallbackSource) Events(ctx context.Context, gameID string, since time.Time) ([]ScoreEvent, error) {
	if !f.switched.Load() {
		return f.primary.Events(ctx, gameID, since)
	}
	return f.backup.Events(ctx, gameID, since)
}
