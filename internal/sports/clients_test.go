package sports

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	sdkhttp "github.com/arbx/goarb/pkg/sdk/http"
)

func sportsServer(t *testing.T, handler http.HandlerFunc) *sdkhttp.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return sdkhttp.NewClient(srv.URL)
}

func noGap() *rate.Limiter { return rate.NewLimiter(rate.Inf, 1) }

func TestNHLScoreboard(t *testing.T) {
	client := &NHLClient{
		http: sportsServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/score/now" {
				t.Errorf("unexpected path %s", r.URL.Path)
				http.NotFound(w, r)
				return
			}
			fmt.Fprint(w, `{"games":[
				{"id":2023020204,"gameState":"LIVE","startTimeUTC":"2026-01-15T00:00:00Z",
				 "periodDescriptor":{"number":2},
				 "homeTeam":{"id":6,"abbrev":"BOS","name":{"default":"Bruins"},"score":2},
				 "awayTeam":{"id":3,"abbrev":"NYR","name":{"default":"Rangers"},"score":1}},
				{"id":2023020205,"gameState":"FUT","startTimeUTC":"2026-01-15T03:00:00Z",
				 "homeTeam":{"id":22,"abbrev":"EDM","name":{"default":"Oilers"},"score":0},
				 "awayTeam":{"id":20,"abbrev":"CGY","name":{"default":"Flames"},"score":0}}
			]}`)
		}),
		limiter: noGap(),
	}

	games, err := client.Scoreboard(context.Background())
	if err != nil {
		t.Fatalf("Scoreboard: %v", err)
	}
	if len(games) != 2 {
		t.Fatalf("got %d games, want 2", len(games))
	}

	g := games[0]
	if g.ID != "2023020204" {
		t.Errorf("ID = %q", g.ID)
	}
	if g.State != GameLive {
		t.Errorf("state = %q, want live", g.State)
	}
	if g.Home.Abbrev != "BOS" || g.Home.Name != "Bruins" {
		t.Errorf("home = %+v", g.Home)
	}
	if g.HomeScore != 2 || g.AwayScore != 1 {
		t.Errorf("score = %d-%d, want 2-1", g.HomeScore, g.AwayScore)
	}
	if g.Period != 2 {
		t.Errorf("period = %d, want 2", g.Period)
	}
	if games[1].State != GameScheduled {
		t.Errorf("FUT state = %q, want scheduled", games[1].State)
	}
}

func TestNHLEvents_EmitsGoalsOnly(t *testing.T) {
	client := &NHLClient{
		http: sportsServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/gamecenter/2023020204/play-by-play" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			fmt.Fprint(w, `{
				"homeTeam":{"id":6,"abbrev":"BOS"},
				"awayTeam":{"id":3,"abbrev":"NYR"},
				"plays":[
					{"eventId":101,"typeDescKey":"faceoff","timeInPeriod":"00:00","periodDescriptor":{"number":1},"details":{}},
					{"eventId":157,"typeDescKey":"goal","timeInPeriod":"05:31","periodDescriptor":{"number":2},"details":{"eventOwnerTeamId":6}},
					{"eventId":203,"typeDescKey":"goal","timeInPeriod":"12:02","periodDescriptor":{"number":2},"details":{"eventOwnerTeamId":3}},
					{"eventId":220,"typeDescKey":"penalty","timeInPeriod":"15:40","periodDescriptor":{"number":2},"details":{"eventOwnerTeamId":3}}
				]}`)
		}),
		limiter: noGap(),
	}

	events, err := client.Events(context.Background(), "2023020204", time.Time{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 goals", len(events))
	}

	if events[0].EventID != "157" || events[0].Side != SideHome || events[0].Team != "BOS" {
		t.Errorf("first goal = %+v", events[0])
	}
	if events[1].EventID != "203" || events[1].Side != SideAway || events[1].Team != "NYR" {
		t.Errorf("second goal = %+v", events[1])
	}
	if events[0].Points != 1 || events[0].Kind != "goal" {
		t.Errorf("goal meta = %+v", events[0])
	}
	if !events[0].At.IsZero() {
		t.Error("NHL 逐播没有墙钟，At 应为零值")
	}
	if events[0].Detail != "P2 05:31" {
		t.Errorf("detail = %q", events[0].Detail)
	}
}

func TestNBAScoreboard(t *testing.T) {
	client := &NBAClient{
		http: sportsServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/static/json/liveData/scoreboard/todaysScoreboard_00.json" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			fmt.Fprint(w, `{"scoreboard":{"games":[
				{"gameId":"0022300061","gameStatus":2,"period":4,"gameTimeUTC":"2026-01-15T00:30:00Z",
				 "homeTeam":{"teamId":1610612738,"teamTricode":"BOS","teamCity":"Boston","teamName":"Celtics","score":98},
				 "awayTeam":{"teamId":1610612752,"teamTricode":"NYK","teamCity":"New York","teamName":"Knicks","score":95}}
			]}}`)
		}),
		limiter: noGap(),
	}

	games, err := client.Scoreboard(context.Background())
	if err != nil {
		t.Fatalf("Scoreboard: %v", err)
	}
	if len(games) != 1 {
		t.Fatalf("got %d games, want 1", len(games))
	}
	g := games[0]
	if g.ID != "0022300061" || g.State != GameLive || g.Period != 4 {
		t.Errorf("game = %+v", g)
	}
	if g.Home.Name != "Boston Celtics" || g.Home.Abbrev != "BOS" {
		t.Errorf("home = %+v", g.Home)
	}
	if g.HomeScore != 98 || g.AwayScore != 95 {
		t.Errorf("score = %d-%d", g.HomeScore, g.AwayScore)
	}
}

func TestNBAEvents_ScoreDeltaAttribution(t *testing.T) {
	client := &NBAClient{
		http: sportsServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/static/json/liveData/playbyplay/playbyplay_0022300061.json" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			// 动作流带累计比分；未得分的动作比分不变
			fmt.Fprint(w, `{"game":{"gameId":"0022300061","actions":[
				{"actionNumber":1,"actionType":"period","scoreHome":"0","scoreAway":"0","timeActual":"2026-01-15T00:40:00Z"},
				{"actionNumber":12,"actionType":"2pt","shotResult":"Made","teamTricode":"BOS","period":1,"scoreHome":"2","scoreAway":"0","timeActual":"2026-01-15T00:41:30Z","description":"Tatum 2' layup"},
				{"actionNumber":13,"actionType":"2pt","shotResult":"Missed","teamTricode":"NYK","period":1,"scoreHome":"2","scoreAway":"0","timeActual":"2026-01-15T00:41:55Z"},
				{"actionNumber":17,"actionType":"3pt","shotResult":"Made","teamTricode":"NYK","period":1,"scoreHome":"2","scoreAway":"3","timeActual":"2026-01-15T00:42:40Z","description":"Brunson 27' 3PT"}
			]}}`)
		}),
		limiter: noGap(),
	}

	events, err := client.Events(context.Background(), "0022300061", time.Time{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	if events[0].Side != SideHome || events[0].Points != 2 || events[0].Kind != "2pt" {
		t.Errorf("first = %+v", events[0])
	}
	if events[1].Side != SideAway || events[1].Points != 3 || events[1].Kind != "3pt" {
		t.Errorf("second = %+v", events[1])
	}
	want := time.Date(2026, 1, 15, 0, 42, 40, 0, time.UTC)
	if !events[1].At.Equal(want) {
		t.Errorf("At = %v, want %v", events[1].At, want)
	}

	// since 过滤：只留第二个
	events, err = client.Events(context.Background(), "0022300061", time.Date(2026, 1, 15, 0, 42, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Events with since: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "17" {
		t.Errorf("filtered = %+v", events)
	}
}

func TestMLBScoreboard(t *testing.T) {
	client := &MLBClient{
		http: sportsServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/v1/schedule" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if got := r.URL.Query().Get("sportId"); got != "1" {
				t.Errorf("sportId = %q, want 1", got)
			}
			fmt.Fprint(w, `{"dates":[{"games":[
				{"gamePk":716463,"gameDate":"2026-01-15T00:05:00Z",
				 "status":{"abstractGameState":"Live"},
				 "teams":{"home":{"team":{"name":"New York Yankees","abbreviation":"NYY"},"score":3},
				          "away":{"team":{"name":"Boston Red Sox","abbreviation":"BOS"},"score":1}}}
			]}]}`)
		}),
		limiter: noGap(),
	}

	games, err := client.Scoreboard(context.Background())
	if err != nil {
		t.Fatalf("Scoreboard: %v", err)
	}
	if len(games) != 1 {
		t.Fatalf("got %d games, want 1", len(games))
	}
	g := games[0]
	if g.ID != "716463" || g.State != GameLive {
		t.Errorf("game = %+v", g)
	}
	if g.Home.Name != "New York Yankees" || g.HomeScore != 3 || g.AwayScore != 1 {
		t.Errorf("teams = %+v %d-%d", g.Home, g.HomeScore, g.AwayScore)
	}
}

func TestMLBEvents_ScoringPlays(t *testing.T) {
	client := &MLBClient{
		http: sportsServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/v1.1/game/716463/feed/live" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			fmt.Fprint(w, `{
				"gameData":{"teams":{"home":{"name":"New York Yankees","abbreviation":"NYY"},
				                     "away":{"name":"Boston Red Sox","abbreviation":"BOS"}}},
				"liveData":{"plays":{"allPlays":[
					{"about":{"atBatIndex":12,"isScoringPlay":false,"halfInning":"top","inning":2,"endTime":"2026-01-15T00:44:00Z"},
					 "result":{"event":"Strikeout","rbi":0}},
					{"about":{"atBatIndex":42,"isScoringPlay":true,"halfInning":"bottom","inning":5,"endTime":"2026-01-15T02:44:21Z"},
					 "result":{"event":"Home Run","description":"Judge homers (2-run)","rbi":2}},
					{"about":{"atBatIndex":51,"isScoringPlay":true,"halfInning":"top","inning":6,"endTime":"2026-01-15T03:01:05Z"},
					 "result":{"event":"Wild Pitch","rbi":0}}
				]}}}`)
		}),
		limiter: noGap(),
	}

	events, err := client.Events(context.Background(), "716463", time.Time{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	if events[0].Side != SideHome || events[0].Team != "NYY" || events[0].Points != 2 {
		t.Errorf("home run = %+v", events[0])
	}
	if events[0].Kind != "Home Run" || events[0].EventID != "42" {
		t.Errorf("home run meta = %+v", events[0])
	}
	// rbi 0 的得分打（暴投失分）至少记 1 分
	if events[1].Side != SideAway || events[1].Points != 1 {
		t.Errorf("wild pitch = %+v", events[1])
	}
}

func TestESPNScoreboard(t *testing.T) {
	client := NewESPNClientPath(LeagueNFL, "football/nfl")
	client.http = sportsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/apis/site/v2/sports/football/nfl/scoreboard" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"events":[
			{"id":"401547439","date":"2026-01-15T01:15Z",
			 "status":{"period":2,"type":{"state":"in"}},
			 "competitions":[{"competitors":[
				{"homeAway":"home","score":"21","team":{"id":"12","abbreviation":"KC","displayName":"Kansas City Chiefs"}},
				{"homeAway":"away","score":"14","team":{"id":"33","abbreviation":"BAL","displayName":"Baltimore Ravens"}}
			 ]}]}
		]}`)
	})
	client.limiter = noGap()

	games, err := client.Scoreboard(context.Background())
	if err != nil {
		t.Fatalf("Scoreboard: %v", err)
	}
	if len(games) != 1 {
		t.Fatalf("got %d games, want 1", len(games))
	}
	g := games[0]
	if g.ID != "401547439" || g.State != GameLive || g.Period != 2 {
		t.Errorf("game = %+v", g)
	}
	if g.Home.Abbrev != "KC" || g.HomeScore != 21 {
		t.Errorf("home = %+v score=%d", g.Home, g.HomeScore)
	}
	if g.Away.Abbrev != "BAL" || g.AwayScore != 14 {
		t.Errorf("away = %+v score=%d", g.Away, g.AwayScore)
	}
	// ESPN 的日期不带秒
	want := time.Date(2026, 1, 15, 1, 15, 0, 0, time.UTC)
	if !g.StartAt.Equal(want) {
		t.Errorf("StartAt = %v, want %v", g.StartAt, want)
	}
}

func TestESPNEvents_RunningScoreDeltas(t *testing.T) {
	client := NewESPNClientPath(LeagueNFL, "football/nfl")
	client.http = sportsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/apis/site/v2/sports/football/nfl/summary" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("event"); got != "401547439" {
			t.Errorf("event = %q", got)
		}
		fmt.Fprint(w, `{"scoringPlays":[
			{"id":"p1","type":{"text":"Touchdown"},"text":"Kelce 12 yd pass","homeScore":7,"awayScore":0,
			 "period":{"number":1},"team":{"id":"12","abbreviation":"KC"},"wallclock":"2026-01-15T01:40:00Z"},
			{"id":"p2","type":{"text":"Field Goal"},"text":"Tucker 44 yd","homeScore":7,"awayScore":3,
			 "period":{"number":1},"team":{"id":"33","abbreviation":"BAL"},"wallclock":"2026-01-15T01:52:30Z"}
		]}`)
	})
	client.limiter = noGap()

	events, err := client.Events(context.Background(), "401547439", time.Time{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	if events[0].Side != SideHome || events[0].Points != 7 || events[0].Kind != "touchdown" {
		t.Errorf("touchdown = %+v", events[0])
	}
	if events[1].Side != SideAway || events[1].Points != 3 || events[1].Kind != "field goal" {
		t.Errorf("field goal = %+v", events[1])
	}

	// since 过滤掉第一条
	events, err = client.Events(context.Background(), "401547439", time.Date(2026, 1, 15, 1, 45, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Events with since: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "p2" {
		t.Errorf("filtered = %+v", events)
	}
}

func TestESPNEvents_HTTPError(t *testing.T) {
	client := NewESPNClientPath(LeagueSoccer, "soccer/eng.1")
	client.http = sportsServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	client.limiter = noGap()

	if _, err := client.Events(context.Background(), "x", time.Time{}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestESPNDefaultPaths(t *testing.T) {
	tests := []struct {
		league League
		want   string
	}{
		{LeagueNHL, "hockey/nhl"},
		{LeagueNBA, "basketball/nba"},
		{LeagueMLB, "baseball/mlb"},
		{LeagueNFL, "football/nfl"},
		{LeagueSoccer, "soccer/eng.1"},
	}
	for _, tt := range tests {
		if got := espnDefaultPath(tt.league); got != tt.want {
			t.Errorf("espnDefaultPath(%s) = %q, want %q", tt.league, got, tt.want)
		}
	}
}
