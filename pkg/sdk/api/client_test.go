package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newDataServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestGetOpenPositions_PaginatesUntilShortPage(t *testing.T) {
	var offsets []string

	client := newDataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/positions" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if got := q.Get("user"); got != "0xabc0000000000000000000000000000000000001" {
			t.Errorf("user param = %q, want normalized lowercase address", got)
		}
		if got := q.Get("limit"); got != "500" {
			t.Errorf("limit param = %q, want 500", got)
		}
		if q.Has("sizeThreshold") {
			t.Error("sizeThreshold should be omitted when zero")
		}
		offsets = append(offsets, q.Get("offset"))

		w.Header().Set("Content-Type", "application/json")
		if q.Get("offset") == "0" {
			// Full page forces another fetch.
			page := make([]OpenPosition, pageSize)
			for i := range page {
				page[i] = OpenPosition{Asset: fmt.Sprintf("token-%d", i), Size: 10, CurPrice: 0.5}
			}
			json.NewEncoder(w).Encode(page)
			return
		}
		// Short page, string-typed numbers as the API sometimes sends.
		fmt.Fprint(w, `[
			{"asset":"token-a","conditionId":"0xc1","size":"12.5","avgPrice":"0.42","curPrice":"0.999","outcome":"Up","outcomeIndex":0,"title":"BTC Up or Down"},
			{"asset":"token-b","conditionId":"0xc2","size":3,"avgPrice":0.6,"curPrice":0.0005,"outcome":"Down","outcomeIndex":1,"redeemable":true}
		]`)
	})

	positions, err := client.GetOpenPositions(context.Background(), "0xABC0000000000000000000000000000000000001", 0)
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}

	if len(positions) != pageSize+2 {
		t.Fatalf("got %d positions, want %d", len(positions), pageSize+2)
	}
	if len(offsets) != 2 || offsets[0] != "0" || offsets[1] != "500" {
		t.Fatalf("offsets = %v, want [0 500]", offsets)
	}

	last := positions[pageSize]
	if last.Size.Float64() != 12.5 {
		t.Errorf("string size parsed to %v, want 12.5", last.Size.Float64())
	}
	if last.CurPrice.Float64() != 0.999 {
		t.Errorf("string curPrice parsed to %v, want 0.999", last.CurPrice.Float64())
	}
	if !positions[pageSize+1].Redeemable {
		t.Error("redeemable flag not parsed")
	}
}

func TestGetOpenPositions_SizeThresholdForwarded(t *testing.T) {
	client := newDataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("sizeThreshold"); got != "0.1" {
			t.Errorf("sizeThreshold = %q, want 0.1", got)
		}
		fmt.Fprint(w, `[]`)
	})

	if _, err := client.GetOpenPositions(context.Background(), "0xabc", 0.1); err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
}

func TestGetOpenPositions_RequiresUser(t *testing.T) {
	client := NewClient("http://127.0.0.1:0")
	if _, err := client.GetOpenPositions(context.Background(), "  ", 0); err == nil {
		t.Fatal("expected error for empty user")
	}
}

func TestGetActivity_DefaultsToTrades(t *testing.T) {
	client := newDataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/activity" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if got := q.Get("type"); got != "TRADE" {
			t.Errorf("type = %q, want TRADE", got)
		}
		if got := q.Get("sortDirection"); got != "DESC" {
			t.Errorf("sortDirection = %q, want DESC", got)
		}
		if q.Has("start") || q.Has("end") {
			t.Error("time bounds should be omitted when zero")
		}
		fmt.Fprint(w, `[
			{"type":"TRADE","side":"BUY","asset":"tok","conditionId":"0xc1","size":"100","usdcSize":"42.0","price":"0.42","timestamp":1756100000}
		]`)
	})

	acts, err := client.GetActivity(context.Background(), "0xabc", ActivityParams{})
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("got %d activities, want 1", len(acts))
	}
	if acts[0].UsdcSize.Float64() != 42.0 {
		t.Errorf("usdcSize = %v, want 42.0", acts[0].UsdcSize.Float64())
	}
}

func TestGetActivity_ForwardsFilters(t *testing.T) {
	client := newDataServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("type"); got != "REDEEM,MERGE" {
			t.Errorf("type = %q, want REDEEM,MERGE", got)
		}
		if got := q.Get("start"); got != "1756000000" {
			t.Errorf("start = %q", got)
		}
		if got := q.Get("limit"); got != "25" {
			t.Errorf("limit = %q, want 25", got)
		}
		fmt.Fprint(w, `[]`)
	})

	_, err := client.GetActivity(context.Background(), "0xabc", ActivityParams{
		Types: []string{ActivityRedeem, ActivityMerge},
		After: 1756000000,
		Limit: 25,
	})
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
}

func TestGetRedemptions_StopsOnShortPage(t *testing.T) {
	calls := 0
	client := newDataServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if got := r.URL.Query().Get("type"); got != "REDEEM" {
			t.Errorf("type = %q, want REDEEM", got)
		}
		fmt.Fprint(w, `[
			{"type":"REDEEM","conditionId":"0xc1","usdcSize":"18.75","outcomeIndex":0},
			{"type":"REDEEM","conditionId":"0xc2","usdcSize":"3.00","outcomeIndex":1}
		]`)
	})

	reds, err := client.GetRedemptions(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetRedemptions: %v", err)
	}
	if calls != 1 {
		t.Errorf("made %d calls, want 1 (short page ends pagination)", calls)
	}
	if len(reds) != 2 || reds[0].UsdcSize.Float64() != 18.75 {
		t.Errorf("unexpected redemptions: %+v", reds)
	}
}

func TestGetPortfolioValue(t *testing.T) {
	client := newDataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/value" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		// Mixed-case address in the response must still match.
		fmt.Fprint(w, `[{"user":"0xABC0000000000000000000000000000000000001","value":"123.45"}]`)
	})

	v, err := client.GetPortfolioValue(context.Background(), "0xabc0000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("GetPortfolioValue: %v", err)
	}
	if v != 123.45 {
		t.Errorf("value = %v, want 123.45", v)
	}
}

func TestGetPortfolioValue_EmptyMeansZero(t *testing.T) {
	client := newDataServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	v, err := client.GetPortfolioValue(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetPortfolioValue: %v", err)
	}
	if v != 0 {
		t.Errorf("value = %v, want 0", v)
	}
}

func TestGetPortfolioValue_HTTPError(t *testing.T) {
	client := newDataServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"upstream unavailable"}`, http.StatusBadGateway)
	})

	_, err := client.GetPortfolioValue(context.Background(), "0xabc")
	if err == nil {
		t.Fatal("expected error on 502")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error should carry the status code, got: %v", err)
	}
}

func TestPositionsValue(t *testing.T) {
	positions := []OpenPosition{
		{Size: 100, CurPrice: 0.42},
		{Size: 12.5, CurPrice: 0.999},
		{Size: 3, CurPrice: 0},
	}
	got := PositionsValue(positions)
	want := 100*0.42 + 12.5*0.999
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("PositionsValue = %v, want %v", got, want)
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0xABCdef", "0xabcdef"},
		{"ABCdef", "0xabcdef"},
		{"  0xabc  ", "0xabc"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := normalizeAddress(tt.in); got != tt.want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
