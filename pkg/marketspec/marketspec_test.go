package marketspec

import (
	"testing"
	"time"
)

func TestNew_Symbols(t *testing.T) {
	for _, sym := range []string{"btc", "ETH", " sol ", "xrp"} {
		if _, err := New(sym, "15m", "updown"); err != nil {
			t.Errorf("New(%q) returned error: %v", sym, err)
		}
	}
	if _, err := New("doge", "15m", "updown"); err == nil {
		t.Errorf("New(doge) should be rejected")
	}
	if _, err := New("btc", "3m", "updown"); err == nil {
		t.Errorf("New with 3m timeframe should be rejected")
	}
}

func TestCurrentPeriodStartUnix_15m(t *testing.T) {
	m, _ := New("btc", "15m", "updown")
	loc := time.UTC

	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2025, 6, 1, 10, 0, 0, 0, loc), time.Date(2025, 6, 1, 10, 0, 0, 0, loc)},
		{time.Date(2025, 6, 1, 10, 14, 59, 0, loc), time.Date(2025, 6, 1, 10, 0, 0, 0, loc)},
		{time.Date(2025, 6, 1, 10, 15, 0, 0, loc), time.Date(2025, 6, 1, 10, 15, 0, 0, loc)},
		{time.Date(2025, 6, 1, 10, 44, 30, 0, loc), time.Date(2025, 6, 1, 10, 30, 0, 0, loc)},
		{time.Date(2025, 6, 1, 23, 59, 59, 0, loc), time.Date(2025, 6, 1, 23, 45, 0, 0, loc)},
	}
	for _, c := range cases {
		if got := m.CurrentPeriodStartUnix(c.now); got != c.want.Unix() {
			t.Errorf("period start at %v = %d, want %d", c.now, got, c.want.Unix())
		}
	}
}

func TestSlug_RoundTrip(t *testing.T) {
	m, _ := New("eth", "15m", "updown")
	start := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC).Unix()

	slug := m.Slug(start)
	if slug != "eth-updown-15m-1748772900" {
		t.Fatalf("slug = %q", slug)
	}

	parsed, ts, err := ParseSlug(slug)
	if err != nil {
		t.Fatalf("ParseSlug(%q): %v", slug, err)
	}
	if parsed.Symbol != "eth" || parsed.Kind != "updown" || parsed.Timeframe != Timeframe15m {
		t.Fatalf("ParseSlug gave %+v", parsed)
	}
	if ts != start {
		t.Fatalf("ParseSlug timestamp = %d, want %d", ts, start)
	}

	if _, _, err := ParseSlug("not-a-slug"); err == nil {
		t.Fatalf("garbage slug should not parse")
	}
}

func TestNextSlugs_Sequence(t *testing.T) {
	m, _ := New("btc", "15m", "updown")
	now := time.Date(2025, 6, 1, 10, 7, 0, 0, time.UTC)
	start := m.CurrentPeriodStartUnix(now)

	slugs := m.NextSlugs(now, 3)
	if len(slugs) != 3 {
		t.Fatalf("got %d slugs, want 3", len(slugs))
	}
	for i, s := range slugs {
		want := m.Slug(start + int64(i)*900)
		if s != want {
			t.Errorf("slug[%d] = %q, want %q", i, s, want)
		}
	}
}

func TestMinuteOf_And_Remaining(t *testing.T) {
	m, _ := New("btc", "15m", "updown")
	start := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)

	cases := []struct {
		now        time.Time
		wantMinute int
	}{
		{start, 0},
		{start.Add(59 * time.Second), 0},
		{start.Add(6 * time.Minute), 6},
		{start.Add(14*time.Minute + 59*time.Second), 14},
		{start.Add(15 * time.Minute), -1},
		{start.Add(-time.Second), -1},
	}
	for _, c := range cases {
		if got := m.MinuteOf(c.now, start.Unix()); got != c.wantMinute {
			t.Errorf("MinuteOf(%v) = %d, want %d", c.now, got, c.wantMinute)
		}
	}

	if got := m.Remaining(start.Add(12*time.Minute), start.Unix()); got != 3*time.Minute {
		t.Errorf("Remaining at minute 12 = %v, want 3m", got)
	}
	if got := m.Remaining(start.Add(16*time.Minute), start.Unix()); got != 0 {
		t.Errorf("Remaining after period end = %v, want 0", got)
	}
}
