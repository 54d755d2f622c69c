package services

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/arbx/goarb/clob/client"
	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/pkg/marketspec"
)

type fakeTickSource struct {
	tick  types.TickSize
	err   error
	calls []string
}

func (f *fakeTickSource) GetTickSize(_ context.Context, tokenID string) (types.TickSize, error) {
	f.calls = append(f.calls, tokenID)
	return f.tick, f.err
}

func gammaUpDown(slug string) *client.GammaMarket {
	return &client.GammaMarket{
		ConditionID:  "0xcond",
		Question:     "Bitcoin Up or Down?",
		Slug:         slug,
		ClobTokenIDs: `["111","222"]`,
		Outcomes:     `["Up","Down"]`,
		EndDate:      "2026-08-25T12:15:00Z",
	}
}

func TestDiscovery_ResolveMarket(t *testing.T) {
	const slug = "btc-updown-15m-1700000000"
	fetches := 0
	d := NewDiscovery("", nil)
	d.fetch = func(_ context.Context, _, s string) (*client.GammaMarket, error) {
		fetches++
		return gammaUpDown(s), nil
	}

	m, err := d.ResolveMarket(context.Background(), slug)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.ConditionID != "0xcond" || m.Slug != slug {
		t.Fatalf("market=%+v", m)
	}
	if m.Outcomes[0].Label != "Up" || m.Outcomes[0].AssetID != "111" || m.Outcomes[0].Index != 0 {
		t.Fatalf("outcome0=%+v", m.Outcomes[0])
	}
	if m.AssetID(domain.TokenTypeDown) != "222" {
		t.Fatalf("down asset=%s", m.AssetID(domain.TokenTypeDown))
	}
	// 周期起点从 slug 还原
	if m.Timestamp != 1700000000 {
		t.Fatalf("timestamp=%d", m.Timestamp)
	}
	if m.Tick() != types.TickSize001 {
		t.Fatalf("tick=%s", m.Tick())
	}
	want, _ := time.Parse(time.RFC3339, "2026-08-25T12:15:00Z")
	if !m.EndAt.Equal(want) {
		t.Fatalf("endAt=%v", m.EndAt)
	}

	// 同 slug 二次解析走缓存
	if _, err := d.ResolveMarket(context.Background(), slug); err != nil {
		t.Fatalf("cached: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("fetches=%d", fetches)
	}

	// 失效后重新拉取
	d.Invalidate(slug)
	if _, err := d.ResolveMarket(context.Background(), slug); err != nil {
		t.Fatalf("after invalidate: %v", err)
	}
	if fetches != 2 {
		t.Fatalf("fetches=%d", fetches)
	}
}

func TestDiscovery_OutcomeSwapKeepsChainIndex(t *testing.T) {
	d := NewDiscovery("", nil)
	d.fetch = func(_ context.Context, _, s string) (*client.GammaMarket, error) {
		gm := gammaUpDown(s)
		gm.ClobTokenIDs = `["111","222"]`
		gm.Outcomes = `["Down","Up"]`
		return gm, nil
	}

	m, err := d.ResolveMarket(context.Background(), "eth-updown-15m-1700000000")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Up 归一到第 0 位，但链上 outcome index 保持原位（redeem 依赖）
	if m.Outcomes[0].Label != "Up" || m.Outcomes[0].AssetID != "222" || m.Outcomes[0].Index != 1 {
		t.Fatalf("outcome0=%+v", m.Outcomes[0])
	}
	if m.Outcomes[1].Label != "Down" || m.Outcomes[1].AssetID != "111" || m.Outcomes[1].Index != 0 {
		t.Fatalf("outcome1=%+v", m.Outcomes[1])
	}
}

func TestDiscovery_ClosedNotCached(t *testing.T) {
	closed := true
	fetches := 0
	d := NewDiscovery("", nil)
	d.fetch = func(_ context.Context, _, s string) (*client.GammaMarket, error) {
		fetches++
		gm := gammaUpDown(s)
		gm.Closed = closed
		return gm, nil
	}

	if _, err := d.ResolveMarket(context.Background(), "btc-updown-15m-1700000000"); err == nil {
		t.Fatalf("已关闭市场应报错")
	}
	// 失败不缓存：市场重开（或误标修正）后下一次解析要能成功
	closed = false
	if _, err := d.ResolveMarket(context.Background(), "btc-updown-15m-1700000000"); err != nil {
		t.Fatalf("reopened: %v", err)
	}
	if fetches != 2 {
		t.Fatalf("fetches=%d", fetches)
	}
}

func TestDiscovery_BadMetadata(t *testing.T) {
	d := NewDiscovery("", nil)

	// token 数和 outcome 数不一致
	d.fetch = func(_ context.Context, _, s string) (*client.GammaMarket, error) {
		gm := gammaUpDown(s)
		gm.Outcomes = `["Up","Down","Flat"]`
		return gm, nil
	}
	if _, err := d.ResolveMarket(context.Background(), "btc-updown-15m-1"); err == nil {
		t.Fatalf("结果集不一致应报错")
	}

	// 缺 conditionId
	d.fetch = func(_ context.Context, _, s string) (*client.GammaMarket, error) {
		gm := gammaUpDown(s)
		gm.ConditionID = ""
		return gm, nil
	}
	if _, err := d.ResolveMarket(context.Background(), "btc-updown-15m-2"); err == nil {
		t.Fatalf("缺 conditionId 应报错")
	}

	// 上游错误
	d.fetch = func(_ context.Context, _, _ string) (*client.GammaMarket, error) {
		return nil, errors.New("gamma 503")
	}
	if _, err := d.ResolveMarket(context.Background(), "btc-updown-15m-3"); err == nil {
		t.Fatalf("上游错误应透传")
	}

	if _, err := d.ResolveMarket(context.Background(), ""); err == nil {
		t.Fatalf("空 slug 应报错")
	}
}

func TestDiscovery_TickOverride(t *testing.T) {
	ticks := &fakeTickSource{tick: types.TickSize0001}
	d := NewDiscovery("", ticks)
	d.fetch = func(_ context.Context, _, s string) (*client.GammaMarket, error) {
		return gammaUpDown(s), nil
	}

	m, err := d.ResolveMarket(context.Background(), "sol-updown-15m-1700000000")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.TickSize != types.TickSize0001 {
		t.Fatalf("tick=%s", m.TickSize)
	}
	if len(ticks.calls) != 1 || ticks.calls[0] != "111" {
		t.Fatalf("tick calls=%v", ticks.calls)
	}

	// tick 查询失败不挡解析，落默认 0.01
	bad := &fakeTickSource{err: errors.New("clob timeout")}
	d2 := NewDiscovery("", bad)
	d2.fetch = d.fetch
	m2, err := d2.ResolveMarket(context.Background(), "xrp-updown-15m-1700000000")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m2.Tick() != types.TickSize001 {
		t.Fatalf("tick=%s", m2.Tick())
	}
}

func TestDiscovery_ResolveUpDown(t *testing.T) {
	spec, err := marketspec.New("btc", "15m", "updown")
	if err != nil {
		t.Fatalf("spec: %v", err)
	}

	var gotSlug string
	d := NewDiscovery("", nil)
	d.fetch = func(_ context.Context, _, s string) (*client.GammaMarket, error) {
		gotSlug = s
		return gammaUpDown(s), nil
	}

	m, err := d.ResolveUpDown(context.Background(), spec, 1700000000)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gotSlug != "btc-updown-15m-1700000000" {
		t.Fatalf("slug=%s", gotSlug)
	}
	if m.Timestamp != 1700000000 {
		t.Fatalf("timestamp=%d", m.Timestamp)
	}
}
