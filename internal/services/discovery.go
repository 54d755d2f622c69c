package services

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/client"
	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/pkg/cache"
	"github.com/arbx/goarb/pkg/marketspec"
)

var discoveryLog = logrus.WithField("component", "discovery")

// tickSource clob 的 tick size 查询切面（可选，缺省 0.01）
type tickSource interface {
	GetTickSize(ctx context.Context, tokenID string) (types.TickSize, error)
}

// Discovery 市场发现：slug -> 领域市场对象。
// Gamma 元数据按 slug 缓存（同一 slug 的元数据不会变，TTL 只为限内存），
// 失败不缓存。
type Discovery struct {
	gammaURL string
	ticks    tickSource
	store    *cache.InMemoryCache[string, *domain.Market]

	// 测试注入点，生产走 client.FetchMarketFromGamma
	fetch func(ctx context.Context, gammaURL, slug string) (*client.GammaMarket, error)
}

func NewDiscovery(gammaURL string, ticks tickSource) *Discovery {
	return &Discovery{
		gammaURL: gammaURL,
		ticks:    ticks,
		store:    cache.NewInMemoryCache[string, *domain.Market](30 * time.Minute),
		fetch:    client.FetchMarketFromGamma,
	}
}

// ResolveMarket 按 slug 解析市场。已关闭的市场返回错误。
func (d *Discovery) ResolveMarket(ctx context.Context, slug string) (*domain.Market, error) {
	if slug == "" {
		return nil, errors.New("slug 不能为空")
	}
	if m, ok := d.store.Get(slug); ok {
		return m, nil
	}

	gm, err := d.fetch(ctx, d.gammaURL, slug)
	if err != nil {
		return nil, errors.Wrapf(err, "解析市场失败: %s", slug)
	}
	if gm.Closed {
		return nil, errors.Errorf("市场已关闭: %s", slug)
	}
	if gm.ConditionID == "" {
		return nil, errors.Errorf("市场缺少 conditionId: %s", slug)
	}

	ids, err := gm.ParseClobTokenIDs()
	if err != nil {
		return nil, err
	}
	labels, err := gm.ParseOutcomes()
	if err != nil {
		return nil, err
	}
	if len(ids) < 2 || len(ids) != len(labels) {
		return nil, errors.Errorf("市场 %s 结果集异常: %d token / %d outcome", slug, len(ids), len(labels))
	}

	outcomes := make([]domain.Outcome, len(ids))
	for i := range ids {
		outcomes[i] = domain.Outcome{Label: labels[i], AssetID: ids[i], Index: i}
	}
	// updown 市场保证 Up 在第 0 位（Index 保留链上原位，redeem 用）
	if isUpDownOutcomes(outcomes) && !strings.EqualFold(outcomes[0].Label, "Up") {
		outcomes[0], outcomes[1] = outcomes[1], outcomes[0]
	}

	m := &domain.Market{
		Slug:        slug,
		ConditionID: gm.ConditionID,
		Question:    gm.Question,
		Outcomes:    outcomes,
		NegRisk:     gm.NegRisk,
		TickSize:    types.TickSize001,
	}
	if gm.EndDate != "" {
		if endAt, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			m.EndAt = endAt
		}
	}
	if _, periodStart, err := marketspec.ParseSlug(slug); err == nil {
		m.Timestamp = periodStart
	}
	if d.ticks != nil {
		if tick, err := d.ticks.GetTickSize(ctx, ids[0]); err == nil && tick != "" {
			m.TickSize = tick
		} else if err != nil {
			discoveryLog.Debugf("tick size 查询失败，用默认 0.01: %s: %v", slug, err)
		}
	}
	if !m.IsValid() {
		return nil, errors.Errorf("市场数据不完整: %s", slug)
	}

	d.store.Set(slug, m, 0)
	discoveryLog.Infof("✅ 市场已解析: %s cond=%s tick=%s negRisk=%v",
		slug, shortCond(m.ConditionID), m.Tick(), m.NegRisk)
	return m, nil
}

// ResolveUpDown 解析指定周期的 updown 市场
func (d *Discovery) ResolveUpDown(ctx context.Context, spec marketspec.MarketSpec, periodStartUnix int64) (*domain.Market, error) {
	m, err := d.ResolveMarket(ctx, spec.Slug(periodStartUnix))
	if err != nil {
		return nil, err
	}
	if m.Timestamp == 0 {
		m.Timestamp = periodStartUnix
	}
	return m, nil
}

// Invalidate 主动清掉一个 slug 的缓存（发现元数据有误时用）
func (d *Discovery) Invalidate(slug string) {
	d.store.Delete(slug)
}

func isUpDownOutcomes(outcomes []domain.Outcome) bool {
	if len(outcomes) != 2 {
		return false
	}
	a, b := strings.ToLower(outcomes[0].Label), strings.ToLower(outcomes[1].Label)
	return (a == "up" && b == "down") || (a == "down" && b == "up")
}
