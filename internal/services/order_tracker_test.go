package services

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
)

func liveOrder(id, slug, cond, asset string, side types.Side, priceCents int, size float64) *domain.Order {
	o := domain.NewOrder(id, slug, asset, side, domain.PriceFromCents(priceCents), size, domain.RoleTrigger, types.OrderTypeGTC)
	o.ConditionID = cond
	o.Status = domain.OrderStatusLive
	return o
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestOrderTracker_TrackAndGet(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(liveOrder("0xABC", "m1", "0xc1", "token-up", types.SideBuy, 48, 10))

	// ID 全链路小写，查询大小写不敏感
	o, ok := tr.Get("0XABC")
	if !ok || o.OrderID != "0xabc" {
		t.Fatalf("get: ok=%v o=%+v", ok, o)
	}
	if tr.Count() != 1 {
		t.Fatalf("count=%d", tr.Count())
	}

	tr.Track(&domain.Order{})
	if tr.Count() != 1 {
		t.Fatalf("空 ID 不应登记: count=%d", tr.Count())
	}
}

func TestOrderTracker_ApplyFill(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(liveOrder("0xabc", "m1", "0xc1", "token-up", types.SideBuy, 48, 10))

	f1 := &domain.Fill{TradeID: "t1", OrderID: "0xABC", AssetID: "token-up", Side: types.SideBuy, Price: domain.PriceFromCents(48), Size: 4}
	o, applied := tr.ApplyFill(f1)
	if !applied || !almostEqual(o.FilledSize, 4) {
		t.Fatalf("fill1: applied=%v filled=%v", applied, o.FilledSize)
	}

	// 同一笔成交重放不重复入账
	if _, applied := tr.ApplyFill(f1); applied {
		t.Fatalf("重复成交不应入账")
	}
	if o, _ := tr.Get("0xabc"); !almostEqual(o.FilledSize, 4) {
		t.Fatalf("filled=%v", o.FilledSize)
	}

	f2 := &domain.Fill{TradeID: "t2", OrderID: "0xabc", Price: domain.PriceFromCents(50), Size: 6}
	o, applied = tr.ApplyFill(f2)
	if !applied || !almostEqual(o.FilledSize, 10) {
		t.Fatalf("fill2: applied=%v filled=%v", applied, o.FilledSize)
	}
	// 全部成交自动转 matched，均价按成交加权
	if o.Status != domain.OrderStatusMatched {
		t.Fatalf("status=%s", o.Status)
	}
	if !almostEqual(o.AvgFillPrice, 0.492) {
		t.Fatalf("avg=%v", o.AvgFillPrice)
	}

	// 非本策略订单
	if _, applied := tr.ApplyFill(&domain.Fill{TradeID: "t3", OrderID: "0xother", Size: 1}); applied {
		t.Fatalf("未知订单不应入账")
	}
}

func TestOrderTracker_LateFillAfterPrune(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(liveOrder("0xabc", "m1", "0xc1", "token-up", types.SideBuy, 48, 10))

	tr.ApplyFill(&domain.Fill{TradeID: "t1", OrderID: "0xabc", Price: domain.PriceFromCents(48), Size: 9.5})
	// 90% 成交后从在途视图清出，但登记保留，尾部成交仍可归因
	if len(tr.Open()) != 0 {
		t.Fatalf("open=%d", len(tr.Open()))
	}
	o, applied := tr.ApplyFill(&domain.Fill{TradeID: "t2", OrderID: "0xabc", Price: domain.PriceFromCents(48), Size: 0.5})
	if !applied || o.Status != domain.OrderStatusMatched {
		t.Fatalf("尾部成交: applied=%v status=%s", applied, o.Status)
	}
}

func TestOrderTracker_OpenViews(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(liveOrder("0xa", "m1", "0xc1", "token-up", types.SideBuy, 48, 10))

	nearly := liveOrder("0xb", "m1", "0xc1", "token-up", types.SideBuy, 47, 5)
	nearly.FilledSize = 4.6
	tr.Track(nearly)

	closed := liveOrder("0xc", "m1", "0xc1", "token-up", types.SideBuy, 46, 10)
	closed.MarkClosed(domain.OrderStatusCancelled)
	tr.Track(closed)

	tr.Track(liveOrder("0xd", "m1", "0xc1", "token-up", types.SideSell, 60, 8))
	tr.Track(liveOrder("0xe", "m1", "0xc1", "token-down", types.SideBuy, 40, 12))

	if got := len(tr.Open()); got != 3 {
		t.Fatalf("open=%d", got)
	}
	if got := len(tr.OpenForAsset("token-up")); got != 2 {
		t.Fatalf("open(token-up)=%d", got)
	}
	// 近满成交和已了结的都不算在途敞口
	if got := tr.PendingSize("token-up", types.SideBuy); !almostEqual(got, 10) {
		t.Fatalf("pending size=%v", got)
	}
	if got := tr.PendingCost("token-up", types.SideBuy); !almostEqual(got, 4.8) {
		t.Fatalf("pending cost=%v", got)
	}
	if got := tr.PendingSize("token-down", types.SideBuy); !almostEqual(got, 12) {
		t.Fatalf("pending size(down)=%v", got)
	}
}

func TestOrderTracker_MarkAllCancelled(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(liveOrder("0xa", "m1", "0xc1", "token-up", types.SideBuy, 48, 10))
	tr.Track(liveOrder("0xb", "m2", "0xc2", "token-x", types.SideBuy, 48, 10))

	matched := liveOrder("0xm", "m1", "0xc1", "token-up", types.SideBuy, 48, 10)
	matched.MarkClosed(domain.OrderStatusMatched)
	tr.Track(matched)

	// conditionID 和 slug 都能圈中市场
	tr.MarkAllCancelled("0xc1")
	if o, _ := tr.Get("0xa"); o.Status != domain.OrderStatusCancelled {
		t.Fatalf("0xa status=%s", o.Status)
	}
	if o, _ := tr.Get("0xb"); o.Status != domain.OrderStatusLive {
		t.Fatalf("0xb status=%s", o.Status)
	}
	// 终态不被覆盖
	if o, _ := tr.Get("0xm"); o.Status != domain.OrderStatusMatched {
		t.Fatalf("0xm status=%s", o.Status)
	}

	tr.MarkAllCancelled("")
	if o, _ := tr.Get("0xb"); o.Status != domain.OrderStatusCancelled {
		t.Fatalf("0xb status=%s", o.Status)
	}
}

func TestOrderTracker_Reconcile_GapFill(t *testing.T) {
	tr := NewOrderTracker()
	o := liveOrder("0xa", "m1", "0xc1", "token-up", types.SideBuy, 48, 10)
	o.FilledSize = 3
	tr.Track(o)

	src := &fakeClobAPI{openOrders: types.OpenOrdersResponse{
		{ID: "0xA", SizeMatched: "5"},
	}}
	report, err := tr.Reconcile(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(report.Fills) != 1 || len(report.Closed) != 0 {
		t.Fatalf("report=%+v", report)
	}
	f := report.Fills[0]
	if !almostEqual(f.Size, 2) || f.OrderID != "0xa" || f.Price.ToCents() != 48 {
		t.Fatalf("fill=%+v", f)
	}
	if !strings.HasPrefix(f.TradeID, "resync-0xa-") {
		t.Fatalf("trade id=%s", f.TradeID)
	}
	// 对账只产报表不落账，台账仍由事件循环改
	if got, _ := tr.Get("0xa"); !almostEqual(got.FilledSize, 3) {
		t.Fatalf("filled=%v", got.FilledSize)
	}
}

func TestOrderTracker_Reconcile_Vanished(t *testing.T) {
	tr := NewOrderTracker()
	full := liveOrder("0xb", "m1", "0xc1", "token-up", types.SideBuy, 48, 10)
	full.FilledSize = 3
	tr.Track(full)
	cut := liveOrder("0xc", "m1", "0xc1", "token-up", types.SideBuy, 47, 10)
	cut.FilledSize = 3
	tr.Track(cut)

	src := &fakeClobAPI{getOrderFn: func(orderID string) (*types.OpenOrder, error) {
		switch orderID {
		case "0xb":
			return &types.OpenOrder{ID: "0xb", SizeMatched: "10"}, nil
		default:
			return &types.OpenOrder{ID: "0xc", SizeMatched: "3"}, nil
		}
	}}
	report, err := tr.Reconcile(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// 0xb 全成：补 7 股缺口 + matched；0xc 撤单：无缺口 + cancelled
	if len(report.Fills) != 1 || !almostEqual(report.Fills[0].Size, 7) {
		t.Fatalf("fills=%+v", report.Fills)
	}
	status := map[string]domain.OrderStatus{}
	for _, c := range report.Closed {
		status[c.OrderID] = c.Status
	}
	if status["0xb"] != domain.OrderStatusMatched || status["0xc"] != domain.OrderStatusCancelled {
		t.Fatalf("closed=%+v", report.Closed)
	}
}

func TestOrderTracker_Reconcile_NotFoundAndTransient(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(liveOrder("0xgone", "m1", "0xc1", "token-up", types.SideBuy, 48, 10))
	tr.Track(liveOrder("0xflaky", "m1", "0xc1", "token-up", types.SideBuy, 47, 10))

	src := &fakeClobAPI{getOrderFn: func(orderID string) (*types.OpenOrder, error) {
		if orderID == "0xgone" {
			return nil, errors.New("order not found")
		}
		return nil, errors.New("request timeout")
	}}
	report, err := tr.Reconcile(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// 404 视为已撤；瞬时错误跳过留给下一轮，不误判终态
	if len(report.Closed) != 1 || report.Closed[0].OrderID != "0xgone" || report.Closed[0].Status != domain.OrderStatusCancelled {
		t.Fatalf("closed=%+v", report.Closed)
	}
}

func TestOrderTracker_Reconcile_SkipsDryRun(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(liveOrder("dry_run_123", "m1", "0xc1", "token-up", types.SideBuy, 48, 10))

	src := &fakeClobAPI{}
	report, err := tr.Reconcile(context.Background(), src)
	if err != nil || len(report.Fills) != 0 || len(report.Closed) != 0 {
		t.Fatalf("report=%+v err=%v", report, err)
	}
	if len(src.getOrderIDs) != 0 {
		t.Fatalf("dry-run 订单不应触发查单: %v", src.getOrderIDs)
	}
}

func TestOrderTracker_Reconcile_OpenOrdersError(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(liveOrder("0xa", "m1", "0xc1", "token-up", types.SideBuy, 48, 10))

	src := &fakeClobAPI{openErr: errors.New("503")}
	if _, err := tr.Reconcile(context.Background(), src); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOrderTracker_Reset(t *testing.T) {
	tr := NewOrderTracker()
	tr.Track(liveOrder("0xa", "m1", "0xc1", "token-up", types.SideBuy, 48, 10))
	tr.ApplyFill(&domain.Fill{TradeID: "t1", OrderID: "0xa", Price: domain.PriceFromCents(48), Size: 1})

	tr.Reset()
	if tr.Count() != 0 {
		t.Fatalf("count=%d", tr.Count())
	}
	// 重置后同名成交键可重新入账（新周期新台账）
	tr.Track(liveOrder("0xa", "m2", "0xc2", "token-up", types.SideBuy, 48, 10))
	if _, applied := tr.ApplyFill(&domain.Fill{TradeID: "t1", OrderID: "0xa", Price: domain.PriceFromCents(48), Size: 1}); !applied {
		t.Fatalf("重置后应可重新入账")
	}
}
