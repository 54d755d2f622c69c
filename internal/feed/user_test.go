package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/events"
)

func newTestUserFeed() (*UserFeed, *fakeSink) {
	sink := &fakeSink{}
	return NewUserFeed(sink), sink
}

func fillEvents(sink *fakeSink) []*events.FillEvent {
	var out []*events.FillEvent
	for _, e := range sink.snapshot() {
		if f, ok := e.(*events.FillEvent); ok {
			out = append(out, f)
		}
	}
	return out
}

func orderStatusEvents(sink *fakeSink) []*events.OrderStatusEvent {
	var out []*events.OrderStatusEvent
	for _, e := range sink.snapshot() {
		if o, ok := e.(*events.OrderStatusEvent); ok {
			out = append(out, o)
		}
	}
	return out
}

// TestUserFeed_ConnectRequiresCreds 测试缺少凭证时直接报错，不发起连接
func TestUserFeed_ConnectRequiresCreds(t *testing.T) {
	feed, _ := newTestUserFeed()

	err := feed.Connect(context.Background(), types.ApiKeyCreds{Key: "k"}, nil)
	if err == nil {
		t.Fatal("缺少 secret/passphrase 时应该返回错误")
	}

	err = feed.Connect(context.Background(), types.ApiKeyCreds{}, nil)
	if err == nil {
		t.Fatal("空凭证应该返回错误")
	}
}

// TestUserFeed_TradeExpandsPerMaker 测试多 maker 成交逐条展开，顶层 size 被忽略
func TestUserFeed_TradeExpandsPerMaker(t *testing.T) {
	feed, sink := newTestUserFeed()

	// 顶层 size 是请求数量 999，实际成交 = 60 + 40 = 100
	feed.handleMessage([]byte(`{
		"event_type": "trade",
		"id": "trade-1",
		"taker_order_id": "0xTAKER",
		"market": "0xabc",
		"asset_id": "token-up",
		"side": "BUY",
		"size": "999",
		"price": "0.55",
		"status": "MATCHED",
		"match_time": "1700000000",
		"outcome": "Up",
		"maker_orders": [
			{"order_id": "0xMAKER1", "matched_amount": "60", "price": "0.55", "asset_id": "token-up", "outcome": "Up", "fee_rate_bps": "0"},
			{"order_id": "0xMAKER2", "matched_amount": "40", "price": "0.54", "asset_id": "token-up", "outcome": "Up", "fee_rate_bps": "20"}
		]
	}`))

	fills := fillEvents(sink)
	if len(fills) != 3 {
		t.Fatalf("期望 2 个 maker 成交 + 1 个 taker 汇总，得到 %d", len(fills))
	}

	m1 := fills[0].Fill
	if m1.OrderID != "0xmaker1" {
		t.Errorf("订单 ID 应该被转为小写，得到 %s", m1.OrderID)
	}
	if m1.Size != 60 {
		t.Errorf("期望第一个 maker 成交 60，得到 %v", m1.Size)
	}
	if m1.Side != types.SideSell {
		t.Errorf("taker 买入时 maker 方向应该是 SELL，得到 %s", m1.Side)
	}
	if m1.Price.ToDecimal() != 0.55 {
		t.Errorf("期望 maker 价格 0.55，得到 %v", m1.Price.ToDecimal())
	}
	if m1.TradeID != "trade-1" {
		t.Errorf("期望 TradeID 为 trade-1，得到 %s", m1.TradeID)
	}
	if m1.TokenType != domain.TokenTypeUp {
		t.Errorf("outcome Up 应该映射为 up token，得到 %s", m1.TokenType)
	}
	if m1.FeeBps != 0 {
		t.Errorf("期望第一个 maker 费率 0，得到 %d", m1.FeeBps)
	}

	m2 := fills[1].Fill
	if m2.Size != 40 {
		t.Errorf("期望第二个 maker 成交 40，得到 %v", m2.Size)
	}
	if m2.Price.ToDecimal() != 0.54 {
		t.Errorf("期望第二个 maker 用自己的价格 0.54，得到 %v", m2.Price.ToDecimal())
	}
	if m2.FeeBps != 20 {
		t.Errorf("期望第二个 maker 费率 20，得到 %d", m2.FeeBps)
	}

	taker := fills[2].Fill
	if taker.OrderID != "0xtaker" {
		t.Errorf("taker 订单 ID 应该被转为小写，得到 %s", taker.OrderID)
	}
	if taker.Size != 100 {
		t.Errorf("taker 实际成交应该是 matched_amount 之和 100（不是顶层的 999），得到 %v", taker.Size)
	}
	if taker.Side != types.SideBuy {
		t.Errorf("taker 方向应该保持 BUY，得到 %s", taker.Side)
	}
	if taker.Price.ToDecimal() != 0.55 {
		t.Errorf("期望 taker 用顶层价格 0.55，得到 %v", taker.Price.ToDecimal())
	}
	if taker.Time.Unix() != 1700000000 {
		t.Errorf("期望成交时间取 match_time，得到 %v", taker.Time.Unix())
	}
}

// TestUserFeed_LifecycleEchoesSkipped 测试 MINED/CONFIRMED 回显不重复计数
func TestUserFeed_LifecycleEchoesSkipped(t *testing.T) {
	feed, sink := newTestUserFeed()

	trade := `{
		"event_type": "trade",
		"id": "trade-1",
		"taker_order_id": "0xT",
		"side": "BUY",
		"price": "0.50",
		"status": "%s",
		"maker_orders": [{"order_id": "0xM", "matched_amount": "10", "price": "0.50"}]
	}`

	for _, status := range []string{"MINED", "CONFIRMED", "RETRYING", "FAILED"} {
		feed.handleMessage([]byte(fmt.Sprintf(trade, status)))
	}
	if got := len(fillEvents(sink)); got != 0 {
		t.Fatalf("非 MATCHED 状态不应该产生成交事件，得到 %d", got)
	}

	feed.handleMessage([]byte(fmt.Sprintf(trade, "MATCHED")))
	if got := len(fillEvents(sink)); got != 2 {
		t.Errorf("MATCHED 状态期望 1 maker + 1 taker 共 2 个成交事件，得到 %d", got)
	}
}

// TestUserFeed_TradeWithoutMakersIgnored 测试没有 maker 记录的成交被忽略
func TestUserFeed_TradeWithoutMakersIgnored(t *testing.T) {
	feed, sink := newTestUserFeed()

	// 绝不回退到顶层 size
	feed.handleMessage([]byte(`{
		"event_type": "trade",
		"id": "trade-1",
		"taker_order_id": "0xT",
		"side": "BUY",
		"size": "500",
		"price": "0.50",
		"status": "MATCHED",
		"maker_orders": []
	}`))

	if got := len(fillEvents(sink)); got != 0 {
		t.Errorf("没有 maker 记录不应该产生成交事件，得到 %d", got)
	}
}

// TestUserFeed_MakerPriceFallback 测试 maker 缺价格时回退到顶层价格
func TestUserFeed_MakerPriceFallback(t *testing.T) {
	feed, sink := newTestUserFeed()

	feed.handleMessage([]byte(`{
		"event_type": "trade",
		"id": "trade-1",
		"side": "SELL",
		"price": "0.37",
		"status": "MATCHED",
		"asset_id": "token-down",
		"outcome": "Down",
		"maker_orders": [{"order_id": "0xM", "matched_amount": "25"}]
	}`))

	fills := fillEvents(sink)
	if len(fills) != 1 {
		t.Fatalf("期望 1 个成交事件（taker_order_id 为空不补汇总），得到 %d", len(fills))
	}
	f := fills[0].Fill
	if f.Price.ToDecimal() != 0.37 {
		t.Errorf("期望回退到顶层价格 0.37，得到 %v", f.Price.ToDecimal())
	}
	if f.Side != types.SideBuy {
		t.Errorf("taker 卖出时 maker 方向应该是 BUY，得到 %s", f.Side)
	}
	if f.AssetID != "token-down" {
		t.Errorf("maker 缺 asset 时应该回退到顶层，得到 %s", f.AssetID)
	}
	if f.TokenType != domain.TokenTypeDown {
		t.Errorf("outcome Down 应该映射为 down token，得到 %s", f.TokenType)
	}
}

// TestUserFeed_ZeroMatchedAmountSkipped 测试 matched_amount 为 0 或坏值的 maker 被跳过
func TestUserFeed_ZeroMatchedAmountSkipped(t *testing.T) {
	feed, sink := newTestUserFeed()

	feed.handleMessage([]byte(`{
		"event_type": "trade",
		"id": "trade-1",
		"taker_order_id": "0xT",
		"side": "BUY",
		"price": "0.50",
		"status": "MATCHED",
		"maker_orders": [
			{"order_id": "0xM1", "matched_amount": "0", "price": "0.50"},
			{"order_id": "0xM2", "matched_amount": "abc", "price": "0.50"},
			{"order_id": "0xM3", "matched_amount": "15", "price": "0.50"}
		]
	}`))

	fills := fillEvents(sink)
	if len(fills) != 2 {
		t.Fatalf("期望 1 个有效 maker + 1 个 taker 汇总，得到 %d", len(fills))
	}
	if fills[0].Fill.OrderID != "0xm3" {
		t.Errorf("期望只保留 0xm3，得到 %s", fills[0].Fill.OrderID)
	}
	if fills[1].Fill.Size != 15 {
		t.Errorf("taker 汇总只计有效 maker，期望 15，得到 %v", fills[1].Fill.Size)
	}
}

// TestUserFeed_OrderCancellation 测试取消事件归一化（小写 ID + cancelled 状态）
func TestUserFeed_OrderCancellation(t *testing.T) {
	feed, sink := newTestUserFeed()

	feed.handleMessage([]byte(`{
		"event_type": "order",
		"id": "0xORDER1",
		"asset_id": "token-up",
		"type": "CANCELLATION",
		"status": "LIVE"
	}`))

	statuses := orderStatusEvents(sink)
	if len(statuses) != 1 {
		t.Fatalf("期望 1 个订单状态事件，得到 %d", len(statuses))
	}
	if statuses[0].OrderID != "0xorder1" {
		t.Errorf("订单 ID 应该被转为小写，得到 %s", statuses[0].OrderID)
	}
	if statuses[0].Status != domain.OrderStatusCancelled {
		t.Errorf("期望状态为 cancelled，得到 %s", statuses[0].Status)
	}
	if statuses[0].AssetID != "token-up" {
		t.Errorf("期望 AssetID 为 token-up，得到 %s", statuses[0].AssetID)
	}
}

// TestUserFeed_OrderExpired 测试过期事件归一化
func TestUserFeed_OrderExpired(t *testing.T) {
	feed, sink := newTestUserFeed()

	feed.handleMessage([]byte(`{
		"event_type": "order",
		"id": "0xORDER2",
		"type": "UPDATE",
		"status": "EXPIRED"
	}`))

	statuses := orderStatusEvents(sink)
	if len(statuses) != 1 {
		t.Fatalf("期望 1 个订单状态事件，得到 %d", len(statuses))
	}
	if statuses[0].Status != domain.OrderStatusExpired {
		t.Errorf("期望状态为 expired，得到 %s", statuses[0].Status)
	}
}

// TestUserFeed_OrderPlacementAndUpdateIgnored 测试 PLACEMENT/UPDATE 不产生事件
func TestUserFeed_OrderPlacementAndUpdateIgnored(t *testing.T) {
	feed, sink := newTestUserFeed()

	// UPDATE 的 size_matched 不可靠，成交量只认 trade 事件
	feed.handleMessage([]byte(`{
		"event_type": "order",
		"id": "0xORDER3",
		"type": "PLACEMENT",
		"status": "LIVE"
	}`))
	feed.handleMessage([]byte(`{
		"event_type": "order",
		"id": "0xORDER3",
		"type": "UPDATE",
		"status": "MATCHED",
		"size_matched": "50"
	}`))
	feed.handleMessage([]byte(`{
		"event_type": "order",
		"type": "CANCELLATION",
		"status": "CANCELED"
	}`))

	if got := len(sink.snapshot()); got != 0 {
		t.Errorf("PLACEMENT/UPDATE/缺 ID 的事件不应该投递，得到 %d 个", got)
	}
}

// TestUserFeed_ArrayMessage 测试数组打包的用户消息逐条处理
func TestUserFeed_ArrayMessage(t *testing.T) {
	feed, sink := newTestUserFeed()

	feed.handleMessage([]byte(`[
		{"event_type": "trade", "id": "t1", "side": "BUY", "price": "0.50", "status": "MATCHED",
		 "maker_orders": [{"order_id": "0xM", "matched_amount": "5", "price": "0.50"}]},
		{"event_type": "order", "id": "0xO", "type": "CANCELLATION", "status": "CANCELED"}
	]`))

	if got := len(fillEvents(sink)); got != 1 {
		t.Errorf("期望 1 个成交事件，得到 %d", got)
	}
	if got := len(orderStatusEvents(sink)); got != 1 {
		t.Errorf("期望 1 个订单状态事件，得到 %d", got)
	}
}

// TestUserFeed_TextPingPong 测试文本心跳不产生业务事件
func TestUserFeed_TextPingPong(t *testing.T) {
	feed, sink := newTestUserFeed()

	feed.pongMu.Lock()
	feed.lastPong = time.Now().Add(-time.Hour)
	feed.pongMu.Unlock()

	feed.handleMessage([]byte(`PING`))
	feed.handleMessage([]byte(`PONG`))

	if got := len(sink.snapshot()); got != 0 {
		t.Errorf("心跳消息不应该投递事件，得到 %d 个", got)
	}

	feed.pongMu.RLock()
	last := feed.lastPong
	feed.pongMu.RUnlock()
	if time.Since(last) > time.Second {
		t.Errorf("PONG 后心跳时间应该被刷新，得到 %v", last)
	}
}

// TestOutcomeToken 测试 outcome 字符串到 token 方向的映射
func TestOutcomeToken(t *testing.T) {
	cases := []struct {
		in   string
		want domain.TokenType
	}{
		{"Up", domain.TokenTypeUp},
		{"UP", domain.TokenTypeUp},
		{"Yes", domain.TokenTypeUp},
		{"Down", domain.TokenTypeDown},
		{"no", domain.TokenTypeDown},
		{"Lakers", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := outcomeToken(c.in); got != c.want {
			t.Errorf("outcomeToken(%q) = %q，期望 %q", c.in, got, c.want)
		}
	}
}

// TestParseWireTime 测试秒和毫秒两种时间戳格式
func TestParseWireTime(t *testing.T) {
	if got := parseWireTime("1700000000"); got.Unix() != 1700000000 {
		t.Errorf("秒级时间戳解析错误: %v", got)
	}
	if got := parseWireTime("1700000000123"); got.UnixMilli() != 1700000000123 {
		t.Errorf("毫秒级时间戳解析错误: %v", got)
	}
	if got := parseWireTime("not-a-number"); !got.IsZero() {
		t.Errorf("坏时间戳应该返回零值，得到 %v", got)
	}
	if got := parseWireTime(""); !got.IsZero() {
		t.Errorf("空时间戳应该返回零值，得到 %v", got)
	}
}

// TestParseFeeBps 测试费率字符串解析
func TestParseFeeBps(t *testing.T) {
	if got := parseFeeBps("20"); got != 20 {
		t.Errorf("期望 20，得到 %d", got)
	}
	if got := parseFeeBps("12.5"); got != 12 {
		t.Errorf("期望截断为 12，得到 %d", got)
	}
	if got := parseFeeBps(""); got != 0 {
		t.Errorf("空串期望 0，得到 %d", got)
	}
	if got := parseFeeBps("abc"); got != 0 {
		t.Errorf("坏值期望 0，得到 %d", got)
	}
}
