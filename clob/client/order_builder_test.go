package client

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arbx/goarb/clob/signing"
	"github.com/arbx/goarb/clob/types"
)

const testKeyHex = "0000000000000000000000000000000000000000000000000000000000000001"
const testKeyAddress = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"

func newTestClient(t *testing.T, sigType types.SignatureType, funder string) *Client {
	t.Helper()
	pk, err := signing.PrivateKeyFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	c, err := NewClient("https://clob.polymarket.com", types.ChainPolygon, pk, nil, sigType, funder)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func fullOptions() *types.CreateOrderOptions {
	negRisk := false
	return &types.CreateOrderOptions{TickSize: types.TickSize001, NegRisk: &negRisk}
}

func TestGetOrderRawAmounts(t *testing.T) {
	cfg := RoundingConfig[types.TickSize001]

	cases := []struct {
		name      string
		side      types.Side
		size      float64
		price     float64
		wantMaker float64
		wantTaker float64
	}{
		{"buy exact", types.SideBuy, 100, 0.55, 55.0, 100},
		{"buy float noise", types.SideBuy, 133.33, 0.52, 69.3316, 133.33},
		{"buy trims extra precision", types.SideBuy, 133.33333, 0.521, 69.3316, 133.33},
		{"sell exact", types.SideSell, 50, 0.53, 50, 26.5},
		{"sell low price", types.SideSell, 21.5, 0.07, 21.5, 1.505},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			maker, taker, err := getOrderRawAmounts(c.side, c.size, c.price, cfg)
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if !almostEqual(maker, c.wantMaker) {
				t.Errorf("maker = %v, want %v", maker, c.wantMaker)
			}
			if !almostEqual(taker, c.wantTaker) {
				t.Errorf("taker = %v, want %v", taker, c.wantTaker)
			}
		})
	}
}

func TestParseUnits(t *testing.T) {
	cases := []struct {
		value float64
		want  string
	}{
		{55.0, "55000000"},
		{69.3316, "69331600"},
		{12.345678, "12345678"},
		{0.07, "70000"},
		{26.5, "26500000"},
	}
	for _, c := range cases {
		if got := parseUnits(c.value, 6).String(); got != c.want {
			t.Errorf("parseUnits(%v) = %s, want %s", c.value, got, c.want)
		}
	}
}

func TestDecimalPlaces(t *testing.T) {
	cases := []struct {
		value float64
		want  int
	}{
		{100, 0},
		{0.1, 1},
		{0.07, 2},
		{133.3333, 4},
		{55.00000000000001, 14},
	}
	for _, c := range cases {
		if got := decimalPlaces(c.value); got != c.want {
			t.Errorf("decimalPlaces(%v) = %d, want %d", c.value, got, c.want)
		}
	}
}

func TestRoundingHelpers(t *testing.T) {
	if got := roundDown(133.33333, 2); !almostEqual(got, 133.33) {
		t.Errorf("roundDown = %v", got)
	}
	if got := roundUp(69.33160000000001, 8); !almostEqual(got, 69.33160001) {
		t.Errorf("roundUp = %v", got)
	}
	if got := roundNormal(0.525, 2); !almostEqual(got, 0.52) {
		t.Errorf("roundNormal = %v", got)
	}
	// 已经在精度内的值原样返回
	if got := roundNormal(0.53, 2); got != 0.53 {
		t.Errorf("roundNormal passthrough = %v", got)
	}
}

func TestBuildOrder_BuySignedEndToEnd(t *testing.T) {
	c := newTestClient(t, types.SignatureTypeBrowser, "")

	order, err := c.CreateOrder(context.Background(), &types.UserOrder{
		TokenID: "123456789",
		Price:   0.55,
		Size:    100,
		Side:    types.SideBuy,
	}, fullOptions())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	wantAddr := common.HexToAddress(testKeyAddress).Hex()
	if order.Maker != wantAddr {
		t.Errorf("maker = %s, want %s", order.Maker, wantAddr)
	}
	if order.Signer != wantAddr {
		t.Errorf("signer = %s, want %s", order.Signer, wantAddr)
	}
	if order.MakerAmount != "55000000" {
		t.Errorf("makerAmount = %s, want 55000000", order.MakerAmount)
	}
	if order.TakerAmount != "100000000" {
		t.Errorf("takerAmount = %s, want 100000000", order.TakerAmount)
	}
	if order.Side != types.SideBuy {
		t.Errorf("side = %s", order.Side)
	}
	if order.SignatureType != int(types.SignatureTypeBrowser) {
		t.Errorf("signatureType = %d", order.SignatureType)
	}
	if order.Expiration != "0" || order.Nonce != "0" || order.FeeRateBps != "0" {
		t.Errorf("defaults not zero: exp=%s nonce=%s fee=%s", order.Expiration, order.Nonce, order.FeeRateBps)
	}
	if !strings.HasPrefix(order.Signature, "0x") || len(order.Signature) != 132 {
		t.Errorf("bad signature: %q (len %d)", order.Signature, len(order.Signature))
	}
	if _, ok := new(big.Int).SetString(string(order.Salt), 10); !ok || order.Salt == "" {
		t.Errorf("salt not a decimal integer: %q", order.Salt)
	}
}

func TestBuildOrder_SellAmounts(t *testing.T) {
	c := newTestClient(t, types.SignatureTypeBrowser, "")

	order, err := c.CreateOrder(context.Background(), &types.UserOrder{
		TokenID: "123456789",
		Price:   0.53,
		Size:    50,
		Side:    types.SideSell,
	}, fullOptions())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// 卖出：maker 给出 tokens，taker 支付 USDC
	if order.MakerAmount != "50000000" {
		t.Errorf("makerAmount = %s, want 50000000", order.MakerAmount)
	}
	if order.TakerAmount != "26500000" {
		t.Errorf("takerAmount = %s, want 26500000", order.TakerAmount)
	}
}

func TestBuildOrder_FunderOverride(t *testing.T) {
	safe := "0x000000000000000000000000000000000000dEaD"
	c := newTestClient(t, types.SignatureTypeGnosisSafe, safe)

	order, err := c.CreateOrder(context.Background(), &types.UserOrder{
		TokenID: "123456789",
		Price:   0.55,
		Size:    100,
		Side:    types.SideBuy,
	}, fullOptions())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.Maker != common.HexToAddress(safe).Hex() {
		t.Errorf("maker = %s, want funder %s", order.Maker, safe)
	}
	if order.Signer != common.HexToAddress(testKeyAddress).Hex() {
		t.Errorf("signer = %s, want signing key address", order.Signer)
	}
	if order.SignatureType != int(types.SignatureTypeGnosisSafe) {
		t.Errorf("signatureType = %d, want 2", order.SignatureType)
	}
}

func TestBuildOrder_RejectsBelowMinValue(t *testing.T) {
	c := newTestClient(t, types.SignatureTypeBrowser, "")

	// 买入 $0.50 名义价值
	_, err := c.CreateOrder(context.Background(), &types.UserOrder{
		TokenID: "123456789",
		Price:   0.5,
		Size:    1,
		Side:    types.SideBuy,
	}, fullOptions())
	if !errors.Is(err, ErrOrderValueTooSmall) {
		t.Errorf("buy $0.50: got %v, want ErrOrderValueTooSmall", err)
	}

	// 卖出所得 $0.99
	_, err = c.CreateOrder(context.Background(), &types.UserOrder{
		TokenID: "123456789",
		Price:   0.55,
		Size:    1.8,
		Side:    types.SideSell,
	}, fullOptions())
	if !errors.Is(err, ErrOrderValueTooSmall) {
		t.Errorf("sell $0.99: got %v, want ErrOrderValueTooSmall", err)
	}

	// 正好 $1 可以通过
	_, err = c.CreateOrder(context.Background(), &types.UserOrder{
		TokenID: "123456789",
		Price:   0.5,
		Size:    2,
		Side:    types.SideBuy,
	}, fullOptions())
	if err != nil {
		t.Errorf("buy $1.00 should pass, got %v", err)
	}
}

func TestBuildOrder_RejectsPriceOutOfRange(t *testing.T) {
	c := newTestClient(t, types.SignatureTypeBrowser, "")

	for _, price := range []float64{0.005, 0.995, 0, 1} {
		_, err := c.CreateOrder(context.Background(), &types.UserOrder{
			TokenID: "123456789",
			Price:   price,
			Size:    100,
			Side:    types.SideBuy,
		}, fullOptions())
		if err == nil {
			t.Errorf("price %v should be rejected for tick 0.01", price)
		}
	}

	// 边界价格合法
	for _, price := range []float64{0.01, 0.99} {
		_, err := c.CreateOrder(context.Background(), &types.UserOrder{
			TokenID: "123456789",
			Price:   price,
			Size:    200,
			Side:    types.SideBuy,
		}, fullOptions())
		if err != nil {
			t.Errorf("price %v should pass, got %v", price, err)
		}
	}
}

func TestBuildOrder_ExpirationPassthrough(t *testing.T) {
	c := newTestClient(t, types.SignatureTypeBrowser, "")

	exp := int64(1756200000)
	order, err := c.CreateOrder(context.Background(), &types.UserOrder{
		TokenID:    "123456789",
		Price:      0.55,
		Size:       100,
		Side:       types.SideBuy,
		Expiration: &exp,
	}, fullOptions())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Expiration != "1756200000" {
		t.Errorf("expiration = %s, want 1756200000", order.Expiration)
	}
}

func TestBuildOrder_RejectsLowPriceBoundary(t *testing.T) {
	c := newTestClient(t, types.SignatureTypeBrowser, "")

	// $1 边界：1×$0.99 = $0.99 不足
	_, err := c.CreateOrder(context.Background(), &types.UserOrder{
		TokenID: "123456789",
		Price:   0.99,
		Size:    1,
		Side:    types.SideBuy,
	}, fullOptions())
	if !errors.Is(err, ErrOrderValueTooSmall) {
		t.Errorf("got %v, want ErrOrderValueTooSmall", err)
	}
}
