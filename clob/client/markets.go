package client

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/pkg/ratelimit"
)

// GetMarket 按 condition id 获取单个市场
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*types.ClobMarket, error) {
	if err := c.limits.Wait(ctx, ratelimit.EndpointDataGeneral); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.get(EndpointGetMarket+conditionID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("获取市场失败: %w", err)
	}

	var market types.ClobMarket
	if err := parseResponse(resp, &market); err != nil {
		return nil, err
	}

	return &market, nil
}

// GetMarkets 分页获取市场列表。
// nextCursor 为空表示从头开始，返回值里的 NextCursor == "LTE=" 表示没有下一页。
func (c *Client) GetMarkets(ctx context.Context, nextCursor string) (*types.ClobMarketsResponse, error) {
	if err := c.limits.Wait(ctx, ratelimit.EndpointDataGeneral); err != nil {
		return nil, err
	}

	queryParams := make(map[string]string)
	if nextCursor != "" {
		queryParams["next_cursor"] = nextCursor
	}

	resp, err := c.httpClient.get(EndpointGetMarkets, nil, queryParams)
	if err != nil {
		return nil, fmt.Errorf("获取市场列表失败: %w", err)
	}

	var markets types.ClobMarketsResponse
	if err := parseResponse(resp, &markets); err != nil {
		return nil, err
	}

	return &markets, nil
}

// GetOrderBook 获取订单簿快照
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBookSummary, error) {
	if err := c.limits.Wait(ctx, ratelimit.EndpointBookGet); err != nil {
		return nil, err
	}

	queryParams := map[string]string{
		"token_id": tokenID,
	}

	resp, err := c.httpClient.get(EndpointGetOrderBook, nil, queryParams)
	if err != nil {
		return nil, fmt.Errorf("获取订单簿失败: %w", err)
	}

	var book types.OrderBookSummary
	if err := parseResponse(resp, &book); err != nil {
		return nil, err
	}

	return &book, nil
}

// GetPrice 获取指定方向的盘口价格（BUY 返回最优卖价，SELL 返回最优买价）
func (c *Client) GetPrice(ctx context.Context, tokenID string, side types.Side) (float64, error) {
	if err := c.limits.Wait(ctx, ratelimit.EndpointPriceGet); err != nil {
		return 0, err
	}

	queryParams := map[string]string{
		"token_id": tokenID,
		"side":     string(side),
	}

	resp, err := c.httpClient.get(EndpointGetPrice, nil, queryParams)
	if err != nil {
		return 0, fmt.Errorf("获取价格失败: %w", err)
	}

	var pr types.PriceResponse
	if err := parseResponse(resp, &pr); err != nil {
		return 0, err
	}

	price, err := strconv.ParseFloat(pr.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("解析价格 %q 失败: %w", pr.Price, err)
	}

	return price, nil
}

// GetMidpoint 获取中间价
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	if err := c.limits.Wait(ctx, ratelimit.EndpointPriceGet); err != nil {
		return 0, err
	}

	queryParams := map[string]string{
		"token_id": tokenID,
	}

	resp, err := c.httpClient.get(EndpointGetMidpoint, nil, queryParams)
	if err != nil {
		return 0, fmt.Errorf("获取中间价失败: %w", err)
	}

	var mr types.MidpointResponse
	if err := parseResponse(resp, &mr); err != nil {
		return 0, err
	}

	mid, err := strconv.ParseFloat(mr.Mid, 64)
	if err != nil {
		return 0, fmt.Errorf("解析中间价 %q 失败: %w", mr.Mid, err)
	}

	return mid, nil
}

// GetTickSize 获取价格精度，结果按 token 缓存（精度只会变小，缓存安全）
func (c *Client) GetTickSize(ctx context.Context, tokenID string) (types.TickSize, error) {
	c.mu.RLock()
	cached, ok := c.tickSizes[tokenID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if err := c.limits.Wait(ctx, ratelimit.EndpointDataGeneral); err != nil {
		return "", err
	}

	queryParams := map[string]string{
		"token_id": tokenID,
	}

	resp, err := c.httpClient.get(EndpointGetTickSize, nil, queryParams)
	if err != nil {
		return "", fmt.Errorf("获取 tick size 失败: %w", err)
	}

	var tr types.TickSizeResponse
	if err := parseResponse(resp, &tr); err != nil {
		return "", err
	}

	ts, ok := tickSizeFromFloat(tr.MinimumTickSize)
	if !ok {
		return "", fmt.Errorf("未知的 tick size: %v", tr.MinimumTickSize)
	}

	c.mu.Lock()
	c.tickSizes[tokenID] = ts
	c.mu.Unlock()

	return ts, nil
}

// tickSizeFromFloat 把 API 返回的数值映射到枚举值
func tickSizeFromFloat(v float64) (types.TickSize, bool) {
	switch {
	case floatsClose(v, 0.1):
		return types.TickSize01, true
	case floatsClose(v, 0.01):
		return types.TickSize001, true
	case floatsClose(v, 0.001):
		return types.TickSize0001, true
	case floatsClose(v, 0.0001):
		return types.TickSize00001, true
	default:
		return "", false
	}
}

func floatsClose(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// GetNegRiskFlag 查询市场是否 neg risk，结果按 token 缓存
func (c *Client) GetNegRiskFlag(ctx context.Context, tokenID string) (bool, error) {
	c.mu.RLock()
	cached, ok := c.negRisk[tokenID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if err := c.limits.Wait(ctx, ratelimit.EndpointDataGeneral); err != nil {
		return false, err
	}

	queryParams := map[string]string{
		"token_id": tokenID,
	}

	resp, err := c.httpClient.get(EndpointGetNegRisk, nil, queryParams)
	if err != nil {
		return false, fmt.Errorf("获取 neg_risk 失败: %w", err)
	}

	var nr types.NegRiskResponse
	if err := parseResponse(resp, &nr); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.negRisk[tokenID] = nr.NegRisk
	c.mu.Unlock()

	return nr.NegRisk, nil
}

// GetBalanceAllowance 获取余额和授权
func (c *Client) GetBalanceAllowance(ctx context.Context, params *types.BalanceAllowanceParams) (*types.BalanceAllowanceResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}

	if err := c.limits.Wait(ctx, ratelimit.EndpointDataGeneral); err != nil {
		return nil, err
	}

	queryParams := map[string]string{
		"asset_type": string(params.AssetType),
	}
	if params.TokenID != nil {
		queryParams["token_id"] = *params.TokenID
	}
	if params.SignatureType != nil {
		queryParams["signature_type"] = fmt.Sprintf("%d", int(*params.SignatureType))
	}

	headerMap, err := c.l2Headers("GET", EndpointGetBalanceAllowance, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.get(EndpointGetBalanceAllowance, headerMap, queryParams)
	if err != nil {
		return nil, fmt.Errorf("获取余额和授权失败: %w", err)
	}

	var balance types.BalanceAllowanceResponse
	if err := parseResponse(resp, &balance); err != nil {
		return nil, err
	}

	return &balance, nil
}
