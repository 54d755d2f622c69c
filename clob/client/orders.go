package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/pkg/ratelimit"
)

// PostOrder 提交已签名订单。
// 速率限制为阻塞等待，超限时等待而不是丢弃。
func (c *Client) PostOrder(ctx context.Context, order *types.SignedOrder, orderType types.OrderType, deferExec bool) (*types.OrderResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if err := c.limits.Wait(ctx, ratelimit.EndpointOrderPost); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	orderPayload := types.NewOrder{
		Order:     *order,
		Owner:     c.authConfig.Creds.Key,
		OrderType: orderType,
		DeferExec: deferExec,
	}

	// HMAC 签名必须覆盖实际发送的字节，序列化一次后复用
	bodyBytes, err := json.Marshal(orderPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化订单载荷失败: %w", err)
	}
	bodyStr := string(bodyBytes)

	headerMap, err := c.l2Headers("POST", EndpointPostOrder, &bodyStr)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.post(EndpointPostOrder, headerMap, json.RawMessage(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("提交订单失败: %w", err)
	}

	var orderResp types.OrderResponse
	if err := parseResponse(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("解析订单响应失败: %w", err)
	}

	return &orderResp, nil
}

// CancelOrder 取消单个订单
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if err := c.limits.Wait(ctx, ratelimit.EndpointOrderCancel); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	bodyBytes, err := json.Marshal(map[string]string{"orderID": orderID})
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}
	bodyStr := string(bodyBytes)

	headerMap, err := c.l2Headers("DELETE", EndpointCancelOrder, &bodyStr)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.deleteWithBody(EndpointCancelOrder, headerMap, json.RawMessage(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("取消订单失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBytes, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("HTTP 错误 %d: %s (orderID=%s)", resp.StatusCode, errResp.Error, orderID)
		}
		return nil, fmt.Errorf("HTTP 错误 %d: %s (orderID=%s)", resp.StatusCode, string(respBytes), orderID)
	}

	var cancelResp types.CancelResponse
	if err := parseResponse(resp, &cancelResp); err != nil {
		return nil, fmt.Errorf("解析取消响应失败: %w (orderID=%s)", err, orderID)
	}

	return &cancelResp, nil
}

// CancelOrders 批量取消订单
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if err := c.limits.Wait(ctx, ratelimit.EndpointOrderCancel); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	bodyBytes, err := json.Marshal(orderIDs)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}
	bodyStr := string(bodyBytes)

	headerMap, err := c.l2Headers("DELETE", EndpointCancelOrders, &bodyStr)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.deleteWithBody(EndpointCancelOrders, headerMap, json.RawMessage(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("批量取消订单失败: %w", err)
	}

	var cancelResp types.CancelResponse
	if err := parseResponse(resp, &cancelResp); err != nil {
		return nil, fmt.Errorf("解析取消响应失败: %w", err)
	}

	return &cancelResp, nil
}

// CancelAll 取消账户下所有开放订单
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if err := c.limits.Wait(ctx, ratelimit.EndpointOrderCancel); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	headerMap, err := c.l2Headers("DELETE", EndpointCancelAll, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.delete(EndpointCancelAll, headerMap, nil)
	if err != nil {
		return nil, fmt.Errorf("取消全部订单失败: %w", err)
	}

	var cancelResp types.CancelResponse
	if err := parseResponse(resp, &cancelResp); err != nil {
		return nil, fmt.Errorf("解析取消响应失败: %w", err)
	}

	return &cancelResp, nil
}

// CancelMarketOrders 按市场 / 资产取消订单
func (c *Client) CancelMarketOrders(ctx context.Context, params *types.OrderMarketCancelParams) (*types.CancelResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if err := c.limits.Wait(ctx, ratelimit.EndpointOrderCancel); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	body := make(map[string]string)
	if params != nil {
		if params.Market != nil {
			body["market"] = *params.Market
		}
		if params.AssetID != nil {
			body["asset_id"] = *params.AssetID
		}
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}
	bodyStr := string(bodyBytes)

	headerMap, err := c.l2Headers("DELETE", EndpointCancelMarketOrders, &bodyStr)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.deleteWithBody(EndpointCancelMarketOrders, headerMap, json.RawMessage(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("按市场取消订单失败: %w", err)
	}

	var cancelResp types.CancelResponse
	if err := parseResponse(resp, &cancelResp); err != nil {
		return nil, fmt.Errorf("解析取消响应失败: %w", err)
	}

	return &cancelResp, nil
}

// GetOpenOrders 获取开放订单
func (c *Client) GetOpenOrders(ctx context.Context, params *types.OpenOrderParams) (types.OpenOrdersResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if err := c.limits.Wait(ctx, ratelimit.EndpointOrdersGet); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	queryParams := make(map[string]string)
	if params != nil {
		if params.ID != nil {
			queryParams["id"] = *params.ID
		}
		if params.Market != nil {
			queryParams["market"] = *params.Market
		}
		if params.AssetID != nil {
			queryParams["asset_id"] = *params.AssetID
		}
	}

	headerMap, err := c.l2Headers("GET", EndpointGetOpenOrders, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.get(EndpointGetOpenOrders, headerMap, queryParams)
	if err != nil {
		return nil, fmt.Errorf("获取开放订单失败: %w", err)
	}

	var apiResp types.OpenOrdersAPIResponse
	if err := parseResponse(resp, &apiResp); err != nil {
		return nil, err
	}

	return types.OpenOrdersResponse(apiResp.Data), nil
}

// GetOrder 获取订单详情
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if err := c.limits.Wait(ctx, ratelimit.EndpointOrdersGet); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	endpoint := EndpointGetOrder + orderID

	headerMap, err := c.l2Headers("GET", endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.get(endpoint, headerMap, nil)
	if err != nil {
		return nil, fmt.Errorf("获取订单详情失败: %w", err)
	}

	var order types.OpenOrder
	if err := parseResponse(resp, &order); err != nil {
		return nil, err
	}

	return &order, nil
}

// GetTrades 获取成交记录。
// 用于 WebSocket 断线后的补偿对账：按 market / asset 拉取最近成交，
// 与本地已记录的成交对比补齐缺口。
func (c *Client) GetTrades(ctx context.Context, params *types.TradeParams) ([]types.Trade, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}
	if err := c.limits.Wait(ctx, ratelimit.EndpointTradesGet); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	queryParams := make(map[string]string)
	if params != nil {
		if params.ID != nil {
			queryParams["id"] = *params.ID
		}
		if params.Market != nil {
			queryParams["market"] = *params.Market
		}
		if params.AssetID != nil {
			queryParams["asset_id"] = *params.AssetID
		}
		if params.MakerAddress != nil {
			queryParams["maker_address"] = *params.MakerAddress
		}
	}

	headerMap, err := c.l2Headers("GET", EndpointGetTrades, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.get(EndpointGetTrades, headerMap, queryParams)
	if err != nil {
		return nil, fmt.Errorf("获取成交记录失败: %w", err)
	}

	var apiResp types.TradesAPIResponse
	if err := parseResponse(resp, &apiResp); err != nil {
		return nil, err
	}

	return apiResp.Data, nil
}

// CreateOrder 创建签名订单（使用客户端默认的签名类型与 funder）
func (c *Client) CreateOrder(ctx context.Context, req *types.UserOrder, options *types.CreateOrderOptions) (*types.SignedOrder, error) {
	return c.CreateOrderWithFunder(ctx, req, options, c.funderAddress, c.signatureType)
}

// CreateOrderWithFunder 创建签名订单（覆盖 funderAddress 和 signatureType）
func (c *Client) CreateOrderWithFunder(ctx context.Context, req *types.UserOrder, options *types.CreateOrderOptions, funderAddress string, signatureType types.SignatureType) (*types.SignedOrder, error) {
	if c.authConfig.PrivateKey == nil {
		return nil, fmt.Errorf("私钥未设置，无法创建订单")
	}

	ob := NewOrderBuilder(c, signatureType, funderAddress)
	return ob.BuildOrder(ctx, req, options)
}

// PlaceLimitOrder 下限价单（GTC）
// 订单会留在订单簿中直到成交或手动取消
func (c *Client) PlaceLimitOrder(ctx context.Context, tokenID string, side types.Side, size float64, price float64, options *types.CreateOrderOptions) (*types.OrderResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}

	userOrder := &types.UserOrder{
		TokenID: tokenID,
		Side:    side,
		Size:    size,
		Price:   price,
	}

	signedOrder, err := c.CreateOrder(ctx, userOrder, options)
	if err != nil {
		return nil, fmt.Errorf("创建订单失败: %w", err)
	}

	return c.PostOrder(ctx, signedOrder, types.OrderTypeGTC, false)
}

// PlaceLimitOrderGTD 下限价单（GTD，到期自动取消）。
// expiration 是秒级 Unix 时间戳；交易所有约 1 分钟的安全阈值，
// 想让订单存活 30 秒就要传 now+90s。
func (c *Client) PlaceLimitOrderGTD(ctx context.Context, tokenID string, side types.Side, size float64, price float64, expiration int64, options *types.CreateOrderOptions) (*types.OrderResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}

	userOrder := &types.UserOrder{
		TokenID:    tokenID,
		Side:       side,
		Size:       size,
		Price:      price,
		Expiration: &expiration,
	}

	signedOrder, err := c.CreateOrder(ctx, userOrder, options)
	if err != nil {
		return nil, fmt.Errorf("创建订单失败: %w", err)
	}

	return c.PostOrder(ctx, signedOrder, types.OrderTypeGTD, false)
}

// PlaceOrderFOK 下 FOK 订单（Fill-Or-Kill，全部成交或全部取消）
//
// FOK 精度要求：
//   - Price: 2位小数（tick size 0.01）
//   - Size: 4位小数
//   - Maker amount (USDC for buy): 2位小数
func (c *Client) PlaceOrderFOK(ctx context.Context, tokenID string, side types.Side, size float64, price float64, options *types.CreateOrderOptions) (*types.OrderResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}

	signedOrder, err := c.createOrderTaker(ctx, tokenID, side, size, price, options)
	if err != nil {
		return nil, fmt.Errorf("创建 FOK 订单失败: %w", err)
	}

	return c.PostOrder(ctx, signedOrder, types.OrderTypeFOK, false)
}

// PlaceOrderFAK 下 FAK 订单（Fill-And-Kill，尽量成交剩余取消）
// 精度要求与 FOK 相同
func (c *Client) PlaceOrderFAK(ctx context.Context, tokenID string, side types.Side, size float64, price float64, options *types.CreateOrderOptions) (*types.OrderResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}

	signedOrder, err := c.createOrderTaker(ctx, tokenID, side, size, price, options)
	if err != nil {
		return nil, fmt.Errorf("创建 FAK 订单失败: %w", err)
	}

	return c.PostOrder(ctx, signedOrder, types.OrderTypeFAK, false)
}

// PlaceMarketOrder 下市价单。
// 先取订单簿计算吃单均价，再用 FAK 提交（允许部分成交）。
// amount 含义：买入时为 USDC 金额，卖出时为 token 数量。
func (c *Client) PlaceMarketOrder(ctx context.Context, tokenID string, side types.Side, amount float64, options *types.CreateOrderOptions) (*types.OrderResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}

	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("获取订单簿失败: %w", err)
	}

	totalSize, avgPrice, _ := CalculateOptimalFill(book, side, amount)
	if totalSize == 0 {
		return nil, ErrInsufficientLiquidity
	}

	// 限价保护取均价的不利方向舍入，保证能吃掉估算过的层级
	limitPrice := roundUp(avgPrice, 2)
	if side == types.SideSell {
		limitPrice = roundDown(avgPrice, 2)
	}

	return c.PlaceOrderFAK(ctx, tokenID, side, totalSize, limitPrice, options)
}

// createOrderTaker 构建符合 FOK/FAK 精度要求的签名订单。
// 价格收敛到 2 位小数、数量到 4 位小数；名义价值不足 $1 时
// 返回 ErrOrderValueTooSmall，由调用方决定放弃还是调整。
func (c *Client) createOrderTaker(ctx context.Context, tokenID string, side types.Side, size float64, price float64, options *types.CreateOrderOptions) (*types.SignedOrder, error) {
	if c.authConfig.PrivateKey == nil {
		return nil, fmt.Errorf("私钥未设置，无法创建订单")
	}

	// 价格收到 2 位小数，数量向下取 4 位（绝不超过可用资金 / 持仓）
	price = roundNormal(price, 2)
	size = roundDown(size, 4)

	if err := ValidateFOKPrecision(size, price, side); err != nil {
		return nil, err
	}

	userOrder := &types.UserOrder{
		TokenID: tokenID,
		Side:    side,
		Size:    size,
		Price:   price,
	}

	return c.CreateOrder(ctx, userOrder, options)
}
