package types

import "encoding/json"

// UserOrder 限价单请求
type UserOrder struct {
	// TokenID 条件代币资产 ID
	TokenID string

	// Price 订单价格
	Price float64

	// Size 条件代币的数量
	Size float64

	// Side 订单方向
	Side Side

	// FeeRateBps 手续费率（基点），可选
	FeeRateBps *int

	// Nonce 用于链上取消订单的 nonce，可选
	Nonce *int

	// Expiration 订单过期时间戳（秒），GTD 必填
	Expiration *int64

	// Taker 订单接受者地址，零地址表示公开订单，可选
	Taker *string
}

// UserMarketOrder 市价单请求（FOK/FAK）
type UserMarketOrder struct {
	// TokenID 条件代币资产 ID
	TokenID string

	// Price 限价保护（可选，不存在则使用当前盘口价）
	Price *float64

	// Amount 数量
	// BUY 订单: 美元金额
	// SELL 订单: 份额数量
	Amount float64

	// Side 订单方向
	Side Side

	// FeeRateBps 手续费率（基点），可选
	FeeRateBps *int

	// Nonce 可选
	Nonce *int

	// Taker 可选
	Taker *string

	// OrderType 执行类型（仅 FOK 或 FAK）
	OrderType *OrderType
}

// SignedOrder 已签名的订单（EIP-712）
// Salt 用 json.Number 承载，避免大整数精度丢失
type SignedOrder struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          Side        `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

// NewOrder 提交到交易所的订单载体
type NewOrder struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
	DeferExec bool        `json:"deferExec"`
}

// OrderResponse 下单响应
type OrderResponse struct {
	Success           bool     `json:"success"`
	ErrorMsg          string   `json:"errorMsg"`
	OrderID           string   `json:"orderID"`
	TransactionHashes []string `json:"transactionsHashes"`
	Status            string   `json:"status"`
	TakingAmount      string   `json:"takingAmount"`
	MakingAmount      string   `json:"makingAmount"`
}

// OpenOrder 开放订单
type OpenOrder struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	Owner           string   `json:"owner"`
	MakerAddress    string   `json:"maker_address"`
	Market          string   `json:"market"`
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"`
	Price           string   `json:"price"`
	AssociateTrades []string `json:"associate_trades"`
	Outcome         string   `json:"outcome"`
	CreatedAt       int64    `json:"created_at"`
	Expiration      string   `json:"expiration"`
	OrderType       string   `json:"order_type"`
}

// OpenOrdersResponse 开放订单列表
type OpenOrdersResponse []OpenOrder

// OpenOrdersAPIResponse 开放订单列表响应（带分页游标）
type OpenOrdersAPIResponse struct {
	Data       []OpenOrder `json:"data"`
	NextCursor string      `json:"next_cursor"`
	Limit      int         `json:"limit"`
	Count      int         `json:"count"`
}

// OpenOrderParams 查询开放订单参数
type OpenOrderParams struct {
	ID      *string
	Market  *string
	AssetID *string
}

// OrderMarketCancelParams 按市场取消订单参数
type OrderMarketCancelParams struct {
	Market  *string
	AssetID *string
}

// CreateOrderOptions 创建订单选项
type CreateOrderOptions struct {
	TickSize TickSize
	NegRisk  *bool
}

// CancelResponse 取消订单响应
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// TradeParams 查询成交记录参数
type TradeParams struct {
	ID           *string
	Market       *string
	AssetID      *string
	MakerAddress *string
}

// TradesAPIResponse 成交记录列表响应（带分页游标）
type TradesAPIResponse struct {
	Data       []Trade `json:"data"`
	NextCursor string  `json:"next_cursor"`
	Limit      int     `json:"limit"`
	Count      int     `json:"count"`
}
