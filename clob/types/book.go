package types

// OrderBookSummary 订单簿快照（REST 与 WS snapshot 共用）
type OrderBookSummary struct {
	Market       string         `json:"market"`
	AssetID      string         `json:"asset_id"`
	Timestamp    string         `json:"timestamp"`
	Bids         []OrderSummary `json:"bids"`
	Asks         []OrderSummary `json:"asks"`
	MinOrderSize string         `json:"min_order_size"`
	TickSize     string         `json:"tick_size"`
	NegRisk      bool           `json:"neg_risk"`
	Hash         string         `json:"hash"`
}

// OrderSummary 单个价格档位
type OrderSummary struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookParams 订单簿查询参数
type BookParams struct {
	TokenID string
	Side    Side
}

// MakerOrder 成交事件中的单个 maker 记录。
// MatchedAmount 是该 maker 实际成交的数量，多 maker 成交必须逐条累加。
type MakerOrder struct {
	OrderID       string `json:"order_id"`
	Owner         string `json:"owner"`
	MakerAddress  string `json:"maker_address"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
	FeeRateBps    string `json:"fee_rate_bps"`
	AssetID       string `json:"asset_id"`
	Outcome       string `json:"outcome"`
	Side          Side   `json:"side"`
}

// Trade 用户频道成交事件。
// 顶层 Size 是请求数量而非成交数量；实际成交量 = Σ MakerOrders.MatchedAmount。
type Trade struct {
	ID              string       `json:"id"`
	TakerOrderID    string       `json:"taker_order_id"`
	Market          string       `json:"market"`
	AssetID         string       `json:"asset_id"`
	Side            Side         `json:"side"`
	Size            string       `json:"size"`
	FeeRateBps      string       `json:"fee_rate_bps"`
	Price           string       `json:"price"`
	Status          string       `json:"status"`
	MatchTime       string       `json:"match_time"`
	LastUpdate      string       `json:"last_update"`
	Outcome         string       `json:"outcome"`
	Owner           string       `json:"owner"`
	MakerAddress    string       `json:"maker_address"`
	MakerOrders     []MakerOrder `json:"maker_orders"`
	TransactionHash string       `json:"transaction_hash"`
	TraderSide      string       `json:"trader_side"` // "TAKER" | "MAKER"
}

// PriceResponse /price 响应
type PriceResponse struct {
	Price string `json:"price"`
}

// MidpointResponse /midpoint 响应
type MidpointResponse struct {
	Mid string `json:"mid"`
}

// TickSizeResponse /tick-size 响应
type TickSizeResponse struct {
	MinimumTickSize float64 `json:"minimum_tick_size"`
}

// NegRiskResponse /neg-risk 响应
type NegRiskResponse struct {
	NegRisk bool `json:"neg_risk"`
}

// BalanceAllowanceParams 余额和授权查询参数
type BalanceAllowanceParams struct {
	AssetType     AssetType
	TokenID       *string
	SignatureType *SignatureType
}

// BalanceAllowanceResponse 余额和授权响应
type BalanceAllowanceResponse struct {
	Balance             string            `json:"balance"`
	Allowance           string            `json:"allowance"`
	CollateralBalance   string            `json:"collateralBalance,omitempty"`
	CollateralAllowance string            `json:"collateralAllowance,omitempty"`
	Allowances          map[string]string `json:"allowances,omitempty"`
}
