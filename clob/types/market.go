package types

// ClobToken CLOB 市场中的单个结果代币
type ClobToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
	Winner  bool    `json:"winner"`
}

// ClobMarket CLOB /markets 返回的市场结构
type ClobMarket struct {
	ConditionID      string      `json:"condition_id"`
	QuestionID       string      `json:"question_id"`
	Tokens           []ClobToken `json:"tokens"`
	MinimumOrderSize float64     `json:"minimum_order_size"`
	MinimumTickSize  float64     `json:"minimum_tick_size"`
	Description      string      `json:"description"`
	EndDateISO       string      `json:"end_date_iso"`
	MarketSlug       string      `json:"market_slug"`
	NegRisk          bool        `json:"neg_risk"`
	Active           bool        `json:"active"`
	Closed           bool        `json:"closed"`
	AcceptingOrders  bool        `json:"accepting_orders"`
}

// TokenByOutcome 按 outcome 名称查找代币（不区分大小写由调用方保证）
func (m *ClobMarket) TokenByOutcome(outcome string) (ClobToken, bool) {
	for _, t := range m.Tokens {
		if t.Outcome == outcome {
			return t, true
		}
	}
	return ClobToken{}, false
}

// ClobMarketsResponse /markets 分页响应
type ClobMarketsResponse struct {
	Data       []ClobMarket `json:"data"`
	NextCursor string       `json:"next_cursor"`
	Limit      int          `json:"limit"`
	Count      int          `json:"count"`
}
