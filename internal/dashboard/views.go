package dashboard

import (
	"time"

	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/risk"
)

// statusView GET /api/status 响应。
type statusView struct {
	StartedAt     time.Time     `json:"started_at"`
	UptimeSecs    int64         `json:"uptime_secs"`
	Markets       int           `json:"markets"`
	Subscriptions int           `json:"subscriptions"`
	OpenOrders    int           `json:"open_orders"`
	WSClients     int           `json:"ws_clients"`
	Breakers      *breakersView `json:"breakers,omitempty"`
	AUM           *aumView      `json:"aum,omitempty"`
}

type breakersView struct {
	ConsecutiveLosses int     `json:"consecutive_losses"`
	SessionLossUSD    float64 `json:"session_loss_usd"`
	ActiveGames       int     `json:"active_games"`
	ActiveCycles      int     `json:"active_cycles"`
}

type aumView struct {
	CashUSDC       float64 `json:"cash_usdc"`
	PositionsValue float64 `json:"positions_value"`
	Total          float64 `json:"total"`
}

func newBreakersView(s risk.SessionSnapshot) *breakersView {
	return &breakersView{
		ConsecutiveLosses: s.ConsecutiveLosses,
		SessionLossUSD:    s.SessionLossUSD,
		ActiveGames:       s.ActiveGames,
		ActiveCycles:      s.ActiveCycles,
	}
}

// positionView 单市场持仓快照（台账实时口径）。
type positionView struct {
	Market           string    `json:"market"`
	QtyUp            float64   `json:"qty_up"`
	QtyDown          float64   `json:"qty_down"`
	CostUp           float64   `json:"cost_up"`
	CostDown         float64   `json:"cost_down"`
	PairCost         float64   `json:"pair_cost"`
	HedgedPairs      float64   `json:"hedged_pairs"`
	GuaranteedProfit float64   `json:"guaranteed_profit"`
	Imbalance        float64   `json:"imbalance"`
	Taken            time.Time `json:"taken"`
}

func newPositionView(snap domain.Snapshot) positionView {
	return positionView{
		Market:           snap.Market,
		QtyUp:            snap.QtyUp,
		QtyDown:          snap.QtyDown,
		CostUp:           snap.CostUp,
		CostDown:         snap.CostDown,
		PairCost:         snap.PairCost,
		HedgedPairs:      snap.HedgedPairs,
		GuaranteedProfit: snap.GuaranteedProfit,
		Imbalance:        snap.Imbalance,
		Taken:            snap.Taken,
	}
}

// orderView 追踪器里的挂单。
type orderView struct {
	OrderID    string    `json:"order_id"`
	Market     string    `json:"market"`
	AssetID    string    `json:"asset_id"`
	Side       string    `json:"side"`
	TokenType  string    `json:"token_type"`
	Role       string    `json:"role"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	FilledSize float64   `json:"filled_size"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func newOrderView(o *domain.Order) orderView {
	return orderView{
		OrderID:    o.OrderID,
		Market:     o.MarketSlug,
		AssetID:    o.AssetID,
		Side:       string(o.Side),
		TokenType:  string(o.TokenType),
		Role:       string(o.Role),
		Price:      o.Price.ToDecimal(),
		Size:       o.Size,
		FilledSize: o.FilledSize,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
	}
}

// cycleView 冲击回归周期。
type cycleView struct {
	CycleID      string     `json:"cycle_id"`
	GameID       string     `json:"game_id"`
	Market       string     `json:"market"`
	PresplitUSD  float64    `json:"presplit_usd"`
	ShockSide    string     `json:"shock_side"`
	EntryMid     float64    `json:"entry_mid"`
	ShockAt      time.Time  `json:"shock_at"`
	SoldShares   float64    `json:"sold_shares"`
	SoldProceeds float64    `json:"sold_proceeds"`
	RealizedPnL  float64    `json:"realized_pnl"`
	Outcome      string     `json:"outcome"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

func newCycleView(c domain.Cycle) cycleView {
	return cycleView{
		CycleID:      c.CycleID,
		GameID:       c.GameID,
		Market:       c.MarketSlug,
		PresplitUSD:  c.PresplitUSD,
		ShockSide:    c.ShockSide,
		EntryMid:     c.EntryMid,
		ShockAt:      c.ShockAt,
		SoldShares:   c.SoldShares,
		SoldProceeds: c.SoldProceeds,
		RealizedPnL:  c.RealizedPnL(),
		Outcome:      string(c.Outcome),
		CreatedAt:    c.CreatedAt,
		ClosedAt:     c.ClosedAt,
	}
}

// Event 推给 WS 客户端的事件封包。
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}
