package bbgo

import (
	"context"

	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/services"
)

// OrderExecutor 通用下单切面。策略通常直接用注入的 TradingService
// （带角色标签和登记），这个接口留给不关心角色的简单策略。
type OrderExecutor interface {
	BuyLimit(ctx context.Context, m *domain.Market, assetID string, size float64, price domain.Price) (*services.OrderReceipt, error)
	SellLimit(ctx context.Context, m *domain.Market, assetID string, size float64, price domain.Price) (*services.OrderReceipt, error)
	Cancel(ctx context.Context, orderID string) error
}

type tradingServiceOrderExecutor struct {
	trading *services.TradingService
}

// NewTradingServiceOrderExecutor 把 TradingService 适配成 OrderExecutor。
func NewTradingServiceOrderExecutor(ts *services.TradingService) OrderExecutor {
	return &tradingServiceOrderExecutor{trading: ts}
}

func (e *tradingServiceOrderExecutor) BuyLimit(ctx context.Context, m *domain.Market, assetID string, size float64, price domain.Price) (*services.OrderReceipt, error) {
	return e.trading.BuyGTC(ctx, m, assetID, size, price, domain.RoleAccumulation)
}

func (e *tradingServiceOrderExecutor) SellLimit(ctx context.Context, m *domain.Market, assetID string, size float64, price domain.Price) (*services.OrderReceipt, error) {
	return e.trading.SellGTC(ctx, m, assetID, size, price, domain.RoleExit)
}

func (e *tradingServiceOrderExecutor) Cancel(ctx context.Context, orderID string) error {
	return e.trading.CancelOrder(ctx, orderID)
}
