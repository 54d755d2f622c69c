package services

import (
	"context"
	"math"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/types"
)

var aumLog = logrus.WithField("component", "aum")

// chainBalanceSource 链上 USDC 余额（RPC 直查代理钱包）
type chainBalanceSource interface {
	GetUSDCBalanceForAddress(ctx context.Context, address common.Address) (float64, error)
}

// clobBalanceSource 交易所侧余额（链上查询失败时的兜底）
type clobBalanceSource interface {
	GetBalanceAllowance(ctx context.Context, params *types.BalanceAllowanceParams) (*types.BalanceAllowanceResponse, error)
}

// portfolioSource 数据 API 持仓估值
type portfolioSource interface {
	GetPortfolioValue(ctx context.Context, user string) (float64, error)
}

// AUMSnapshot 资金快照
type AUMSnapshot struct {
	CashUSDC       float64 // 可用 USDC
	PositionsValue float64 // 持仓市值（数据 API 口径，最终一致）
}

// Total 总资产
func (s AUMSnapshot) Total() float64 {
	return s.CashUSDC + s.PositionsValue
}

// AUMService 资金规模评估。
// 现金优先走 RPC 直查（结算/赎回带来的余额变化不经过订单回调），
// RPC 不可用时退回交易所余额接口；持仓市值来自数据 API。
type AUMService struct {
	chain chainBalanceSource // 可选
	clob  clobBalanceSource  // 可选
	data  portfolioSource
	user  string // proxy 钱包地址
}

func NewAUMService(chain chainBalanceSource, clob clobBalanceSource, data portfolioSource, user string) *AUMService {
	return &AUMService{chain: chain, clob: clob, data: data, user: user}
}

// Snapshot 取一次资金快照。现金和持仓两路都失败才报错。
func (s *AUMService) Snapshot(ctx context.Context) (AUMSnapshot, error) {
	snap := AUMSnapshot{}

	cash, cashErr := s.cashBalance(ctx)
	if cashErr != nil {
		aumLog.Warnf("⚠️ USDC 余额查询失败: %v", cashErr)
	} else {
		snap.CashUSDC = cash
	}

	var valueErr error
	if s.data != nil {
		var value float64
		value, valueErr = s.data.GetPortfolioValue(ctx, s.user)
		if valueErr != nil {
			aumLog.Warnf("⚠️ 持仓估值查询失败: %v", valueErr)
		} else {
			snap.PositionsValue = value
		}
	}

	if cashErr != nil && valueErr != nil {
		return snap, errors.New("余额与持仓估值均不可用")
	}
	aumLog.Infof("💰 AUM 快照: 现金 $%.2f + 持仓 $%.2f = $%.2f",
		snap.CashUSDC, snap.PositionsValue, snap.Total())
	return snap, nil
}

// cashBalance 链上优先，交易所接口兜底
func (s *AUMService) cashBalance(ctx context.Context) (float64, error) {
	var chainErr error
	if s.chain != nil && s.user != "" {
		balance, err := s.chain.GetUSDCBalanceForAddress(ctx, common.HexToAddress(s.user))
		if err == nil {
			return balance, nil
		}
		chainErr = err
	}

	if s.clob == nil {
		if chainErr != nil {
			return 0, chainErr
		}
		return 0, errors.New("没有可用的余额来源")
	}
	resp, err := s.clob.GetBalanceAllowance(ctx, &types.BalanceAllowanceParams{
		AssetType: types.AssetTypeCollateral,
	})
	if err != nil {
		return 0, err
	}
	raw := resp.CollateralBalance
	if raw == "" {
		raw = resp.Balance
	}
	if raw == "" {
		return 0, nil
	}
	units, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "余额字段无法解析: %q", raw)
	}
	return float64(units) / 1e6, nil
}

// BaseOrderSize 用 AUM 推每笔基础下单金额：预算比例摊到目标笔数上。
// budgetPct 是 0~1 的比例；targetTrades 非正值落到 25；结果不低于平台
// 最小订单价值 $1。
func BaseOrderSize(aum, budgetPct float64, targetTrades int) float64 {
	if targetTrades <= 0 {
		targetTrades = 25
	}
	if budgetPct <= 0 {
		return 1.0
	}
	if budgetPct > 1 {
		budgetPct = 1
	}
	base := aum * budgetPct / float64(targetTrades)
	base = math.Floor(base*100) / 100
	if base < 1.0 {
		return 1.0
	}
	return base
}
