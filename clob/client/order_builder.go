package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"

	"github.com/arbx/goarb/clob/types"
)

// RoundConfig 舍入配置
type RoundConfig struct {
	Price  int // 价格小数位数
	Size   int // 数量小数位数
	Amount int // 金额小数位数
}

// RoundingConfig 根据 tick size 返回舍入配置
var RoundingConfig = map[types.TickSize]RoundConfig{
	types.TickSize01: {
		Price:  1,
		Size:   2,
		Amount: 3,
	},
	types.TickSize001: {
		Price:  2,
		Size:   2,
		Amount: 4,
	},
	types.TickSize0001: {
		Price:  3,
		Size:   2,
		Amount: 5,
	},
	types.TickSize00001: {
		Price:  4,
		Size:   2,
		Amount: 6,
	},
}

// OrderBuilder 订单构建器
type OrderBuilder struct {
	client        *Client
	signatureType types.SignatureType
	funderAddress string
}

// NewOrderBuilder 创建新的订单构建器
func NewOrderBuilder(client *Client, signatureType types.SignatureType, funderAddress string) *OrderBuilder {
	return &OrderBuilder{
		client:        client,
		signatureType: signatureType,
		funderAddress: funderAddress,
	}
}

// BuildOrder 构建并签名订单。
// options 为 nil 或缺字段时，tick size 和 neg_risk 从 API 查询并缓存。
func (ob *OrderBuilder) BuildOrder(ctx context.Context, userOrder *types.UserOrder, options *types.CreateOrderOptions) (*types.SignedOrder, error) {
	opts, err := ob.client.resolveOrderOptions(ctx, userOrder.TokenID, options)
	if err != nil {
		return nil, err
	}

	roundConfig, ok := RoundingConfig[opts.TickSize]
	if !ok {
		return nil, fmt.Errorf("不支持的 tick size: %s", opts.TickSize)
	}

	// 价格必须在 [tick, 1-tick] 区间内
	tick := opts.TickSize.Decimal()
	if userOrder.Price < tick-1e-12 || userOrder.Price > 1-tick+1e-12 {
		return nil, fmt.Errorf("价格 %.4f 超出有效区间 [%.4f, %.4f]", userOrder.Price, tick, 1-tick)
	}

	signerAddress := crypto.PubkeyToAddress(ob.client.authConfig.PrivateKey.PublicKey)

	// maker 是资金来源：EOA 模式即签名地址，Safe 模式是代理合约地址
	maker := signerAddress.Hex()
	if ob.funderAddress != "" {
		maker = ob.funderAddress
	}

	rawMakerAmt, rawTakerAmt, err := getOrderRawAmounts(
		userOrder.Side,
		userOrder.Size,
		userOrder.Price,
		roundConfig,
	)
	if err != nil {
		return nil, fmt.Errorf("计算金额失败: %w", err)
	}

	// 名义价值低于 $1 交易所直接拒单，提前拦截
	usdcValue := rawMakerAmt
	if userOrder.Side == types.SideSell {
		usdcValue = rawTakerAmt
	}
	if usdcValue+1e-9 < MinOrderValueUSDC {
		return nil, fmt.Errorf("%w: %.4f × %.4f = $%.4f", ErrOrderValueTooSmall, userOrder.Size, userOrder.Price, usdcValue)
	}

	makerAmount := parseUnits(rawMakerAmt, CollateralTokenDecimals)
	takerAmount := parseUnits(rawTakerAmt, CollateralTokenDecimals)

	taker := "0x0000000000000000000000000000000000000000"
	if userOrder.Taker != nil && *userOrder.Taker != "" {
		taker = *userOrder.Taker
	}

	feeRateBps := int64(0)
	if userOrder.FeeRateBps != nil {
		feeRateBps = int64(*userOrder.FeeRateBps)
	}

	nonce := int64(0)
	if userOrder.Nonce != nil {
		nonce = int64(*userOrder.Nonce)
	}

	expiration := int64(0)
	if userOrder.Expiration != nil {
		expiration = *userOrder.Expiration
	}

	orderSide := gomodel.BUY
	if userOrder.Side == types.SideSell {
		orderSide = gomodel.SELL
	}

	sigType := gomodel.EOA
	if ob.signatureType == types.SignatureTypeGnosisSafe {
		sigType = gomodel.POLY_GNOSIS_SAFE
	}

	var verifyingContract gomodel.VerifyingContract = gomodel.CTFExchange
	if opts.NegRisk != nil && *opts.NegRisk {
		verifyingContract = gomodel.NegRiskCTFExchange
	}

	orderData := &gomodel.OrderData{
		Maker:         maker,
		Taker:         taker,
		TokenId:       userOrder.TokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		FeeRateBps:    strconv.FormatInt(feeRateBps, 10),
		Nonce:         strconv.FormatInt(nonce, 10),
		Signer:        signerAddress.Hex(),
		Expiration:    strconv.FormatInt(expiration, 10),
		Side:          orderSide,
		SignatureType: sigType,
	}

	signed, err := ob.client.orderBuilder.BuildSignedOrder(
		ob.client.authConfig.PrivateKey,
		orderData,
		verifyingContract,
	)
	if err != nil {
		return nil, fmt.Errorf("签名订单失败: %w", err)
	}

	return &types.SignedOrder{
		Salt:          json.Number(signed.Order.Salt.String()),
		Maker:         signed.Order.Maker.Hex(),
		Signer:        signed.Order.Signer.Hex(),
		Taker:         signed.Order.Taker.Hex(),
		TokenID:       userOrder.TokenID,
		MakerAmount:   signed.Order.MakerAmount.String(),
		TakerAmount:   signed.Order.TakerAmount.String(),
		Expiration:    signed.Order.Expiration.String(),
		Nonce:         signed.Order.Nonce.String(),
		FeeRateBps:    signed.Order.FeeRateBps.String(),
		Side:          userOrder.Side,
		SignatureType: int(signed.Order.SignatureType.Int64()),
		Signature:     "0x" + hex.EncodeToString(signed.Signature),
	}, nil
}

// resolveOrderOptions 补全订单选项；缺失字段从 API 查询并缓存
func (c *Client) resolveOrderOptions(ctx context.Context, tokenID string, options *types.CreateOrderOptions) (*types.CreateOrderOptions, error) {
	resolved := &types.CreateOrderOptions{}
	if options != nil {
		*resolved = *options
	}

	if resolved.TickSize == "" {
		ts, err := c.GetTickSize(ctx, tokenID)
		if err != nil {
			return nil, fmt.Errorf("查询 tick size 失败: %w", err)
		}
		resolved.TickSize = ts
	}

	if resolved.NegRisk == nil {
		nr, err := c.GetNegRiskFlag(ctx, tokenID)
		if err != nil {
			return nil, fmt.Errorf("查询 neg_risk 失败: %w", err)
		}
		resolved.NegRisk = &nr
	}

	return resolved, nil
}

// decimalPlaces 返回数字的小数位数
func decimalPlaces(num float64) int {
	if num == math.Trunc(num) {
		return 0
	}
	str := strconv.FormatFloat(num, 'f', -1, 64)
	parts := strings.Split(str, ".")
	if len(parts) < 2 {
		return 0
	}
	return len(parts[1])
}

// roundNormal 四舍五入到指定小数位数
func roundNormal(num float64, decimals int) float64 {
	if decimalPlaces(num) <= decimals {
		return num
	}
	multiplier := math.Pow(10, float64(decimals))
	return math.Round(num*multiplier) / multiplier
}

// roundDown 向下舍入到指定小数位数
func roundDown(num float64, decimals int) float64 {
	if decimalPlaces(num) <= decimals {
		return num
	}
	multiplier := math.Pow(10, float64(decimals))
	return math.Floor(num*multiplier) / multiplier
}

// roundUp 向上舍入到指定小数位数
func roundUp(num float64, decimals int) float64 {
	if decimalPlaces(num) <= decimals {
		return num
	}
	multiplier := math.Pow(10, float64(decimals))
	return math.Ceil(num*multiplier) / multiplier
}

// getOrderRawAmounts 计算订单的 maker/taker 金额
func getOrderRawAmounts(
	side types.Side,
	size float64,
	price float64,
	roundConfig RoundConfig,
) (rawMakerAmt float64, rawTakerAmt float64, err error) {
	rawPrice := roundNormal(price, roundConfig.Price)

	if side == types.SideBuy {
		// 买入：taker 获得 tokens，maker 支付 USDC
		rawTakerAmt = roundDown(size, roundConfig.Size)

		rawMakerAmt = rawTakerAmt * rawPrice
		if decimalPlaces(rawMakerAmt) > roundConfig.Amount {
			rawMakerAmt = roundUp(rawMakerAmt, roundConfig.Amount+4)
			if decimalPlaces(rawMakerAmt) > roundConfig.Amount {
				rawMakerAmt = roundDown(rawMakerAmt, roundConfig.Amount)
			}
		}
	} else {
		// 卖出：maker 给出 tokens（2位小数），taker 支付 USDC（4位小数）
		rawMakerAmt = roundDown(size, roundConfig.Size)

		rawTakerAmt = rawMakerAmt * rawPrice
		if decimalPlaces(rawTakerAmt) > 4 {
			rawTakerAmt = roundDown(rawTakerAmt, 4)
		}
		if decimalPlaces(rawMakerAmt) > 2 {
			rawMakerAmt = roundDown(rawMakerAmt, 2)
			rawTakerAmt = rawMakerAmt * rawPrice
			if decimalPlaces(rawTakerAmt) > 4 {
				rawTakerAmt = roundDown(rawTakerAmt, 4)
			}
		}
	}

	return rawMakerAmt, rawTakerAmt, nil
}

// parseUnits 将金额转换为链上整数单位（USDC 为 6 位小数）。
// 二进制浮点略小于十进制值时直接截断会少 1 个最小单位，所以四舍五入。
func parseUnits(value float64, decimals int) *big.Int {
	multiplier := new(big.Float).SetFloat64(math.Pow(10, float64(decimals)))
	valueBig := new(big.Float).SetFloat64(value)
	result := new(big.Float).Mul(valueBig, multiplier)
	result.Add(result, big.NewFloat(0.5))

	resultInt, _ := result.Int(nil)
	return resultInt
}
