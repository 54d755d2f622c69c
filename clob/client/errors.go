package client

import "errors"

// MinOrderValueUSDC 交易所接受的最小订单名义价值（size × price）
const MinOrderValueUSDC = 1.0

var (
	// ErrOrderValueTooSmall 订单名义价值低于 $1，交易所会拒绝。
	// 策略层用 errors.Is 识别并跳过这类订单，而不是让请求失败后重试。
	ErrOrderValueTooSmall = errors.New("订单价值低于 $1 最小限制")

	// ErrUnsupportedSignatureType 仅支持 EOA(0) 和 POLY_GNOSIS_SAFE(2)
	ErrUnsupportedSignatureType = errors.New("不支持的签名类型")

	// ErrInsufficientLiquidity 订单簿流动性不足以成交
	ErrInsufficientLiquidity = errors.New("订单簿流动性不足")
)
