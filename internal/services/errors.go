package services

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/arbx/goarb/clob/client"
)

// 执行层的永久性错误哨兵。调用方用 errors.Is 判断后直接放弃重试：
// 这些错误重试也不会变好，属于"跳过本次动作"而不是"退避后再来"。
var (
	// ErrPriceOutOfBand 价格在 [tick, 1-tick] 合法区间之外（交易所拒单或本地预检拒绝）
	ErrPriceOutOfBand = errors.New("price out of band")

	// ErrRateLimited 命中交易所/中继器限频（调用方应等下一轮，不应丢弃意图）
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyDone 幂等操作的目标状态已达成（取消已取消的单、合并已合并的仓位）。
	// 按成功处理，此哨兵只在需要区分"真做了"和"早就是了"时使用。
	ErrAlreadyDone = errors.New("already done")
)

// ErrOrderValueTooSmall 复用 clob 层的同名哨兵（size*price < $1 拒单）
var ErrOrderValueTooSmall = client.ErrOrderValueTooSmall

// classifyOrderError 把交易所响应里的 errorMsg 归类到哨兵错误。
// 识别不了的消息原样包一层返回，调用方按可重试处理。
func classifyOrderError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many"):
		return errors.Wrap(ErrRateLimited, msg)
	case strings.Contains(lower, "min") && (strings.Contains(lower, "size") || strings.Contains(lower, "order")):
		return errors.Wrap(ErrOrderValueTooSmall, msg)
	case strings.Contains(lower, "invalid") && strings.Contains(lower, "price"):
		return errors.Wrap(ErrPriceOutOfBand, msg)
	case strings.Contains(lower, "price") && strings.Contains(lower, "band"):
		return errors.Wrap(ErrPriceOutOfBand, msg)
	default:
		return errors.New(msg)
	}
}

// IsPermanentOrderError 是否为不应重试的下单错误
func IsPermanentOrderError(err error) bool {
	return errors.Is(err, ErrOrderValueTooSmall) ||
		errors.Is(err, ErrPriceOutOfBand) ||
		errors.Is(err, ErrDuplicateInFlight)
}
