package marketstate

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
)

var log = logrus.WithField("component", "marketstate")

// Book 单个 token 的订单簿账本。
//
// 快照整本替换，增量按到达顺序逐档应用（size 为 0 删除该档）。
// 断线重连期间保留旧账本（"last known"），直到新快照到达。
// 档位以 pips 为键，避免浮点价格做 map key。
type Book struct {
	mu          sync.RWMutex
	bids        map[int]float64 // pips -> shares
	asks        map[int]float64
	hasSnapshot bool
	updatedAt   time.Time
}

// Level 一个价格档位。
type Level struct {
	Price domain.Price
	Size  float64
}

func NewBook() *Book {
	return &Book{
		bids: make(map[int]float64),
		asks: make(map[int]float64),
	}
}

// ApplySnapshot 用完整快照替换两侧账本。
func (b *Book) ApplySnapshot(bids, asks []types.OrderSummary) {
	newBids := parseLevels(bids)
	newAsks := parseLevels(asks)

	b.mu.Lock()
	b.bids = newBids
	b.asks = newAsks
	b.hasSnapshot = true
	b.updatedAt = time.Now()
	b.mu.Unlock()
}

// ApplyLevel 应用单档增量。size 为 0 删除档位。
func (b *Book) ApplyLevel(side types.Side, price domain.Price, size float64) {
	if price.IsZero() {
		return
	}

	b.mu.Lock()
	levels := b.bids
	if side == types.SideSell {
		levels = b.asks
	}
	if size <= 0 {
		delete(levels, price.Pips)
	} else {
		levels[price.Pips] = size
	}
	b.updatedAt = time.Now()
	b.mu.Unlock()
}

// BestBid 最高买价，未知返回零价格。
func (b *Book) BestBid() (domain.Price, float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	best, size := 0, 0.0
	for pips, sz := range b.bids {
		if pips > best {
			best, size = pips, sz
		}
	}
	return domain.Price{Pips: best}, size
}

// BestAsk 最低卖价，未知返回零价格。
func (b *Book) BestAsk() (domain.Price, float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	best, size := 0, 0.0
	for pips, sz := range b.asks {
		if best == 0 || pips < best {
			best, size = pips, sz
		}
	}
	return domain.Price{Pips: best}, size
}

// AvailableQtyAtPrice 返回到 limit 为止（含）可成交的累计数量。
// side 是吃单方向：BUY 走卖盘（ask ≤ limit），SELL 走买盘（bid ≥ limit）。
func (b *Book) AvailableQtyAtPrice(side types.Side, limit domain.Price) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total float64
	if side == types.SideBuy {
		for pips, sz := range b.asks {
			if pips <= limit.Pips {
				total += sz
			}
		}
	} else {
		for pips, sz := range b.bids {
			if pips >= limit.Pips {
				total += sz
			}
		}
	}
	return total
}

// Levels 返回一侧排好序的档位（买盘从高到低、卖盘从低到高），最多 depth 档。
// depth <= 0 返回全部。
func (b *Book) Levels(side types.Side, depth int) []Level {
	b.mu.RLock()
	src := b.bids
	if side == types.SideSell {
		src = b.asks
	}
	out := make([]Level, 0, len(src))
	for pips, sz := range src {
		out = append(out, Level{Price: domain.Price{Pips: pips}, Size: sz})
	}
	b.mu.RUnlock()

	if side == types.SideSell {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.Pips < out[j].Price.Pips })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.Pips > out[j].Price.Pips })
	}
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

// HasSnapshot 是否收到过至少一次完整快照。
func (b *Book) HasSnapshot() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hasSnapshot
}

// UpdatedAt 最近一次变更时间。
func (b *Book) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// IsFresh 账本是否在 maxAge 内更新过。
// 过期账本只上报不伪造，由调用方决定是否继续使用。
func (b *Book) IsFresh(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.hasSnapshot || b.updatedAt.IsZero() {
		return false
	}
	return time.Since(b.updatedAt) <= maxAge
}

func parseLevels(in []types.OrderSummary) map[int]float64 {
	out := make(map[int]float64, len(in))
	for _, lvl := range in {
		price, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			log.Warnf("跳过无法解析的档位价格 %q: %v", lvl.Price, err)
			continue
		}
		size, err := strconv.ParseFloat(lvl.Size, 64)
		if err != nil {
			log.Warnf("跳过无法解析的档位数量 %q: %v", lvl.Size, err)
			continue
		}
		if size <= 0 {
			continue
		}
		out[domain.PriceFromDecimal(price).Pips] = size
	}
	return out
}
