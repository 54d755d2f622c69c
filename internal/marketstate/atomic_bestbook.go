package marketstate

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/arbx/goarb/internal/domain"
)

// AtomicBestBook 提供"锁自由的 top-of-book 快照"。
//
// 目标：
// - 高频写入（WS）与高频读取（策略/执行）解耦
// - 读取时拿到一致快照（避免多字段撕裂）
// - 只缓存策略最常用的数据：UP/DOWN 的 bid/ask（以及 top size）
//
// 价格单位：domain.Price.Pips（= 价格 * 10000，通常 1~9999）。
// size 单位：shares，按 1e4 缩放存储（uint32）。
// 0 表示该侧未知（空盘或尚未收到快照），写入方每次全量覆盖。
type AtomicBestBook struct {
	// pricesPacked: [up_bid_pips:16][up_ask_pips:16][down_bid_pips:16][down_ask_pips:16]
	pricesPacked atomic.Uint64

	// bidSizesPacked: [up_bid_size:32][down_bid_size:32] (sizeScaled)
	bidSizesPacked atomic.Uint64
	// askSizesPacked: [up_ask_size:32][down_ask_size:32] (sizeScaled)
	askSizesPacked atomic.Uint64

	updatedAtUnixMs atomic.Int64
}

type BestBookSnapshot struct {
	UpBidPips   uint16
	UpAskPips   uint16
	DownBidPips uint16
	DownAskPips uint16

	UpBidSizeScaled   uint32
	UpAskSizeScaled   uint32
	DownBidSizeScaled uint32
	DownAskSizeScaled uint32

	UpdatedAt time.Time
}

// sizeScale size 的定点缩放倍数
const sizeScale = 10000

func NewAtomicBestBook() *AtomicBestBook {
	b := &AtomicBestBook{}
	b.updatedAtUnixMs.Store(0)
	return b
}

// Reset 清空所有缓存的 top-of-book 数据。
//
// 重要：必须"原地重置"，不能通过替换 *AtomicBestBook 指针来 reset。
// 因为上层（Session/策略）通常会缓存 BestBook 指针，替换指针会导致它们继续读到旧对象里的旧数据。
func (b *AtomicBestBook) Reset() {
	if b == nil {
		return
	}
	b.pricesPacked.Store(0)
	b.bidSizesPacked.Store(0)
	b.askSizesPacked.Store(0)
	b.updatedAtUnixMs.Store(0)
}

func (b *AtomicBestBook) Load() BestBookSnapshot {
	p := b.pricesPacked.Load()
	bids := b.bidSizesPacked.Load()
	asks := b.askSizesPacked.Load()
	ms := b.updatedAtUnixMs.Load()

	var t time.Time
	if ms > 0 {
		t = time.UnixMilli(ms)
	}

	return BestBookSnapshot{
		UpBidPips:   uint16((p >> 48) & 0xFFFF),
		UpAskPips:   uint16((p >> 32) & 0xFFFF),
		DownBidPips: uint16((p >> 16) & 0xFFFF),
		DownAskPips: uint16(p & 0xFFFF),

		UpBidSizeScaled:   uint32((bids >> 32) & 0xFFFFFFFF),
		DownBidSizeScaled: uint32(bids & 0xFFFFFFFF),
		UpAskSizeScaled:   uint32((asks >> 32) & 0xFFFFFFFF),
		DownAskSizeScaled: uint32(asks & 0xFFFFFFFF),

		UpdatedAt: t,
	}
}

func (b *AtomicBestBook) UpdatedAt() time.Time {
	ms := b.updatedAtUnixMs.Load()
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (b *AtomicBestBook) IsFresh(maxAge time.Duration) bool {
	if b == nil {
		return false
	}
	t := b.UpdatedAt()
	if t.IsZero() {
		return false
	}
	return time.Since(t) <= maxAge
}

// SetToken 全量覆盖某一侧（UP 或 DOWN）的 bid/ask 价格和 top size。
// 写入方每次都从账本重算完整 top，因此这里没有"保留旧值"的语义：
// 传 0 就是写 0（未知/空盘）。
func (b *AtomicBestBook) SetToken(token domain.TokenType, bidPips, askPips uint16, bidSizeScaled, askSizeScaled uint32) {
	if b == nil {
		return
	}

	for {
		cur := b.pricesPacked.Load()
		upBid := uint16((cur >> 48) & 0xFFFF)
		upAsk := uint16((cur >> 32) & 0xFFFF)
		downBid := uint16((cur >> 16) & 0xFFFF)
		downAsk := uint16(cur & 0xFFFF)

		switch token {
		case domain.TokenTypeUp:
			upBid, upAsk = bidPips, askPips
		case domain.TokenTypeDown:
			downBid, downAsk = bidPips, askPips
		default:
			return
		}

		next := packPrices(upBid, upAsk, downBid, downAsk)
		if b.pricesPacked.CompareAndSwap(cur, next) {
			break
		}
	}

	for {
		cur := b.bidSizesPacked.Load()
		up := uint32((cur >> 32) & 0xFFFFFFFF)
		down := uint32(cur & 0xFFFFFFFF)
		if token == domain.TokenTypeUp {
			up = bidSizeScaled
		} else {
			down = bidSizeScaled
		}
		next := packSizes(up, down)
		if b.bidSizesPacked.CompareAndSwap(cur, next) {
			break
		}
	}

	for {
		cur := b.askSizesPacked.Load()
		up := uint32((cur >> 32) & 0xFFFFFFFF)
		down := uint32(cur & 0xFFFFFFFF)
		if token == domain.TokenTypeUp {
			up = askSizeScaled
		} else {
			down = askSizeScaled
		}
		next := packSizes(up, down)
		if b.askSizesPacked.CompareAndSwap(cur, next) {
			break
		}
	}

	b.updatedAtUnixMs.Store(time.Now().UnixMilli())
}

func packPrices(upBid, upAsk, downBid, downAsk uint16) uint64 {
	return (uint64(upBid) << 48) | (uint64(upAsk) << 32) | (uint64(downBid) << 16) | uint64(downAsk)
}

func packSizes(up, down uint32) uint64 {
	return (uint64(up) << 32) | uint64(down)
}

// ScaleSize shares -> 定点 uint32，溢出时饱和。
func ScaleSize(shares float64) uint32 {
	if shares <= 0 {
		return 0
	}
	scaled := shares * sizeScale
	if scaled >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(math.Round(scaled))
}

// Bid 指定 token 的最高买价。
func (s BestBookSnapshot) Bid(token domain.TokenType) domain.Price {
	if token == domain.TokenTypeUp {
		return domain.Price{Pips: int(s.UpBidPips)}
	}
	return domain.Price{Pips: int(s.DownBidPips)}
}

// Ask 指定 token 的最低卖价。
func (s BestBookSnapshot) Ask(token domain.TokenType) domain.Price {
	if token == domain.TokenTypeUp {
		return domain.Price{Pips: int(s.UpAskPips)}
	}
	return domain.Price{Pips: int(s.DownAskPips)}
}

// BidSize 指定 token 的最高买价档数量（shares）。
func (s BestBookSnapshot) BidSize(token domain.TokenType) float64 {
	if token == domain.TokenTypeUp {
		return float64(s.UpBidSizeScaled) / sizeScale
	}
	return float64(s.DownBidSizeScaled) / sizeScale
}

// AskSize 指定 token 的最低卖价档数量（shares）。
func (s BestBookSnapshot) AskSize(token domain.TokenType) float64 {
	if token == domain.TokenTypeUp {
		return float64(s.UpAskSizeScaled) / sizeScale
	}
	return float64(s.DownAskSizeScaled) / sizeScale
}

// Mid 指定 token 的中间价（小数）。任一侧未知返回 0。
func (s BestBookSnapshot) Mid(token domain.TokenType) float64 {
	bid, ask := s.Bid(token), s.Ask(token)
	if bid.IsZero() || ask.IsZero() {
		return 0
	}
	return (bid.ToDecimal() + ask.ToDecimal()) / 2
}
