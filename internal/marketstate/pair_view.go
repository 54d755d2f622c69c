package marketstate

import (
	"github.com/arbx/goarb/internal/domain"
)

// PairView 把一个二元市场的 Up/Down 两个 token 绑定到原子 top-of-book 缓存。
// feed 在账本变更后调用 Refresh，策略热路径读 Best()，不碰账本锁。
type PairView struct {
	upAsset   string
	downAsset string
	store     *Store
	best      *AtomicBestBook
}

func NewPairView(store *Store, market *domain.Market) *PairView {
	return &PairView{
		upAsset:   market.AssetID(domain.TokenTypeUp),
		downAsset: market.AssetID(domain.TokenTypeDown),
		store:     store,
		best:      NewAtomicBestBook(),
	}
}

// Covers 该 asset 是否属于这个市场对。
func (p *PairView) Covers(assetID string) bool {
	return assetID == p.upAsset || assetID == p.downAsset
}

// TokenOf 反查 asset 对应的 token 方向。
func (p *PairView) TokenOf(assetID string) (domain.TokenType, bool) {
	switch assetID {
	case p.upAsset:
		return domain.TokenTypeUp, true
	case p.downAsset:
		return domain.TokenTypeDown, true
	}
	return "", false
}

// Refresh 在 assetID 的账本变更后重算该侧 top 并写入原子缓存。
// 不属于本市场对的 asset 被忽略。
func (p *PairView) Refresh(assetID string) {
	token, ok := p.TokenOf(assetID)
	if !ok {
		return
	}
	book, ok := p.store.Peek(assetID)
	if !ok {
		return
	}

	bid, bidSize := book.BestBid()
	ask, askSize := book.BestAsk()
	p.best.SetToken(token,
		uint16(bid.Pips), uint16(ask.Pips),
		ScaleSize(bidSize), ScaleSize(askSize))
}

// Best 当前 top-of-book 一致快照。
func (p *PairView) Best() BestBookSnapshot {
	return p.best.Load()
}

// BestBook 暴露底层原子缓存（Session 层会长期持有指针）。
func (p *PairView) BestBook() *AtomicBestBook {
	return p.best
}

// Reset 清空缓存（市场周期切换时原地重置）。
func (p *PairView) Reset() {
	p.best.Reset()
}
