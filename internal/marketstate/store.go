package marketstate

import (
	"strconv"
	"sync"
	"time"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
)

// Store 按 asset ID 管理多本订单簿。
// feed 层写入，策略/执行层只读；所有方法并发安全。
type Store struct {
	mu    sync.RWMutex
	books map[string]*Book
}

func NewStore() *Store {
	return &Store{books: make(map[string]*Book)}
}

// Book 返回指定 asset 的账本，不存在则创建。
func (s *Store) Book(assetID string) *Book {
	s.mu.RLock()
	b, ok := s.books[assetID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[assetID]; ok {
		return b
	}
	b = NewBook()
	s.books[assetID] = b
	return b
}

// Peek 返回已存在的账本，不创建。
func (s *Store) Peek(assetID string) (*Book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[assetID]
	return b, ok
}

// ApplySnapshot 应用一条完整快照消息。
func (s *Store) ApplySnapshot(summary *types.OrderBookSummary) {
	if summary == nil || summary.AssetID == "" {
		return
	}
	s.Book(summary.AssetID).ApplySnapshot(summary.Bids, summary.Asks)
}

// ApplyPriceChange 应用一条增量档位变更（价格和数量是线上的字符串格式）。
func (s *Store) ApplyPriceChange(assetID string, side types.Side, price, size string) {
	if assetID == "" {
		return
	}
	p, err := strconv.ParseFloat(price, 64)
	if err != nil {
		log.Warnf("丢弃无法解析的增量价格 %q: %v", price, err)
		return
	}
	sz, err := strconv.ParseFloat(size, 64)
	if err != nil {
		log.Warnf("丢弃无法解析的增量数量 %q: %v", size, err)
		return
	}
	s.Book(assetID).ApplyLevel(side, domain.PriceFromDecimal(p), sz)
}

// BestBid 指定 asset 的最高买价，无账本或空盘返回零价格。
func (s *Store) BestBid(assetID string) domain.Price {
	if b, ok := s.Peek(assetID); ok {
		p, _ := b.BestBid()
		return p
	}
	return domain.Price{}
}

// BestAsk 指定 asset 的最低卖价，无账本或空盘返回零价格。
func (s *Store) BestAsk(assetID string) domain.Price {
	if b, ok := s.Peek(assetID); ok {
		p, _ := b.BestAsk()
		return p
	}
	return domain.Price{}
}

// AvailableQtyAtPrice 指定 asset 到 limit 为止（含）可成交的累计数量。
func (s *Store) AvailableQtyAtPrice(assetID string, side types.Side, limit domain.Price) float64 {
	if b, ok := s.Peek(assetID); ok {
		return b.AvailableQtyAtPrice(side, limit)
	}
	return 0
}

// IsFresh 指定 asset 的账本是否在 maxAge 内更新过。
func (s *Store) IsFresh(assetID string, maxAge time.Duration) bool {
	if b, ok := s.Peek(assetID); ok {
		return b.IsFresh(maxAge)
	}
	return false
}

// Drop 移除账本（市场周期结束后清理）。
func (s *Store) Drop(assetID string) {
	s.mu.Lock()
	delete(s.books, assetID)
	s.mu.Unlock()
}

// Assets 返回当前持有账本的 asset 列表。
func (s *Store) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for id := range s.books {
		out = append(out, id)
	}
	return out
}
