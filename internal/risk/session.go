package risk

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrSessionLimit 会话级风控上限已触发，暂停开新周期。
var ErrSessionLimit = errors.New("session limit reached")

// SessionLimits 周期准入上限。<= 0 的字段表示不设限。
type SessionLimits struct {
	MaxConsecutiveLosses int     // 连续亏损周期数
	MaxSessionLossUSD    float64 // 本会话累计亏损（美元，正数）
	MaxConcurrentGames   int     // 同时持有周期的比赛数
	MaxCyclesPerGame     int     // 单场比赛并发周期数
}

func DefaultSessionLimits() SessionLimits {
	return SessionLimits{
		MaxConsecutiveLosses: 3,
		MaxSessionLossUSD:    30,
		MaxConcurrentGames:   2,
		MaxCyclesPerGame:     2,
	}
}

// SessionBreakers 冲击回归策略的周期准入风控：连续亏损、会话亏损、
// 并发比赛数、单场并发周期数，任一越线就拒绝新周期。
// 低频路径，直接上锁。已在场的比赛再开周期不占新的比赛名额。
type SessionBreakers struct {
	mu     sync.Mutex
	limits SessionLimits

	consecutiveLosses int
	sessionLossUSD    float64
	cycles            map[string]int // gameID → 进行中的周期数
}

func NewSessionBreakers(limits SessionLimits) *SessionBreakers {
	return &SessionBreakers{limits: limits, cycles: make(map[string]int)}
}

// CanOpenCycle 判定能否在一场比赛里开新周期。
func (s *SessionBreakers) CanOpenCycle(gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.limits.MaxConsecutiveLosses; n > 0 && s.consecutiveLosses >= n {
		return errors.Wrapf(ErrSessionLimit, "连续亏损 %d 个周期", s.consecutiveLosses)
	}
	if lim := s.limits.MaxSessionLossUSD; lim > 0 && s.sessionLossUSD >= lim {
		return errors.Wrapf(ErrSessionLimit, "会话亏损 $%.2f", s.sessionLossUSD)
	}
	if n := s.limits.MaxCyclesPerGame; n > 0 && s.cycles[gameID] >= n {
		return errors.Wrapf(ErrSessionLimit, "比赛 %s 已有 %d 个周期", gameID, s.cycles[gameID])
	}
	if n := s.limits.MaxConcurrentGames; n > 0 && s.cycles[gameID] == 0 && len(s.cycles) >= n {
		return errors.Wrapf(ErrSessionLimit, "并发比赛数已到 %d", len(s.cycles))
	}
	return nil
}

// CycleOpened 登记一个新周期。调用方需先过 CanOpenCycle。
func (s *SessionBreakers) CycleOpened(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles[gameID]++
}

// CycleClosed 结算一个周期：释放名额并按盈亏更新熔断计数。
// 亏损累计会话亏损并延长连亏计数，打平或盈利清零连亏。
func (s *SessionBreakers) CycleClosed(gameID string, pnlUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.cycles[gameID]; n <= 1 {
		delete(s.cycles, gameID)
	} else {
		s.cycles[gameID] = n - 1
	}

	if pnlUSD < 0 {
		s.consecutiveLosses++
		s.sessionLossUSD += -pnlUSD
		return
	}
	s.consecutiveLosses = 0
}

// SessionSnapshot 面板和 status 命令用的只读视图。
type SessionSnapshot struct {
	ConsecutiveLosses int
	SessionLossUSD    float64
	ActiveGames       int
	ActiveCycles      int
}

func (s *SessionBreakers) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.cycles {
		total += n
	}
	return SessionSnapshot{
		ConsecutiveLosses: s.consecutiveLosses,
		SessionLossUSD:    s.sessionLossUSD,
		ActiveGames:       len(s.cycles),
		ActiveCycles:      total,
	}
}

// Reset 清空全部计数，开始新会话。
func (s *SessionBreakers) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveLosses = 0
	s.sessionLossUSD = 0
	s.cycles = make(map[string]int)
}
