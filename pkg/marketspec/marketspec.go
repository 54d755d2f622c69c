package marketspec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Timeframe 表示市场周期（用于 polymarket updown market slug）。
// 套利策略只跑 15m，1h/4h 保留给监控与回收工具。
type Timeframe string

const (
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
)

func ParseTimeframe(v string) (Timeframe, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	switch s {
	case "15m", "15min", "15mins", "15-minute", "15minutes":
		return Timeframe15m, nil
	case "1h", "1hour", "1-hour", "60m", "60min", "60mins":
		return Timeframe1h, nil
	case "4h", "4hour", "4-hour", "240m", "240min", "240mins":
		return Timeframe4h, nil
	default:
		return "", fmt.Errorf("不支持的 timeframe: %q（支持: 15m/1h/4h）", v)
	}
}

func (t Timeframe) String() string { return string(t) }

func (t Timeframe) Duration() time.Duration {
	switch t {
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return 1 * time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	default:
		// 未知值按 15m 处理，避免 panic（Validate 会兜底）
		return 15 * time.Minute
	}
}

// SupportedSymbols 是可交易的 updown 标的集合。
var SupportedSymbols = map[string]bool{
	"btc": true,
	"eth": true,
	"sol": true,
	"xrp": true,
}

// MarketSpec 表示要交易/订阅的 polymarket updown 市场规格。
type MarketSpec struct {
	Symbol    string // e.g. "btc", "eth"
	Kind      string // e.g. "updown"
	Timeframe Timeframe
}

var symbolRe = regexp.MustCompile(`^[a-z0-9]+$`)

func New(symbol, timeframe, kind string) (MarketSpec, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return MarketSpec{}, err
	}
	s := strings.ToLower(strings.TrimSpace(symbol))
	if s == "" {
		s = "btc"
	}
	if !symbolRe.MatchString(s) {
		return MarketSpec{}, fmt.Errorf("无效的 symbol: %q（仅允许小写字母/数字）", symbol)
	}
	if !SupportedSymbols[s] {
		return MarketSpec{}, fmt.Errorf("不支持的 symbol: %q（支持: btc/eth/sol/xrp）", symbol)
	}
	k := strings.ToLower(strings.TrimSpace(kind))
	if k == "" {
		k = "updown"
	}
	return MarketSpec{Symbol: s, Kind: k, Timeframe: tf}, nil
}

func (m MarketSpec) Duration() time.Duration { return m.Timeframe.Duration() }

// CurrentPeriodStartUnix 返回当前周期起点（按本地时区对齐）。
func (m MarketSpec) CurrentPeriodStartUnix(now time.Time) int64 {
	loc := now.Location()
	switch m.Timeframe {
	case Timeframe15m:
		min := (now.Minute() / 15) * 15
		t := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), min, 0, 0, loc)
		return t.Unix()
	case Timeframe1h:
		t := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, loc)
		return t.Unix()
	case Timeframe4h:
		h := (now.Hour() / 4) * 4
		t := time.Date(now.Year(), now.Month(), now.Day(), h, 0, 0, 0, loc)
		return t.Unix()
	default:
		// 兜底：按 duration truncate（但对齐点可能不符合预期，因此只做 fallback）
		return now.Truncate(m.Duration()).Unix()
	}
}

func (m MarketSpec) Slug(periodStartUnix int64) string {
	// 约定：polymarket slug 使用小写 symbol / kind / timeframe
	return fmt.Sprintf("%s-%s-%s-%d", m.Symbol, m.Kind, m.Timeframe.String(), periodStartUnix)
}

func (m MarketSpec) SlugPrefix() string {
	return fmt.Sprintf("%s-%s-%s-", m.Symbol, m.Kind, m.Timeframe.String())
}

func (m MarketSpec) NextPeriodStartUnix(periodStartUnix int64) int64 {
	return periodStartUnix + int64(m.Duration().Seconds())
}

func (m MarketSpec) NextSlugs(now time.Time, count int) []string {
	if count <= 0 {
		return nil
	}
	start := m.CurrentPeriodStartUnix(now)
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		ts := start + int64(i)*int64(m.Duration().Seconds())
		out = append(out, m.Slug(ts))
	}
	return out
}

// MinuteOf 返回 now 落在周期内的第几分钟（0 起）。
// 周期外返回 -1，策略的衰减/停守分钟逻辑都以它为准。
func (m MarketSpec) MinuteOf(now time.Time, periodStartUnix int64) int {
	elapsed := now.Unix() - periodStartUnix
	if elapsed < 0 || elapsed >= int64(m.Duration().Seconds()) {
		return -1
	}
	return int(elapsed / 60)
}

// Remaining 返回周期剩余时长，周期已结束时返回 0。
func (m MarketSpec) Remaining(now time.Time, periodStartUnix int64) time.Duration {
	end := time.Unix(periodStartUnix, 0).Add(m.Duration())
	if !now.Before(end) {
		return 0
	}
	return end.Sub(now)
}

var slugRe = regexp.MustCompile(`^([a-z0-9]+)-([a-z]+)-(15m|1h|4h)-(\d+)$`)

// ParseSlug 从 slug 还原 MarketSpec 与周期起点，用于启动恢复与持仓归档。
func ParseSlug(slug string) (MarketSpec, int64, error) {
	parts := slugRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(slug)))
	if parts == nil {
		return MarketSpec{}, 0, fmt.Errorf("无法解析的 slug: %q", slug)
	}
	tf, err := ParseTimeframe(parts[3])
	if err != nil {
		return MarketSpec{}, 0, err
	}
	ts, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return MarketSpec{}, 0, fmt.Errorf("slug %q 的时间戳无效: %v", slug, err)
	}
	return MarketSpec{Symbol: parts[1], Kind: parts[2], Timeframe: tf}, ts, nil
}
