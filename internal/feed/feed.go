// Package feed 实现两条实时数据通道：市场频道（订单簿）和用户频道（成交/订单状态）。
// 两条通道都只做归一化和投递，事件经 Sink 进入串行核心循环，feed 层不持策略状态。
package feed

import (
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/pkg/syncgroup"
)

// Sink 事件投递目标（engine.Loop 满足该接口）。
// Post 返回 false 表示循环已停止，feed 只记日志不重试。
type Sink interface {
	Post(event any) bool
}

const (
	wsMarketURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	wsUserURL   = "wss://ws-subscriptions-clob.polymarket.com/ws/user"

	pingInterval     = 10 * time.Second
	readTimeout      = 30 * time.Second
	writeTimeout     = 10 * time.Second
	pongStaleAfter   = 60 * time.Second
	handshakeTimeout = 30 * time.Second

	reconnectBaseDelay = 2 * time.Second
	reconnectMaxDelay  = 60 * time.Second

	// Polymarket 每条订阅帧最多 100 个资产
	maxSubscribeBatch = 100
)

// dialWS 建立 WebSocket 连接，代理从环境变量读取。
func dialWS(wsURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if proxy := proxyFromEnv(); proxy != "" {
		if parsed, err := url.Parse(proxy); err == nil {
			dialer.Proxy = http.ProxyURL(parsed)
		}
	}
	conn, _, err := dialer.Dial(wsURL, nil)
	return conn, err
}

func proxyFromEnv() string {
	for _, v := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
		if proxy := strings.TrimSpace(os.Getenv(v)); proxy != "" {
			return proxy
		}
	}
	return ""
}

// backoffDelay 第 attempt 次重连（从 1 开始）的退避时长，指数增长封顶。
func backoffDelay(attempt int) time.Duration {
	d := reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	return d
}

// waitTimeout 等待一组 goroutine 退出，超时返回 false。
func waitTimeout(g *syncgroup.Group, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// isTimeout 读超时（用于周期性检查退出信号，不算故障）。
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// isBenignClose 主动关闭路径上的读错误，不触发重连。
func isBenignClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// parsePrice 解析线上价格字符串为 pips 价格。
// 手写解析（而不是 ParseFloat）是为了热路径零分配，保留 4 位小数，第 5 位四舍五入。
func parsePrice(s string) (domain.Price, error) {
	return parsePriceBytes([]byte(s))
}

func parsePriceBytes(b []byte) (domain.Price, error) {
	i, n := 0, len(b)
	for i < n {
		c := b[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}
		break
	}
	if i >= n {
		return domain.Price{}, errors.New("empty price")
	}

	intPart := 0
	seen := false
	for i < n {
		c := b[i]
		if c < '0' || c > '9' {
			break
		}
		intPart = intPart*10 + int(c-'0')
		seen = true
		i++
	}

	frac := 0
	fracDigits := 0
	roundUp := false
	if i < n && b[i] == '.' {
		i++
		for i < n && fracDigits < 4 {
			c := b[i]
			if c < '0' || c > '9' {
				break
			}
			frac = frac*10 + int(c-'0')
			fracDigits++
			seen = true
			i++
		}
		// 第 5 位决定进位
		if i < n && b[i] >= '5' && b[i] <= '9' {
			roundUp = true
		}
	}
	if !seen {
		return domain.Price{}, errors.New("invalid price")
	}

	for fracDigits < 4 {
		frac *= 10
		fracDigits++
	}

	pips := intPart*10000 + frac
	if roundUp {
		pips++
	}
	return domain.Price{Pips: pips}, nil
}
