package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/pkg/ratelimit"
)

// DefaultGammaURL Gamma API 默认地址
const DefaultGammaURL = "https://gamma-api.polymarket.com"

var gammaLog = logrus.WithField("component", "gamma")

var (
	gammaLimiter     *ratelimit.Manager
	gammaLimiterOnce sync.Once

	gammaHTTP     *http.Client
	gammaHTTPOnce sync.Once
)

// GammaMarket Gamma API 市场数据结构
type GammaMarket struct {
	ID           string `json:"id"`
	Question     string `json:"question"`
	ConditionID  string `json:"conditionId"`
	Slug         string `json:"slug"`
	ClobTokenIDs string `json:"clobTokenIds"`
	Outcomes     string `json:"outcomes"`
	EndDate      string `json:"endDate"`
	StartDate    string `json:"startDate"`
	Category     string `json:"category"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	NegRisk      bool   `json:"negRisk"`
}

// ParseClobTokenIDs 解析 clobTokenIds 字段。
// Gamma 把数组编码成 JSON 字符串（"[\"123\",\"456\"]"），需要二次解析。
func (m *GammaMarket) ParseClobTokenIDs() ([]string, error) {
	if m.ClobTokenIDs == "" {
		return nil, fmt.Errorf("市场 %s 缺少 clobTokenIds", m.Slug)
	}
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &ids); err != nil {
		return nil, fmt.Errorf("解析 clobTokenIds 失败: %w", err)
	}
	return ids, nil
}

// ParseOutcomes 解析 outcomes 字段（与 clobTokenIds 同样的二次编码）
func (m *GammaMarket) ParseOutcomes() ([]string, error) {
	if m.Outcomes == "" {
		return nil, fmt.Errorf("市场 %s 缺少 outcomes", m.Slug)
	}
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return nil, fmt.Errorf("解析 outcomes 失败: %w", err)
	}
	return outcomes, nil
}

// GammaEvent Gamma API 事件数据结构。
// 一个事件可以挂多个市场：独立二元市场的事件只有一个市场，
// 多结果（neg risk）事件挂一组互斥市场。
type GammaEvent struct {
	ID        string        `json:"id"`
	Ticker    string        `json:"ticker"`
	Slug      string        `json:"slug"`
	Title     string        `json:"title"`
	StartDate string        `json:"startDate"`
	EndDate   string        `json:"endDate"`
	Active    bool          `json:"active"`
	Closed    bool          `json:"closed"`
	NegRisk   bool          `json:"negRisk"`
	Markets   []GammaMarket `json:"markets"`
}

// getGammaLimiter 获取 Gamma API 速率限制器（单例）
func getGammaLimiter() *ratelimit.Manager {
	gammaLimiterOnce.Do(func() {
		gammaLimiter = ratelimit.NewManager()
	})
	return gammaLimiter
}

// getGammaHTTPClient 获取共享的 HTTP 客户端（单例）。
// 代理只在环境变量设置时启用。
func getGammaHTTPClient() *http.Client {
	gammaHTTPOnce.Do(func() {
		transport := &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}

		if proxyStr := getProxyURL(); proxyStr != "" {
			if proxyURL, err := url.Parse(proxyStr); err == nil {
				transport.Proxy = http.ProxyURL(proxyURL)
				gammaLog.Infof("Gamma 请求使用代理: %s", proxyStr)
			}
		}

		gammaHTTP = &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		}
	})
	return gammaHTTP
}

// gammaGet 执行一次带重试的 Gamma GET 请求并解析 JSON 数组响应
func gammaGet(ctx context.Context, limitKey, fullURL string, out interface{}) error {
	if err := getGammaLimiter().Wait(ctx, limitKey); err != nil {
		return fmt.Errorf("速率限制等待失败: %w", err)
	}

	client := getGammaHTTPClient()

	maxRetries := 3
	var resp *http.Response
	var err error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			gammaLog.Warnf("重试 Gamma 请求 (第 %d/%d 次): %s", i+1, maxRetries, fullURL)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * 2 * time.Second):
			}
		}

		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("创建请求失败: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "goarb-clob")

		resp, err = client.Do(req)
		if err == nil && resp != nil {
			if resp.StatusCode == http.StatusOK {
				break
			}
			statusCode := resp.StatusCode
			bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			resp = nil
			err = fmt.Errorf("HTTP 错误 %d: %s", statusCode, string(bodyBytes))
		}

		if err != nil {
			gammaLog.Warnf("Gamma 请求失败 (尝试 %d/%d): %v", i+1, maxRetries, err)
		}
	}

	if err != nil || resp == nil {
		return fmt.Errorf("请求失败（已重试 %d 次）: %w", maxRetries, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// FetchMarketFromGamma 按 slug 从 Gamma API 获取市场数据。
// gammaURL 为空时使用 DefaultGammaURL。
func FetchMarketFromGamma(ctx context.Context, gammaURL, slug string) (*GammaMarket, error) {
	if gammaURL == "" {
		gammaURL = DefaultGammaURL
	}

	params := url.Values{}
	params.Set("slug", slug)

	fullURL := fmt.Sprintf("%s/markets?%s", gammaURL, params.Encode())

	var markets []GammaMarket
	if err := gammaGet(ctx, ratelimit.EndpointGammaMarkets, fullURL, &markets); err != nil {
		return nil, err
	}

	if len(markets) == 0 {
		return nil, fmt.Errorf("未找到市场: %s", slug)
	}

	return &markets[0], nil
}

// FetchEventFromGamma 按 slug 从 Gamma API 获取事件数据（含挂靠的市场列表）
func FetchEventFromGamma(ctx context.Context, gammaURL, slug string) (*GammaEvent, error) {
	if gammaURL == "" {
		gammaURL = DefaultGammaURL
	}

	params := url.Values{}
	params.Set("slug", slug)

	fullURL := fmt.Sprintf("%s/events?%s", gammaURL, params.Encode())

	var events []GammaEvent
	if err := gammaGet(ctx, ratelimit.EndpointGammaEvents, fullURL, &events); err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("未找到事件: %s", slug)
	}

	return &events[0], nil
}

// FetchMultipleMarketsFromGamma 批量按 slug 获取市场数据。
// 单个失败只记警告不中断，delayMs 控制相邻请求的间隔。
func FetchMultipleMarketsFromGamma(ctx context.Context, gammaURL string, slugs []string, delayMs int) ([]*GammaMarket, error) {
	markets := make([]*GammaMarket, 0, len(slugs))

	for i, slug := range slugs {
		market, err := FetchMarketFromGamma(ctx, gammaURL, slug)
		if err != nil {
			gammaLog.Warnf("获取市场失败 %s: %v", slug, err)
			continue
		}

		markets = append(markets, market)

		if i < len(slugs)-1 && delayMs > 0 {
			select {
			case <-ctx.Done():
				return markets, ctx.Err()
			case <-time.After(time.Duration(delayMs) * time.Millisecond):
			}
		}
	}

	return markets, nil
}
