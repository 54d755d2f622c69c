package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Client 包装 resty，统一超时、重试与 429 退避策略。
// data-api / gamma / 体育比分这类只读接口共用这一套行为。
type Client struct {
	client *resty.Client
}

func NewClient(host string) *Client {
	return NewClientWithTimeout(host, 30*time.Second)
}

func NewClientWithTimeout(host string, timeout time.Duration) *Client {
	host = strings.TrimSuffix(host, "/")

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY, http_proxy, https_proxy）
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 遇到 429 限流时优先使用 Retry-After 头
			if resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	return &Client{client: client}
}

type RequestOptions struct {
	Headers map[string]string
	Data    any
	Params  map[string]any
}

// 仅设置本次请求的默认 Header（不要再改 client 级 Header）
func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "*/*")
	r.SetHeader("Connection", "keep-alive")
	r.SetHeader("User-Agent", "@polymarket/go-polymarket-sdk")
	return r
}

func (c *Client) DoRequest(ctx context.Context, method, endpoint string, opt *RequestOptions, out any) (*resty.Response, error) {
	rc := c.newRequest(ctx)
	if opt != nil {
		if opt.Headers != nil {
			for k, v := range opt.Headers {
				rc.SetHeader(k, v)
			}
		}
		if opt.Params != nil {
			rc.SetQueryParamsFromValues(toValues(opt.Params))
		}
		if opt.Data != nil {
			switch b := opt.Data.(type) {
			case string:
				rc.SetHeader("Content-Type", "application/json")
				rc.SetBody(b)
			case []byte:
				rc.SetHeader("Content-Type", "application/json")
				rc.SetBody(b)
			default:
				rc.SetHeader("Content-Type", "application/json")
				rc.SetBody(opt.Data)
			}
		}
	}
	if out != nil {
		rc.SetResult(out)
	}

	switch strings.ToUpper(method) {
	case http.MethodGet:
		return rc.Get(endpoint)
	case http.MethodPost:
		return rc.Post(endpoint)
	case http.MethodDelete:
		return rc.Delete(endpoint)
	case http.MethodPut:
		return rc.Put(endpoint)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
}

// GetJSON 发起 GET 并把 2xx 响应体解析进 out，非 2xx 返回带状态码的错误。
func (c *Client) GetJSON(ctx context.Context, endpoint string, params map[string]any, out any) error {
	resp, err := c.DoRequest(ctx, http.MethodGet, endpoint, &RequestOptions{Params: params}, out)
	return CheckResponse(resp, err)
}

func toValues(m map[string]any) map[string][]string {
	v := make(map[string][]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case []string:
			v[k] = t
		default:
			v[k] = []string{fmt.Sprint(val)}
		}
	}
	return v
}

// CheckResponse 把传输错误和非 2xx 状态折叠成一个 error。
func CheckResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.New("http: nil response")
	}
	if resp.IsSuccess() {
		return nil
	}
	var body any
	b := resp.Body()
	_ = json.Unmarshal(b, &body)
	if body == nil {
		body = string(b)
	}
	return errors.Errorf("http %d %s: %v", resp.StatusCode(), resp.Request.URL, body)
}
