package client

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/polymarket/go-order-utils/pkg/builder"

	"github.com/arbx/goarb/clob/signing"
	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/pkg/ratelimit"
)

// Client CLOB 客户端。
// 签名类型和 funder 地址在构造时确定：EOA 模式下 funder 就是签名地址，
// POLY_GNOSIS_SAFE 模式下 funder 是 Safe 代理地址，签名仍用 EOA 私钥。
type Client struct {
	host          string
	chainID       types.Chain
	authConfig    *AuthConfig
	httpClient    *httpClient
	signatureType types.SignatureType
	funderAddress string
	orderBuilder  builder.ExchangeOrderBuilder

	mu        sync.RWMutex
	tickSizes types.TickSizes
	negRisk   types.NegRisk
	feeRates  types.FeeRates

	limits *ratelimit.Manager
}

// NewClient 创建新的 CLOB 客户端。
// creds 可以为 nil，之后通过 EnsureCreds 派生；派生结果会缓存在客户端里，
// 重连时直接复用，不会重复走 L1 流程。
// funderAddress 为空时回退到签名者地址。
func NewClient(
	host string,
	chainID types.Chain,
	privateKey *ecdsa.PrivateKey,
	creds *types.ApiKeyCreds,
	signatureType types.SignatureType,
	funderAddress string,
) (*Client, error) {
	switch signatureType {
	case types.SignatureTypeBrowser, types.SignatureTypeGnosisSafe:
	default:
		return nil, fmt.Errorf("%w: %d（仅支持 0=EOA 和 2=POLY_GNOSIS_SAFE）", ErrUnsupportedSignatureType, signatureType)
	}

	authConfig := &AuthConfig{
		PrivateKey: privateKey,
		ChainID:    chainID,
		Creds:      creds,
	}

	if funderAddress == "" && privateKey != nil {
		funderAddress = signing.GetAddressFromPrivateKey(privateKey).Hex()
	}

	// 解析代理 URL（仅在环境变量设置时使用代理）
	proxyStr := getProxyURL()
	var proxyURL *url.URL
	useProxy := false
	if proxyStr != "" {
		if parsed, err := url.Parse(proxyStr); err == nil {
			proxyURL = parsed
			useProxy = true
		}
	}

	httpClient := newHTTPClient(host, authConfig, useProxy, proxyURL)

	return &Client{
		host:          strings.TrimSuffix(host, "/"),
		chainID:       chainID,
		authConfig:    authConfig,
		httpClient:    httpClient,
		signatureType: signatureType,
		funderAddress: funderAddress,
		orderBuilder:  builder.NewExchangeOrderBuilderImpl(big.NewInt(int64(chainID)), nil),
		tickSizes:     make(types.TickSizes),
		negRisk:       make(types.NegRisk),
		feeRates:      make(types.FeeRates),
		limits:        ratelimit.NewManager(),
	}, nil
}

// getProxyURL 从环境变量获取代理 URL，未设置时返回空串（直连）
func getProxyURL() string {
	proxyVars := []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"}
	for _, v := range proxyVars {
		if val := os.Getenv(v); val != "" {
			return val
		}
	}
	return ""
}

// GetHost 获取主机地址
func (c *Client) GetHost() string {
	return c.host
}

// GetChainID 获取链 ID
func (c *Client) GetChainID() types.Chain {
	return c.chainID
}

// GetSignatureType 获取签名类型
func (c *Client) GetSignatureType() types.SignatureType {
	return c.signatureType
}

// GetFunderAddress 获取 funder 地址
func (c *Client) GetFunderAddress() string {
	return c.funderAddress
}

// Creds 获取当前 API 凭证（未派生时为 nil）
func (c *Client) Creds() *types.ApiKeyCreds {
	return c.authConfig.Creds
}

// EnsureCreds 确保 API 凭证可用。
// 已有凭证时直接返回，不会重复派生；首次派生的结果保留在客户端，
// WebSocket 重连 / 请求重试共用同一份凭证。
func (c *Client) EnsureCreds(ctx context.Context) error {
	if c.authConfig.Creds != nil {
		return nil
	}
	creds, err := c.CreateOrDeriveAPIKey(ctx, nil)
	if err != nil {
		return fmt.Errorf("派生 API 凭证失败: %w", err)
	}
	c.authConfig.Creds = creds
	return nil
}

// FetchMarketFromGamma 从 Gamma API 获取市场数据（委托给 gamma.go）
func (c *Client) FetchMarketFromGamma(ctx context.Context, gammaURL, slug string) (*GammaMarket, error) {
	return FetchMarketFromGamma(ctx, gammaURL, slug)
}

// NewCTFClient 创建 CTF 客户端用于链上拆分和合并操作
// rpcURL: 以太坊 RPC 节点 URL（例如 https://polygon-rpc.com）
func (c *Client) NewCTFClient(rpcURL string) (*CTFClient, error) {
	if c.authConfig == nil || c.authConfig.PrivateKey == nil {
		return nil, fmt.Errorf("客户端未配置私钥，无法创建CTF客户端")
	}
	return NewCTFClient(rpcURL, c.chainID, c.authConfig.PrivateKey)
}
