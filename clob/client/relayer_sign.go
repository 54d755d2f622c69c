package client

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// SignDigest 用客户端私钥对已哈希的摘要签名，
// 返回 65 字节 (r,s,v) 签名，v 调整为以太坊惯例的 {27,28}。
// relayer 客户端靠它签 Safe 交易，不需要拿到裸私钥。
func (c *Client) SignDigest(digest []byte) ([]byte, error) {
	if c == nil || c.authConfig == nil || c.authConfig.PrivateKey == nil {
		return nil, errors.New("未配置私钥")
	}
	if len(digest) == 0 {
		return nil, errors.New("摘要为空")
	}
	sig, err := crypto.Sign(digest, c.authConfig.PrivateKey)
	if err != nil {
		return nil, err
	}
	if len(sig) == 65 && sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
