package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// BuildPolyHmacSignature 计算 L2 请求签名：
// HMAC-SHA256(secret, timestamp+method+path[+body])，输出 base64url（保留补位）。
func BuildPolyHmacSignature(secret string, timestamp int64, method, requestPath string, body *string) (string, error) {
	message := strconv.FormatInt(timestamp, 10) + method + requestPath
	if body != nil {
		message += *body
	}

	key, err := decodeSecret(secret)
	if err != nil {
		return "", errors.Wrap(err, "解码 API secret 失败")
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// decodeSecret 兼容 base64url 和标准 base64 两种 secret 格式。
func decodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if key, err := base64.URLEncoding.DecodeString(secret); err == nil {
		return key, nil
	}
	std := strings.Map(func(r rune) rune {
		switch {
		case r == '-':
			return '+'
		case r == '_':
			return '/'
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '+', r == '/', r == '=':
			return r
		}
		return -1
	}, secret)
	return base64.StdEncoding.DecodeString(std)
}
