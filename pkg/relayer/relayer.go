// Package relayer submits gasless transactions through the Polymarket
// relayer. In Proxy/Safe mode split, merge and redeem calls are not sent
// on-chain directly: they are encoded as a Gnosis Safe transaction, signed
// with EIP-712 by the owner EOA and executed by the relayer, which pays gas.
package relayer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/signing"
	"github.com/arbx/goarb/pkg/ratelimit"
)

var log = logrus.WithField("component", "relayer")

// DefaultURL is the production relayer endpoint.
const DefaultURL = "https://relayer-v2.polymarket.com"

// Transaction states, in the order the relayer advances them.
const (
	StateNew       = "STATE_NEW"
	StateExecuted  = "STATE_EXECUTED"
	StateMined     = "STATE_MINED"
	StateConfirmed = "STATE_CONFIRMED"
	StateFailed    = "STATE_FAILED"
)

// The relayer rejects metadata longer than 500 characters.
const maxMetadataLen = 500

// BuilderCreds holds the Builder API credentials used to sign relayer
// requests.
type BuilderCreds struct {
	Key        string
	Secret     string
	Passphrase string
}

// Signer produces a secp256k1 signature over a 32-byte digest. The returned
// 65 bytes are (r,s,v) with v already adjusted to {27,28}. The clob client
// implements this, so the private key never leaves its owner.
type Signer interface {
	SignDigest(digest []byte) ([]byte, error)
	GetAddress() (common.Address, error)
}

// Client talks to the Polymarket relayer on behalf of one Safe wallet.
type Client struct {
	http         *resty.Client
	chainID      int64
	signer       Signer
	safeAddr     common.Address
	creds        *BuilderCreds
	limits       *ratelimit.Manager
	pollInterval time.Duration
}

// TransactionRequest is the body posted to /submit.
type TransactionRequest struct {
	Type            string           `json:"type"`
	From            string           `json:"from"`
	To              string           `json:"to"`
	ProxyWallet     string           `json:"proxyWallet,omitempty"`
	Data            string           `json:"data"`
	Nonce           string           `json:"nonce,omitempty"`
	Signature       string           `json:"signature"`
	SignatureParams *SignatureParams `json:"signatureParams"`
	Metadata        string           `json:"metadata,omitempty"`
}

// SignatureParams carries the Safe gas parameters. The relayer pays, so
// everything is zero.
type SignatureParams struct {
	GasPrice        string `json:"gasPrice"`
	SafeTxnGas      string `json:"safeTxnGas"`
	BaseGas         string `json:"baseGas"`
	PaymentToken    string `json:"paymentToken,omitempty"`
	Payment         string `json:"payment,omitempty"`
	PaymentReceiver string `json:"paymentReceiver,omitempty"`
}

// SubmitResponse is returned by /submit.
type SubmitResponse struct {
	TransactionID   string `json:"transactionID"`
	TransactionHash string `json:"transactionHash"`
	Hash            string `json:"hash"`
	State           string `json:"state"`
	Error           string `json:"error,omitempty"`

	// AlreadyDone is set when the relayer reported the target state as
	// reached before this submission (ALREADY_REDEEMED and friends).
	// Such results are returned as success.
	AlreadyDone bool `json:"-"`
}

// TransactionStatus is one record from the /transaction query.
type TransactionStatus struct {
	TransactionID   string `json:"transactionID"`
	TransactionHash string `json:"transactionHash"`
	State           string `json:"state"`
}

// NonceResponse is returned by /nonce.
type NonceResponse struct {
	Nonce string `json:"nonce"`
}

// NewClient creates a relayer client. An empty baseURL selects the
// production endpoint. safeAddr is the proxy wallet holding the funds;
// signer is its owner EOA.
func NewClient(baseURL string, chainID int64, signer Signer, safeAddr common.Address, creds *BuilderCreds) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil {
				return false
			}
			// /submit 不自动重试：Safe nonce 挡得住重复执行，但失败要
			// 交给上层按业务语义处理
			if r.Request.Method != http.MethodGet {
				return false
			}
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if seconds, err := strconv.Atoi(ra); err == nil {
						return time.Duration(seconds) * time.Second, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	return &Client{
		http:         rc,
		chainID:      chainID,
		signer:       signer,
		safeAddr:     safeAddr,
		creds:        creds,
		limits:       ratelimit.NewManager(),
		pollInterval: 2 * time.Second,
	}
}

// builderHeaders generates the HMAC headers for one relayer request.
// The signed message is timestamp+method+path+body, the same construction
// as the CLOB L2 headers.
func (c *Client) builderHeaders(method, requestPath string, body []byte) (map[string]string, error) {
	if c.creds == nil {
		return nil, errors.New("builder credentials not configured")
	}
	timestamp := time.Now().Unix()
	var bodyStr *string
	if len(body) > 0 {
		s := string(body)
		bodyStr = &s
	}
	sig, err := signing.BuildPolyHmacSignature(c.creds.Secret, timestamp, method, requestPath, bodyStr)
	if err != nil {
		return nil, errors.Wrap(err, "build relayer hmac")
	}
	return map[string]string{
		"POLY_BUILDER_API_KEY":    c.creds.Key,
		"POLY_BUILDER_PASSPHRASE": c.creds.Passphrase,
		"POLY_BUILDER_SIGNATURE":  sig,
		"POLY_BUILDER_TIMESTAMP":  strconv.FormatInt(timestamp, 10),
	}, nil
}

// GetNonce returns the signer's current Safe transaction nonce.
func (c *Client) GetNonce(ctx context.Context) (string, error) {
	signerAddr, err := c.signer.GetAddress()
	if err != nil {
		return "", err
	}
	path := "/nonce?address=" + signerAddr.Hex() + "&type=SAFE"
	headers, err := c.builderHeaders(http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	var out NonceResponse
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&out).Get(path)
	if err != nil {
		return "", errors.Wrap(err, "relayer nonce")
	}
	if !resp.IsSuccess() {
		return "", errors.Errorf("relayer nonce: %d %s", resp.StatusCode(), resp.String())
	}
	return out.Nonce, nil
}

// GetDeployed reports whether the Safe wallet has been deployed on-chain.
func (c *Client) GetDeployed(ctx context.Context) (bool, error) {
	path := "/deployed?address=" + c.safeAddr.Hex() + "&type=SAFE"
	headers, err := c.builderHeaders(http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	var out struct {
		Deployed bool `json:"deployed"`
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&out).Get(path)
	if err != nil {
		return false, errors.Wrap(err, "relayer deployed")
	}
	if !resp.IsSuccess() {
		return false, errors.Errorf("relayer deployed: %d %s", resp.StatusCode(), resp.String())
	}
	return out.Deployed, nil
}

// Execute bundles the calls into a single Safe transaction and submits it.
// Multiple calls are merged through MultiSend as one delegatecall. Metadata
// longer than 500 characters is truncated; an empty metadata gets a request
// id so the submission stays traceable in the activity log. When the relayer
// reports the target as already processed (duplicate redeem or merge), the
// result is returned as success with AlreadyDone set.
func (c *Client) Execute(ctx context.Context, txns []SafeTransaction, metadata string) (*SubmitResponse, error) {
	if len(txns) == 0 {
		return nil, errors.New("no transactions to execute")
	}
	if metadata == "" {
		metadata = uuid.NewString()
	}
	if len(metadata) > maxMetadataLen {
		metadata = metadata[:maxMetadataLen-3] + "..."
	}

	// One 25/min token covers the nonce fetch and the submit together.
	if err := c.limits.Wait(ctx, ratelimit.EndpointRelayer); err != nil {
		return nil, err
	}

	signerAddr, err := c.signer.GetAddress()
	if err != nil {
		return nil, err
	}
	nonceStr, err := c.GetNonce(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get relayer nonce")
	}
	nonce, ok := new(big.Int).SetString(nonceStr, 10)
	if !ok {
		return nil, errors.Errorf("relayer returned invalid nonce %q", nonceStr)
	}

	to, data, operation, err := EncodeMultiSend(txns)
	if err != nil {
		return nil, errors.Wrap(err, "encode multisend")
	}

	digest, err := SafeTxDigest(c.chainID, c.safeAddr, to, big.NewInt(0), data, operation, nonce)
	if err != nil {
		return nil, errors.Wrap(err, "safe tx digest")
	}
	sig, err := c.signer.SignDigest(digest)
	if err != nil {
		return nil, errors.Wrap(err, "sign safe tx")
	}

	request := TransactionRequest{
		Type:        "SAFE",
		From:        signerAddr.Hex(),
		To:          to.Hex(),
		ProxyWallet: c.safeAddr.Hex(),
		Data:        "0x" + hex.EncodeToString(data),
		Nonce:       nonceStr,
		Signature:   "0x" + hex.EncodeToString(sig),
		SignatureParams: &SignatureParams{
			GasPrice:   "0",
			SafeTxnGas: "0",
			BaseGas:    "0",
		},
		Metadata: metadata,
	}
	return c.submit(ctx, &request)
}

func (c *Client) submit(ctx context.Context, request *TransactionRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	headers, err := c.builderHeaders(http.MethodPost, "/submit", body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/submit")
	if err != nil {
		return nil, errors.Wrap(err, "relayer submit")
	}
	if !resp.IsSuccess() {
		if isAlreadyDone(resp.String()) {
			log.Warnf("relayer reports target already processed, treating as success: %s", strings.TrimSpace(resp.String()))
			return &SubmitResponse{State: StateConfirmed, AlreadyDone: true}, nil
		}
		return nil, errors.Errorf("relayer submit failed: %d %s", resp.StatusCode(), resp.String())
	}

	var result SubmitResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, errors.Wrap(err, "decode relayer response")
	}
	if result.Error != "" && isAlreadyDone(result.Error) {
		result.AlreadyDone = true
		result.State = StateConfirmed
	}
	log.Debugf("relayer submit ok: txID=%s state=%s", result.TransactionID, result.State)
	return &result, nil
}

// GetTransaction looks up the state of a submitted transaction.
func (c *Client) GetTransaction(ctx context.Context, id string) (*TransactionStatus, error) {
	path := "/transaction?id=" + url.QueryEscape(id)
	headers, err := c.builderHeaders(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out []TransactionStatus
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&out).Get(path)
	if err != nil {
		return nil, errors.Wrap(err, "relayer transaction")
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("relayer transaction: %d %s", resp.StatusCode(), resp.String())
	}
	if len(out) == 0 {
		return nil, errors.Errorf("relayer transaction %s not found", id)
	}
	return &out[0], nil
}

// WaitForTransaction polls until the transaction is mined or fails.
// The caller bounds the wait through ctx. Lookup errors and intermediate
// states keep the poll going; a fresh submission may not be queryable for
// the first second or two.
func (c *Client) WaitForTransaction(ctx context.Context, id string) (*TransactionStatus, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		status, err := c.GetTransaction(ctx, id)
		if err == nil {
			switch status.State {
			case StateMined, StateConfirmed:
				return status, nil
			case StateFailed:
				return status, errors.Errorf("relayer transaction %s failed", id)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// isAlreadyDone recognizes duplicate-execution results such as
// ALREADY_REDEEMED and ALREADY_MERGED. The on-chain target state is
// reached, so these count as success.
func isAlreadyDone(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "already")
}
