package client

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/arbx/goarb/clob/types"
)

// CTFClient Conditional Tokens Framework 合约客户端。
// 直接走 EOA 签名交易：拆分（USDC -> YES+NO）、合并（YES+NO -> USDC）、
// 结算后赎回（winner -> USDC）。
type CTFClient struct {
	client          *ethclient.Client
	ctfAddress      common.Address
	collateralToken common.Address
	privateKey      *ecdsa.PrivateKey
	chainID         *big.Int

	ctfABI     abi.ABI
	erc20ABI   abi.ABI
	erc1155ABI abi.ABI
}

// GetCollateralToken 获取抵押品代币地址
func (c *CTFClient) GetCollateralToken() common.Address {
	return c.collateralToken
}

// GetCTFAddress 获取CTF合约地址
func (c *CTFClient) GetCTFAddress() common.Address {
	return c.ctfAddress
}

// NewCTFClient 创建新的CTF客户端
func NewCTFClient(
	rpcURL string,
	chainID types.Chain,
	privateKey *ecdsa.PrivateKey,
) (*CTFClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接RPC节点失败: %w", err)
	}

	config, err := GetContractConfig(chainID)
	if err != nil {
		return nil, fmt.Errorf("获取合约配置失败: %w", err)
	}

	ctfABI, err := abi.JSON(strings.NewReader(CTFABI))
	if err != nil {
		return nil, fmt.Errorf("解析CTF ABI失败: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析ERC20 ABI失败: %w", err)
	}
	erc1155ABI, err := abi.JSON(strings.NewReader(ERC1155ABI))
	if err != nil {
		return nil, fmt.Errorf("解析ERC1155 ABI失败: %w", err)
	}

	return &CTFClient{
		client:          client,
		ctfAddress:      common.HexToAddress(config.ConditionalTokens),
		collateralToken: common.HexToAddress(config.Collateral),
		privateKey:      privateKey,
		chainID:         big.NewInt(int64(chainID)),
		ctfABI:          ctfABI,
		erc20ABI:        erc20ABI,
		erc1155ABI:      erc1155ABI,
	}, nil
}

// fullSetPartition 二元市场的完整仓位集合：indexSet 1 (YES) + 2 (NO)
func fullSetPartition() []*big.Int {
	return []*big.Int{big.NewInt(1), big.NewInt(2)}
}

// usdcToUnits 把 USDC 金额转换为 6 位小数的链上整数
func usdcToUnits(amount float64) *big.Int {
	amountFloat := new(big.Float).SetFloat64(amount)
	amountFloat.Mul(amountFloat, new(big.Float).SetInt64(1_000_000))
	units, _ := amountFloat.Int(nil)
	return units
}

// unitsToUSDC 把 6 位小数的链上整数转换回 USDC 金额
func unitsToUSDC(units *big.Int) float64 {
	f := new(big.Float).SetInt(units)
	f.Quo(f, new(big.Float).SetInt64(1_000_000))
	v, _ := f.Float64()
	return v
}

// GetConditionId 计算conditionId
// conditionId = keccak256(abi.encodePacked(oracle, questionId, outcomeSlotCount))
func (c *CTFClient) GetConditionId(oracle common.Address, questionId common.Hash, outcomeSlotCount *big.Int) (common.Hash, error) {
	data, err := c.ctfABI.Pack("getConditionId", oracle, questionId, outcomeSlotCount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("打包getConditionId参数失败: %w", err)
	}

	result, err := c.client.CallContract(context.Background(), ethereum.CallMsg{
		To:   &c.ctfAddress,
		Data: data,
	}, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("调用getConditionId失败: %w", err)
	}

	var conditionId common.Hash
	if err := c.ctfABI.UnpackIntoInterface(&conditionId, "getConditionId", result); err != nil {
		return common.Hash{}, fmt.Errorf("解析getConditionId结果失败: %w", err)
	}

	return conditionId, nil
}

// GetCollectionId 计算collectionId
// collectionId = keccak256(abi.encodePacked(parentCollectionId, conditionId, indexSet))
func (c *CTFClient) GetCollectionId(parentCollectionId common.Hash, conditionId common.Hash, indexSet *big.Int) (common.Hash, error) {
	data, err := c.ctfABI.Pack("getCollectionId", parentCollectionId, conditionId, indexSet)
	if err != nil {
		return common.Hash{}, fmt.Errorf("打包getCollectionId参数失败: %w", err)
	}

	result, err := c.client.CallContract(context.Background(), ethereum.CallMsg{
		To:   &c.ctfAddress,
		Data: data,
	}, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("调用getCollectionId失败: %w", err)
	}

	var collectionId common.Hash
	if err := c.ctfABI.UnpackIntoInterface(&collectionId, "getCollectionId", result); err != nil {
		return common.Hash{}, fmt.Errorf("解析getCollectionId结果失败: %w", err)
	}

	return collectionId, nil
}

// GetPositionId 计算positionId
// positionId = uint256(keccak256(abi.encodePacked(collateralToken, collectionId)))
func (c *CTFClient) GetPositionId(collateralToken common.Address, collectionId common.Hash) (*big.Int, error) {
	data, err := c.ctfABI.Pack("getPositionId", collateralToken, collectionId)
	if err != nil {
		return nil, fmt.Errorf("打包getPositionId参数失败: %w", err)
	}

	result, err := c.client.CallContract(context.Background(), ethereum.CallMsg{
		To:   &c.ctfAddress,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用getPositionId失败: %w", err)
	}

	var positionId *big.Int
	if err := c.ctfABI.UnpackIntoInterface(&positionId, "getPositionId", result); err != nil {
		return nil, fmt.Errorf("解析getPositionId结果失败: %w", err)
	}

	return positionId, nil
}

// conditionPositionIds 计算二元市场 YES/NO 两侧的 positionId
func (c *CTFClient) conditionPositionIds(conditionId common.Hash) (yes *big.Int, no *big.Int, err error) {
	parentCollectionId := common.Hash{}

	yesCollectionId, err := c.GetCollectionId(parentCollectionId, conditionId, big.NewInt(1))
	if err != nil {
		return nil, nil, fmt.Errorf("计算YES collectionId失败: %w", err)
	}
	yes, err = c.GetPositionId(c.collateralToken, yesCollectionId)
	if err != nil {
		return nil, nil, fmt.Errorf("计算YES positionId失败: %w", err)
	}

	noCollectionId, err := c.GetCollectionId(parentCollectionId, conditionId, big.NewInt(2))
	if err != nil {
		return nil, nil, fmt.Errorf("计算NO collectionId失败: %w", err)
	}
	no, err = c.GetPositionId(c.collateralToken, noCollectionId)
	if err != nil {
		return nil, nil, fmt.Errorf("计算NO positionId失败: %w", err)
	}

	return yes, no, nil
}

// buildSignedCTFTx 打包 calldata、填 nonce/gas 并用 EIP155 签名
func (c *CTFClient) buildSignedCTFTx(ctx context.Context, data []byte) (*ethtypes.Transaction, error) {
	fromAddress := crypto.PubkeyToAddress(c.privateKey.PublicKey)

	nonce, err := c.client.PendingNonceAt(ctx, fromAddress)
	if err != nil {
		return nil, fmt.Errorf("获取nonce失败: %w", err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取gas价格失败: %w", err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  fromAddress,
		To:    &c.ctfAddress,
		Data:  data,
		Value: big.NewInt(0),
	})
	if err != nil {
		return nil, fmt.Errorf("估算gas失败: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, c.ctfAddress, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}

	return signedTx, nil
}

// SplitPositionParams 拆分仓位参数
type SplitPositionParams struct {
	ConditionId     string          // conditionId (hex string)
	Amount          float64         // 要拆分的USDC数量
	ValidateAddress *common.Address // 可选：用于验证余额的地址（nil 则用私钥地址）
}

// SplitPosition 拆分USDC为完整的仓位集合（1 USDC -> 1 YES + 1 NO）。
// 返回签名后的交易，需要调用SendTransaction发送。
func (c *CTFClient) SplitPosition(ctx context.Context, params SplitPositionParams) (*ethtypes.Transaction, error) {
	if params.ConditionId == "" {
		return nil, fmt.Errorf("conditionId不能为空")
	}
	if params.Amount <= 0 {
		return nil, fmt.Errorf("拆分数量必须大于0")
	}

	validateAddress := crypto.PubkeyToAddress(c.privateKey.PublicKey)
	if params.ValidateAddress != nil {
		validateAddress = *params.ValidateAddress
	}
	if err := c.ValidateSplitPositionForAddress(ctx, validateAddress, params.Amount); err != nil {
		return nil, err
	}

	conditionId := common.HexToHash(params.ConditionId)
	if conditionId == (common.Hash{}) {
		return nil, fmt.Errorf("无效的conditionId: %s", params.ConditionId)
	}

	// 二元市场 parentCollectionId 恒为 bytes32(0)
	parentCollectionId := common.Hash{}

	data, err := c.ctfABI.Pack("splitPosition",
		c.collateralToken,
		parentCollectionId,
		conditionId,
		fullSetPartition(),
		usdcToUnits(params.Amount),
	)
	if err != nil {
		return nil, fmt.Errorf("打包splitPosition参数失败: %w", err)
	}

	return c.buildSignedCTFTx(ctx, data)
}

// MergePositionsParams 合并仓位参数
type MergePositionsParams struct {
	ConditionId string  // conditionId (hex string)
	Amount      float64 // 要合并的完整集合数量（1个完整集合 = 1 YES + 1 NO）
}

// MergePositions 合并完整的仓位集合为USDC（1 YES + 1 NO -> 1 USDC）。
// 返回签名后的交易，需要调用SendTransaction发送。
func (c *CTFClient) MergePositions(ctx context.Context, params MergePositionsParams) (*ethtypes.Transaction, error) {
	if params.ConditionId == "" {
		return nil, fmt.Errorf("conditionId不能为空")
	}
	if params.Amount <= 0 {
		return nil, fmt.Errorf("合并数量必须大于0")
	}

	conditionId := common.HexToHash(params.ConditionId)
	if conditionId == (common.Hash{}) {
		return nil, fmt.Errorf("无效的conditionId: %s", params.ConditionId)
	}

	if err := c.ValidateMergePositions(ctx, conditionId, params.Amount); err != nil {
		return nil, err
	}

	parentCollectionId := common.Hash{}

	data, err := c.ctfABI.Pack("mergePositions",
		c.collateralToken,
		parentCollectionId,
		conditionId,
		fullSetPartition(),
		usdcToUnits(params.Amount),
	)
	if err != nil {
		return nil, fmt.Errorf("打包mergePositions参数失败: %w", err)
	}

	return c.buildSignedCTFTx(ctx, data)
}

// RedeemPositionsParams 赎回仓位参数
type RedeemPositionsParams struct {
	ConditionId string // conditionId (hex string)
}

// RedeemPositions 市场结算后赎回仓位。
// 合约按预言机结果把两侧 indexSet 的全部持仓兑换成USDC，
// 败方仓位兑换为0，所以不需要金额参数。
// 返回签名后的交易，需要调用SendTransaction发送。
func (c *CTFClient) RedeemPositions(ctx context.Context, params RedeemPositionsParams) (*ethtypes.Transaction, error) {
	if params.ConditionId == "" {
		return nil, fmt.Errorf("conditionId不能为空")
	}

	conditionId := common.HexToHash(params.ConditionId)
	if conditionId == (common.Hash{}) {
		return nil, fmt.Errorf("无效的conditionId: %s", params.ConditionId)
	}

	parentCollectionId := common.Hash{}

	data, err := c.ctfABI.Pack("redeemPositions",
		c.collateralToken,
		parentCollectionId,
		conditionId,
		fullSetPartition(),
	)
	if err != nil {
		return nil, fmt.Errorf("打包redeemPositions参数失败: %w", err)
	}

	return c.buildSignedCTFTx(ctx, data)
}

// SendTransaction 发送交易到区块链
func (c *CTFClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error) {
	err := c.client.SendTransaction(ctx, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return tx.Hash(), nil
}

// WaitForTransaction 等待交易确认
func (c *CTFClient) WaitForTransaction(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("获取交易回执失败: %w", err)
	}
	return receipt, nil
}

// ERC20ABI ERC20标准ABI（用于余额和授权检查）
const ERC20ABI = `[
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ERC1155ABI ERC1155标准ABI（用于条件代币余额检查）
const ERC1155ABI = `[
	{
		"inputs": [
			{"name": "account", "type": "address"},
			{"name": "id", "type": "uint256"}
		],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// GetUSDCBalance 获取USDC余额（私钥地址）
func (c *CTFClient) GetUSDCBalance(ctx context.Context) (float64, error) {
	fromAddress := crypto.PubkeyToAddress(c.privateKey.PublicKey)
	return c.GetUSDCBalanceForAddress(ctx, fromAddress)
}

// GetUSDCBalanceForAddress 获取指定地址的USDC余额
func (c *CTFClient) GetUSDCBalanceForAddress(ctx context.Context, address common.Address) (float64, error) {
	data, err := c.erc20ABI.Pack("balanceOf", address)
	if err != nil {
		return 0, fmt.Errorf("打包balanceOf参数失败: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.collateralToken,
		Data: data,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("调用balanceOf失败: %w", err)
	}

	var balance *big.Int
	if err := c.erc20ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return 0, fmt.Errorf("解析balanceOf结果失败: %w", err)
	}

	return unitsToUSDC(balance), nil
}

// CheckUSDCAllowance 检查USDC授权给CTF合约的数量（私钥地址）
func (c *CTFClient) CheckUSDCAllowance(ctx context.Context) (float64, error) {
	fromAddress := crypto.PubkeyToAddress(c.privateKey.PublicKey)
	return c.CheckUSDCAllowanceForAddress(ctx, fromAddress)
}

// CheckUSDCAllowanceForAddress 检查指定地址的USDC授权给CTF合约的数量
func (c *CTFClient) CheckUSDCAllowanceForAddress(ctx context.Context, address common.Address) (float64, error) {
	data, err := c.erc20ABI.Pack("allowance", address, c.ctfAddress)
	if err != nil {
		return 0, fmt.Errorf("打包allowance参数失败: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.collateralToken,
		Data: data,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("调用allowance失败: %w", err)
	}

	var allowance *big.Int
	if err := c.erc20ABI.UnpackIntoInterface(&allowance, "allowance", result); err != nil {
		return 0, fmt.Errorf("解析allowance结果失败: %w", err)
	}

	return unitsToUSDC(allowance), nil
}

// GetConditionalTokenBalance 获取条件代币余额（私钥地址，通过positionId）
func (c *CTFClient) GetConditionalTokenBalance(ctx context.Context, positionId *big.Int) (float64, error) {
	fromAddress := crypto.PubkeyToAddress(c.privateKey.PublicKey)
	return c.GetConditionalTokenBalanceForAddress(ctx, fromAddress, positionId)
}

// GetConditionalTokenBalanceForAddress 获取指定地址的条件代币余额（通过positionId）
func (c *CTFClient) GetConditionalTokenBalanceForAddress(ctx context.Context, address common.Address, positionId *big.Int) (float64, error) {
	data, err := c.erc1155ABI.Pack("balanceOf", address, positionId)
	if err != nil {
		return 0, fmt.Errorf("打包balanceOf参数失败: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.ctfAddress,
		Data: data,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("调用balanceOf失败: %w", err)
	}

	var balance *big.Int
	if err := c.erc1155ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return 0, fmt.Errorf("解析balanceOf结果失败: %w", err)
	}

	return unitsToUSDC(balance), nil
}

// ValidateSplitPosition 验证拆分操作的前置条件（私钥地址）
func (c *CTFClient) ValidateSplitPosition(ctx context.Context, amount float64) error {
	fromAddress := crypto.PubkeyToAddress(c.privateKey.PublicKey)
	return c.ValidateSplitPositionForAddress(ctx, fromAddress, amount)
}

// ValidateSplitPositionForAddress 验证指定地址的拆分前置条件：USDC余额和授权
func (c *CTFClient) ValidateSplitPositionForAddress(ctx context.Context, address common.Address, amount float64) error {
	balance, err := c.GetUSDCBalanceForAddress(ctx, address)
	if err != nil {
		return fmt.Errorf("检查USDC余额失败: %w", err)
	}

	if balance < amount {
		return fmt.Errorf("USDC余额不足: 需要 %.6f USDC，当前余额 %.6f USDC", amount, balance)
	}

	allowance, err := c.CheckUSDCAllowanceForAddress(ctx, address)
	if err != nil {
		return fmt.Errorf("检查USDC授权失败: %w", err)
	}

	if allowance < amount {
		return fmt.Errorf("USDC授权不足: 需要 %.6f USDC，当前授权 %.6f USDC。请先授权USDC给CTF合约", amount, allowance)
	}

	return nil
}

// ValidateMergePositions 验证合并操作的前置条件：YES和NO两侧余额都要够
func (c *CTFClient) ValidateMergePositions(ctx context.Context, conditionId common.Hash, amount float64) error {
	yesPositionId, noPositionId, err := c.conditionPositionIds(conditionId)
	if err != nil {
		return err
	}

	yesBalance, err := c.GetConditionalTokenBalance(ctx, yesPositionId)
	if err != nil {
		return fmt.Errorf("检查YES余额失败: %w", err)
	}
	if yesBalance < amount {
		return fmt.Errorf("YES代币余额不足: 需要 %.6f，当前余额 %.6f", amount, yesBalance)
	}

	noBalance, err := c.GetConditionalTokenBalance(ctx, noPositionId)
	if err != nil {
		return fmt.Errorf("检查NO余额失败: %w", err)
	}
	if noBalance < amount {
		return fmt.Errorf("NO代币余额不足: 需要 %.6f，当前余额 %.6f", amount, noBalance)
	}

	return nil
}
