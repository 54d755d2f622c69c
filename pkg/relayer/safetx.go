package relayer

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

// The two Safe execution modes.
const (
	OperationCall         uint8 = 0
	OperationDelegateCall uint8 = 1
)

// MultiSendAddr is the Gnosis MultiSend contract on Polygon.
const MultiSendAddr = "0xA238CBeb142c10Ef7Ad8442C6D1f9E89e07e7761"

const zeroAddress = "0x0000000000000000000000000000000000000000"

// SafeTransaction is a single contract call executed through the Safe.
type SafeTransaction struct {
	To        common.Address
	Operation uint8
	Data      []byte
	Value     *big.Int
}

var multiSendABI = mustABI(`[
	{"name":"multiSend","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"transactions","type":"bytes"}],"outputs":[]}
]`)

// EncodeMultiSend encodes a batch of calls into one Safe execution.
// A single call passes through unchanged; multiple calls are packed into a
// MultiSend delegatecall.
func EncodeMultiSend(txns []SafeTransaction) (common.Address, []byte, uint8, error) {
	if len(txns) == 0 {
		return common.Address{}, nil, 0, errors.New("empty transaction batch")
	}
	if len(txns) == 1 {
		return txns[0].To, txns[0].Data, txns[0].Operation, nil
	}

	// Each call is packed as operation(1) + to(20) + value(32) + dataLen(32) + data.
	var packed []byte
	for _, tx := range txns {
		value := tx.Value
		if value == nil {
			value = big.NewInt(0)
		}
		packed = append(packed, tx.Operation)
		packed = append(packed, tx.To.Bytes()...)
		packed = append(packed, common.LeftPadBytes(value.Bytes(), 32)...)
		packed = append(packed, common.LeftPadBytes(big.NewInt(int64(len(tx.Data))).Bytes(), 32)...)
		packed = append(packed, tx.Data...)
	}

	data, err := multiSendABI.Pack("multiSend", packed)
	if err != nil {
		return common.Address{}, nil, 0, err
	}
	return common.HexToAddress(MultiSendAddr), data, OperationDelegateCall, nil
}

// SafeTxDigest computes the EIP-712 digest of a Safe transaction.
// The domain is (chainId, safe); the gas fields are all zero because the
// relayer pays.
func SafeTxDigest(chainID int64, safe, to common.Address, value *big.Int, data []byte, operation uint8, nonce *big.Int) ([]byte, error) {
	if nonce == nil {
		return nil, errors.New("nil safe nonce")
	}
	if value == nil {
		value = big.NewInt(0)
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SafeTx": []apitypes.Type{
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "operation", Type: "uint8"},
				{Name: "safeTxGas", Type: "uint256"},
				{Name: "baseGas", Type: "uint256"},
				{Name: "gasPrice", Type: "uint256"},
				{Name: "gasToken", Type: "address"},
				{Name: "refundReceiver", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "SafeTx",
		Domain: apitypes.TypedDataDomain{
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: safe.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":             to.Hex(),
			"value":          value.String(),
			"data":           data,
			"operation":      strconv.Itoa(int(operation)),
			"safeTxGas":      "0",
			"baseGas":        "0",
			"gasPrice":       "0",
			"gasToken":       zeroAddress,
			"refundReceiver": zeroAddress,
			"nonce":          nonce.String(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, errors.Wrap(err, "hash eip712 domain")
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, errors.Wrap(err, "hash safe tx")
	}

	raw := append([]byte{0x19, 0x01}, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

func mustABI(js string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(js))
	if err != nil {
		panic(err)
	}
	return parsed
}
