package relayer

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const testSafeAddrHex = "0x000000000000000000000000000000000000dEaD"

// multiSend(bytes) wrapping of two packed calls:
// (CTF, 0xdeadbeef) followed by (collateral, 0x01), both plain calls.
const multiSendCalldata = "8d80ff0a" +
	"0000000000000000000000000000000000000000000000000000000000000020" +
	"00000000000000000000000000000000000000000000000000000000000000af" +
	"004d97dcd97ec945f40cf65f87097ace5ea0476045" +
	"0000000000000000000000000000000000000000000000000000000000000000" +
	"0000000000000000000000000000000000000000000000000000000000000004" +
	"deadbeef" +
	"002791bca1f2de4661ed88a30c99a7a9449aa84174" +
	"0000000000000000000000000000000000000000000000000000000000000000" +
	"0000000000000000000000000000000000000000000000000000000000000001" +
	"01" +
	"0000000000000000000000000000000000"

func TestEncodeMultiSend_SinglePassthrough(t *testing.T) {
	tx := SafeTransaction{
		To:        common.HexToAddress(ConditionalTokensAddr),
		Operation: OperationCall,
		Data:      []byte{0xde, 0xad, 0xbe, 0xef},
		Value:     big.NewInt(0),
	}
	to, data, operation, err := EncodeMultiSend([]SafeTransaction{tx})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if to != tx.To {
		t.Errorf("to = %s, want %s", to.Hex(), tx.To.Hex())
	}
	if !bytes.Equal(data, tx.Data) {
		t.Errorf("data = %x, want %x", data, tx.Data)
	}
	if operation != OperationCall {
		t.Errorf("operation = %d", operation)
	}
}

func TestEncodeMultiSend_PacksBatch(t *testing.T) {
	txns := []SafeTransaction{
		{To: common.HexToAddress(ConditionalTokensAddr), Data: []byte{0xde, 0xad, 0xbe, 0xef}},
		{To: common.HexToAddress(CollateralAddr), Data: []byte{0x01}},
	}
	to, data, operation, err := EncodeMultiSend(txns)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if to != common.HexToAddress(MultiSendAddr) {
		t.Errorf("to = %s, want multisend", to.Hex())
	}
	if operation != OperationDelegateCall {
		t.Errorf("operation = %d, want delegatecall", operation)
	}
	if got := hex.EncodeToString(data); got != multiSendCalldata {
		t.Errorf("calldata mismatch:\n got %s\nwant %s", got, multiSendCalldata)
	}
}

func TestEncodeMultiSend_EmptyBatch(t *testing.T) {
	if _, _, _, err := EncodeMultiSend(nil); err == nil {
		t.Error("empty batch accepted")
	}
}

func TestSafeTxDigest_KnownVector(t *testing.T) {
	data, err := hex.DecodeString(redeemCalldataBoth)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	digest, err := SafeTxDigest(
		137,
		common.HexToAddress(testSafeAddrHex),
		common.HexToAddress(ConditionalTokensAddr),
		nil,
		data,
		OperationCall,
		big.NewInt(7),
	)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	want := "6d4d7d91eb74d91c360dff8918c88e7ee100ba958a85bfde32507504fd033b91"
	if got := hex.EncodeToString(digest); got != want {
		t.Errorf("digest = %s, want %s", got, want)
	}
}

func TestSafeTxDigest_InputsChangeDigest(t *testing.T) {
	safe := common.HexToAddress(testSafeAddrHex)
	to := common.HexToAddress(ConditionalTokensAddr)
	data := []byte{0x01, 0x02}

	base, err := SafeTxDigest(137, safe, to, nil, data, OperationCall, big.NewInt(7))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	bumpedNonce, err := SafeTxDigest(137, safe, to, nil, data, OperationCall, big.NewInt(8))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	delegated, err := SafeTxDigest(137, safe, to, nil, data, OperationDelegateCall, big.NewInt(7))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if bytes.Equal(base, bumpedNonce) {
		t.Error("nonce change did not alter digest")
	}
	if bytes.Equal(base, delegated) {
		t.Error("operation change did not alter digest")
	}
}

func TestSafeTxDigest_NilNonce(t *testing.T) {
	_, err := SafeTxDigest(137, common.Address{}, common.Address{}, nil, nil, OperationCall, nil)
	if err == nil {
		t.Error("nil nonce accepted")
	}
}
