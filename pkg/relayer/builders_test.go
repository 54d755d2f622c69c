package relayer

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var testConditionID = common.HexToHash("0x" + strings.Repeat("11", 32))

// Calldata fixtures for conditionID 0x11..11, checked against the ABI
// encoding rules by hand.
const (
	splitCalldata85 = "72ce42750000000000000000000000002791bca1f2de4661ed88a30c99a7a9449aa84174" +
		"0000000000000000000000000000000000000000000000000000000000000000" +
		"1111111111111111111111111111111111111111111111111111111111111111" +
		"00000000000000000000000000000000000000000000000000000000000000a0" +
		"000000000000000000000000000000000000000000000000000000000510ff40" +
		"0000000000000000000000000000000000000000000000000000000000000002" +
		"0000000000000000000000000000000000000000000000000000000000000001" +
		"0000000000000000000000000000000000000000000000000000000000000002"

	mergeCalldata215 = "9e7212ad0000000000000000000000002791bca1f2de4661ed88a30c99a7a9449aa84174" +
		"0000000000000000000000000000000000000000000000000000000000000000" +
		"1111111111111111111111111111111111111111111111111111111111111111" +
		"00000000000000000000000000000000000000000000000000000000000000a0" +
		"0000000000000000000000000000000000000000000000000000000001481060" +
		"0000000000000000000000000000000000000000000000000000000000000002" +
		"0000000000000000000000000000000000000000000000000000000000000001" +
		"0000000000000000000000000000000000000000000000000000000000000002"

	redeemCalldataBoth = "01b7037c0000000000000000000000002791bca1f2de4661ed88a30c99a7a9449aa84174" +
		"0000000000000000000000000000000000000000000000000000000000000000" +
		"1111111111111111111111111111111111111111111111111111111111111111" +
		"0000000000000000000000000000000000000000000000000000000000000080" +
		"0000000000000000000000000000000000000000000000000000000000000002" +
		"0000000000000000000000000000000000000000000000000000000000000001" +
		"0000000000000000000000000000000000000000000000000000000000000002"

	redeemCalldataSecond = "01b7037c0000000000000000000000002791bca1f2de4661ed88a30c99a7a9449aa84174" +
		"0000000000000000000000000000000000000000000000000000000000000000" +
		"1111111111111111111111111111111111111111111111111111111111111111" +
		"0000000000000000000000000000000000000000000000000000000000000080" +
		"0000000000000000000000000000000000000000000000000000000000000001" +
		"0000000000000000000000000000000000000000000000000000000000000002"

	negRiskSplitCalldata = "a3d7da1d1111111111111111111111111111111111111111111111111111111111111111" +
		"000000000000000000000000000000000000000000000000000000000510ff40"

	negRiskMergeCalldata = "b10c5c171111111111111111111111111111111111111111111111111111111111111111" +
		"0000000000000000000000000000000000000000000000000000000001481060"

	negRiskRedeemCalldata = "dbeccb231111111111111111111111111111111111111111111111111111111111111111" +
		"0000000000000000000000000000000000000000000000000000000000000040" +
		"0000000000000000000000000000000000000000000000000000000000000002" +
		"0000000000000000000000000000000000000000000000000000000000bebc20" +
		"0000000000000000000000000000000000000000000000000000000000000000"
)

func TestUnits(t *testing.T) {
	cases := []struct {
		amount decimal.Decimal
		want   string
	}{
		{decimal.NewFromInt(85), "85000000"},
		{decimal.NewFromFloat(21.5), "21500000"},
		{decimal.RequireFromString("0.000001"), "1"},
		{decimal.RequireFromString("1234.56789"), "1234567890"},
	}
	for _, c := range cases {
		if got := Units(c.amount).String(); got != c.want {
			t.Errorf("Units(%s) = %s, want %s", c.amount, got, c.want)
		}
	}
}

func TestUnitsFromFloat(t *testing.T) {
	cases := []struct {
		amount float64
		want   string
	}{
		{69.3316, "69331600"},
		{0.07, "70000"},
		{100, "100000000"},
	}
	for _, c := range cases {
		if got := UnitsFromFloat(c.amount).String(); got != c.want {
			t.Errorf("UnitsFromFloat(%v) = %s, want %s", c.amount, got, c.want)
		}
	}
}

func TestIndexSetForOutcome(t *testing.T) {
	if got := IndexSetForOutcome(0); got.Int64() != 1 {
		t.Errorf("outcome 0 -> %s, want 1", got)
	}
	if got := IndexSetForOutcome(1); got.Int64() != 2 {
		t.Errorf("outcome 1 -> %s, want 2", got)
	}
}

func TestBuildSplitTransaction(t *testing.T) {
	tx, err := BuildSplitTransaction(testConditionID, decimal.NewFromInt(85))
	if err != nil {
		t.Fatalf("build split: %v", err)
	}
	if tx.To != common.HexToAddress(ConditionalTokensAddr) {
		t.Errorf("to = %s", tx.To.Hex())
	}
	if tx.Operation != OperationCall {
		t.Errorf("operation = %d", tx.Operation)
	}
	if tx.Value.Sign() != 0 {
		t.Errorf("value = %s", tx.Value)
	}
	if got := hex.EncodeToString(tx.Data); got != splitCalldata85 {
		t.Errorf("calldata mismatch:\n got %s\nwant %s", got, splitCalldata85)
	}
}

func TestBuildMergeTransaction(t *testing.T) {
	tx, err := BuildMergeTransaction(testConditionID, decimal.NewFromFloat(21.5))
	if err != nil {
		t.Fatalf("build merge: %v", err)
	}
	if got := hex.EncodeToString(tx.Data); got != mergeCalldata215 {
		t.Errorf("calldata mismatch:\n got %s\nwant %s", got, mergeCalldata215)
	}
}

func TestBuildRedeemTransaction(t *testing.T) {
	tx, err := BuildRedeemTransaction(testConditionID, fullSetPartition())
	if err != nil {
		t.Fatalf("build redeem: %v", err)
	}
	if got := hex.EncodeToString(tx.Data); got != redeemCalldataBoth {
		t.Errorf("both index sets:\n got %s\nwant %s", got, redeemCalldataBoth)
	}

	tx, err = BuildRedeemTransaction(testConditionID, []*big.Int{IndexSetForOutcome(1)})
	if err != nil {
		t.Fatalf("build redeem single: %v", err)
	}
	if got := hex.EncodeToString(tx.Data); got != redeemCalldataSecond {
		t.Errorf("single index set:\n got %s\nwant %s", got, redeemCalldataSecond)
	}
}

func TestBuildNegRiskTransactions(t *testing.T) {
	split, err := BuildNegRiskSplitTransaction(testConditionID, decimal.NewFromInt(85))
	if err != nil {
		t.Fatalf("build neg-risk split: %v", err)
	}
	if split.To != common.HexToAddress(NegRiskAdapterAddr) {
		t.Errorf("split to = %s", split.To.Hex())
	}
	if got := hex.EncodeToString(split.Data); got != negRiskSplitCalldata {
		t.Errorf("split calldata:\n got %s\nwant %s", got, negRiskSplitCalldata)
	}

	merge, err := BuildNegRiskMergeTransaction(testConditionID, decimal.NewFromFloat(21.5))
	if err != nil {
		t.Fatalf("build neg-risk merge: %v", err)
	}
	if got := hex.EncodeToString(merge.Data); got != negRiskMergeCalldata {
		t.Errorf("merge calldata:\n got %s\nwant %s", got, negRiskMergeCalldata)
	}

	redeem, err := BuildNegRiskRedeemTransaction(testConditionID, decimal.NewFromFloat(12.5), decimal.Zero)
	if err != nil {
		t.Fatalf("build neg-risk redeem: %v", err)
	}
	if got := hex.EncodeToString(redeem.Data); got != negRiskRedeemCalldata {
		t.Errorf("redeem calldata:\n got %s\nwant %s", got, negRiskRedeemCalldata)
	}
}

func TestBuildersRejectBadAmounts(t *testing.T) {
	if _, err := BuildSplitTransaction(testConditionID, decimal.Zero); err == nil {
		t.Error("split of zero accepted")
	}
	if _, err := BuildMergeTransaction(testConditionID, decimal.NewFromInt(-5)); err == nil {
		t.Error("negative merge accepted")
	}
	if _, err := BuildRedeemTransaction(testConditionID, nil); err == nil {
		t.Error("redeem with no index sets accepted")
	}
	if _, err := BuildNegRiskRedeemTransaction(testConditionID, decimal.Zero, decimal.Zero); err == nil {
		t.Error("neg-risk redeem of nothing accepted")
	}
}
