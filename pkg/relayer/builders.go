package relayer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Settlement contracts on Polygon.
const (
	ConditionalTokensAddr = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	CollateralAddr        = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	NegRiskAdapterAddr    = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"
)

var conditionalTokensABI = mustABI(`[
	{"name":"splitPosition","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"collateralToken","type":"address"},
	           {"name":"parentCollectionId","type":"bytes32"},
	           {"name":"conditionId","type":"bytes32"},
	           {"name":"partition","type":"uint256[]"},
	           {"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"mergePositions","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"collateralToken","type":"address"},
	           {"name":"parentCollectionId","type":"bytes32"},
	           {"name":"conditionId","type":"bytes32"},
	           {"name":"partition","type":"uint256[]"},
	           {"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"redeemPositions","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"collateralToken","type":"address"},
	           {"name":"parentCollectionId","type":"bytes32"},
	           {"name":"conditionId","type":"bytes32"},
	           {"name":"indexSets","type":"uint256[]"}],"outputs":[]}
]`)

// The adapter exposes condensed entry points and routes to the CTF
// internally, so neg-risk calls carry only the condition and the amount.
var negRiskAdapterABI = mustABI(`[
	{"name":"splitPosition","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"_conditionId","type":"bytes32"},
	           {"name":"_amount","type":"uint256"}],"outputs":[]},
	{"name":"mergePositions","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"_conditionId","type":"bytes32"},
	           {"name":"_amount","type":"uint256"}],"outputs":[]},
	{"name":"redeemPositions","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"_conditionId","type":"bytes32"},
	           {"name":"_amounts","type":"uint256[]"}],"outputs":[]}
]`)

// Units converts a USDC or share amount into the six-decimal fixed-point
// integer the contracts expect.
func Units(amount decimal.Decimal) *big.Int {
	return amount.Shift(6).Round(0).BigInt()
}

// UnitsFromFloat is the float entry point. The shortest decimal
// representation is used, so 21.5 lands exactly on 21500000.
func UnitsFromFloat(amount float64) *big.Int {
	return Units(decimal.NewFromFloat(amount))
}

// IndexSetForOutcome maps an outcome index to its index-set bitmap
// (0 becomes 1, 1 becomes 2).
func IndexSetForOutcome(outcomeIndex int) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(outcomeIndex))
}

// The full partition of a binary market: index sets 1 and 2.
func fullSetPartition() []*big.Int {
	return []*big.Int{big.NewInt(1), big.NewInt(2)}
}

// BuildSplitTransaction splits USDC into matched YES/NO share sets on a
// standard CTF market.
func BuildSplitTransaction(conditionID common.Hash, amount decimal.Decimal) (SafeTransaction, error) {
	if amount.Sign() <= 0 {
		return SafeTransaction{}, errors.Errorf("split amount must be positive, got %s", amount)
	}
	data, err := conditionalTokensABI.Pack("splitPosition",
		common.HexToAddress(CollateralAddr),
		common.Hash{},
		conditionID,
		fullSetPartition(),
		Units(amount),
	)
	if err != nil {
		return SafeTransaction{}, err
	}
	return SafeTransaction{
		To:        common.HexToAddress(ConditionalTokensAddr),
		Operation: OperationCall,
		Data:      data,
		Value:     big.NewInt(0),
	}, nil
}

// BuildMergeTransaction merges matched YES/NO shares back into USDC on a
// standard CTF market.
func BuildMergeTransaction(conditionID common.Hash, amount decimal.Decimal) (SafeTransaction, error) {
	if amount.Sign() <= 0 {
		return SafeTransaction{}, errors.Errorf("merge amount must be positive, got %s", amount)
	}
	data, err := conditionalTokensABI.Pack("mergePositions",
		common.HexToAddress(CollateralAddr),
		common.Hash{},
		conditionID,
		fullSetPartition(),
		Units(amount),
	)
	if err != nil {
		return SafeTransaction{}, err
	}
	return SafeTransaction{
		To:        common.HexToAddress(ConditionalTokensAddr),
		Operation: OperationCall,
		Data:      data,
		Value:     big.NewInt(0),
	}, nil
}

// BuildRedeemTransaction redeems positions of a resolved market. Pass index
// set 1, 2 or both; the contract settles amounts from the oracle result, so
// no amount argument exists.
func BuildRedeemTransaction(conditionID common.Hash, indexSets []*big.Int) (SafeTransaction, error) {
	if len(indexSets) == 0 {
		return SafeTransaction{}, errors.New("redeem requires at least one index set")
	}
	data, err := conditionalTokensABI.Pack("redeemPositions",
		common.HexToAddress(CollateralAddr),
		common.Hash{},
		conditionID,
		indexSets,
	)
	if err != nil {
		return SafeTransaction{}, err
	}
	return SafeTransaction{
		To:        common.HexToAddress(ConditionalTokensAddr),
		Operation: OperationCall,
		Data:      data,
		Value:     big.NewInt(0),
	}, nil
}

// BuildNegRiskSplitTransaction splits through the NegRiskAdapter, for
// markets that belong to a multi-outcome event.
func BuildNegRiskSplitTransaction(conditionID common.Hash, amount decimal.Decimal) (SafeTransaction, error) {
	if amount.Sign() <= 0 {
		return SafeTransaction{}, errors.Errorf("split amount must be positive, got %s", amount)
	}
	data, err := negRiskAdapterABI.Pack("splitPosition", conditionID, Units(amount))
	if err != nil {
		return SafeTransaction{}, err
	}
	return SafeTransaction{
		To:        common.HexToAddress(NegRiskAdapterAddr),
		Operation: OperationCall,
		Data:      data,
		Value:     big.NewInt(0),
	}, nil
}

// BuildNegRiskMergeTransaction merges through the NegRiskAdapter.
func BuildNegRiskMergeTransaction(conditionID common.Hash, amount decimal.Decimal) (SafeTransaction, error) {
	if amount.Sign() <= 0 {
		return SafeTransaction{}, errors.Errorf("merge amount must be positive, got %s", amount)
	}
	data, err := negRiskAdapterABI.Pack("mergePositions", conditionID, Units(amount))
	if err != nil {
		return SafeTransaction{}, err
	}
	return SafeTransaction{
		To:        common.HexToAddress(NegRiskAdapterAddr),
		Operation: OperationCall,
		Data:      data,
		Value:     big.NewInt(0),
	}, nil
}

// BuildNegRiskRedeemTransaction redeems a neg-risk position. The adapter
// takes explicit amounts per outcome index instead of index sets.
func BuildNegRiskRedeemTransaction(conditionID common.Hash, yesAmount, noAmount decimal.Decimal) (SafeTransaction, error) {
	if yesAmount.Sign() < 0 || noAmount.Sign() < 0 {
		return SafeTransaction{}, errors.New("redeem amounts must be non-negative")
	}
	if yesAmount.Sign() == 0 && noAmount.Sign() == 0 {
		return SafeTransaction{}, errors.New("nothing to redeem")
	}
	amounts := []*big.Int{Units(yesAmount), Units(noAmount)}
	data, err := negRiskAdapterABI.Pack("redeemPositions", conditionID, amounts)
	if err != nil {
		return SafeTransaction{}, err
	}
	return SafeTransaction{
		To:        common.HexToAddress(NegRiskAdapterAddr),
		Operation: OperationCall,
		Data:      data,
		Value:     big.NewInt(0),
	}, nil
}
