package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Numeric handles Polymarket numbers that may arrive as strings or numbers.
type Numeric float64

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || strings.EqualFold(string(data), "null") {
		*n = 0
		return nil
	}

	// Handle quoted numbers.
	if data[0] == '"' && data[len(data)-1] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = Numeric(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Numeric(f)
	return nil
}

func (n Numeric) Float64() float64 {
	return float64(n)
}

// OpenPosition represents current holdings for a user from GET /positions.
type OpenPosition struct {
	Asset        string  `json:"asset"` // Token ID
	ConditionID  string  `json:"conditionId"`
	Size         Numeric `json:"size"`     // Number of tokens held
	AvgPrice     Numeric `json:"avgPrice"` // Average purchase price
	CurPrice     Numeric `json:"curPrice"` // Current market price
	Redeemable   bool    `json:"redeemable"`
	NegativeRisk bool    `json:"negativeRisk"`
	RealizedPNL  Numeric `json:"realizedPnl"`
	Title        string  `json:"title"`
	Slug         string  `json:"slug"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	EventSlug    string  `json:"eventSlug"`
	ProxyWallet  string  `json:"proxyWallet"`
}

// Value is the current mark-to-market worth of the position.
func (p OpenPosition) Value() float64 {
	return p.Size.Float64() * p.CurPrice.Float64()
}

// ClosedPosition represents a realized position from GET /closed-positions.
type ClosedPosition struct {
	ProxyWallet  string  `json:"proxyWallet"`
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	AvgPrice     Numeric `json:"avgPrice"`
	TotalBought  Numeric `json:"totalBought"`
	RealizedPNL  Numeric `json:"realizedPnl"`
	CurPrice     Numeric `json:"curPrice"`
	Timestamp    int64   `json:"timestamp"`
	Title        string  `json:"title"`
	Slug         string  `json:"slug"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	EventSlug    string  `json:"eventSlug"`
}

// Activity types on the data API ledger.
const (
	ActivityTrade  = "TRADE"
	ActivityRedeem = "REDEEM"
	ActivitySplit  = "SPLIT"
	ActivityMerge  = "MERGE"
)

// Activity is one entry from GET /activity: a trade, redemption, split or
// merge attributed to the user's proxy wallet.
type Activity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Type            string  `json:"type"`
	Side            string  `json:"side"`
	Asset           string  `json:"asset"`
	ConditionID     string  `json:"conditionId"`
	Size            Numeric `json:"size"`
	UsdcSize        Numeric `json:"usdcSize"` // For REDEEM, this is the payout amount
	Price           Numeric `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	EventSlug       string  `json:"eventSlug"`
	Outcome         string  `json:"outcome"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	TransactionHash string  `json:"transactionHash"`
}

// UserValue is the response row of GET /value.
type UserValue struct {
	User  string  `json:"user"`
	Value Numeric `json:"value"`
}
