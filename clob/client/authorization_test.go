package client

import (
	"math/big"
	"strings"
	"testing"

	"github.com/arbx/goarb/clob/types"
)

func TestAuthorizationService_DefaultTargets_Polygon(t *testing.T) {
	cfg, err := GetContractConfig(types.ChainPolygon)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// 基本 sanity：地址应为 0x 开头且长度合理
	check := func(name, addr string) {
		if !strings.HasPrefix(addr, "0x") || len(addr) < 10 {
			t.Fatalf("bad %s addr: %q", name, addr)
		}
	}
	check("exchange", cfg.Exchange)
	check("negRiskExchange", cfg.NegRiskExchange)
	check("negRiskAdapter", cfg.NegRiskAdapter)
	check("collateral", cfg.Collateral)
	check("conditionalTokens", cfg.ConditionalTokens)
}

func TestGetContractConfig_UnknownChain(t *testing.T) {
	if _, err := GetContractConfig(types.Chain(1)); err == nil {
		t.Fatal("expected error for unsupported chain")
	}
}

func TestFormatUnits6(t *testing.T) {
	cases := []struct {
		units *big.Int
		want  string
	}{
		{big.NewInt(0), "0.000000"},
		{big.NewInt(1), "0.000001"},
		{big.NewInt(1_000_000), "1.000000"},
		{big.NewInt(1_234_567), "1.234567"},
		{big.NewInt(250_070_000), "250.070000"},
		{nil, "0"},
	}
	for _, c := range cases {
		if got := formatUnits6(c.units); got != c.want {
			t.Errorf("formatUnits6(%v) = %q, want %q", c.units, got, c.want)
		}
	}
}

func TestIsUnlimitedAllowance6(t *testing.T) {
	// 1e12 USDC（6 位小数）是 unlimited 的门槛
	threshold := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000_000_000))

	if isUnlimitedAllowance6(threshold) {
		t.Error("threshold itself should not count as unlimited")
	}
	over := new(big.Int).Add(threshold, big.NewInt(1))
	if !isUnlimitedAllowance6(over) {
		t.Error("value above threshold should be unlimited")
	}
	if isUnlimitedAllowance6(big.NewInt(5_000_000)) {
		t.Error("5 USDC should not be unlimited")
	}
	if isUnlimitedAllowance6(nil) {
		t.Error("nil should not be unlimited")
	}
}
