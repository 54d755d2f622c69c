package domain

import (
	"strings"
	"time"

	"github.com/arbx/goarb/clob/types"
)

// TokenType token 类型（二元市场的两个方向）
type TokenType string

const (
	TokenTypeUp   TokenType = "up"
	TokenTypeDown TokenType = "down"
)

// Opposite 返回对侧 token 类型
func (t TokenType) Opposite() TokenType {
	if t == TokenTypeUp {
		return TokenTypeDown
	}
	return TokenTypeUp
}

// Outcome 市场的单个结果 token
type Outcome struct {
	Label   string // 结果名称（"Up"/"Down" 或队名）
	AssetID string // 条件代币资产 ID
	Index   int    // 链上 outcome index（redeem 用）
}

// Market 市场领域模型。
// 同时覆盖 15 分钟 updown 市场（Up/Down）和体育 moneyline 市场（主队/客队）。
type Market struct {
	Slug        string         // 市场 slug
	ConditionID string         // 链上条件 ID
	Question    string         // 问题描述
	Outcomes    []Outcome      // 有序结果集（二元市场固定两个）
	NegRisk     bool           // 是否负风险市场（决定 merge/redeem 适配器）
	TickSize    types.TickSize // 最小价格精度
	Timestamp   int64          // 周期开始 Unix 时间戳（updown 市场）
	EndAt       time.Time      // 结算截止时间
}

// IsValid 验证市场是否有效
func (m *Market) IsValid() bool {
	return m.Slug != "" && m.ConditionID != "" && len(m.Outcomes) >= 2
}

// Tick 返回 tick size（未设置时默认 0.01）
func (m *Market) Tick() types.TickSize {
	if m.TickSize == "" {
		return types.TickSize001
	}
	return m.TickSize
}

// AssetID 根据 token 类型获取资产 ID（updown 市场：up=第 0 个结果）
func (m *Market) AssetID(tokenType TokenType) string {
	if len(m.Outcomes) < 2 {
		return ""
	}
	if tokenType == TokenTypeUp {
		return m.Outcomes[0].AssetID
	}
	return m.Outcomes[1].AssetID
}

// TokenTypeOf 根据资产 ID 反查 token 类型
func (m *Market) TokenTypeOf(assetID string) (TokenType, bool) {
	if len(m.Outcomes) < 2 {
		return "", false
	}
	switch assetID {
	case m.Outcomes[0].AssetID:
		return TokenTypeUp, true
	case m.Outcomes[1].AssetID:
		return TokenTypeDown, true
	}
	return "", false
}

// Complement 返回资产 ID 的对侧 token（二元市场）
func (m *Market) Complement(assetID string) (Outcome, bool) {
	if len(m.Outcomes) < 2 {
		return Outcome{}, false
	}
	switch assetID {
	case m.Outcomes[0].AssetID:
		return m.Outcomes[1], true
	case m.Outcomes[1].AssetID:
		return m.Outcomes[0], true
	}
	return Outcome{}, false
}

// OutcomeByAsset 根据资产 ID 查找结果
func (m *Market) OutcomeByAsset(assetID string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.AssetID == assetID {
			return o, true
		}
	}
	return Outcome{}, false
}

// OutcomeByLabel 根据名称查找结果（忽略大小写）
func (m *Market) OutcomeByLabel(label string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if strings.EqualFold(o.Label, label) {
			return o, true
		}
	}
	return Outcome{}, false
}

// NewUpDownMarket 构建 15 分钟 updown 市场
func NewUpDownMarket(slug, conditionID, upAsset, downAsset string, timestamp int64) *Market {
	return &Market{
		Slug:        slug,
		ConditionID: conditionID,
		Outcomes: []Outcome{
			{Label: "Up", AssetID: upAsset, Index: 0},
			{Label: "Down", AssetID: downAsset, Index: 1},
		},
		TickSize:  types.TickSize001,
		Timestamp: timestamp,
	}
}
