package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
)

const defaultLimit = 50

// PositionRow 仓位快照行
type PositionRow struct {
	Market           string
	QtyUp            float64
	QtyDown          float64
	CostUp           float64
	CostDown         float64
	HedgedPairs      float64
	GuaranteedProfit float64
	Imbalance        float64
	Reason           string
	At               time.Time
}

// TradeRow 订单终态审计行
type TradeRow struct {
	OrderID      string
	Market       string
	AssetID      string
	TokenType    string
	Side         string
	Role         string
	OrderType    string
	Price        float64
	Size         float64
	FilledSize   float64
	AvgFillPrice float64
	Status       string
	Strategy     string
	PlacedAt     time.Time
	ClosedAt     *time.Time
}

// Stats 审计库聚合统计。since 为零值时统计全量。
type Stats struct {
	Fills        int
	FillNotional float64
	CyclesOpen   int
	CyclesWon    int
	CyclesLost   int
	CyclesHeld   int
	CyclePnL     float64
	Redemptions  int
	RedeemPayout float64
}

// Baseline 读取市场的平衡基线，没有时返回 nil
func (s *Store) Baseline(ctx context.Context, market string) (*domain.Baseline, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT imbalance, up_qty, down_qty, saved_at FROM baselines WHERE market = ?`, market)

	var b domain.Baseline
	var savedAt string
	if err := row.Scan(&b.Imbalance, &b.UpQty, &b.DownQty, &savedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "store: query baseline %s", market)
	}
	b.SavedAt = parseTimeStr(savedAt)
	return &b, nil
}

// LatestPositions 每市场最新一条仓位快照
func (s *Store) LatestPositions(ctx context.Context) ([]PositionRow, error) {
	return s.queryPositions(ctx, `
		SELECT market, qty_up, qty_down, cost_up, cost_down,
		       hedged_pairs, guaranteed_profit, imbalance, reason, ts
		FROM positions
		WHERE id IN (SELECT MAX(id) FROM positions GROUP BY market)
		ORDER BY market`)
}

// PositionHistory 单市场的快照历史，新的在前
func (s *Store) PositionHistory(ctx context.Context, market string, limit int) ([]PositionRow, error) {
	return s.queryPositions(ctx, `
		SELECT market, qty_up, qty_down, cost_up, cost_down,
		       hedged_pairs, guaranteed_profit, imbalance, reason, ts
		FROM positions WHERE market = ?
		ORDER BY id DESC LIMIT ?`, market, clampLimit(limit))
}

// Trades 订单审计行，market 为空时不过滤
func (s *Store) Trades(ctx context.Context, market string, limit int) ([]TradeRow, error) {
	q := `
		SELECT order_id, market, asset_id, token_type, side, role, order_type,
		       price, size, filled_size, avg_fill_price, status, strategy,
		       placed_at, closed_at
		FROM trades`
	args := []any{}
	if market != "" {
		q += ` WHERE market = ?`
		args = append(args, market)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: query trades")
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var t TradeRow
		var tokenType, placedAt string
		var closedAt sql.NullString
		if err := rows.Scan(
			&t.OrderID, &t.Market, &t.AssetID, &tokenType, &t.Side, &t.Role, &t.OrderType,
			&t.Price, &t.Size, &t.FilledSize, &t.AvgFillPrice, &t.Status, &t.Strategy,
			&placedAt, &closedAt,
		); err != nil {
			return nil, errors.Wrap(err, "store: scan trade")
		}
		t.TokenType = tokenType
		t.PlacedAt = parseTimeStr(placedAt)
		if closedAt.Valid {
			ts := parseTimeStr(closedAt.String)
			t.ClosedAt = &ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentFills 成交记录，market 为空时不过滤
func (s *Store) RecentFills(ctx context.Context, market string, limit int) ([]domain.Fill, error) {
	q := `
		SELECT trade_id, order_id, market, asset_id, token_type, side,
		       price, size, fee_bps, traded_at
		FROM fills`
	args := []any{}
	if market != "" {
		q += ` WHERE market = ?`
		args = append(args, market)
	}
	q += ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: query fills")
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side, tokenType, tradedAt string
		var price float64
		if err := rows.Scan(
			&f.TradeID, &f.OrderID, &f.Market, &f.AssetID, &tokenType, &side,
			&price, &f.Size, &f.FeeBps, &tradedAt,
		); err != nil {
			return nil, errors.Wrap(err, "store: scan fill")
		}
		f.Side = types.Side(side)
		f.TokenType = domain.TokenType(tokenType)
		f.Price = domain.PriceFromDecimal(price)
		f.Time = parseTimeStr(tradedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// OpenCycles 仍在进行中的 shock-fade 周期
func (s *Store) OpenCycles(ctx context.Context) ([]domain.Cycle, error) {
	return s.queryCycles(ctx, `
		SELECT cycle_id, game_id, market_slug, condition_id, presplit_usd,
		       split_tx, shock_asset, shock_side, entry_mid, shock_at, ladder_ids,
		       sold_shares, sold_proceeds, outcome, merge_tx, created_at, closed_at
		FROM cycles WHERE outcome = ?
		ORDER BY rowid DESC`, string(domain.CycleOutcomeOpen))
}

// RecentCycles 最近的周期（含已关闭），新的在前
func (s *Store) RecentCycles(ctx context.Context, limit int) ([]domain.Cycle, error) {
	return s.queryCycles(ctx, `
		SELECT cycle_id, game_id, market_slug, condition_id, presplit_usd,
		       split_tx, shock_asset, shock_side, entry_mid, shock_at, ladder_ids,
		       sold_shares, sold_proceeds, outcome, merge_tx, created_at, closed_at
		FROM cycles
		ORDER BY rowid DESC LIMIT ?`, clampLimit(limit))
}

// RecentRedemptions 最近的赎回尝试，新的在前
func (s *Store) RecentRedemptions(ctx context.Context, limit int) ([]RedemptionAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT condition_id, market, tx_hash, status, payout_usd, error, attempted_at
		FROM redemption_attempts
		ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "store: query redemptions")
	}
	defer rows.Close()

	var out []RedemptionAttempt
	for rows.Next() {
		var r RedemptionAttempt
		var txHash, errMsg sql.NullString
		var attemptedAt string
		if err := rows.Scan(&r.ConditionID, &r.Market, &txHash, &r.Status, &r.PayoutUSD, &errMsg, &attemptedAt); err != nil {
			return nil, errors.Wrap(err, "store: scan redemption")
		}
		r.TxHash = txHash.String
		r.Err = errMsg.String
		r.AttemptedAt = parseTimeStr(attemptedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MonitorTrades 观察模式记录，market 为空时不过滤
func (s *Store) MonitorTrades(ctx context.Context, market string, limit int) ([]MonitorTrade, error) {
	q := `SELECT strategy, market, asset_id, side, price, size, reason, ts FROM monitor_trades`
	args := []any{}
	if market != "" {
		q += ` WHERE market = ?`
		args = append(args, market)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: query monitor trades")
	}
	defer rows.Close()

	var out []MonitorTrade
	for rows.Next() {
		var m MonitorTrade
		var assetID sql.NullString
		var ts string
		if err := rows.Scan(&m.Strategy, &m.Market, &assetID, &m.Side, &m.Price, &m.Size, &m.Reason, &ts); err != nil {
			return nil, errors.Wrap(err, "store: scan monitor trade")
		}
		m.AssetID = assetID.String
		m.At = parseTimeStr(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AggregateStats 汇总成交、周期与赎回。since 非零时只统计该时刻之后
// 关闭的周期与发生的成交；进行中的周期始终计入。
func (s *Store) AggregateStats(ctx context.Context, since time.Time) (Stats, error) {
	var st Stats

	sinceMillis := int64(0)
	sinceStr := ""
	if !since.IsZero() {
		sinceMillis = since.UnixMilli()
		sinceStr = fmtTime(since)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(price * size), 0) FROM fills WHERE traded_at_ts >= ?`,
		sinceMillis,
	).Scan(&st.Fills, &st.FillNotional); err != nil {
		return st, errors.Wrap(err, "store: stats fills")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*), COALESCE(SUM(sold_proceeds - sold_shares * entry_mid), 0)
		FROM cycles
		WHERE outcome = ? OR COALESCE(closed_ts, 0) >= ?
		GROUP BY outcome`,
		string(domain.CycleOutcomeOpen), sinceMillis)
	if err != nil {
		return st, errors.Wrap(err, "store: stats cycles")
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var count int
		var pnl float64
		if err := rows.Scan(&outcome, &count, &pnl); err != nil {
			return st, errors.Wrap(err, "store: scan cycle stats")
		}
		switch domain.CycleOutcome(outcome) {
		case domain.CycleOutcomeOpen:
			st.CyclesOpen = count
		case domain.CycleOutcomeWon:
			st.CyclesWon = count
			st.CyclePnL += pnl
		case domain.CycleOutcomeLost:
			st.CyclesLost = count
			st.CyclePnL += pnl
		case domain.CycleOutcomeHeld:
			st.CyclesHeld = count
			st.CyclePnL += pnl
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(payout_usd), 0)
		FROM redemption_attempts
		WHERE status = ? AND attempted_at >= ?`,
		RedeemStatusConfirmed, sinceStr,
	).Scan(&st.Redemptions, &st.RedeemPayout); err != nil {
		return st, errors.Wrap(err, "store: stats redemptions")
	}

	return st, nil
}

func (s *Store) queryPositions(ctx context.Context, q string, args ...any) ([]PositionRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: query positions")
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var p PositionRow
		var ts string
		if err := rows.Scan(
			&p.Market, &p.QtyUp, &p.QtyDown, &p.CostUp, &p.CostDown,
			&p.HedgedPairs, &p.GuaranteedProfit, &p.Imbalance, &p.Reason, &ts,
		); err != nil {
			return nil, errors.Wrap(err, "store: scan position")
		}
		p.At = parseTimeStr(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) queryCycles(ctx context.Context, q string, args ...any) ([]domain.Cycle, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: query cycles")
	}
	defer rows.Close()

	var out []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		var splitTx, shockAsset, shockSide, mergeTx, ladderIDs sql.NullString
		var shockAt, closedAt sql.NullString
		var createdAt, outcome string
		if err := rows.Scan(
			&c.CycleID, &c.GameID, &c.MarketSlug, &c.ConditionID, &c.PresplitUSD,
			&splitTx, &shockAsset, &shockSide, &c.EntryMid, &shockAt, &ladderIDs,
			&c.SoldShares, &c.SoldProceeds, &outcome, &mergeTx, &createdAt, &closedAt,
		); err != nil {
			return nil, errors.Wrap(err, "store: scan cycle")
		}
		c.SplitTxHash = splitTx.String
		c.ShockAssetID = shockAsset.String
		c.ShockSide = shockSide.String
		c.MergeTxHash = mergeTx.String
		c.Outcome = domain.CycleOutcome(outcome)
		c.CreatedAt = parseTimeStr(createdAt)
		if shockAt.Valid {
			c.ShockAt = parseTimeStr(shockAt.String)
		}
		if closedAt.Valid {
			ts := parseTimeStr(closedAt.String)
			c.ClosedAt = &ts
		}
		if ladderIDs.Valid && ladderIDs.String != "" {
			c.LadderIDs = strings.Split(ladderIDs.String, ",")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}
