// Package store 审计持久层：仓位快照、订单终态、成交、赎回与周期的落盘记录。
// 只追加、只作恢复与报表用，策略决策永远不读这里。
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/arbx/goarb/internal/domain"
)

var storeLog = logrus.WithField("component", "store")

const dbFile = "goarb.db"

const (
	retentionPositions = 30 * 24 * time.Hour // 仓位快照保留 30 天
	retentionMonitor   = 14 * 24 * time.Hour // 观察记录保留 14 天
)

// 赎回尝试状态
const (
	RedeemStatusSubmitted = "submitted"
	RedeemStatusConfirmed = "confirmed"
	RedeemStatusAlready   = "already"
	RedeemStatusFailed    = "failed"
)

// RedemptionAttempt 一次链上赎回尝试的记录
type RedemptionAttempt struct {
	ConditionID string
	Market      string
	TxHash      string
	Status      string
	PayoutUSD   float64
	Err         string
	AttemptedAt time.Time
}

// MonitorTrade 观察模式记录：策略本应执行但未实际下单的交易
type MonitorTrade struct {
	Strategy string
	Market   string
	AssetID  string
	Side     string
	Price    float64
	Size     float64
	Reason   string
	At       time.Time
}

// Store SQLite 审计库。
// 写路径全部来自策略进程的串行循环或 IO 执行器，单连接足够；
// 读路径（CLI、面板）走 OpenReader，WAL 下互不阻塞。
type Store struct {
	db   *sql.DB
	lock *dirLock
}

// Open 打开数据目录下的审计库并持有目录排他锁。
// 同一目录第二个进程会拿到 ErrLocked。
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "store: create data dir")
	}
	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}
	s, err := open(filepath.Join(dir, dbFile))
	if err != nil {
		lock.release()
		return nil, err
	}
	s.lock = lock
	s.pruneOld(context.Background())
	storeLog.Infof("✅ 审计库已就绪: %s", filepath.Join(dir, dbFile))
	return s, nil
}

// OpenReader 以只读用途打开审计库，不抢目录锁。
// CLI 与面板用这个入口，交易进程在跑时也能查。
func OpenReader(dir string) (*Store, error) {
	return open(filepath.Join(dir, dbFile))
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭数据库并释放目录锁
func (s *Store) Close() error {
	err := s.db.Close()
	if rerr := s.lock.release(); err == nil {
		err = rerr
	}
	return err
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS positions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  market TEXT NOT NULL,
  qty_up REAL NOT NULL,
  qty_down REAL NOT NULL,
  cost_up REAL NOT NULL,
  cost_down REAL NOT NULL,
  hedged_pairs REAL NOT NULL,
  guaranteed_profit REAL NOT NULL,
  imbalance REAL NOT NULL,
  reason TEXT NOT NULL,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(market, id DESC);`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  order_id TEXT NOT NULL,
  market TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  token_type TEXT,
  side TEXT NOT NULL,
  role TEXT NOT NULL,
  order_type TEXT NOT NULL,
  price REAL NOT NULL,
  size REAL NOT NULL,
  filled_size REAL NOT NULL,
  avg_fill_price REAL NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  strategy TEXT NOT NULL,
  placed_at TEXT NOT NULL,
  closed_at TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market, id DESC);`,
		`
CREATE TABLE IF NOT EXISTS baselines (
  market TEXT PRIMARY KEY,
  imbalance REAL NOT NULL,
  up_qty REAL NOT NULL,
  down_qty REAL NOT NULL,
  saved_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS fills (
  trade_id TEXT NOT NULL,
  order_id TEXT NOT NULL,
  market TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  token_type TEXT,
  side TEXT NOT NULL,
  price REAL NOT NULL,
  size REAL NOT NULL,
  fee_bps INTEGER NOT NULL DEFAULT 0,
  traded_at TEXT NOT NULL,
  traded_at_ts INTEGER NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY (trade_id, order_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_market ON fills(market, traded_at_ts DESC);`,
		`
CREATE TABLE IF NOT EXISTS redemption_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  condition_id TEXT NOT NULL,
  market TEXT NOT NULL,
  tx_hash TEXT,
  status TEXT NOT NULL,
  payout_usd REAL NOT NULL DEFAULT 0,
  error TEXT,
  attempted_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_cond ON redemption_attempts(condition_id, id DESC);`,
		`
CREATE TABLE IF NOT EXISTS cycles (
  cycle_id TEXT PRIMARY KEY,
  game_id TEXT NOT NULL,
  market_slug TEXT NOT NULL,
  condition_id TEXT NOT NULL,
  presplit_usd REAL NOT NULL,
  split_tx TEXT,
  shock_asset TEXT,
  shock_side TEXT,
  entry_mid REAL NOT NULL DEFAULT 0,
  shock_at TEXT,
  ladder_ids TEXT,
  sold_shares REAL NOT NULL DEFAULT 0,
  sold_proceeds REAL NOT NULL DEFAULT 0,
  outcome TEXT NOT NULL,
  merge_tx TEXT,
  created_at TEXT NOT NULL,
  closed_at TEXT,
  closed_ts INTEGER
);`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_game ON cycles(game_id);`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_outcome ON cycles(outcome);`,
		`
CREATE TABLE IF NOT EXISTS monitor_trades (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  strategy TEXT NOT NULL,
  market TEXT NOT NULL,
  asset_id TEXT,
  side TEXT NOT NULL,
  price REAL NOT NULL,
  size REAL NOT NULL,
  reason TEXT NOT NULL,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_market ON monitor_trades(market, id DESC);`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "store: migrate exec failed")
		}
	}

	// 兼容：旧库没有 avg_fill_price 列时补齐（SQLite 不支持 ADD COLUMN IF NOT EXISTS）
	hasCol, err := hasColumn(ctx, s.db, "trades", "avg_fill_price")
	if err != nil {
		return err
	}
	if !hasCol {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE trades ADD COLUMN avg_fill_price REAL NOT NULL DEFAULT 0;`); err != nil {
			return errors.Wrap(err, "store: alter trades add avg_fill_price")
		}
	}

	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table string, col string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return false, errors.Wrapf(err, "store: table_info %s", table)
	}
	defer rows.Close()
	// PRAGMA table_info 返回：cid,name,type,notnull,dflt_value,pk
	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == col {
			return true, nil
		}
	}
	return false, rows.Err()
}

// pruneOld 清掉高频快照类数据，让库保持轻量。失败只影响体积，不影响功能。
func (s *Store) pruneOld(ctx context.Context) {
	s.db.ExecContext(ctx, `DELETE FROM positions WHERE ts < ?`, fmtTime(time.Now().Add(-retentionPositions)))
	s.db.ExecContext(ctx, `DELETE FROM monitor_trades WHERE ts < ?`, fmtTime(time.Now().Add(-retentionMonitor)))
}

// SavePositionSnapshot 追加一条仓位快照。reason 标记触发动机（fill/merge/redeem/cycle-end）。
func (s *Store) SavePositionSnapshot(ctx context.Context, snap domain.Snapshot, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (market, qty_up, qty_down, cost_up, cost_down,
		                       hedged_pairs, guaranteed_profit, imbalance, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Market, snap.QtyUp, snap.QtyDown, snap.CostUp, snap.CostDown,
		snap.HedgedPairs, snap.GuaranteedProfit, snap.Imbalance, reason, fmtTime(snap.Taken),
	)
	return errors.Wrap(err, "store: insert position snapshot")
}

// RecordOrder 订单到达终态后落一条审计行。生命周期内不更新，终态即全部事实。
func (s *Store) RecordOrder(ctx context.Context, o *domain.Order, strategy string) error {
	var closedAt *string
	if o.ClosedAt != nil {
		t := fmtTime(*o.ClosedAt)
		closedAt = &t
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (order_id, market, asset_id, token_type, side, role, order_type,
		                    price, size, filled_size, avg_fill_price, status, strategy,
		                    placed_at, closed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.MarketSlug, o.AssetID, string(o.TokenType), string(o.Side),
		string(o.Role), string(o.OrderType), o.Price.ToDecimal(), o.Size,
		o.FilledSize, o.AvgFillPrice, string(o.Status), strategy,
		fmtTime(o.CreatedAt), closedAt, fmtTime(time.Now()),
	)
	return errors.Wrapf(err, "store: insert trade %s", o.OrderID)
}

// RecordFill 追加一笔成交。按 (trade_id, order_id) 去重，
// 用户频道 at-least-once 投递下重复写入是无害 no-op。
func (s *Store) RecordFill(ctx context.Context, f *domain.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (trade_id, order_id, market, asset_id, token_type,
		                             side, price, size, fee_bps, traded_at, traded_at_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.TradeID, f.OrderID, f.Market, f.AssetID, string(f.TokenType),
		string(f.Side), f.Price.ToDecimal(), f.Size, f.FeeBps,
		fmtTime(f.Time), f.Time.UnixMilli(), fmtTime(time.Now()),
	)
	return errors.Wrapf(err, "store: insert fill %s", f.Key())
}

// SaveBaseline 每市场一行的平衡基线，重复保存覆盖旧值
func (s *Store) SaveBaseline(ctx context.Context, market string, b domain.Baseline) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baselines (market, imbalance, up_qty, down_qty, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(market) DO UPDATE SET
			imbalance = excluded.imbalance,
			up_qty    = excluded.up_qty,
			down_qty  = excluded.down_qty,
			saved_at  = excluded.saved_at`,
		market, b.Imbalance, b.UpQty, b.DownQty, fmtTime(b.SavedAt),
	)
	return errors.Wrapf(err, "store: upsert baseline %s", market)
}

// SaveCycle 写入或更新 shock-fade 周期。周期是生命周期行：
// split 后创建，armed/closed 时整行覆盖，created_at 保持首次值。
func (s *Store) SaveCycle(ctx context.Context, c *domain.Cycle) error {
	var shockAt *string
	if !c.ShockAt.IsZero() {
		t := fmtTime(c.ShockAt)
		shockAt = &t
	}
	var closedAt *string
	var closedTS *int64
	if c.ClosedAt != nil {
		t := fmtTime(*c.ClosedAt)
		closedAt = &t
		ms := c.ClosedAt.UnixMilli()
		closedTS = &ms
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (cycle_id, game_id, market_slug, condition_id, presplit_usd,
		                    split_tx, shock_asset, shock_side, entry_mid, shock_at, ladder_ids,
		                    sold_shares, sold_proceeds, outcome, merge_tx, created_at, closed_at, closed_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cycle_id) DO UPDATE SET
			shock_asset   = excluded.shock_asset,
			shock_side    = excluded.shock_side,
			entry_mid     = excluded.entry_mid,
			shock_at      = excluded.shock_at,
			ladder_ids    = excluded.ladder_ids,
			sold_shares   = excluded.sold_shares,
			sold_proceeds = excluded.sold_proceeds,
			outcome       = excluded.outcome,
			merge_tx      = excluded.merge_tx,
			closed_at     = excluded.closed_at,
			closed_ts     = excluded.closed_ts`,
		c.CycleID, c.GameID, c.MarketSlug, c.ConditionID, c.PresplitUSD,
		c.SplitTxHash, c.ShockAssetID, c.ShockSide, c.EntryMid, shockAt,
		strings.Join(c.LadderIDs, ","), c.SoldShares, c.SoldProceeds,
		string(c.Outcome), c.MergeTxHash, fmtTime(c.CreatedAt), closedAt, closedTS,
	)
	return errors.Wrapf(err, "store: upsert cycle %s", c.CycleID)
}

// RecordRedemption 追加一次赎回尝试。同一 condition 的多次尝试各占一行。
func (s *Store) RecordRedemption(ctx context.Context, r RedemptionAttempt) error {
	at := r.AttemptedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redemption_attempts (condition_id, market, tx_hash, status, payout_usd, error, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ConditionID, r.Market, r.TxHash, r.Status, r.PayoutUSD, r.Err, fmtTime(at),
	)
	return errors.Wrapf(err, "store: insert redemption %s", r.ConditionID)
}

// RecordMonitorTrade 观察模式：记录本应执行的交易
func (s *Store) RecordMonitorTrade(ctx context.Context, m MonitorTrade) error {
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitor_trades (strategy, market, asset_id, side, price, size, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Strategy, m.Market, m.AssetID, m.Side, m.Price, m.Size, m.Reason, fmtTime(at),
	)
	return errors.Wrap(err, "store: insert monitor trade")
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeStr(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
