package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/olekukonko/tablewriter"

	"github.com/arbx/goarb/clob/client"
	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/services"
	"github.com/arbx/goarb/pkg/sdk/api"
	"github.com/arbx/goarb/pkg/secretstore"
)

// cmdInit 助记词派生钱包、写入密钥库、做合约授权。
func cmdInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "应用配置文件路径")
	index := fs.Int("index", 0, "派生序号 m/44'/60'/0'/0/{index}")
	funder := fs.String("funder", "", "Proxy/Safe 资金地址（留空用 EOA 地址）")
	skipApprove := fs.Bool("skip-approve", false, "跳过合约授权")
	force := fs.Bool("force", false, "覆盖密钥库里已有的钱包")
	_ = fs.Parse(args)

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	keyBytes, err := secretstore.ParseKey(os.Getenv("GOARB_SECRET_KEY"))
	if err != nil {
		return err
	}
	if keyBytes == nil {
		return fmt.Errorf("需要 GOARB_SECRET_KEY（32 字节，base64 或 hex）")
	}

	fmt.Fprintln(os.Stderr, "请输入助记词（12/15/18/21/24 个单词），回车结束：")
	mnemonic := strings.TrimSpace(readLine())
	if mnemonic == "" {
		return fmt.Errorf("助记词为空")
	}

	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return fmt.Errorf("助记词无效: %w", err)
	}
	path, err := hdwallet.ParseDerivationPath(fmt.Sprintf("m/44'/60'/0'/0/%d", *index))
	if err != nil {
		return err
	}
	account, err := wallet.Derive(path, false)
	if err != nil {
		return fmt.Errorf("派生失败: %w", err)
	}
	pkHex, err := wallet.PrivateKeyHex(account)
	if err != nil {
		return err
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.Store.SecretDir,
		EncryptionKey: keyBytes,
	})
	if err != nil {
		return err
	}
	defer ss.Close()

	if v, ok, _ := ss.GetString("env/WALLET_PRIVATE_KEY"); ok && v != "" && !*force {
		return fmt.Errorf("密钥库里已有钱包（-force 覆盖）")
	}
	funderAddr := strings.TrimSpace(*funder)
	if funderAddr == "" {
		funderAddr = account.Address.Hex()
	}
	if err := ss.SetString("env/WALLET_PRIVATE_KEY", pkHex); err != nil {
		return err
	}
	if err := ss.SetString("env/WALLET_FUNDER_ADDRESS", funderAddr); err != nil {
		return err
	}
	fmt.Printf("✅ 钱包已写入密钥库: eoa=%s funder=%s\n", account.Address.Hex(), funderAddr)

	if *skipApprove {
		return nil
	}

	// 合约授权：USDC 对 exchange/adapter，CTF 对 exchange
	pk, err := parsePrivateKey(pkHex)
	if err != nil {
		return err
	}
	auth, err := client.NewAuthorizationService(cfg.Endpoints.PolygonRPC, types.ChainPolygon, pk)
	if err != nil {
		return fmt.Errorf("创建授权服务失败: %w", err)
	}
	allowances, err := auth.CheckAllowances(ctx)
	if err != nil {
		return fmt.Errorf("查询授权状态失败: %w", err)
	}
	if allowances.TradingReady {
		fmt.Println("✅ 合约授权已齐全")
		return nil
	}
	fmt.Printf("⏳ 缺少授权: %s，开始补齐...\n", strings.Join(allowances.Issues, "; "))
	result, err := auth.ApproveAll(ctx)
	if err != nil {
		return fmt.Errorf("提交授权失败: %w", err)
	}
	fmt.Printf("✅ %s\n", result.Summary)
	return nil
}

func cmdAUM(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("aum", flag.ExitOnError)
	configPath := fs.String("config", "", "应用配置文件路径")
	_ = fs.Parse(args)

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	clobClient, err := newClobClient(ctx, cfg, true)
	if err != nil {
		return err
	}

	var chainClient *client.CTFClient
	if pk, err := parsePrivateKey(cfg.Wallet.PrivateKey); err == nil {
		chainClient, _ = client.NewCTFClient(cfg.Endpoints.PolygonRPC, types.ChainPolygon, pk)
	}
	var aum *services.AUMService
	if chainClient != nil {
		aum = services.NewAUMService(chainClient, clobClient, newDataAPI(cfg), cfg.Wallet.FunderAddress)
	} else {
		aum = services.NewAUMService(nil, clobClient, newDataAPI(cfg), cfg.Wallet.FunderAddress)
	}

	snap, err := aum.Snapshot(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("项目", "USDC")
	table.Append("现金", fmt.Sprintf("%.2f", snap.CashUSDC))
	table.Append("持仓估值", fmt.Sprintf("%.2f", snap.PositionsValue))
	table.Append("合计", fmt.Sprintf("%.2f", snap.Total()))
	table.Render()
	return nil
}

func cmdStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "应用配置文件路径")
	sinceHours := fs.Int("since", 24, "统计窗口（小时，0 = 全量）")
	cycles := fs.Int("cycles", 10, "显示的近期周期数")
	_ = fs.Parse(args)

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	st, err := openStoreReader(cfg)
	if err != nil {
		return fmt.Errorf("打开审计库失败（引擎还没跑过？）: %w", err)
	}
	defer st.Close()

	since := time.Time{}
	if *sinceHours > 0 {
		since = time.Now().Add(-time.Duration(*sinceHours) * time.Hour)
	}
	stats, err := st.AggregateStats(ctx, since)
	if err != nil {
		return err
	}

	fmt.Println("== 统计 ==")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("成交笔数", "成交额", "开放周期", "胜/负/持有", "周期盈亏", "赎回", "赎回回款")
	table.Append(
		fmt.Sprintf("%d", stats.Fills),
		fmt.Sprintf("$%.2f", stats.FillNotional),
		fmt.Sprintf("%d", stats.CyclesOpen),
		fmt.Sprintf("%d/%d/%d", stats.CyclesWon, stats.CyclesLost, stats.CyclesHeld),
		fmt.Sprintf("$%.2f", stats.CyclePnL),
		fmt.Sprintf("%d", stats.Redemptions),
		fmt.Sprintf("$%.2f", stats.RedeemPayout),
	)
	table.Render()

	positions, err := st.LatestPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) > 0 {
		fmt.Println("\n== 最新持仓快照 ==")
		table = tablewriter.NewWriter(os.Stdout)
		table.Header("市场", "Up", "Down", "配对", "锁定利润", "失衡", "时间")
		for _, p := range positions {
			table.Append(
				p.Market,
				fmt.Sprintf("%.1f", p.QtyUp),
				fmt.Sprintf("%.1f", p.QtyDown),
				fmt.Sprintf("%.1f", p.HedgedPairs),
				fmt.Sprintf("$%.2f", p.GuaranteedProfit),
				fmt.Sprintf("%.1f", p.Imbalance),
				p.At.Format("01-02 15:04:05"),
			)
		}
		table.Render()
	}

	recent, err := st.RecentCycles(ctx, *cycles)
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		fmt.Println("\n== 近期周期 ==")
		table = tablewriter.NewWriter(os.Stdout)
		table.Header("市场", "冲击方", "锚点", "卖出", "已实现", "结果", "开始")
		for _, c := range recent {
			table.Append(
				c.MarketSlug,
				c.ShockSide,
				fmt.Sprintf("%.2f", c.EntryMid),
				fmt.Sprintf("%.0f/%.0f", c.SoldShares, c.PresplitUSD),
				fmt.Sprintf("$%.2f", c.RealizedPnL()),
				string(c.Outcome),
				c.CreatedAt.Format("01-02 15:04"),
			)
		}
		table.Render()
	}
	return nil
}

func cmdOpenOrders(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("openorders", flag.ExitOnError)
	configPath := fs.String("config", "", "应用配置文件路径")
	market := fs.String("market", "", "只看一个市场（condition id）")
	_ = fs.Parse(args)

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	clobClient, err := newClobClient(ctx, cfg, true)
	if err != nil {
		return err
	}

	params := &types.OpenOrderParams{}
	if *market != "" {
		params.Market = market
	}
	orders, err := clobClient.GetOpenOrders(ctx, params)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Println("没有挂单")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("订单", "结果", "方向", "价格", "数量", "已成交")
	for _, o := range orders {
		table.Append(shortID(o.ID), o.Outcome, o.Side, o.Price, o.OriginalSize, o.SizeMatched)
	}
	table.Render()
	fmt.Printf("共 %d 个挂单\n", len(orders))
	return nil
}

func cmdMerge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	configPath := fs.String("config", "", "应用配置文件路径")
	market := fs.String("market", "", "市场 slug（必填）")
	shares := fs.Float64("shares", 0, "merge 份额（0 = 当前全部配对）")
	dryRun := fs.Bool("dry-run", false, "只打印不提交")
	_ = fs.Parse(args)

	if *market == "" {
		return fmt.Errorf("-market 必填")
	}
	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	clobClient, err := newClobClient(ctx, cfg, false)
	if err != nil {
		return err
	}
	m, err := newDiscovery(cfg, clobClient).ResolveMarket(ctx, *market)
	if err != nil {
		return err
	}

	pairs := *shares
	if pairs <= 0 {
		positions, err := newDataAPI(cfg).GetOpenPositions(ctx, cfg.Wallet.FunderAddress, 0)
		if err != nil {
			return err
		}
		up, down := sidesFor(positions, m)
		pairs = math.Floor(math.Min(up, down))
	}
	if pairs <= 0 {
		fmt.Println("没有可 merge 的配对")
		return nil
	}

	ctf := newCTFService(cfg, clobClient, *dryRun)
	submitted, err := ctf.Merge(ctx, m.ConditionID, pairs, m.NegRisk)
	if err != nil {
		return err
	}
	if submitted == 0 {
		fmt.Printf("merge 未提交（冷却/dry-run），%.1f 份已积压\n", pairs)
		return nil
	}
	fmt.Printf("✅ merge 提交 %.1f 份 ≈ $%.2f\n", submitted, submitted)
	return nil
}

func cmdSell(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sell", flag.ExitOnError)
	configPath := fs.String("config", "", "应用配置文件路径")
	market := fs.String("market", "", "市场 slug（必填）")
	token := fs.String("token", "", "方向 up|down（必填）")
	size := fs.Float64("size", 0, "卖出份额（必填）")
	price := fs.Float64("price", 0, "限价（0 = 贴着 best bid）")
	dryRun := fs.Bool("dry-run", false, "只打印不提交")
	_ = fs.Parse(args)

	if *market == "" || *size <= 0 {
		return fmt.Errorf("-market 和 -size 必填")
	}
	tokenType := domain.TokenType(strings.ToLower(*token))
	if tokenType != domain.TokenTypeUp && tokenType != domain.TokenTypeDown {
		return fmt.Errorf("-token 必须是 up 或 down")
	}

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	clobClient, err := newClobClient(ctx, cfg, true)
	if err != nil {
		return err
	}
	m, err := newDiscovery(cfg, clobClient).ResolveMarket(ctx, *market)
	if err != nil {
		return err
	}
	assetID := m.AssetID(tokenType)

	limit := *price
	if limit <= 0 {
		bid, err := clobClient.GetPrice(ctx, assetID, types.SideBuy)
		if err != nil {
			return fmt.Errorf("取 best bid 失败: %w", err)
		}
		limit = bid
	}

	trading := newTradingService(clobClient, cfg, *dryRun)
	receipt, err := trading.SellGTC(ctx, m, assetID, *size,
		domain.PriceFromDecimal(limit).RoundToTick(m.Tick()), domain.RoleExit)
	if err != nil {
		return err
	}
	fmt.Printf("✅ 卖单已提交: %s %.1f @ %.2f (order=%s)\n",
		tokenType, *size, limit, shortID(receipt.Order.OrderID))
	return nil
}

func cmdRedeem(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("redeem", flag.ExitOnError)
	configPath := fs.String("config", "", "应用配置文件路径")
	market := fs.String("market", "", "市场 slug")
	outcome := fs.Int("outcome", -1, "获胜结果的序号（0/1）")
	shares := fs.Float64("shares", 0, "neg-risk 市场的赎回份额")
	sweep := fs.Bool("sweep", false, "跑一轮自动清扫（扫数据 API 里全部可赎回仓位）")
	dryRun := fs.Bool("dry-run", false, "只打印不提交")
	_ = fs.Parse(args)

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	clobClient, err := newClobClient(ctx, cfg, false)
	if err != nil {
		return err
	}
	ctf := newCTFService(cfg, clobClient, *dryRun)

	if *sweep {
		sweeper := services.NewRedeemSweeper(newDataAPI(cfg), ctf, cfg.Wallet.FunderAddress, services.SweepConfig{})
		n, err := sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("✅ 清扫完成，提交 %d 笔赎回\n", n)
		return nil
	}

	if *market == "" || *outcome < 0 {
		return fmt.Errorf("-market 和 -outcome 必填（或用 -sweep）")
	}
	m, err := newDiscovery(cfg, clobClient).ResolveMarket(ctx, *market)
	if err != nil {
		return err
	}
	if err := ctf.Redeem(ctx, m.ConditionID, *outcome, m.NegRisk, *shares); err != nil {
		return err
	}
	fmt.Printf("✅ 赎回已提交: %s outcome=%d\n", m.Slug, *outcome)
	return nil
}

// cmdEmergencyStop 紧急离场：撤掉挂单、merge 全部配对、
// -force 时把残留单边按 best bid 卖掉，最后报告回收的 USDC。
func cmdEmergencyStop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("emergency-stop", flag.ExitOnError)
	configPath := fs.String("config", "", "应用配置文件路径")
	market := fs.String("market", "", "市场 slug，或 all（必填）")
	dryRun := fs.Bool("dry-run", false, "只打印不执行")
	force := fs.Bool("force", false, "连残留单边也按 best bid 卖掉")
	_ = fs.Parse(args)

	if *market == "" {
		return fmt.Errorf("-market 必填（slug 或 all）")
	}
	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	clobClient, err := newClobClient(ctx, cfg, true)
	if err != nil {
		return err
	}
	discovery := newDiscovery(cfg, clobClient)
	trading := newTradingService(clobClient, cfg, *dryRun)
	ctf := newCTFService(cfg, clobClient, *dryRun)
	dataAPI := newDataAPI(cfg)

	// 1) 撤单
	var target *domain.Market
	if *market == "all" {
		if *dryRun {
			fmt.Println("📝 [dry-run] 将撤销全部挂单")
		} else if _, err := clobClient.CancelAll(ctx); err != nil {
			return fmt.Errorf("撤销全部挂单失败: %w", err)
		} else {
			fmt.Println("🛑 已撤销全部挂单")
		}
	} else {
		target, err = discovery.ResolveMarket(ctx, *market)
		if err != nil {
			return err
		}
		if *dryRun {
			fmt.Printf("📝 [dry-run] 将撤销市场 %s 的挂单\n", target.Slug)
		} else if err := trading.CancelOrdersFor(ctx, target.ConditionID); err != nil {
			return fmt.Errorf("撤销市场挂单失败: %w", err)
		} else {
			fmt.Printf("🛑 已撤销市场 %s 的挂单\n", target.Slug)
		}
	}

	// 2) 持仓盘点
	positions, err := dataAPI.GetOpenPositions(ctx, cfg.Wallet.FunderAddress, 0)
	if err != nil {
		return fmt.Errorf("读持仓失败: %w", err)
	}
	if target != nil {
		filtered := positions[:0]
		for _, p := range positions {
			if p.ConditionID == target.ConditionID {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	if len(positions) == 0 {
		fmt.Println("没有持仓，完成")
		return nil
	}

	byCondition := make(map[string][]api.OpenPosition)
	for _, p := range positions {
		byCondition[p.ConditionID] = append(byCondition[p.ConditionID], p)
	}

	var recovered float64
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("市场", "动作", "份额", "回收USDC")

	for condID, ps := range byCondition {
		slug := ps[0].Slug
		var up, down float64
		for _, p := range ps {
			if p.OutcomeIndex == 0 {
				up += p.Size.Float64()
			} else {
				down += p.Size.Float64()
			}
		}

		// 2a) merge 配对部分：1 对 = 1 USDC
		pairs := math.Floor(math.Min(up, down))
		if pairs > 0 {
			if submitted, err := ctf.Merge(ctx, condID, pairs, ps[0].NegativeRisk); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️ merge %s 失败: %v\n", slug, err)
			} else if submitted > 0 || *dryRun {
				recovered += pairs
				table.Append(slug, "merge", fmt.Sprintf("%.0f 对", pairs), fmt.Sprintf("$%.2f", pairs))
			}
		}

		// 2b) 残留单边：-force 时按 best bid 卖掉
		if !*force {
			continue
		}
		for _, p := range ps {
			remainder := p.Size.Float64() - pairs
			if remainder < 1 {
				continue
			}
			m, err := discovery.ResolveMarket(ctx, p.Slug)
			if err != nil {
				fmt.Fprintf(os.Stderr, "⚠️ 解析市场 %s 失败: %v\n", p.Slug, err)
				continue
			}
			bid, err := clobClient.GetPrice(ctx, p.Asset, types.SideBuy)
			if err != nil || bid <= 0 {
				fmt.Fprintf(os.Stderr, "⚠️ %s/%s 没有 bid，跳过\n", p.Slug, p.Outcome)
				continue
			}
			if _, err := trading.SellGTC(ctx, m, p.Asset, remainder,
				domain.PriceFromDecimal(bid).RoundToTick(m.Tick()), domain.RoleExit); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️ 卖出 %s/%s 失败: %v\n", p.Slug, p.Outcome, err)
				continue
			}
			recovered += remainder * bid
			table.Append(slug, "sell "+p.Outcome, fmt.Sprintf("%.0f", remainder),
				fmt.Sprintf("$%.2f", remainder*bid))
		}
	}

	table.Render()
	label := ""
	if *dryRun {
		label = "（dry-run 估算）"
	}
	fmt.Printf("💰 预计回收 $%.2f%s\n", recovered, label)
	return nil
}

func sidesFor(positions []api.OpenPosition, m *domain.Market) (up, down float64) {
	for _, p := range positions {
		if p.ConditionID != m.ConditionID {
			continue
		}
		if p.OutcomeIndex == 0 {
			up += p.Size.Float64()
		} else {
			down += p.Size.Float64()
		}
	}
	return up, down
}

func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10] + "…"
}

func readLine() string {
	br := bufio.NewReader(os.Stdin)
	s, _ := br.ReadString('\n')
	return strings.TrimSpace(s)
}
