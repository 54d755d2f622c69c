package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/clob/client"
	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/dashboard"
	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/services"
	"github.com/arbx/goarb/internal/store"
	"github.com/arbx/goarb/internal/strategies/shockfade"
	"github.com/arbx/goarb/internal/strategies/updownarb"
	"github.com/arbx/goarb/pkg/bbgo"
	"github.com/arbx/goarb/pkg/config"
	"github.com/arbx/goarb/pkg/logger"
	"github.com/arbx/goarb/pkg/marketspec"
	"github.com/arbx/goarb/pkg/relayer"
	"github.com/arbx/goarb/pkg/sdk/api"
	"github.com/arbx/goarb/pkg/secretstore"

	// 导入策略集合以触发 init() 注册
	_ "github.com/arbx/goarb/internal/strategies/all"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "应用配置文件路径（.yaml/.json，缺省走环境变量和默认值）")
	strategiesPath := flag.String("strategies", "strategies.yaml", "策略装配文件路径")
	symbol := flag.String("symbol", "btc", "updownarb 标的（btc/eth/sol/xrp）")
	timeframe := flag.String("timeframe", "15m", "updownarb 周期（15m/1h/4h）")
	flag.Parse()

	config.LoadDotEnv()

	if *configPath != "" {
		config.SetConfigPath(*configPath)
	} else if _, err := os.Stat("config.yaml"); err == nil {
		config.SetConfigPath("config.yaml")
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置失败:", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		LogByCycle: cfg.LogByCycle,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "初始化日志失败:", err)
		os.Exit(1)
	}
	if cfg.DryRun {
		logrus.Warn("📝 DRY-RUN 模式：不提交真实订单和链上交易")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, *strategiesPath, *symbol, *timeframe); err != nil {
		logrus.Errorf("❌ 引擎退出: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, strategiesPath, symbol, timeframe string) error {
	fillWalletFromSecretStore(cfg)

	privateKey, err := parsePrivateKey(cfg.Wallet.PrivateKey)
	if err != nil && !cfg.DryRun {
		return fmt.Errorf("解析钱包私钥失败: %w", err)
	}

	// ---- 外部客户端 ----
	clobClient, err := client.NewClient(
		cfg.Endpoints.ClobREST,
		types.ChainPolygon,
		privateKey,
		nil,
		types.SignatureType(cfg.Wallet.SignatureType),
		cfg.Wallet.FunderAddress,
	)
	if err != nil {
		return fmt.Errorf("创建 CLOB 客户端失败: %w", err)
	}
	if privateKey != nil {
		if err := clobClient.EnsureCreds(ctx); err != nil {
			if !cfg.DryRun {
				return fmt.Errorf("派生 API 凭证失败: %w", err)
			}
			logrus.Warnf("⚠️ API 凭证派生失败（dry-run 继续）: %v", err)
		}
	}

	funder := cfg.Wallet.FunderAddress
	relayerClient := relayer.NewClient(
		cfg.Endpoints.Relayer,
		int64(types.ChainPolygon),
		clobClient,
		ethcommon.HexToAddress(funder),
		builderCredsFromEnv(),
	)
	dataAPI := api.NewClient(cfg.Endpoints.DataAPI)

	var chainClient *client.CTFClient
	if privateKey != nil {
		if c, err := client.NewCTFClient(cfg.Endpoints.PolygonRPC, types.ChainPolygon, privateKey); err == nil {
			chainClient = c
		} else {
			logrus.Warnf("⚠️ RPC 客户端不可用，AUM 现金走交易所口径: %v", err)
		}
	}

	// ---- 服务层 ----
	tracker := services.NewOrderTracker()
	trading := services.NewTradingService(clobClient, tracker, services.TradingConfig{
		DryRun:      cfg.DryRun,
		TakerFeeBps: cfg.FeeRateBps,
	})
	ctf := services.NewCTFService(relayerClient, services.CTFConfig{DryRun: cfg.DryRun})
	discovery := services.NewDiscovery(cfg.Endpoints.Gamma, clobClient)

	var aum *services.AUMService
	if chainClient != nil {
		aum = services.NewAUMService(chainClient, clobClient, dataAPI, funder)
	} else {
		aum = services.NewAUMService(nil, clobClient, dataAPI, funder)
	}

	// 审计库同时承担单实例锁：同一数据目录只允许一个交易进程
	st, err := store.Open(filepath.Dir(cfg.Store.SQLitePath))
	if err != nil {
		return fmt.Errorf("打开审计库失败: %w", err)
	}
	defer st.Close()

	// ---- 运行环境 ----
	environ := bbgo.NewEnvironment()
	environ.TradingService = trading
	environ.CTF = ctf
	environ.AUM = aum
	environ.Discovery = discovery
	environ.Ledger = domain.NewLedger()
	environ.Store = st

	var creds types.ApiKeyCreds
	if c := clobClient.Creds(); c != nil {
		creds = *c
	}
	if err := environ.Connect(ctx, creds); err != nil {
		return fmt.Errorf("连接行情失败: %w", err)
	}

	// ---- 策略装配 ----
	assembly, err := bbgo.Load(strategiesPath)
	if err != nil {
		return err
	}
	instances, err := bbgo.LoadStrategies(assembly)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return fmt.Errorf("策略装配文件 %s 里没有策略", strategiesPath)
	}

	var arb *updownarb.Strategy
	var fade *shockfade.Strategy
	trader := bbgo.NewTrader(environ)
	for _, inst := range instances {
		switch s := inst.(type) {
		case *updownarb.Strategy:
			arb = s
		case *shockfade.Strategy:
			fade = s
		}
		trader.AddStrategy(inst)
	}
	if arb != nil && fade != nil {
		// 一个进程只跑一个策略核心：两条策略的周期模型互斥
		return fmt.Errorf("updownarb 和 shockfade 不能在同一进程运行，请拆成两份装配文件")
	}

	if err := trader.Initialize(ctx); err != nil {
		return err
	}

	// ---- 外围服务 ----
	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash, err = dashboard.New(dashboard.Config{Addr: cfg.Dashboard.Listen}, dashboard.Deps{
			Ledger:     environ.Ledger,
			Tracker:    tracker,
			Store:      st,
			Breakers:   environ.Breakers,
			AUM:        aum,
			MarketFeed: environ.MarketFeed,
		})
		if err != nil {
			return fmt.Errorf("创建面板失败: %w", err)
		}
		if err := dash.Start(ctx); err != nil {
			return err
		}
		defer dash.Close()
	}

	sweeper := services.NewRedeemSweeper(dataAPI, ctf, funder, services.SweepConfig{})
	sweeper.Start(ctx)
	defer sweeper.Close()

	// ---- 启动 ----
	if arb != nil {
		spec, err := marketspec.New(symbol, timeframe, "updown")
		if err != nil {
			return err
		}
		scheduler := bbgo.NewMarketScheduler(environ, discovery, trader, updownarb.ID, spec)
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			_ = scheduler.Stop(stopCtx)
		}()
		if err := trader.Run(ctx, scheduler.CurrentSession()); err != nil {
			return err
		}
	} else {
		if err := trader.Run(ctx, nil); err != nil {
			return err
		}
	}

	// SIGHUP 热载：重读装配文件，把新的 shockfade 配置灌给在跑的实例。
	// updownarb 的参数跟市场周期走，不做热载。
	if fade != nil {
		config.WatchSIGHUP(func(_ *config.Config) {
			if reloadShockfade(strategiesPath, fade) && dash != nil {
				dash.Publish("config_reload", map[string]string{"strategy": shockfade.ID})
			}
		})
	}

	bbgo.WaitForShutdown(ctx, trader, environ, shutdownTimeout)
	return nil
}

// fillWalletFromSecretStore 配置里没给钱包时从加密密钥库兜底。
// 密钥库由 arbctl init 写入，解密钥走 GOARB_SECRET_KEY。
func fillWalletFromSecretStore(cfg *config.Config) {
	if cfg.Wallet.PrivateKey != "" {
		return
	}
	keyBytes, err := secretstore.ParseKey(os.Getenv("GOARB_SECRET_KEY"))
	if err != nil || keyBytes == nil {
		return
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.Store.SecretDir,
		EncryptionKey: keyBytes,
		ReadOnly:      true,
	})
	if err != nil {
		logrus.Warnf("⚠️ 打开密钥库失败: %v", err)
		return
	}
	defer ss.Close()

	if v, ok, _ := ss.GetString("env/WALLET_PRIVATE_KEY"); ok {
		cfg.Wallet.PrivateKey = v
		logrus.Info("✅ 钱包私钥来自密钥库")
	}
	if cfg.Wallet.FunderAddress == "" {
		if v, ok, _ := ss.GetString("env/WALLET_FUNDER_ADDRESS"); ok {
			cfg.Wallet.FunderAddress = v
		}
	}
	for _, kv := range [][2]string{
		{"env/BUILDER_API_KEY", "BUILDER_API_KEY"},
		{"env/BUILDER_SECRET", "BUILDER_SECRET"},
		{"env/BUILDER_PASS_PHRASE", "BUILDER_PASS_PHRASE"},
	} {
		if os.Getenv(kv[1]) != "" {
			continue
		}
		if v, ok, _ := ss.GetString(kv[0]); ok {
			os.Setenv(kv[1], v)
		}
	}
}

func parsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, fmt.Errorf("私钥为空")
	}
	return crypto.HexToECDSA(raw)
}

// builderCredsFromEnv 中继器 builder 凭证，没配时匿名提交。
func builderCredsFromEnv() *relayer.BuilderCreds {
	key := strings.TrimSpace(os.Getenv("BUILDER_API_KEY"))
	if key == "" {
		return nil
	}
	return &relayer.BuilderCreds{
		Key:        key,
		Secret:     strings.TrimSpace(os.Getenv("BUILDER_SECRET")),
		Passphrase: strings.TrimSpace(os.Getenv("BUILDER_PASS_PHRASE")),
	}
}

func reloadShockfade(strategiesPath string, fade *shockfade.Strategy) bool {
	assembly, err := bbgo.Load(strategiesPath)
	if err != nil {
		logrus.Errorf("❌ 重载策略装配失败: %v", err)
		return false
	}
	instances, err := bbgo.LoadStrategies(assembly)
	if err != nil {
		logrus.Errorf("❌ 重载策略装配失败: %v", err)
		return false
	}
	for _, inst := range instances {
		if s, ok := inst.(*shockfade.Strategy); ok {
			if err := fade.ApplyConfig(s.Config); err != nil {
				logrus.Errorf("❌ 热载 shockfade 配置被拒: %v", err)
				return false
			}
			return true
		}
	}
	logrus.Warn("⚠️ 装配文件里已没有 shockfade 配置，热载跳过")
	return false
}
