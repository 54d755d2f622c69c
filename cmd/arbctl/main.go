// arbctl 运营 CLI：钱包初始化、资金/持仓查询、手工 merge/sell/redeem、
// 紧急停止和实时盯盘。读路径走审计库只读入口和数据 API，
// 写路径复用引擎同一套服务层，行为和策略进程一致。
package main

import (
	"context"
	"crypto/ecdsa"
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
	"github.com/arbx/goarb/internal/services"
	"github.com/arbx/goarb/internal/store"
	"github.com/arbx/goarb/pkg/config"
	"github.com/arbx/goarb/pkg/relayer"
	"github.com/arbx/goarb/pkg/sdk/api"
	"github.com/arbx/goarb/pkg/secretstore"
)

const cmdTimeout = 60 * time.Second

func main() {
	// CLI 的日志只留警告，表格输出不被日志冲掉
	logrus.SetLevel(logrus.WarnLevel)
	config.LoadDotEnv()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	verb, args := os.Args[1], os.Args[2:]

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	var err error
	switch verb {
	case "init":
		err = cmdInit(ctx, args)
	case "aum":
		err = cmdAUM(ctx, args)
	case "status":
		err = cmdStatus(ctx, args)
	case "openorders":
		err = cmdOpenOrders(ctx, args)
	case "merge":
		err = cmdMerge(ctx, args)
	case "sell":
		err = cmdSell(ctx, args)
	case "redeem":
		err = cmdRedeem(ctx, args)
	case "emergency-stop":
		err = cmdEmergencyStop(ctx, args)
	case "watch":
		// TUI 自己管生命周期，不吃命令超时
		cancel()
		err = cmdWatch(args)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n\n", verb)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `用法: arbctl <命令> [参数]

命令:
  init            助记词派生钱包写入密钥库，并做合约授权
  aum             现金 + 持仓估值
  status          审计库统计、最新持仓和近期周期
  openorders      交易所侧的全部挂单
  merge           手工 merge 配对份额换回 USDC
  sell            手工限价卖出
  redeem          手工赎回已结算仓位（或 -sweep 跑一轮清扫）
  emergency-stop  撤单 + merge 配对 + （-force 时）卖出残留
  watch           实时盯盘面板（读 dashboard WS）

各命令支持 -h 查看参数。密钥库解密钥走 GOARB_SECRET_KEY。
`)
}

// loadAppConfig 解析应用配置，钱包缺项时从密钥库兜底。
func loadAppConfig(path string) (*config.Config, error) {
	if path != "" {
		config.SetConfigPath(path)
	} else if _, err := os.Stat("config.yaml"); err == nil {
		config.SetConfigPath("config.yaml")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	fillWalletFromSecretStore(cfg)
	return cfg, nil
}

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
		return
	}
	defer ss.Close()

	if v, ok, _ := ss.GetString("env/WALLET_PRIVATE_KEY"); ok {
		cfg.Wallet.PrivateKey = v
	}
	if cfg.Wallet.FunderAddress == "" {
		if v, ok, _ := ss.GetString("env/WALLET_FUNDER_ADDRESS"); ok {
			cfg.Wallet.FunderAddress = v
		}
	}
}

func parsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, fmt.Errorf("缺少钱包私钥（配置/环境变量/密钥库均未提供）")
	}
	return crypto.HexToECDSA(raw)
}

// newClobClient 构建 CLOB 客户端；needCreds 时当场派生 L2 凭证。
func newClobClient(ctx context.Context, cfg *config.Config, needCreds bool) (*client.Client, error) {
	key, err := parsePrivateKey(cfg.Wallet.PrivateKey)
	if err != nil {
		return nil, err
	}
	c, err := client.NewClient(
		cfg.Endpoints.ClobREST,
		types.ChainPolygon,
		key,
		nil,
		types.SignatureType(cfg.Wallet.SignatureType),
		cfg.Wallet.FunderAddress,
	)
	if err != nil {
		return nil, err
	}
	if needCreds {
		if err := c.EnsureCreds(ctx); err != nil {
			return nil, fmt.Errorf("派生 API 凭证失败: %w", err)
		}
	}
	return c, nil
}

func newCTFService(cfg *config.Config, clobClient *client.Client, dryRun bool) *services.CTFService {
	var creds *relayer.BuilderCreds
	if key := strings.TrimSpace(os.Getenv("BUILDER_API_KEY")); key != "" {
		creds = &relayer.BuilderCreds{
			Key:        key,
			Secret:     strings.TrimSpace(os.Getenv("BUILDER_SECRET")),
			Passphrase: strings.TrimSpace(os.Getenv("BUILDER_PASS_PHRASE")),
		}
	}
	rly := relayer.NewClient(
		cfg.Endpoints.Relayer,
		int64(types.ChainPolygon),
		clobClient,
		ethcommon.HexToAddress(cfg.Wallet.FunderAddress),
		creds,
	)
	return services.NewCTFService(rly, services.CTFConfig{DryRun: dryRun})
}

func newTradingService(clobClient *client.Client, cfg *config.Config, dryRun bool) *services.TradingService {
	return services.NewTradingService(clobClient, services.NewOrderTracker(), services.TradingConfig{
		DryRun:      dryRun,
		TakerFeeBps: cfg.FeeRateBps,
	})
}

func newDiscovery(cfg *config.Config, clobClient *client.Client) *services.Discovery {
	return services.NewDiscovery(cfg.Endpoints.Gamma, clobClient)
}

func newDataAPI(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.Endpoints.DataAPI)
}

func openStoreReader(cfg *config.Config) (*store.Store, error) {
	return store.OpenReader(filepath.Dir(cfg.Store.SQLitePath))
}
