package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration 包装 time.Duration，支持在 YAML/JSON 里写 "90s" / "5m" 这类字符串。
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		// 裸数字按纳秒处理（和 time.Duration 的默认行为一致）
		var n int64
		if err2 := node.Decode(&n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("无效的 duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("无效的 duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UserJSON 表示 user.json 文件的结构
type UserJSON struct {
	PrivateKey       string `json:"private_key"`
	Proxy            string `json:"proxy"`
	Address          string `json:"address"`
	RecipientAddress string `json:"recipient_address"`
	ProxyAddress     string `json:"proxy_address"`
}

// WalletConfig 钱包配置
type WalletConfig struct {
	PrivateKey    string
	FunderAddress string
	SignatureType int // 0=EOA, 2=POLY_GNOSIS_SAFE
}

// ProxyConfig 代理配置
type ProxyConfig struct {
	Host string
	Port int
}

// EndpointConfig 外部服务地址（留空使用主网默认值）
type EndpointConfig struct {
	ClobREST   string
	ClobWS     string
	UserWS     string
	Gamma      string
	DataAPI    string
	Relayer    string
	PolygonRPC string
}

// 主网默认端点
const (
	DefaultClobREST   = "https://clob.polymarket.com"
	DefaultClobWS     = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	DefaultUserWS     = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
	DefaultGamma      = "https://gamma-api.polymarket.com"
	DefaultDataAPI    = "https://data-api.polymarket.com"
	DefaultRelayer    = "https://relayer-v2.polymarket.com"
	DefaultPolygonRPC = "https://polygon-rpc.com"
)

// StoreConfig 本地持久化配置
type StoreConfig struct {
	SQLitePath string // 审计库路径
	SecretDir  string // badger 密钥库目录
	LockFile   string // 单实例 flock 文件
}

// DashboardConfig 监控面板配置
type DashboardConfig struct {
	Enabled bool
	Listen  string // e.g. "127.0.0.1:18080"
}

// Config 应用配置
type Config struct {
	Wallet    WalletConfig
	Proxy     *ProxyConfig
	Endpoints EndpointConfig
	Store     StoreConfig
	Dashboard DashboardConfig

	LogLevel   string // 日志级别
	LogFile    string // 日志文件路径（可选）
	LogByCycle bool   // 是否按周期命名日志文件

	DryRun     bool    // 纸交易模式：不发真实订单，只打印
	FeeRateBps int     // 下单费率（bps），默认 0
	MaxCapital float64 // 单市场最大投入（USDC），0 = 不限制
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）
type ConfigFile struct {
	Wallet struct {
		PrivateKey    string `yaml:"private_key" json:"private_key"`
		FunderAddress string `yaml:"funder_address" json:"funder_address"`
		SignatureType int    `yaml:"signature_type" json:"signature_type"`
	} `yaml:"wallet" json:"wallet"`
	Proxy struct {
		Host string `yaml:"host" json:"host"`
		Port int    `yaml:"port" json:"port"`
	} `yaml:"proxy" json:"proxy"`
	Endpoints struct {
		ClobREST   string `yaml:"clob_rest" json:"clob_rest"`
		ClobWS     string `yaml:"clob_ws" json:"clob_ws"`
		UserWS     string `yaml:"user_ws" json:"user_ws"`
		Gamma      string `yaml:"gamma" json:"gamma"`
		DataAPI    string `yaml:"data_api" json:"data_api"`
		Relayer    string `yaml:"relayer" json:"relayer"`
		PolygonRPC string `yaml:"polygon_rpc" json:"polygon_rpc"`
	} `yaml:"endpoints" json:"endpoints"`
	Store struct {
		SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
		SecretDir  string `yaml:"secret_dir" json:"secret_dir"`
		LockFile   string `yaml:"lock_file" json:"lock_file"`
	} `yaml:"store" json:"store"`
	Dashboard struct {
		Enabled bool   `yaml:"enabled" json:"enabled"`
		Listen  string `yaml:"listen" json:"listen"`
	} `yaml:"dashboard" json:"dashboard"`

	LogLevel   string `yaml:"log_level" json:"log_level"`
	LogFile    string `yaml:"log_file" json:"log_file"`
	LogByCycle *bool  `yaml:"log_by_cycle" json:"log_by_cycle"`

	DryRun     *bool   `yaml:"dry_run" json:"dry_run"`
	FeeRateBps int     `yaml:"fee_rate_bps" json:"fee_rate_bps"`
	MaxCapital float64 `yaml:"max_capital" json:"max_capital"`
}

// LoadDotEnv 加载 .env（不存在时静默跳过），在 Load 之前调用。
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			logrus.Warnf("⚠️ 加载 %s 失败: %v", p, err)
		}
	}
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}

	var configFile *ConfigFile
	if filePath != "" {
		var err error
		configFile, err = loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}

	// 钱包信息优先从 user.json 加载（路径可用 USER_JSON 覆盖）
	userJSON, err := loadUserJSON()
	if err != nil {
		// user.json 缺失时允许退回纯环境变量（CI / dry-run 场景）
		logrus.Warnf("⚠️ 未加载 user.json（%v），钱包信息将只来自环境变量", err)
		userJSON = &UserJSON{}
	}

	cfg := &Config{
		// 钱包优先级：环境变量 > user.json > 配置文件
		Wallet: WalletConfig{
			PrivateKey:    getEnvOrUserJSON("WALLET_PRIVATE_KEY", userJSON.PrivateKey, fileString(configFile, func(cf *ConfigFile) string { return cf.Wallet.PrivateKey })),
			FunderAddress: getEnvOrUserJSON("WALLET_FUNDER_ADDRESS", userJSON.ProxyAddress, userJSON.RecipientAddress, userJSON.Address, fileString(configFile, func(cf *ConfigFile) string { return cf.Wallet.FunderAddress })),
			SignatureType: pickInt(configFile != nil, fileInt(configFile, func(cf *ConfigFile) int { return cf.Wallet.SignatureType }), parseIntEnv("WALLET_SIGNATURE_TYPE", 0)),
		},
		Proxy: parseProxyConfigFromSources(configFile, userJSON),
		Endpoints: EndpointConfig{
			ClobREST:   pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Endpoints.ClobREST }), getEnv("CLOB_REST_URL", DefaultClobREST)),
			ClobWS:     pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Endpoints.ClobWS }), getEnv("CLOB_WS_URL", DefaultClobWS)),
			UserWS:     pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Endpoints.UserWS }), getEnv("USER_WS_URL", DefaultUserWS)),
			Gamma:      pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Endpoints.Gamma }), getEnv("GAMMA_URL", DefaultGamma)),
			DataAPI:    pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Endpoints.DataAPI }), getEnv("DATA_API_URL", DefaultDataAPI)),
			Relayer:    pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Endpoints.Relayer }), getEnv("RELAYER_URL", DefaultRelayer)),
			PolygonRPC: pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Endpoints.PolygonRPC }), getEnv("POLYGON_RPC_URL", DefaultPolygonRPC)),
		},
		Store: StoreConfig{
			SQLitePath: pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Store.SQLitePath }), getEnv("SQLITE_PATH", "data/goarb.db")),
			SecretDir:  pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Store.SecretDir }), getEnv("SECRET_DIR", "data/secrets")),
			LockFile:   pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Store.LockFile }), getEnv("LOCK_FILE", "data/goarb.lock")),
		},
		Dashboard: DashboardConfig{
			Enabled: pickBoolPtr(fileBoolPtr(configFile, func(cf *ConfigFile) *bool { b := cf.Dashboard.Enabled; return &b }), parseBoolEnv("DASHBOARD_ENABLED", false)),
			Listen:  pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.Dashboard.Listen }), getEnv("DASHBOARD_LISTEN", "127.0.0.1:18080")),
		},
		LogLevel:   pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.LogLevel }), getEnv("LOG_LEVEL", "info")),
		LogFile:    pickString(fileString(configFile, func(cf *ConfigFile) string { return cf.LogFile }), getEnv("LOG_FILE", "logs/combined.log")),
		LogByCycle: pickBoolPtr(fileBoolPtr(configFile, func(cf *ConfigFile) *bool { return cf.LogByCycle }), parseBoolEnv("LOG_BY_CYCLE", true)),
		DryRun:     pickBoolPtr(fileBoolPtr(configFile, func(cf *ConfigFile) *bool { return cf.DryRun }), parseBoolEnv("DRY_RUN", false)),
		FeeRateBps: pickInt(configFile != nil, fileInt(configFile, func(cf *ConfigFile) int { return cf.FeeRateBps }), parseIntEnv("FEE_RATE_BPS", 0)),
		MaxCapital: pickFloat(configFile != nil, fileFloat(configFile, func(cf *ConfigFile) float64 { return cf.MaxCapital }), parseFloatEnv("MAX_CAPITAL", 0)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	// 设置代理环境变量（供 HTTP 客户端使用）
	if cfg.Proxy != nil {
		proxyURL := fmt.Sprintf("http://%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
		os.Setenv("HTTP_PROXY", proxyURL)
		os.Setenv("HTTPS_PROXY", proxyURL)
		os.Setenv("http_proxy", proxyURL)
		os.Setenv("https_proxy", proxyURL)
	}

	globalConfig = cfg
	configFilePath = filePath
	return cfg, nil
}

// Reload 丢弃缓存重新加载（SIGHUP 用）
func Reload() (*Config, error) {
	globalConfig = nil
	return LoadFromFile(configFilePath)
}

// WatchSIGHUP 监听 SIGHUP 并在收到时重新加载配置、回调 onReload。
// 新配置只影响之后创建的周期，正在运行的周期不受影响。
func WatchSIGHUP(onReload func(*Config)) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for range ch {
			cfg, err := Reload()
			if err != nil {
				logrus.Errorf("❌ SIGHUP 重载配置失败: %v", err)
				continue
			}
			logrus.Info("✅ SIGHUP: 配置已重载（只影响新周期）")
			if onReload != nil {
				onReload(cfg)
			}
		}
	}()
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var configFile ConfigFile
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}

	return &configFile, nil
}

// parseProxyConfigFromSources 从多个源解析代理配置。
// 优先级：配置文件 > 环境变量 > user.json；都没有则不走代理。
func parseProxyConfigFromSources(configFile *ConfigFile, userJSON *UserJSON) *ProxyConfig {
	var proxyHost, proxyPortStr string

	if configFile != nil && configFile.Proxy.Host != "" {
		proxyHost = configFile.Proxy.Host
		proxyPortStr = fmt.Sprintf("%d", configFile.Proxy.Port)
	} else {
		proxyHost = getEnv("PROXY_HOST", "")
		proxyPortStr = getEnv("PROXY_PORT", "")

		if proxyHost == "" && userJSON != nil && userJSON.Proxy != "" {
			if strings.HasPrefix(userJSON.Proxy, "http://") {
				parts := strings.Split(strings.TrimPrefix(userJSON.Proxy, "http://"), ":")
				if len(parts) == 2 {
					proxyHost = parts[0]
					proxyPortStr = parts[1]
				}
			}
		}
	}

	if proxyHost == "" {
		return nil
	}

	proxyPort, err := strconv.Atoi(proxyPortStr)
	if err != nil || proxyPort <= 0 {
		return nil
	}

	return &ProxyConfig{Host: proxyHost, Port: proxyPort}
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("WALLET_PRIVATE_KEY 未配置")
		}
		if c.Wallet.FunderAddress == "" {
			return fmt.Errorf("WALLET_FUNDER_ADDRESS 未配置")
		}
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.SignatureType != 2 {
		return fmt.Errorf("WALLET_SIGNATURE_TYPE 只支持 0 (EOA) 或 2 (POLY_GNOSIS_SAFE)，收到 %d", c.Wallet.SignatureType)
	}
	if c.FeeRateBps < 0 || c.FeeRateBps > 10000 {
		return fmt.Errorf("FEE_RATE_BPS 必须在 0 到 10000 之间")
	}
	if c.MaxCapital < 0 {
		return fmt.Errorf("MAX_CAPITAL 不能为负数")
	}
	return nil
}

// loadUserJSON 加载 user.json 文件
func loadUserJSON() (*UserJSON, error) {
	possiblePaths := []string{
		getEnv("USER_JSON", ""),
		"/pm/data/user.json",
	}

	for _, path := range possiblePaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var userJSON UserJSON
		if err := json.Unmarshal(data, &userJSON); err != nil {
			return nil, fmt.Errorf("解析 %s 失败: %w", path, err)
		}

		fmt.Printf("✅ 从 %s 加载钱包配置\n", path)
		return &userJSON, nil
	}

	return nil, fmt.Errorf("未找到 user.json 文件")
}

// fileString 安全读取配置文件字段（cf 可能为 nil）
func fileString(cf *ConfigFile, getter func(*ConfigFile) string) string {
	if cf == nil {
		return ""
	}
	return getter(cf)
}

func fileInt(cf *ConfigFile, getter func(*ConfigFile) int) int {
	if cf == nil {
		return 0
	}
	return getter(cf)
}

func fileFloat(cf *ConfigFile, getter func(*ConfigFile) float64) float64 {
	if cf == nil {
		return 0
	}
	return getter(cf)
}

func fileBoolPtr(cf *ConfigFile, getter func(*ConfigFile) *bool) *bool {
	if cf == nil {
		return nil
	}
	return getter(cf)
}

// pickString 文件值非空时优先
func pickString(fileValue, fallback string) string {
	if fileValue != "" {
		return fileValue
	}
	return fallback
}

// pickInt 配置文件存在时取文件值（包括 0），否则取环境/默认值
func pickInt(hasFile bool, fileValue, fallback int) int {
	if hasFile && fileValue != 0 {
		return fileValue
	}
	return fallback
}

func pickFloat(hasFile bool, fileValue, fallback float64) float64 {
	if hasFile && fileValue != 0 {
		return fileValue
	}
	return fallback
}

// pickBoolPtr 文件里显式写了才覆盖（指针区分"未写"与"false"）
func pickBoolPtr(fileValue *bool, fallback bool) bool {
	if fileValue != nil {
		return *fileValue
	}
	return fallback
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrUserJSON 获取环境变量或 user.json 中的值，按优先级返回第一个非空值
func getEnvOrUserJSON(envKey string, userJSONValues ...string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	for _, v := range userJSONValues {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
