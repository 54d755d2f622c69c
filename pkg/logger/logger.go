package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// currentLogFile 当前日志文件路径
	currentLogFile string
	// baseLogFile 基础日志文件路径（配置中的原始路径）
	baseLogFile string
	// savedConfig 保存的日志配置（用于日志轮转）
	savedConfig Config
	// currentSlug 当前市场 slug（例：eth-updown-15m-1748772900），日志按它命名
	currentSlug string
	// logMu 日志文件切换锁
	logMu sync.Mutex
	// cycleDuration 周期时长（默认15分钟）
	cycleDuration = 15 * time.Minute
)

// Config 日志配置
type Config struct {
	Level         string        // 日志级别: debug, info, warn, error
	OutputFile    string        // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize       int           // 日志文件最大大小（MB）
	MaxBackups    int           // 保留的旧日志文件数量
	MaxAge        int           // 保留旧日志文件的天数
	Compress      bool          // 是否压缩旧日志文件
	LogByCycle    bool          // 是否按周期命名日志文件
	CycleDuration time.Duration // 周期时长（默认15分钟）
}

// SetMarketSlug 设置当前活跃市场的 slug。
// 之后的轮转会把日志写到 {slug}.log，换市场时由轮转检查器切文件。
func SetMarketSlug(slug string) {
	logMu.Lock()
	defer logMu.Unlock()
	currentSlug = slug
}

// getLogFileName 根据当前 slug 或周期生成日志文件名（调用方必须持有锁）
func getLogFileName(basePath string) string {
	dir := filepath.Dir(basePath)
	ext := filepath.Ext(basePath)

	// 优先使用市场 slug：{slug}.log
	if currentSlug != "" {
		name := currentSlug + ext
		if dir == "." || dir == "" {
			return name
		}
		return filepath.Join(dir, name)
	}

	// 否则使用日期时间格式：logs/combined_2025-12-17_22-30.log
	periodStart := time.Now().Truncate(cycleDuration)
	periodStr := periodStart.Format("2006-01-02_15-04")

	baseName := filepath.Base(basePath)
	nameWithoutExt := baseName[:len(baseName)-len(ext)]
	name := fmt.Sprintf("%s_%s%s", nameWithoutExt, periodStr, ext)
	if dir == "." || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// applyOutput 把 Logger 和全局 logrus 指到给定文件（调用方必须持有锁）。
// logFilePath 为空时只输出到控制台。
func applyOutput(level logrus.Level, logFilePath string, cfg Config) error {
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // 格式: yy-mm-dd HH:MM:ss
		ForceColors:     true,
	}

	writers := []io.Writer{os.Stdout}
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		currentLogFile = logFilePath
	}

	multiWriter := io.MultiWriter(writers...)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	logger.SetOutput(multiWriter)

	// 同时设置全局 logrus 的输出，确保所有使用 logrus 的地方都能写入文件
	// 这样策略中使用 logrus.WithField() 创建的 logger 也能写入文件
	logrus.SetOutput(multiWriter)
	logrus.SetLevel(level)
	logrus.SetFormatter(formatter)

	Logger = logger
	return nil
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	var logFilePath string
	if config.OutputFile != "" {
		baseLogFile = config.OutputFile
		savedConfig = config

		if config.LogByCycle {
			if config.CycleDuration > 0 {
				cycleDuration = config.CycleDuration
			}
			logFilePath = getLogFileName(config.OutputFile)
		} else {
			logFilePath = config.OutputFile
		}
	}

	return applyOutput(level, logFilePath, config)
}

// CheckAndRotateLog 检查并切换日志文件（如果 slug 或周期变化）
func CheckAndRotateLog(config Config) error {
	return CheckAndRotateLogWithForce(config, false)
}

// CheckAndRotateLogWithForce 检查并切换日志文件（如果变化或强制切换）
func CheckAndRotateLogWithForce(config Config, forceRotate bool) error {
	if !config.LogByCycle {
		return nil
	}

	logMu.Lock()
	defer logMu.Unlock()

	basePath := config.OutputFile
	if basePath == "" {
		basePath = baseLogFile
	}
	if basePath == "" {
		return nil // 没有基础路径，无法切换
	}

	// 合并配置（传入的非零字段覆盖保存的配置）
	merged := savedConfig
	if config.Level != "" {
		merged.Level = config.Level
	}
	if config.CycleDuration > 0 {
		merged.CycleDuration = config.CycleDuration
		cycleDuration = config.CycleDuration
	}
	if config.MaxSize > 0 {
		merged.MaxSize = config.MaxSize
	}
	if config.MaxBackups > 0 {
		merged.MaxBackups = config.MaxBackups
	}
	if config.MaxAge > 0 {
		merged.MaxAge = config.MaxAge
	}

	logFilePath := getLogFileName(basePath)
	if logFilePath == currentLogFile && !forceRotate {
		return nil
	}

	oldLogFile := currentLogFile

	// 切换期间 Logger 正在被替换，用 fmt.Printf 记录
	if oldLogFile != "" {
		fmt.Printf("[日志切换] %s -> %s (slug=%s, forceRotate=%v)\n",
			oldLogFile, logFilePath, currentSlug, forceRotate)
	}

	level, err := logrus.ParseLevel(merged.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if err := applyOutput(level, logFilePath, merged); err != nil {
		return err
	}

	Logger.Infof("日志文件已切换到新周期: %s", logFilePath)
	return nil
}

// InitDefault 使用默认配置初始化日志系统
func InitDefault() error {
	return Init(Config{
		Level:         "info",
		OutputFile:    "logs/combined.log",
		MaxSize:       100, // 100MB
		MaxBackups:    3,
		MaxAge:        7, // 7天
		Compress:      true,
		LogByCycle:    true,
		CycleDuration: 15 * time.Minute,
	})
}

// StartLogRotationChecker 启动日志轮转检查器（后台任务）
func StartLogRotationChecker(config Config) {
	if !config.LogByCycle || config.OutputFile == "" {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Minute) // 每分钟检查一次
		defer ticker.Stop()

		for range ticker.C {
			if err := CheckAndRotateLog(config); err != nil {
				if Logger != nil {
					Logger.Errorf("检查日志轮转失败: %v", err)
				}
			}
		}
	}()
}

// Debug 记录 DEBUG 级别日志
func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

// Debugf 记录格式化的 DEBUG 级别日志
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// Info 记录 INFO 级别日志
func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// Warn 记录 WARN 级别日志
func Warn(args ...interface{}) {
	if Logger != nil {
		Logger.Warn(args...)
	}
}

// Warnf 记录格式化的 WARN 级别日志
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Error 记录 ERROR 级别日志
func Error(args ...interface{}) {
	if Logger != nil {
		Logger.Error(args...)
	}
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField(key, value)
	}
	return logrus.NewEntry(logrus.New())
}

// WithFields 添加多个字段到日志上下文
func WithFields(fields logrus.Fields) *logrus.Entry {
	if Logger != nil {
		return Logger.WithFields(fields)
	}
	return logrus.NewEntry(logrus.New())
}

// GetCurrentLogFile 获取当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
