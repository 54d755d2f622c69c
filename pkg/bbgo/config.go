package bbgo

import (
	"encoding/json"
	"os"
	"reflect"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 策略装配文件：strategies 列表里每项是 {策略ID: 策略配置}。
type Config struct {
	Strategies []StrategyConfigEntry `yaml:"strategies" json:"strategies"`
}

// StrategyConfigEntry 一条策略配置，key 是策略 ID。
type StrategyConfigEntry map[string]any

// Load 读取策略装配文件。
func Load(configFile string) (*Config, error) {
	content, err := os.ReadFile(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "读取策略配置 %s 失败", configFile)
	}

	var config Config
	if err := yaml.Unmarshal(content, &config); err != nil {
		return nil, errors.Wrapf(err, "解析策略配置 %s 失败", configFile)
	}
	return &config, nil
}

// ReUnmarshal 把松散的配置 map 灌进策略原型的新实例。
// 走 JSON 往返，所以策略的 Config 字段需要带 json inline 标签。
func ReUnmarshal(conf any, prototype any) (any, error) {
	protoType := reflect.TypeOf(prototype)
	if protoType.Kind() == reflect.Ptr {
		protoType = protoType.Elem()
	}
	instance := reflect.New(protoType).Interface()

	jsonData, err := json.Marshal(conf)
	if err != nil {
		return nil, errors.Wrap(err, "序列化策略配置失败")
	}
	if err := json.Unmarshal(jsonData, instance); err != nil {
		return nil, errors.Wrap(err, "反序列化策略配置失败")
	}
	return instance, nil
}

// LoadStrategies 按配置实例化全部策略。
func LoadStrategies(config *Config) ([]any, error) {
	var loaded []any
	for _, entry := range config.Strategies {
		for strategyID, conf := range entry {
			prototype, err := GetRegisteredStrategy(strategyID)
			if err != nil {
				return nil, err
			}
			instance, err := ReUnmarshal(conf, prototype)
			if err != nil {
				return nil, errors.Wrapf(err, "加载策略 %s 失败", strategyID)
			}
			loaded = append(loaded, instance)
		}
	}
	return loaded, nil
}
