package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"certwatch/internal/logger"
)

// Loader 配置加载器
// 记住最近一次成功加载的配置，热更新失败时可回滚
type Loader struct {
	mu       sync.Mutex
	lastGood *AppConfig
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{}
}

// Load 从文件加载配置并完成环境变量覆盖、规范化和校验
// 成功后会记录为最近一次可用配置
func (l *Loader) Load(filename string) (*AppConfig, error) {
	cfg, err := parseFile(filename)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.lastGood = cfg.Clone()
	l.mu.Unlock()

	return cfg, nil
}

// LoadOrRollback 加载配置，失败时回滚到最近一次可用配置
// 用于热更新场景：配置文件写坏了不应导致服务中断
func (l *Loader) LoadOrRollback(filename string) (*AppConfig, error) {
	cfg, err := parseFile(filename)
	if err != nil {
		l.mu.Lock()
		lastGood := l.lastGood
		l.mu.Unlock()

		if lastGood == nil {
			return nil, err
		}
		logger.Warn("config", "新配置无效，继续使用上一份可用配置", "error", err)
		return lastGood.Clone(), nil
	}

	l.mu.Lock()
	l.lastGood = cfg.Clone()
	l.mu.Unlock()

	return cfg, nil
}

// parseFile 读取并解析配置文件
func parseFile(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 环境变量覆盖在规范化之前应用，保证覆盖值也会被校验
	cfg.ApplyEnvOverrides()

	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("规范化配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("校验配置失败: %w", err)
	}

	return &cfg, nil
}
