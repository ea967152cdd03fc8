package config

import "time"

// AppConfig 应用配置
type AppConfig struct {
	// ===== 巡检时间配置 =====

	// 巡检间隔（支持 Go duration 格式，例如 "1h"、"6h"，默认 "6h"）
	Interval string `yaml:"interval" json:"interval"`

	// 解析后的巡检间隔（内部使用，不序列化）
	IntervalDuration time.Duration `yaml:"-" json:"-"`

	// 单次探测超时时间（支持 Go duration 格式，默认 "15s"）
	// 超时后该端点按探测失败处理，不自动重试
	Timeout string `yaml:"timeout" json:"timeout"`

	// 解析后的超时时间（内部使用，不序列化）
	TimeoutDuration time.Duration `yaml:"-" json:"-"`

	// ===== 运行时配置 =====

	// 未显式指定端口的域名使用的默认端口（默认 443）
	DefaultPort int `yaml:"default_port" json:"default_port"`

	// 并发探测的最大 goroutine 数（默认 10）
	// - 不配置或 0: 使用默认值 10
	// - -1: 无限制，自动扩容到域名数量
	// - >0: 硬上限，超过时端点排队等待执行
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	// 是否在单个周期内对探测进行错峰（默认 true）
	// 开启后会将端点探测均匀分散在周期前段，避免出站连接突发
	StaggerProbes *bool `yaml:"stagger_probes,omitempty" json:"stagger_probes,omitempty"`

	// API 服务监听端口（默认 "8080"）
	ListenPort string `yaml:"listen_port" json:"listen_port"`

	// 允许跨域访问的来源列表（可选，追加环境变量 CERTWATCH_CORS_ORIGINS）
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	// ===== 存储配置 =====

	Storage StorageConfig `yaml:"storage" json:"storage"`

	// ===== 告警配置 =====

	Alerts AlertsConfig `yaml:"alerts" json:"alerts"`

	// ===== 监测域名列表 =====

	// 支持纯字符串（"example.com"）或映射（hostname/port/disabled）两种写法
	Domains []DomainConfig `yaml:"domains"`
}

// ShouldStaggerProbes 返回当前配置是否启用错峰探测
func (c *AppConfig) ShouldStaggerProbes() bool {
	if c == nil {
		return false
	}
	if c.StaggerProbes == nil {
		return true // 默认开启
	}
	return *c.StaggerProbes
}

// EnabledDomains 返回未停用的域名列表
func (c *AppConfig) EnabledDomains() []DomainConfig {
	out := make([]DomainConfig, 0, len(c.Domains))
	for _, d := range c.Domains {
		if d.Disabled {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Clone 深拷贝配置（用于热更新回滚）
func (c *AppConfig) Clone() *AppConfig {
	var staggerPtr *bool
	if c.StaggerProbes != nil {
		value := *c.StaggerProbes
		staggerPtr = &value
	}

	clone := &AppConfig{
		Interval:         c.Interval,
		IntervalDuration: c.IntervalDuration,
		Timeout:          c.Timeout,
		TimeoutDuration:  c.TimeoutDuration,
		DefaultPort:      c.DefaultPort,
		MaxConcurrency:   c.MaxConcurrency,
		StaggerProbes:    staggerPtr,
		ListenPort:       c.ListenPort,
		CORSOrigins:      make([]string, len(c.CORSOrigins)),
		Storage:          c.Storage, // 内部均为值类型，直接复制
		Alerts:           c.Alerts.clone(),
		Domains:          make([]DomainConfig, len(c.Domains)),
	}

	copy(clone.CORSOrigins, c.CORSOrigins)
	copy(clone.Domains, c.Domains)

	// Storage 内的指针字段单独深拷贝
	clone.Storage.Retention.Enabled = cloneBoolPtr(c.Storage.Retention.Enabled)
	clone.Storage.Archive.Enabled = cloneBoolPtr(c.Storage.Archive.Enabled)
	clone.Storage.Archive.ScheduleHour = cloneIntPtr(c.Storage.Archive.ScheduleHour)
	clone.Storage.Archive.KeepDays = cloneIntPtr(c.Storage.Archive.KeepDays)

	return clone
}

// cloneBoolPtr 深拷贝 *bool 指针
func cloneBoolPtr(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// cloneIntPtr 深拷贝 *int 指针
func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
