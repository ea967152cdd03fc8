package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Normalize 规范化配置：填充默认值、解析 duration、清洗域名
// 在 Validate 之前调用
func (c *AppConfig) Normalize() error {
	if err := c.normalizeGlobalTimings(); err != nil {
		return err
	}
	if err := c.normalizeGlobalDefaults(); err != nil {
		return err
	}
	if err := c.normalizeStorageConfig(); err != nil {
		return err
	}
	if err := c.Alerts.Normalize(); err != nil {
		return err
	}
	c.normalizeDomains()
	return nil
}

// normalizeGlobalTimings 解析全局时间配置
func (c *AppConfig) normalizeGlobalTimings() error {
	// 巡检间隔（默认 6h）
	if strings.TrimSpace(c.Interval) == "" {
		c.Interval = "6h"
	}
	d, err := time.ParseDuration(strings.TrimSpace(c.Interval))
	if err != nil {
		return fmt.Errorf("interval 解析失败: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("interval 必须 > 0")
	}
	c.IntervalDuration = d

	// 探测超时（默认 15s）
	if strings.TrimSpace(c.Timeout) == "" {
		c.Timeout = "15s"
	}
	d, err = time.ParseDuration(strings.TrimSpace(c.Timeout))
	if err != nil {
		return fmt.Errorf("timeout 解析失败: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("timeout 必须 > 0")
	}
	c.TimeoutDuration = d

	return nil
}

// normalizeGlobalDefaults 填充运行时默认值
func (c *AppConfig) normalizeGlobalDefaults() error {
	// 默认端口 443
	if c.DefaultPort == 0 {
		c.DefaultPort = 443
	}
	if c.DefaultPort < 1 || c.DefaultPort > 65535 {
		return fmt.Errorf("default_port 必须在 [1,65535] 范围内，当前值: %d", c.DefaultPort)
	}

	// 并发上限（默认 10，-1 表示不限制）
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 10
	}
	if c.MaxConcurrency < -1 {
		return fmt.Errorf("max_concurrency 必须 >= -1，当前值: %d", c.MaxConcurrency)
	}

	// API 监听端口（默认 8080）
	if strings.TrimSpace(c.ListenPort) == "" {
		c.ListenPort = "8080"
	}

	return nil
}

// normalizeStorageConfig 规范化存储配置
func (c *AppConfig) normalizeStorageConfig() error {
	// 存储类型（默认 sqlite）
	storageType := strings.ToLower(strings.TrimSpace(c.Storage.Type))
	if storageType == "" {
		storageType = "sqlite"
	}
	if storageType != "sqlite" && storageType != "postgres" {
		return fmt.Errorf("storage.type 仅支持 sqlite 或 postgres，当前值: %s", c.Storage.Type)
	}
	c.Storage.Type = storageType

	// SQLite 默认路径（与原始工具一致的 certs.db）
	if strings.TrimSpace(c.Storage.SQLite.Path) == "" {
		c.Storage.SQLite.Path = "certs.db"
	}

	// PostgreSQL 连接池默认值
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	if c.Storage.Postgres.MaxOpenConns == 0 {
		c.Storage.Postgres.MaxOpenConns = 10
	}
	if c.Storage.Postgres.MaxIdleConns == 0 {
		c.Storage.Postgres.MaxIdleConns = 2
	}

	if err := c.Storage.Retention.Normalize(); err != nil {
		return err
	}
	if err := c.Storage.Archive.Normalize(); err != nil {
		return err
	}

	return nil
}

// normalizeDomains 清洗域名并回填默认端口
func (c *AppConfig) normalizeDomains() {
	for i := range c.Domains {
		d := &c.Domains[i]
		d.Hostname = CleanHostname(d.Hostname)
		if d.Port == 0 {
			d.Port = c.DefaultPort
		}
	}
}

// ApplyEnvOverrides 应用环境变量覆盖
// 敏感配置（SMTP 密码、数据库口令）建议只通过环境变量注入
func (c *AppConfig) ApplyEnvOverrides() {
	applyEnvString("CERTWATCH_STORAGE_TYPE", &c.Storage.Type)
	applyEnvString("CERTWATCH_SQLITE_PATH", &c.Storage.SQLite.Path)

	applyEnvString("CERTWATCH_POSTGRES_HOST", &c.Storage.Postgres.Host)
	applyEnvInt("CERTWATCH_POSTGRES_PORT", &c.Storage.Postgres.Port)
	applyEnvString("CERTWATCH_POSTGRES_USER", &c.Storage.Postgres.User)
	applyEnvString("CERTWATCH_POSTGRES_PASSWORD", &c.Storage.Postgres.Password)
	applyEnvString("CERTWATCH_POSTGRES_DATABASE", &c.Storage.Postgres.Database)
	applyEnvString("CERTWATCH_POSTGRES_SSLMODE", &c.Storage.Postgres.SSLMode)

	applyEnvString("CERTWATCH_SMTP_PASSWORD", &c.Alerts.Email.Password)
	applyEnvString("CERTWATCH_WEBHOOK_URL", &c.Alerts.Webhook.URL)
}

// applyEnvString 若环境变量非空则覆盖目标值
func applyEnvString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvInt 若环境变量为合法整数则覆盖目标值，否则忽略
func applyEnvInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
