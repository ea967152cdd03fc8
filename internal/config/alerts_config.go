package config

import (
	"fmt"
	"strings"
	"time"
)

// AlertsConfig 告警配置
type AlertsConfig struct {
	// 同类告警去重窗口（支持 Go duration 格式，默认 "24h"）
	// 同一端点同一告警类型在窗口内只发送一次
	DedupWindow string `yaml:"dedup_window" json:"dedup_window"`

	// 解析后的去重窗口（内部使用，不序列化）
	DedupWindowDuration time.Duration `yaml:"-" json:"-"`

	// 邮件通道
	Email EmailConfig `yaml:"email" json:"email"`

	// Webhook 通道
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`
}

// EmailConfig SMTP 邮件通道配置
type EmailConfig struct {
	// 是否启用（默认 false，需显式开启）
	Enabled *bool `yaml:"enabled" json:"enabled"`

	SMTPHost string `yaml:"smtp_host" json:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port" json:"smtp_port"` // 默认 587
	Username string `yaml:"username" json:"username"`

	// SMTP 密码（建议通过环境变量 CERTWATCH_SMTP_PASSWORD 注入，不写入配置文件）
	Password string `yaml:"password" json:"-"`

	From string   `yaml:"from" json:"from"`
	To   []string `yaml:"to" json:"to"`

	// 发送超时（默认 "10s"）
	Timeout string `yaml:"timeout" json:"timeout"`

	// 解析后的发送超时（内部使用，不序列化）
	TimeoutDuration time.Duration `yaml:"-" json:"-"`
}

// IsEnabled 返回邮件通道是否启用
func (c *EmailConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return false
	}
	return *c.Enabled
}

// WebhookConfig Webhook 通道配置
type WebhookConfig struct {
	// 是否启用（默认 false，需显式开启）
	Enabled *bool `yaml:"enabled" json:"enabled"`

	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`

	// 发送超时（默认 "10s"）
	Timeout string `yaml:"timeout" json:"timeout"`

	// 解析后的发送超时（内部使用，不序列化）
	TimeoutDuration time.Duration `yaml:"-" json:"-"`
}

// IsEnabled 返回 Webhook 通道是否启用
func (c *WebhookConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return false
	}
	return *c.Enabled
}

// Normalize 规范化告警配置（填充默认值并解析 duration）
func (c *AlertsConfig) Normalize() error {
	// 去重窗口（默认 24h）
	if strings.TrimSpace(c.DedupWindow) == "" {
		c.DedupWindow = "24h"
	}
	d, err := time.ParseDuration(strings.TrimSpace(c.DedupWindow))
	if err != nil {
		return fmt.Errorf("alerts.dedup_window 解析失败: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("alerts.dedup_window 必须 > 0")
	}
	c.DedupWindowDuration = d

	// 邮件通道默认值
	if c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
	if strings.TrimSpace(c.Email.Timeout) == "" {
		c.Email.Timeout = "10s"
	}
	d, err = time.ParseDuration(strings.TrimSpace(c.Email.Timeout))
	if err != nil {
		return fmt.Errorf("alerts.email.timeout 解析失败: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("alerts.email.timeout 必须 > 0")
	}
	c.Email.TimeoutDuration = d

	// Webhook 通道默认值
	if strings.TrimSpace(c.Webhook.Timeout) == "" {
		c.Webhook.Timeout = "10s"
	}
	d, err = time.ParseDuration(strings.TrimSpace(c.Webhook.Timeout))
	if err != nil {
		return fmt.Errorf("alerts.webhook.timeout 解析失败: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("alerts.webhook.timeout 必须 > 0")
	}
	c.Webhook.TimeoutDuration = d

	return nil
}

// clone 深拷贝告警配置
func (c AlertsConfig) clone() AlertsConfig {
	out := c
	out.Email.Enabled = cloneBoolPtr(c.Email.Enabled)
	out.Webhook.Enabled = cloneBoolPtr(c.Webhook.Enabled)

	out.Email.To = make([]string, len(c.Email.To))
	copy(out.Email.To, c.Email.To)

	if c.Webhook.Headers != nil {
		out.Webhook.Headers = make(map[string]string, len(c.Webhook.Headers))
		for k, v := range c.Webhook.Headers {
			out.Webhook.Headers[k] = v
		}
	}

	return out
}
