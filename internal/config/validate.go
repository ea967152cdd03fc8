package config

import (
	"fmt"
	"strings"
)

// Validate 校验配置合法性
// 在 Normalize 之后调用，假定默认值已填充
func (c *AppConfig) Validate() error {
	if err := c.validateDomains(); err != nil {
		return err
	}
	if err := c.validateAlertChannels(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return nil
}

// validateDomains 校验域名列表：非空、字符合法、端口合法、无重复端点
func (c *AppConfig) validateDomains() error {
	if len(c.Domains) == 0 {
		return fmt.Errorf("配置缺少 domains 列表（至少需要一个监测域名）")
	}

	seen := make(map[string]int, len(c.Domains))
	for i := range c.Domains {
		d := &c.Domains[i]

		if d.Hostname == "" {
			return fmt.Errorf("domains[%d] 域名为空", i)
		}
		if !isValidHostname(d.Hostname) {
			return fmt.Errorf("domains[%d] 域名 %q 含非法字符", i, d.Hostname)
		}
		if d.Port < 1 || d.Port > 65535 {
			return fmt.Errorf("domains[%d] (%s) 端口必须在 [1,65535] 范围内，当前值: %d", i, d.Hostname, d.Port)
		}

		key := d.Key()
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("domains[%d] 与 domains[%d] 端点重复: %s", i, prev, key)
		}
		seen[key] = i
	}

	return nil
}

// validateAlertChannels 校验已启用告警通道的必填项
func (c *AppConfig) validateAlertChannels() error {
	if c.Alerts.Email.IsEnabled() {
		email := &c.Alerts.Email
		var missing []string
		if strings.TrimSpace(email.SMTPHost) == "" {
			missing = append(missing, "smtp_host")
		}
		if strings.TrimSpace(email.Username) == "" {
			missing = append(missing, "username")
		}
		if strings.TrimSpace(email.Password) == "" {
			missing = append(missing, "password（或环境变量 CERTWATCH_SMTP_PASSWORD）")
		}
		if strings.TrimSpace(email.From) == "" {
			missing = append(missing, "from")
		}
		if len(email.To) == 0 {
			missing = append(missing, "to")
		}
		if len(missing) > 0 {
			return fmt.Errorf("alerts.email 已启用但缺少配置: %s", strings.Join(missing, ", "))
		}
		for i, addr := range email.To {
			if !strings.Contains(addr, "@") {
				return fmt.Errorf("alerts.email.to[%d] 不是有效邮箱地址: %s", i, addr)
			}
		}
	}

	if c.Alerts.Webhook.IsEnabled() {
		if strings.TrimSpace(c.Alerts.Webhook.URL) == "" {
			return fmt.Errorf("alerts.webhook 已启用但缺少 url（可通过环境变量 CERTWATCH_WEBHOOK_URL 注入）")
		}
		if err := validateURL(c.Alerts.Webhook.URL, "alerts.webhook.url"); err != nil {
			return err
		}
	}

	return nil
}

// validateStorage 校验存储配置
func (c *AppConfig) validateStorage() error {
	if c.Storage.Type == "postgres" {
		pg := &c.Storage.Postgres
		var missing []string
		if strings.TrimSpace(pg.Host) == "" {
			missing = append(missing, "host")
		}
		if strings.TrimSpace(pg.User) == "" {
			missing = append(missing, "user")
		}
		if strings.TrimSpace(pg.Database) == "" {
			missing = append(missing, "database")
		}
		if len(missing) > 0 {
			return fmt.Errorf("storage.type=postgres 但缺少配置: %s", strings.Join(missing, ", "))
		}
	}

	// 归档阈值应小于保留天数，否则清理会先于归档删除数据
	if c.Storage.Retention.IsEnabled() && c.Storage.Archive.IsEnabled() {
		if c.Storage.Archive.ArchiveDays >= c.Storage.Retention.Days {
			return fmt.Errorf("storage.archive.archive_days (%d) 必须小于 storage.retention.days (%d)，否则数据会在归档前被清理",
				c.Storage.Archive.ArchiveDays, c.Storage.Retention.Days)
		}
	}

	return nil
}
