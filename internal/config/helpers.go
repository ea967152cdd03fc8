package config

import (
	"fmt"
	"net/url"
	"strings"

	"certwatch/internal/logger"
)

// CleanHostname 清洗常见的域名输入错误
// 统一小写，剥离协议前缀、路径和端口后缀
// 例如 "HTTPS://GITHUB.COM/" -> "github.com"，"example.com:443" -> "example.com"
func CleanHostname(hostname string) string {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	hostname = strings.TrimPrefix(hostname, "https://")
	hostname = strings.TrimPrefix(hostname, "http://")
	if i := strings.IndexByte(hostname, '/'); i >= 0 {
		hostname = hostname[:i]
	}
	if i := strings.IndexByte(hostname, ':'); i >= 0 {
		hostname = hostname[:i]
	}
	return hostname
}

// isValidHostname 检查域名字符合法性
// 仅允许小写字母、数字、点、连字符，段不得为空，总长不超过 253 字符
func isValidHostname(hostname string) bool {
	if hostname == "" || len(hostname) > 253 {
		return false
	}

	for _, label := range strings.Split(hostname, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i, c := range label {
			isLower := c >= 'a' && c <= 'z'
			isDigit := c >= '0' && c <= '9'
			isHyphen := c == '-'
			if !isLower && !isDigit && !isHyphen {
				return false
			}
			// 段不能以连字符开头或结尾
			if isHyphen && (i == 0 || i == len(label)-1) {
				return false
			}
		}
	}
	return true
}

// validateURL 验证 URL 格式和协议安全性
func validateURL(rawURL, fieldName string) error {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil
	}

	parsed, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return fmt.Errorf("%s 格式无效: %w", fieldName, err)
	}

	// 只允许 http 和 https 协议
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%s 只支持 http:// 或 https:// 协议，收到: %s", fieldName, parsed.Scheme)
	}

	// 非 HTTPS 警告
	if scheme == "http" {
		logger.Warn("config", "检测到非 HTTPS URL", "field", fieldName, "url", trimmed)
	}

	return nil
}
