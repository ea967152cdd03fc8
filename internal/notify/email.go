package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"certwatch/internal/config"
	"certwatch/internal/storage"
)

// defaultEmailTimeout 邮件发送默认超时
const defaultEmailTimeout = 10 * time.Second

// EmailChannel SMTP 邮件通道
// 连接后强制 STARTTLS 升级再认证，服务器不支持 STARTTLS 时直接失败，
// 绝不在明文连接上发送凭据
type EmailChannel struct {
	config config.EmailConfig

	// tlsConfig 覆盖 STARTTLS 的 TLS 配置（测试注入自签 CA），为 nil 时按 SMTPHost 校验
	tlsConfig *tls.Config
}

// NewEmailChannel 创建邮件通道
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	if cfg.TimeoutDuration <= 0 {
		cfg.TimeoutDuration = defaultEmailTimeout
	}
	return &EmailChannel{config: cfg}
}

// Name 实现 Channel 接口
func (c *EmailChannel) Name() string { return "email" }

// Send 通过 SMTP 发送告警邮件
func (c *EmailChannel) Send(ctx context.Context, alert *storage.AlertRecord, cert *storage.CertificateRecord) error {
	subject := subjectLine(alert.Kind, cert.Hostname, cert.Port)
	body := bodyText(alert.Kind, cert)
	return c.send(ctx, c.buildMessage(subject, body))
}

// send 执行 SMTP 会话：连接、STARTTLS、认证、投递
func (c *EmailChannel) send(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(c.config.SMTPHost, strconv.Itoa(c.config.SMTPPort))

	dialer := &net.Dialer{Timeout: c.config.TimeoutDuration}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("连接 SMTP 服务器失败: %w", err)
	}

	// 整个会话共用一个截止时间（含 TLS 握手与投递）
	deadline := time.Now().Add(c.config.TimeoutDuration)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, c.config.SMTPHost)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("建立 SMTP 会话失败: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); !ok {
		return fmt.Errorf("SMTP 服务器不支持 STARTTLS")
	}

	tlsCfg := c.tlsConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: c.config.SMTPHost}
	}
	if err := client.StartTLS(tlsCfg); err != nil {
		return fmt.Errorf("STARTTLS 失败: %w", err)
	}

	if c.config.Username != "" {
		auth := smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP 认证失败: %w", err)
		}
	}

	if err := client.Mail(c.config.From); err != nil {
		return fmt.Errorf("设置发件人失败: %w", err)
	}
	for _, to := range c.config.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("设置收件人失败 (%s): %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("开始发送邮件正文失败: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("写入邮件正文失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("结束邮件正文失败: %w", err)
	}

	return client.Quit()
}

// buildMessage 组装 RFC 5322 邮件（主题含 emoji，需 MIME 编码）
func (c *EmailChannel) buildMessage(subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.config.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// subjectLine 按告警类型生成邮件主题
func subjectLine(kind, hostname string, port int) string {
	endpoint := fmt.Sprintf("%s:%d", hostname, port)
	switch kind {
	case "CRITICAL":
		return "🚨 CRITICAL: SSL Certificate Alert for " + endpoint
	case "WARNING":
		return "⚠️  WARNING: SSL Certificate Alert for " + endpoint
	case "EXPIRED":
		return "❌ EXPIRED: SSL Certificate Alert for " + endpoint
	case "ERROR":
		return "🔴 ERROR: SSL Certificate Alert for " + endpoint
	case storage.AlertKindRenewal:
		return "✅ RENEWED: SSL Certificate Alert for " + endpoint
	default:
		return fmt.Sprintf("📧 SSL Certificate Alert for %s - %s", endpoint, kind)
	}
}

// bodyText 生成纯文本正文，证书字段缺失时对应行省略
func bodyText(kind string, cert *storage.CertificateRecord) string {
	divider := strings.Repeat("=", 60)

	var b strings.Builder
	b.WriteString("SSL Certificate Alert\n")
	b.WriteString(divider + "\n\n")

	fmt.Fprintf(&b, "Host: %s:%d\n", cert.Hostname, cert.Port)
	fmt.Fprintf(&b, "Status: %s\n", cert.Status)
	fmt.Fprintf(&b, "Alert Type: %s\n\n", kind)

	if cert.DaysRemaining != nil {
		fmt.Fprintf(&b, "Days Remaining: %d\n", *cert.DaysRemaining)
	}
	if cert.ExpireDate != "" {
		fmt.Fprintf(&b, "Expiry Date: %s\n", cert.ExpireDate)
	}
	if cert.IssuerName != "" {
		fmt.Fprintf(&b, "Issuer Name: %s\n", cert.IssuerName)
	}
	if cert.ErrorMessage != "" {
		fmt.Fprintf(&b, "\nError Message:\n%s\n", cert.ErrorMessage)
	}

	b.WriteString("\n" + divider + "\n")
	b.WriteString("This is an automated alert from certwatch\n")
	return b.String()
}
