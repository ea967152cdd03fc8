package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"certwatch/internal/config"
	"certwatch/internal/status"
	"certwatch/internal/storage"
)

// defaultWebhookTimeout Webhook 请求默认超时
const defaultWebhookTimeout = 10 * time.Second

// WebhookChannel HTTP Webhook 通道（POST JSON）
type WebhookChannel struct {
	config config.WebhookConfig
	client *http.Client
}

// NewWebhookChannel 创建 Webhook 通道
func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	timeout := cfg.TimeoutDuration
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	return &WebhookChannel{
		config: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Name 实现 Channel 接口
func (c *WebhookChannel) Name() string { return "webhook" }

// webhookPayload Webhook 请求体
type webhookPayload struct {
	Hostname      string        `json:"hostname"`
	Port          int           `json:"port"`
	Kind          string        `json:"kind"`
	Status        status.Status `json:"status"`
	Message       string        `json:"message"`
	DaysRemaining *int          `json:"days_remaining"`
	ExpireDate    string        `json:"expire_date,omitempty"`
	IssuerName    string        `json:"issuer_name,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	SentAt        int64         `json:"sent_at"`
}

// Send 把告警以 JSON 形式 POST 到配置的 URL，非 2xx 视为失败
func (c *WebhookChannel) Send(ctx context.Context, alert *storage.AlertRecord, cert *storage.CertificateRecord) error {
	payload := webhookPayload{
		Hostname:      cert.Hostname,
		Port:          cert.Port,
		Kind:          alert.Kind,
		Status:        cert.Status,
		Message:       alert.Message,
		DaysRemaining: cert.DaysRemaining,
		ExpireDate:    cert.ExpireDate,
		IssuerName:    cert.IssuerName,
		ErrorMessage:  cert.ErrorMessage,
		SentAt:        alert.SentAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("构造 Webhook 请求体失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建 Webhook 请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CertWatch/1.0")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("请求 Webhook 失败: %w", err)
	}
	defer drainAndClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Webhook HTTP 状态异常: %s", resp.Status)
	}

	return nil
}

// drainAndClose 排空响应体并关闭，便于连接复用
func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	// 限制读取量，防止恶意大响应阻塞
	const maxDrainBytes = 64 * 1024
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	_ = resp.Body.Close()
}
