// Package notify 负责把审批通过的告警派发到已启用的通知通道
package notify

import (
	"context"
	"encoding/json"
	"sync"

	"certwatch/internal/config"
	"certwatch/internal/logger"
	"certwatch/internal/storage"
)

// Channel 通知通道
type Channel interface {
	// Name 通道名（用于投递结果与日志）
	Name() string

	// Send 发送一条告警
	Send(ctx context.Context, alert *storage.AlertRecord, cert *storage.CertificateRecord) error
}

// Outcome 单个通道的投递结果
type Outcome struct {
	Channel string `json:"channel"`
	Sent    bool   `json:"sent"`
	Reason  string `json:"reason,omitempty"`
}

// Dispatcher 告警派发器
// 逐个通道独立尝试：单个通道失败不影响其它通道，也不回滚告警记录；
// 所有通道跑完后把投递结果一次性回填到告警记录的 delivery 字段
type Dispatcher struct {
	storage storage.Storage

	mu       sync.RWMutex
	channels []Channel
}

// NewDispatcher 创建派发器
func NewDispatcher(store storage.Storage, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		storage:  store,
		channels: channels,
	}
}

// SetChannels 替换通道集合（配置热更新时调用，不影响进行中的派发）
func (d *Dispatcher) SetChannels(channels ...Channel) {
	d.mu.Lock()
	d.channels = channels
	d.mu.Unlock()
}

// Dispatch 把一条告警派发到所有通道，返回各通道的投递结果
//
// 告警记录在派发前已落库，这里只负责尽力送达：
// 通道失败记入结果但不终止其它通道，也不会触发重发
func (d *Dispatcher) Dispatch(ctx context.Context, alert *storage.AlertRecord, cert *storage.CertificateRecord) []Outcome {
	if alert == nil || cert == nil {
		return nil
	}

	d.mu.RLock()
	channels := d.channels
	d.mu.RUnlock()

	if len(channels) == 0 {
		logger.Warn("notify", "没有启用任何通知通道，告警仅落库",
			"alert_id", alert.ID, "kind", alert.Kind,
			"hostname", cert.Hostname, "port", cert.Port)
	}

	outcomes := make([]Outcome, 0, len(channels))
	for _, ch := range channels {
		outcome := Outcome{Channel: ch.Name()}
		if err := ch.Send(ctx, alert, cert); err != nil {
			outcome.Reason = err.Error()
			logger.Error("notify", "告警投递失败",
				"channel", ch.Name(), "alert_id", alert.ID, "kind", alert.Kind,
				"hostname", cert.Hostname, "port", cert.Port, "error", err)
		} else {
			outcome.Sent = true
			logger.Info("notify", "告警投递成功",
				"channel", ch.Name(), "alert_id", alert.ID, "kind", alert.Kind,
				"hostname", cert.Hostname, "port", cert.Port)
		}
		outcomes = append(outcomes, outcome)
	}

	// 回填投递结果；回填失败只记日志，投递本身已经完成
	payload, err := json.Marshal(outcomes)
	if err != nil {
		logger.Error("notify", "序列化投递结果失败", "alert_id", alert.ID, "error", err)
		return outcomes
	}
	if err := d.storage.MarkAlertDelivery(alert.ID, string(payload)); err != nil {
		logger.Error("notify", "回填投递结果失败", "alert_id", alert.ID, "error", err)
	}

	return outcomes
}

// ChannelsFromConfig 根据配置构建已启用的通知通道
func ChannelsFromConfig(cfg *config.AlertsConfig) []Channel {
	if cfg == nil {
		return nil
	}

	var channels []Channel
	if cfg.Email.IsEnabled() {
		channels = append(channels, NewEmailChannel(cfg.Email))
	}
	if cfg.Webhook.IsEnabled() {
		channels = append(channels, NewWebhookChannel(cfg.Webhook))
	}
	return channels
}
