// Package alerts 实现告警审批策略：状态升级才告警、续期恒告警、按类型 24 小时去重
package alerts

import (
	"fmt"
	"time"

	"certwatch/internal/logger"
	"certwatch/internal/status"
	"certwatch/internal/storage"
)

// DefaultWindow 默认去重窗口
const DefaultWindow = 24 * time.Hour

// Approved 审批通过、等待派发的告警
type Approved struct {
	Alert *storage.AlertRecord
	Cert  *storage.CertificateRecord
}

// Engine 告警策略引擎
// 审批通过即落库，派发在落库之后：进程在两者之间崩溃时，
// 下次运行会因去重记录存在而不再重发（宁可漏发，不可重发）
type Engine struct {
	storage storage.Storage
	window  time.Duration
	now     func() time.Time // 可注入时钟，便于测试去重窗口
}

// NewEngine 创建告警策略引擎
func NewEngine(store storage.Storage, window time.Duration) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		storage: store,
		window:  window,
		now:     time.Now,
	}
}

// Evaluate 评估一个端点本次新增的事件，返回审批通过的告警
//
// 候选规则：
//   - STATUS_CHANGE 仅在严重度升级时成为候选，告警类型取新状态值；
//     恢复（CRITICAL→OK 等）不告警
//   - RENEWED 恒为候选（正向确认），告警类型固定为 RENEWAL
//   - 其它事件类型不产生告警
//
// 每个候选经 (端点, 类型) 去重窗口检查后原子落库；窗口内已有同类告警则抑制。
// 不同类型独立去重：WARNING 窗口内继续恶化为 CRITICAL 仍会告警。
func (e *Engine) Evaluate(cert *storage.CertificateRecord, evts []*storage.CertEvent) ([]*Approved, error) {
	if cert == nil || len(evts) == 0 {
		return nil, nil
	}

	var approved []*Approved
	for _, ev := range evts {
		kind, message, ok := candidate(cert, ev)
		if !ok {
			continue
		}

		rec, err := e.storage.InsertAlertIfAbsent(cert.ID, kind, message, e.now(), e.window)
		if err != nil {
			logger.Error("alerts", "写入告警记录失败",
				"hostname", cert.Hostname, "port", cert.Port, "kind", kind, "error", err)
			return approved, err
		}
		if rec == nil {
			logger.Info("alerts", "去重窗口内已有同类告警，抑制",
				"hostname", cert.Hostname, "port", cert.Port, "kind", kind)
			continue
		}

		rec.Hostname = cert.Hostname
		rec.Port = cert.Port
		logger.Info("alerts", "告警审批通过",
			"hostname", cert.Hostname, "port", cert.Port, "kind", kind, "alert_id", rec.ID)
		approved = append(approved, &Approved{Alert: rec, Cert: cert})
	}

	return approved, nil
}

// candidate 判断单条事件是否构成告警候选，返回告警类型和摘要
func candidate(cert *storage.CertificateRecord, ev *storage.CertEvent) (string, string, bool) {
	switch ev.Kind {
	case storage.EventStatusChange:
		oldSt := status.Status(ev.OldValue)
		newSt := status.Status(ev.NewValue)
		if !status.IsEscalation(oldSt, newSt) {
			return "", "", false
		}
		return string(newSt), escalationMessage(cert, oldSt, newSt), true

	case storage.EventRenewed:
		return storage.AlertKindRenewal, renewalMessage(cert, ev), true

	default:
		return "", "", false
	}
}

func escalationMessage(cert *storage.CertificateRecord, oldSt, newSt status.Status) string {
	head := fmt.Sprintf("%s:%d escalated from %s to %s", cert.Hostname, cert.Port, oldSt, newSt)
	switch {
	case cert.ErrorMessage != "":
		return head + ": " + cert.ErrorMessage
	case newSt == status.StatusExpired && cert.ExpireDate != "":
		return head + ", expired on " + cert.ExpireDate
	case cert.DaysRemaining != nil:
		return fmt.Sprintf("%s, %d days remaining", head, *cert.DaysRemaining)
	default:
		return head
	}
}

func renewalMessage(cert *storage.CertificateRecord, ev *storage.CertEvent) string {
	return fmt.Sprintf("%s:%d certificate renewed, expiry %s -> %s",
		cert.Hostname, cert.Port, ev.OldValue, ev.NewValue)
}
