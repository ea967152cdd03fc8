// Package events 实现证书状态差分：对比上一次当前态与本次探测结果，
// 生成审计事件并与当前态在同一事务内落库
package events

import (
	"fmt"

	"certwatch/internal/probe"
	"certwatch/internal/storage"
)

// Detect 对比前后两次当前态，按固定优先级生成事件列表
//
// 输入：
//   - prev: 数据库中的上一次记录（nil 表示端点首次被发现）
//   - next: 由本次探测结果构建的新记录
//
// 规则（按序评估，可同时命中多条）：
//  1. 到期日后移（两侧都有值）→ RENEWED，old/new 记录到期日，notes 记录状态迁移
//  2. 状态变化 → STATUS_CHANGE，不区分恶化还是恢复
//  3. 签发者变化（两侧都有值）→ ISSUER_CHANGE
//  4. 新错误或错误信息变化 → ERROR，old/new 记录错误信息
//
// 无上一次记录时只生成一条 DISCOVERED。纯函数，不触存储。
func Detect(prev, next *storage.CertificateRecord) []*storage.CertEvent {
	if next == nil {
		return nil
	}

	if prev == nil {
		return []*storage.CertEvent{{
			Kind:      storage.EventDiscovered,
			NewValue:  string(next.Status),
			CreatedAt: next.LastChecked,
		}}
	}

	var evts []*storage.CertEvent

	// 到期日是 "2006-01-02" 格式，字符串比较即日期比较
	if prev.ExpireDate != "" && next.ExpireDate != "" && next.ExpireDate > prev.ExpireDate {
		evts = append(evts, &storage.CertEvent{
			Kind:      storage.EventRenewed,
			OldValue:  prev.ExpireDate,
			NewValue:  next.ExpireDate,
			Notes:     fmt.Sprintf("%s -> %s", prev.Status, next.Status),
			CreatedAt: next.LastChecked,
		})
	}

	if prev.Status != next.Status {
		evts = append(evts, &storage.CertEvent{
			Kind:      storage.EventStatusChange,
			OldValue:  string(prev.Status),
			NewValue:  string(next.Status),
			CreatedAt: next.LastChecked,
		})
	}

	if prev.IssuerName != "" && next.IssuerName != "" && prev.IssuerName != next.IssuerName {
		evts = append(evts, &storage.CertEvent{
			Kind:      storage.EventIssuerChange,
			OldValue:  prev.IssuerName,
			NewValue:  next.IssuerName,
			CreatedAt: next.LastChecked,
		})
	}

	// 出错类探测（ERROR，或带错误信息判为 EXPIRED）在新出错或错误文案变化时记录
	// 一条 ERROR 事件；恢复正常（错误信息清空）只由 STATUS_CHANGE 体现
	if next.ErrorMessage != "" && next.ErrorMessage != prev.ErrorMessage {
		evts = append(evts, &storage.CertEvent{
			Kind:      storage.EventError,
			OldValue:  prev.ErrorMessage,
			NewValue:  next.ErrorMessage,
			CreatedAt: next.LastChecked,
		})
	}

	return evts
}

// RecordFromResult 把探测结果转换为当前态记录
// 失败的探测会清空证书字段，只保留错误信息，保证记录与最近一次探测严格一致
func RecordFromResult(result *probe.Result) *storage.CertificateRecord {
	return &storage.CertificateRecord{
		Hostname:      result.Hostname,
		Port:          result.Port,
		DaysRemaining: result.DaysRemaining,
		Status:        result.Status,
		IssuerName:    result.Issuer,
		ExpireDate:    result.ExpiresAt,
		ErrorMessage:  result.ErrorMessage,
		LastChecked:   result.CheckedAt,
		FirstSeen:     result.CheckedAt,
	}
}
