// Package storage 提供证书当前态、事件与告警的持久化
package storage

import (
	"database/sql"
	"strconv"
)

// nullableInt 将 *int 转为可入库的值（nil 写为 NULL）
func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// nullableString 将空字符串写为 NULL（expire_date 等可空列）
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// intPtrFromNull 将 sql.NullInt64 转回 *int
func intPtrFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// 归档 CSV 列定义（两个后端共用，保证导出格式一致）
var (
	eventsCSVHeader = []string{"id", "cert_id", "hostname", "port", "kind", "old_value", "new_value", "notes", "created_at"}
	alertsCSVHeader = []string{"id", "cert_id", "hostname", "port", "kind", "message", "sent_at", "delivery", "acknowledged", "acknowledged_by", "acknowledged_at"}
)

// eventCSVRow 单条事件的 CSV 行
func eventCSVRow(e *CertEvent) []string {
	return []string{
		strconv.FormatInt(e.ID, 10),
		strconv.FormatInt(e.CertID, 10),
		e.Hostname,
		strconv.Itoa(e.Port),
		string(e.Kind),
		e.OldValue,
		e.NewValue,
		e.Notes,
		strconv.FormatInt(e.CreatedAt, 10),
	}
}

// alertCSVRow 单条告警的 CSV 行
func alertCSVRow(a *AlertRecord) []string {
	ack := "0"
	if a.Acknowledged {
		ack = "1"
	}
	ackAt := ""
	if a.AcknowledgedAt > 0 {
		ackAt = strconv.FormatInt(a.AcknowledgedAt, 10)
	}
	return []string{
		strconv.FormatInt(a.ID, 10),
		strconv.FormatInt(a.CertID, 10),
		a.Hostname,
		strconv.Itoa(a.Port),
		a.Kind,
		a.Message,
		strconv.FormatInt(a.SentAt, 10),
		a.Delivery,
		ack,
		a.AcknowledgedBy,
		ackAt,
	}
}
