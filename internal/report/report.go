// Package report 汇总一轮探测的结果：每个端点一行（包括失败的端点），
// 并提供与历史版本一致的固定列文本表格渲染
package report

import (
	"time"

	"github.com/google/uuid"

	"certwatch/internal/status"
	"certwatch/internal/storage"
)

// Row 单个端点的本轮结果
type Row struct {
	Hostname      string        `json:"hostname"`
	Port          int           `json:"port"`
	Status        status.Status `json:"status"`
	DaysRemaining *int          `json:"days_remaining"`
	ExpireDate    string        `json:"expire_date,omitempty"`
	IssuerName    string        `json:"issuer_name,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// RowFromRecord 由证书当前态记录生成报表行
func RowFromRecord(rec *storage.CertificateRecord) Row {
	return Row{
		Hostname:      rec.Hostname,
		Port:          rec.Port,
		Status:        rec.Status,
		DaysRemaining: rec.DaysRemaining,
		ExpireDate:    rec.ExpireDate,
		IssuerName:    rec.IssuerName,
		ErrorMessage:  rec.ErrorMessage,
	}
}

// FailureRow 探测之外的处理失败（如持久化失败）对应的报表行
// 每个端点无论成败都要在报表中占一行
func FailureRow(hostname string, port int, reason string) Row {
	return Row{
		Hostname:     hostname,
		Port:         port,
		Status:       status.StatusError,
		ErrorMessage: reason,
	}
}

// Summary 本轮各状态的数量统计
type Summary struct {
	Checked  int `json:"checked"`
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Expired  int `json:"expired"`
	Errors   int `json:"errors"`
}

// Summarize 统计各状态数量
func Summarize(rows []Row) Summary {
	s := Summary{Checked: len(rows)}
	for _, r := range rows {
		switch r.Status {
		case status.StatusOK:
			s.OK++
		case status.StatusWarning:
			s.Warning++
		case status.StatusCritical:
			s.Critical++
		case status.StatusExpired:
			s.Expired++
		case status.StatusError:
			s.Errors++
		}
	}
	return s
}

// Run 一轮完整的探测运行
type Run struct {
	ID         string  `json:"id"`
	StartedAt  int64   `json:"started_at"`
	FinishedAt int64   `json:"finished_at"`
	DurationMS int64   `json:"duration_ms"`
	Rows       []Row   `json:"rows"`
	Summary    Summary `json:"summary"`

	startedAt time.Time
}

// NewRun 开始一轮运行（运行 ID 用于日志与 API 关联）
func NewRun() *Run {
	now := time.Now()
	return &Run{
		ID:        uuid.NewString(),
		StartedAt: now.Unix(),
		startedAt: now,
	}
}

// Finish 结束本轮运行并汇总
func (r *Run) Finish(rows []Row) {
	r.Rows = rows
	r.Summary = Summarize(rows)
	r.FinishedAt = time.Now().Unix()
	if !r.startedAt.IsZero() {
		r.DurationMS = time.Since(r.startedAt).Milliseconds()
	}
}
