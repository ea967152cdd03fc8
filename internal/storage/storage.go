package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"certwatch/internal/config"
	"certwatch/internal/status"
)

// EventKind 证书事件类型
type EventKind string

const (
	EventDiscovered   EventKind = "DISCOVERED"    // 首次发现端点
	EventRenewed      EventKind = "RENEWED"       // 证书续期（到期日后移）
	EventStatusChange EventKind = "STATUS_CHANGE" // 健康状态变更
	EventIssuerChange EventKind = "ISSUER_CHANGE" // 签发者变更
	EventError        EventKind = "ERROR"         // 探测出错或错误信息变化
)

// AlertKindRenewal 续期告警类型
// 状态类告警的 kind 直接使用状态值（WARNING/CRITICAL/EXPIRED/ERROR）
const AlertKindRenewal = "RENEWAL"

// ErrNotFound 目标记录不存在
var ErrNotFound = errors.New("记录不存在")

// CertificateRecord 证书当前态记录（每个端点一行）
type CertificateRecord struct {
	ID       int64  `json:"id"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`

	// DaysRemaining 证书剩余天数（探测失败且无法取得到期日时为 nil）
	DaysRemaining *int `json:"days_remaining"`

	Status status.Status `json:"status"`

	// IssuerName 签发者（组织名优先，无组织名时退回 CN）
	IssuerName string `json:"issuer_name,omitempty"`

	// ExpireDate 到期日（"2006-01-02"，未知时为空）
	ExpireDate string `json:"expire_date,omitempty"`

	// ErrorMessage 最近一次探测的错误信息（探测成功时为空）
	ErrorMessage string `json:"error_message,omitempty"`

	// LastChecked 最近一次探测时间（Unix 秒）
	LastChecked int64 `json:"last_checked"`

	// FirstSeen 首次发现时间（Unix 秒），仅在发现时写入，后续更新保留
	FirstSeen int64 `json:"first_seen"`
}

// CertEvent 证书事件（append-only 审计记录）
type CertEvent struct {
	ID     int64     `json:"id"`
	CertID int64     `json:"cert_id"`
	Kind   EventKind `json:"kind"`

	// OldValue/NewValue 变更前后的值（状态、到期日或错误信息，取决于 Kind）
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`

	// Notes 附加说明（如续期事件附带的状态迁移）
	Notes string `json:"notes,omitempty"`

	// CreatedAt 事件产生时间（Unix 秒）
	CreatedAt int64 `json:"created_at"`

	// Hostname/Port 查询时 JOIN certificates 填充，便于展示（非表字段）
	Hostname string `json:"hostname,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// AlertRecord 告警记录（append-only）
// 先落库后派发：一行 alerts 记录代表一次去重窗口内的告警决定
type AlertRecord struct {
	ID     int64  `json:"id"`
	CertID int64  `json:"cert_id"`
	Kind   string `json:"kind"`

	// Message 人类可读的告警摘要
	Message string `json:"message"`

	// SentAt 告警落库时间（Unix 秒），同时是去重窗口的锚点
	SentAt int64 `json:"sent_at"`

	// Delivery 各通道投递结果（JSON），派发完成后回填一次
	Delivery string `json:"delivery,omitempty"`

	Acknowledged   bool   `json:"acknowledged"`
	AcknowledgedBy string `json:"acknowledged_by,omitempty"`
	AcknowledgedAt int64  `json:"acknowledged_at,omitempty"` // 0 表示未确认

	// Hostname/Port 查询时 JOIN certificates 填充（非表字段）
	Hostname string `json:"hostname,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// EventFilters 事件查询过滤器
type EventFilters struct {
	Hostname string      // 按域名过滤（可选）
	Port     int         // 按端口过滤（可选，0 表示不过滤）
	Kinds    []EventKind // 按事件类型过滤（可选）
	BeforeID int64       // 游标：只返回 id 小于该值的事件（0 表示从最新开始）
	Limit    int         // 最多返回条数（默认 100，上限 500）
}

// AlertFilters 告警查询过滤器
type AlertFilters struct {
	Hostname  string // 按域名过滤（可选）
	Port      int    // 按端口过滤（可选，0 表示不过滤）
	OnlyUnack bool   // 只返回未确认的告警
	Limit     int    // 最多返回条数（默认 100，上限 500）
}

// Storage 存储接口
//
// 原子性约束：
//   - SaveCertificate 的记录更新与事件追加必须在同一事务内提交，
//     任一事件写入失败时记录更新必须一并回滚
//   - InsertAlertIfAbsent 的查重与插入必须是单条语句，
//     并发调用方不能同时通过查重
type Storage interface {
	// Init 初始化存储（建表、建索引，幂等）
	Init() error

	// Close 关闭存储
	Close() error

	// WithContext 返回绑定指定 context 的存储实例
	// 用于支持请求级别的超时和取消，不修改原实例，便于并发请求安全复用
	WithContext(ctx context.Context) Storage

	// GetCertificate 按端点查询当前态记录
	// 返回 nil, nil 表示该端点尚无记录
	GetCertificate(hostname string, port int) (*CertificateRecord, error)

	// ListCertificates 返回全部当前态记录
	// 按剩余天数升序排列，探测失败（days 为 NULL）的排最前
	ListCertificates() ([]*CertificateRecord, error)

	// SaveCertificate 保存当前态记录并追加事件（单事务）
	// 新端点插入、已有端点更新（first_seen 保留）
	// 成功后回填 rec.ID、rec.FirstSeen 与各事件的 ID/CertID
	SaveCertificate(rec *CertificateRecord, events []*CertEvent) error

	// GetEvents 查询事件列表（新事件在前，游标分页）
	// 返回值第二项为下一页游标（0 表示没有更多数据）
	GetEvents(filters *EventFilters) ([]*CertEvent, int64, error)

	// InsertAlertIfAbsent 原子地检查去重窗口并插入告警
	// 同一 (cert_id, kind) 在窗口 (sentAt-window, sentAt] 内已有记录时不插入，
	// 返回 nil, nil 表示被窗口抑制
	InsertAlertIfAbsent(certID int64, kind, message string, sentAt time.Time, window time.Duration) (*AlertRecord, error)

	// MarkAlertDelivery 回填告警的通道投递结果（JSON）
	// 只更新 delivery 列，不触碰 kind/sent_at
	MarkAlertDelivery(alertID int64, delivery string) error

	// AcknowledgeAlert 确认告警
	// 告警不存在或已被确认时返回 ErrNotFound
	AcknowledgeAlert(alertID int64, by string) error

	// ListAlerts 查询告警列表（新告警在前）
	ListAlerts(filters *AlertFilters) ([]*AlertRecord, error)

	// PurgeOldRecords 删除一批过期的事件/告警行，返回本批删除总数
	// 只清理 cert_events 和 alerts 两张追加表，certificates 当前态不动
	PurgeOldRecords(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// ArchiveStorage 归档导出能力（可选接口，两个后端均实现）
type ArchiveStorage interface {
	// ExportEventsDay 导出 [dayStart, dayEnd) 内的事件为 CSV（含表头），返回数据行数
	ExportEventsDay(ctx context.Context, dayStart, dayEnd int64, w io.Writer) (int64, error)

	// ExportAlertsDay 导出 [dayStart, dayEnd) 内的告警为 CSV（含表头），返回数据行数
	ExportAlertsDay(ctx context.Context, dayStart, dayEnd int64, w io.Writer) (int64, error)
}

// New 根据配置创建存储实例（支持 SQLite 和 PostgreSQL）
func New(cfg *config.StorageConfig) (Storage, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "sqlite"
	}

	switch storageType {
	case "sqlite":
		return NewSQLiteStorage(cfg.SQLite.Path)
	case "postgres":
		return NewPostgresStorage(&cfg.Postgres)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", storageType)
	}
}
