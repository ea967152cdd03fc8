package storage

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"certwatch/internal/status"

	_ "modernc.org/sqlite" // 纯Go实现的SQLite驱动
)

// SQLiteStorage SQLite存储实现
type SQLiteStorage struct {
	db  *sql.DB
	ctx context.Context
}

// NewSQLiteStorage 创建SQLite存储
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// 使用WAL模式和其他参数解决并发锁问题
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_timeout=5000&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// SQLite建议单个写连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	return &SQLiteStorage{db: db, ctx: context.Background()}, nil
}

// WithContext 返回绑定指定 context 的存储实例
func (s *SQLiteStorage) WithContext(ctx context.Context) Storage {
	if ctx == nil {
		return s
	}
	return &SQLiteStorage{
		db:  s.db,
		ctx: ctx,
	}
}

// effectiveCtx 返回有效的 context
func (s *SQLiteStorage) effectiveCtx() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// Init 初始化数据库表
func (s *SQLiteStorage) Init() error {
	ctx := s.effectiveCtx()

	// certificates 当前态表：每个端点一行，(hostname, port) 唯一
	// first_seen 仅在发现时写入，之后的更新不触碰
	certSchema := `
	CREATE TABLE IF NOT EXISTS certificates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hostname TEXT NOT NULL,
		port INTEGER NOT NULL,
		days_remaining INTEGER,
		status TEXT NOT NULL,
		issuer_name TEXT NOT NULL DEFAULT '',
		expire_date TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		last_checked INTEGER NOT NULL,
		first_seen INTEGER NOT NULL,
		UNIQUE(hostname, port)
	);
	`
	if _, err := s.db.ExecContext(ctx, certSchema); err != nil {
		return fmt.Errorf("创建 certificates 表失败: %w", err)
	}

	// cert_events 审计表：append-only，kind 由 CHECK 约束兜底
	// 事件与记录更新在同一事务写入，非法事件会连带回滚记录更新
	eventsSchema := `
	CREATE TABLE IF NOT EXISTS cert_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cert_id INTEGER NOT NULL REFERENCES certificates(id),
		kind TEXT NOT NULL CHECK (kind IN ('DISCOVERED','RENEWED','STATUS_CHANGE','ISSUER_CHANGE','ERROR')),
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, eventsSchema); err != nil {
		return fmt.Errorf("创建 cert_events 表失败: %w", err)
	}

	// alerts 告警表：append-only，先落库后派发
	// delivery 派发完成后回填一次，acknowledged 系列供运维确认流程使用
	alertsSchema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cert_id INTEGER NOT NULL REFERENCES certificates(id),
		kind TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		sent_at INTEGER NOT NULL,
		delivery TEXT,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT,
		acknowledged_at INTEGER
	);
	`
	if _, err := s.db.ExecContext(ctx, alertsSchema); err != nil {
		return fmt.Errorf("创建 alerts 表失败: %w", err)
	}

	// 索引设计说明：
	// - cert_events 按 (cert_id, id) 建索引，覆盖端点过滤 + 游标分页
	// - cert_events 按 created_at 建索引，服务清理和归档的时间范围扫描
	// - alerts 按 (cert_id, kind, sent_at DESC) 建索引，
	//   去重查询 InsertAlertIfAbsent 必须走这条索引
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_cert_events_cert_id ON cert_events(cert_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_cert_events_created ON cert_events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(cert_id, kind, sent_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_sent ON alerts(sent_at);`,
	}
	for _, indexSQL := range indexes {
		if _, err := s.db.ExecContext(ctx, indexSQL); err != nil {
			return fmt.Errorf("创建索引失败: %w", err)
		}
	}

	return nil
}

// Close 关闭数据库
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// GetCertificate 按端点查询当前态记录
func (s *SQLiteStorage) GetCertificate(hostname string, port int) (*CertificateRecord, error) {
	ctx := s.effectiveCtx()
	query := `
		SELECT id, hostname, port, days_remaining, status, issuer_name, expire_date, error_message, last_checked, first_seen
		FROM certificates
		WHERE hostname = ? AND port = ?
	`

	rec, err := scanCertificate(s.db.QueryRowContext(ctx, query, hostname, port))
	if err == sql.ErrNoRows {
		return nil, nil // 没有记录不算错误
	}
	if err != nil {
		return nil, fmt.Errorf("查询证书记录失败: %w", err)
	}
	return rec, nil
}

// ListCertificates 返回全部当前态记录
// 按剩余天数升序，days 为 NULL 的探测失败端点排最前
func (s *SQLiteStorage) ListCertificates() ([]*CertificateRecord, error) {
	ctx := s.effectiveCtx()
	query := `
		SELECT id, hostname, port, days_remaining, status, issuer_name, expire_date, error_message, last_checked, first_seen
		FROM certificates
		ORDER BY days_remaining ASC, hostname ASC, port ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询证书列表失败: %w", err)
	}
	defer rows.Close()

	var records []*CertificateRecord
	for rows.Next() {
		rec, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描证书记录失败: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代证书记录失败: %w", err)
	}

	return records, nil
}

// rowScanner 同时适配 *sql.Row 和 *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCertificate 从一行结果扫描证书记录
func scanCertificate(row rowScanner) (*CertificateRecord, error) {
	var rec CertificateRecord
	var days sql.NullInt64
	var statusStr string
	var issuer, expireDate, errMsg sql.NullString

	if err := row.Scan(
		&rec.ID,
		&rec.Hostname,
		&rec.Port,
		&days,
		&statusStr,
		&issuer,
		&expireDate,
		&errMsg,
		&rec.LastChecked,
		&rec.FirstSeen,
	); err != nil {
		return nil, err
	}

	rec.DaysRemaining = intPtrFromNull(days)
	rec.Status = status.Status(statusStr)
	rec.IssuerName = issuer.String
	rec.ExpireDate = expireDate.String
	rec.ErrorMessage = errMsg.String
	return &rec, nil
}

// SaveCertificate 保存当前态记录并追加事件（单事务）
//
// 记录存在时更新（first_seen 保留），不存在时插入。
// 任一事件写入失败整个事务回滚，记录更新不会生效。
func (s *SQLiteStorage) SaveCertificate(rec *CertificateRecord, events []*CertEvent) error {
	ctx := s.effectiveCtx()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO certificates (hostname, port, days_remaining, status, issuer_name, expire_date, error_message, last_checked, first_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname, port) DO UPDATE SET
			days_remaining = excluded.days_remaining,
			status = excluded.status,
			issuer_name = excluded.issuer_name,
			expire_date = excluded.expire_date,
			error_message = excluded.error_message,
			last_checked = excluded.last_checked
	`
	if _, err := tx.ExecContext(ctx, upsert,
		rec.Hostname,
		rec.Port,
		nullableInt(rec.DaysRemaining),
		string(rec.Status),
		rec.IssuerName,
		nullableString(rec.ExpireDate),
		rec.ErrorMessage,
		rec.LastChecked,
		rec.FirstSeen,
	); err != nil {
		return fmt.Errorf("保存证书记录失败: %w", err)
	}

	// 回读 id 和库中的 first_seen（更新场景下保留的是发现时间，不是本次入参）
	if err := tx.QueryRowContext(ctx,
		`SELECT id, first_seen FROM certificates WHERE hostname = ? AND port = ?`,
		rec.Hostname, rec.Port,
	).Scan(&rec.ID, &rec.FirstSeen); err != nil {
		return fmt.Errorf("读取证书记录 ID 失败: %w", err)
	}

	insertEvent := `
		INSERT INTO cert_events (cert_id, kind, old_value, new_value, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, event := range events {
		event.CertID = rec.ID
		result, err := tx.ExecContext(ctx, insertEvent,
			event.CertID,
			string(event.Kind),
			event.OldValue,
			event.NewValue,
			event.Notes,
			event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("写入证书事件失败 (kind=%s): %w", event.Kind, err)
		}
		id, _ := result.LastInsertId()
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交证书事务失败: %w", err)
	}
	return nil
}

// GetEvents 查询事件列表（新事件在前，游标分页）
func (s *SQLiteStorage) GetEvents(filters *EventFilters) ([]*CertEvent, int64, error) {
	ctx := s.effectiveCtx()

	var conditions []string
	var args []any

	if filters == nil {
		filters = &EventFilters{}
	}

	// 游标条件
	if filters.BeforeID > 0 {
		conditions = append(conditions, "e.id < ?")
		args = append(args, filters.BeforeID)
	}

	// 可选过滤条件
	if filters.Hostname != "" {
		conditions = append(conditions, "c.hostname = ?")
		args = append(args, filters.Hostname)
	}
	if filters.Port > 0 {
		conditions = append(conditions, "c.port = ?")
		args = append(args, filters.Port)
	}
	if len(filters.Kinds) > 0 {
		placeholders := make([]string, len(filters.Kinds))
		for i, k := range filters.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		conditions = append(conditions, "e.kind IN ("+strings.Join(placeholders, ",")+")")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// 限制条数
	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := fmt.Sprintf(`
		SELECT e.id, e.cert_id, e.kind, e.old_value, e.new_value, e.notes, e.created_at, c.hostname, c.port
		FROM cert_events e
		JOIN certificates c ON c.id = e.cert_id
		%s
		ORDER BY e.id DESC
		LIMIT ?
	`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询证书事件失败: %w", err)
	}
	defer rows.Close()

	var events []*CertEvent
	for rows.Next() {
		var event CertEvent
		var kindStr string
		if err := rows.Scan(
			&event.ID,
			&event.CertID,
			&kindStr,
			&event.OldValue,
			&event.NewValue,
			&event.Notes,
			&event.CreatedAt,
			&event.Hostname,
			&event.Port,
		); err != nil {
			return nil, 0, fmt.Errorf("扫描证书事件失败: %w", err)
		}
		event.Kind = EventKind(kindStr)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("迭代证书事件失败: %w", err)
	}

	// 满页时返回末条 id 作为下一页游标，不满页表示已到末尾
	var nextCursor int64
	if len(events) == limit {
		nextCursor = events[len(events)-1].ID
	}

	return events, nextCursor, nil
}

// InsertAlertIfAbsent 原子地检查去重窗口并插入告警
//
// 单条语句完成查重与插入，并发调用方不可能同时通过查重。
// 窗口内已有同 (cert_id, kind) 记录时不插入，返回 nil, nil。
func (s *SQLiteStorage) InsertAlertIfAbsent(certID int64, kind, message string, sentAt time.Time, window time.Duration) (*AlertRecord, error) {
	ctx := s.effectiveCtx()

	windowStart := sentAt.Add(-window).Unix()
	query := `
		INSERT INTO alerts (cert_id, kind, message, sent_at)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM alerts
			WHERE cert_id = ? AND kind = ? AND sent_at > ?
		)
	`

	result, err := s.db.ExecContext(ctx, query,
		certID, kind, message, sentAt.Unix(),
		certID, kind, windowStart,
	)
	if err != nil {
		return nil, fmt.Errorf("写入告警记录失败: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("获取告警写入行数失败: %w", err)
	}
	if affected == 0 {
		return nil, nil // 去重窗口内已有同类告警
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("获取告警记录 ID 失败: %w", err)
	}

	return &AlertRecord{
		ID:      id,
		CertID:  certID,
		Kind:    kind,
		Message: message,
		SentAt:  sentAt.Unix(),
	}, nil
}

// MarkAlertDelivery 回填告警的通道投递结果
func (s *SQLiteStorage) MarkAlertDelivery(alertID int64, delivery string) error {
	ctx := s.effectiveCtx()

	// 只更新 delivery 列，kind/sent_at 不可变
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET delivery = ? WHERE id = ?`, delivery, alertID)
	if err != nil {
		return fmt.Errorf("回填告警投递结果失败: %w", err)
	}
	return nil
}

// AcknowledgeAlert 确认告警
func (s *SQLiteStorage) AcknowledgeAlert(alertID int64, by string) error {
	ctx := s.effectiveCtx()

	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND acknowledged = 0
	`, by, time.Now().Unix(), alertID)
	if err != nil {
		return fmt.Errorf("确认告警失败: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取确认影响行数失败: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("确认告警失败 (id=%d): %w", alertID, ErrNotFound)
	}
	return nil
}

// ListAlerts 查询告警列表（新告警在前）
func (s *SQLiteStorage) ListAlerts(filters *AlertFilters) ([]*AlertRecord, error) {
	ctx := s.effectiveCtx()

	var conditions []string
	var args []any

	if filters == nil {
		filters = &AlertFilters{}
	}

	if filters.Hostname != "" {
		conditions = append(conditions, "c.hostname = ?")
		args = append(args, filters.Hostname)
	}
	if filters.Port > 0 {
		conditions = append(conditions, "c.port = ?")
		args = append(args, filters.Port)
	}
	if filters.OnlyUnack {
		conditions = append(conditions, "a.acknowledged = 0")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := fmt.Sprintf(`
		SELECT a.id, a.cert_id, a.kind, a.message, a.sent_at, a.delivery, a.acknowledged, a.acknowledged_by, a.acknowledged_at, c.hostname, c.port
		FROM alerts a
		JOIN certificates c ON c.id = a.cert_id
		%s
		ORDER BY a.id DESC
		LIMIT ?
	`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询告警列表失败: %w", err)
	}
	defer rows.Close()

	var alerts []*AlertRecord
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描告警记录失败: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代告警记录失败: %w", err)
	}

	return alerts, nil
}

// scanAlert 从一行结果扫描告警记录（含 JOIN 的 hostname/port）
func scanAlert(row rowScanner) (*AlertRecord, error) {
	var alert AlertRecord
	var delivery, ackBy sql.NullString
	var ackInt int
	var ackAt sql.NullInt64

	if err := row.Scan(
		&alert.ID,
		&alert.CertID,
		&alert.Kind,
		&alert.Message,
		&alert.SentAt,
		&delivery,
		&ackInt,
		&ackBy,
		&ackAt,
		&alert.Hostname,
		&alert.Port,
	); err != nil {
		return nil, err
	}

	alert.Delivery = delivery.String
	alert.Acknowledged = ackInt != 0
	alert.AcknowledgedBy = ackBy.String
	if ackAt.Valid {
		alert.AcknowledgedAt = ackAt.Int64
	}
	return &alert, nil
}

// PurgeOldRecords 删除一批过期的事件/告警行
// certificates 当前态表不参与清理
func (s *SQLiteStorage) PurgeOldRecords(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	cutoffUnix := cutoff.Unix()
	var total int64

	// 子查询 + LIMIT 控制单批删除量，避免长事务锁表
	eventsResult, err := s.db.ExecContext(ctx, `
		DELETE FROM cert_events
		WHERE id IN (SELECT id FROM cert_events WHERE created_at < ? LIMIT ?)
	`, cutoffUnix, batchSize)
	if err != nil {
		return total, fmt.Errorf("清理过期事件失败: %w", err)
	}
	deleted, err := eventsResult.RowsAffected()
	if err != nil {
		return total, fmt.Errorf("获取事件清理行数失败: %w", err)
	}
	total += deleted

	alertsResult, err := s.db.ExecContext(ctx, `
		DELETE FROM alerts
		WHERE id IN (SELECT id FROM alerts WHERE sent_at < ? LIMIT ?)
	`, cutoffUnix, batchSize)
	if err != nil {
		return total, fmt.Errorf("清理过期告警失败: %w", err)
	}
	deleted, err = alertsResult.RowsAffected()
	if err != nil {
		return total, fmt.Errorf("获取告警清理行数失败: %w", err)
	}
	total += deleted

	return total, nil
}

// ExportEventsDay 导出 [dayStart, dayEnd) 内的事件为 CSV
func (s *SQLiteStorage) ExportEventsDay(ctx context.Context, dayStart, dayEnd int64, w io.Writer) (int64, error) {
	query := `
		SELECT e.id, e.cert_id, e.kind, e.old_value, e.new_value, e.notes, e.created_at, c.hostname, c.port
		FROM cert_events e
		JOIN certificates c ON c.id = e.cert_id
		WHERE e.created_at >= ? AND e.created_at < ?
		ORDER BY e.id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, dayStart, dayEnd)
	if err != nil {
		return 0, fmt.Errorf("查询归档事件失败: %w", err)
	}
	defer rows.Close()

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(eventsCSVHeader); err != nil {
		return 0, fmt.Errorf("写入 CSV 表头失败: %w", err)
	}

	var count int64
	for rows.Next() {
		var event CertEvent
		var kindStr string
		if err := rows.Scan(
			&event.ID,
			&event.CertID,
			&kindStr,
			&event.OldValue,
			&event.NewValue,
			&event.Notes,
			&event.CreatedAt,
			&event.Hostname,
			&event.Port,
		); err != nil {
			return count, fmt.Errorf("扫描归档事件失败: %w", err)
		}
		event.Kind = EventKind(kindStr)

		if err := csvWriter.Write(eventCSVRow(&event)); err != nil {
			return count, fmt.Errorf("写入 CSV 行失败: %w", err)
		}
		count++
	}

	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("迭代归档事件失败: %w", err)
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return count, fmt.Errorf("刷新 CSV 失败: %w", err)
	}
	return count, nil
}

// ExportAlertsDay 导出 [dayStart, dayEnd) 内的告警为 CSV
func (s *SQLiteStorage) ExportAlertsDay(ctx context.Context, dayStart, dayEnd int64, w io.Writer) (int64, error) {
	query := `
		SELECT a.id, a.cert_id, a.kind, a.message, a.sent_at, a.delivery, a.acknowledged, a.acknowledged_by, a.acknowledged_at, c.hostname, c.port
		FROM alerts a
		JOIN certificates c ON c.id = a.cert_id
		WHERE a.sent_at >= ? AND a.sent_at < ?
		ORDER BY a.id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, dayStart, dayEnd)
	if err != nil {
		return 0, fmt.Errorf("查询归档告警失败: %w", err)
	}
	defer rows.Close()

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(alertsCSVHeader); err != nil {
		return 0, fmt.Errorf("写入 CSV 表头失败: %w", err)
	}

	var count int64
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return count, fmt.Errorf("扫描归档告警失败: %w", err)
		}

		if err := csvWriter.Write(alertCSVRow(alert)); err != nil {
			return count, fmt.Errorf("写入 CSV 行失败: %w", err)
		}
		count++
	}

	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("迭代归档告警失败: %w", err)
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return count, fmt.Errorf("刷新 CSV 失败: %w", err)
	}
	return count, nil
}
