package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"certwatch/internal/config"
	"certwatch/internal/logger"
)

// PostgresStorage PostgreSQL 存储实现
type PostgresStorage struct {
	pool *pgxpool.Pool
	ctx  context.Context
}

// NewPostgresStorage 创建 PostgreSQL 存储
func NewPostgresStorage(cfg *config.PostgresConfig) (*PostgresStorage, error) {
	// 构建连接字符串
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)

	// 解析连接池配置
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 PostgreSQL 连接配置失败: %w", err)
	}

	// 设置连接池参数
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)

	// 解析连接最大生命周期
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			logger.Warn("storage", "解析 conn_max_lifetime 失败，使用默认值 1h", "error", err)
			lifetime = time.Hour
		}
		poolConfig.MaxConnLifetime = lifetime
	} else {
		poolConfig.MaxConnLifetime = time.Hour
	}

	// 创建连接池
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 PostgreSQL 连接池失败: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}

	return &PostgresStorage{
		pool: pool,
		ctx:  ctx,
	}, nil
}

// WithContext 返回绑定指定 context 的存储实例
func (s *PostgresStorage) WithContext(ctx context.Context) Storage {
	if ctx == nil {
		return s
	}
	return &PostgresStorage{
		pool: s.pool,
		ctx:  ctx,
	}
}

// effectiveCtx 返回有效的 context
func (s *PostgresStorage) effectiveCtx() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// Init 初始化数据库表
func (s *PostgresStorage) Init() error {
	ctx := s.effectiveCtx()

	// 与 SQLite 后端保持同构：三张表、同名列、同样的 CHECK 约束
	schema := `
	CREATE TABLE IF NOT EXISTS certificates (
		id BIGSERIAL PRIMARY KEY,
		hostname TEXT NOT NULL,
		port INTEGER NOT NULL,
		days_remaining INTEGER,
		status TEXT NOT NULL,
		issuer_name TEXT NOT NULL DEFAULT '',
		expire_date TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		last_checked BIGINT NOT NULL,
		first_seen BIGINT NOT NULL,
		UNIQUE(hostname, port)
	);

	CREATE TABLE IF NOT EXISTS cert_events (
		id BIGSERIAL PRIMARY KEY,
		cert_id BIGINT NOT NULL REFERENCES certificates(id),
		kind TEXT NOT NULL CHECK (kind IN ('DISCOVERED','RENEWED','STATUS_CHANGE','ISSUER_CHANGE','ERROR')),
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		cert_id BIGINT NOT NULL REFERENCES certificates(id),
		kind TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		sent_at BIGINT NOT NULL,
		delivery TEXT,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT,
		acknowledged_at BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_cert_events_cert_id ON cert_events(cert_id, id);
	CREATE INDEX IF NOT EXISTS idx_cert_events_created ON cert_events(created_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(cert_id, kind, sent_at DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_sent ON alerts(sent_at);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("初始化 PostgreSQL 数据库失败: %w", err)
	}

	return nil
}

// Close 关闭数据库连接
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// GetCertificate 按端点查询当前态记录
func (s *PostgresStorage) GetCertificate(hostname string, port int) (*CertificateRecord, error) {
	ctx := s.effectiveCtx()
	query := `
		SELECT id, hostname, port, days_remaining, status, issuer_name, expire_date, error_message, last_checked, first_seen
		FROM certificates
		WHERE hostname = $1 AND port = $2
	`

	rec, err := scanCertificate(s.pool.QueryRow(ctx, query, hostname, port))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // 没有记录不算错误
	}
	if err != nil {
		return nil, fmt.Errorf("查询 PostgreSQL 证书记录失败: %w", err)
	}
	return rec, nil
}

// ListCertificates 返回全部当前态记录
// NULLS FIRST 与 SQLite 默认排序一致，探测失败端点排最前
func (s *PostgresStorage) ListCertificates() ([]*CertificateRecord, error) {
	ctx := s.effectiveCtx()
	query := `
		SELECT id, hostname, port, days_remaining, status, issuer_name, expire_date, error_message, last_checked, first_seen
		FROM certificates
		ORDER BY days_remaining ASC NULLS FIRST, hostname ASC, port ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询 PostgreSQL 证书列表失败: %w", err)
	}
	defer rows.Close()

	var records []*CertificateRecord
	for rows.Next() {
		rec, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描 PostgreSQL 证书记录失败: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代 PostgreSQL 证书记录失败: %w", err)
	}

	return records, nil
}

// SaveCertificate 保存当前态记录并追加事件（单事务）
func (s *PostgresStorage) SaveCertificate(rec *CertificateRecord, events []*CertEvent) error {
	ctx := s.effectiveCtx()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("开启 PostgreSQL 事务失败: %w", err)
	}
	defer tx.Rollback(ctx)

	// first_seen 不在 DO UPDATE 列表中，更新时保留发现时间
	upsert := `
		INSERT INTO certificates (hostname, port, days_remaining, status, issuer_name, expire_date, error_message, last_checked, first_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hostname, port) DO UPDATE SET
			days_remaining = excluded.days_remaining,
			status = excluded.status,
			issuer_name = excluded.issuer_name,
			expire_date = excluded.expire_date,
			error_message = excluded.error_message,
			last_checked = excluded.last_checked
		RETURNING id, first_seen
	`
	if err := tx.QueryRow(ctx, upsert,
		rec.Hostname,
		rec.Port,
		nullableInt(rec.DaysRemaining),
		string(rec.Status),
		rec.IssuerName,
		nullableString(rec.ExpireDate),
		rec.ErrorMessage,
		rec.LastChecked,
		rec.FirstSeen,
	).Scan(&rec.ID, &rec.FirstSeen); err != nil {
		return fmt.Errorf("保存 PostgreSQL 证书记录失败: %w", err)
	}

	insertEvent := `
		INSERT INTO cert_events (cert_id, kind, old_value, new_value, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	for _, event := range events {
		event.CertID = rec.ID
		if err := tx.QueryRow(ctx, insertEvent,
			event.CertID,
			string(event.Kind),
			event.OldValue,
			event.NewValue,
			event.Notes,
			event.CreatedAt,
		).Scan(&event.ID); err != nil {
			return fmt.Errorf("写入 PostgreSQL 证书事件失败 (kind=%s): %w", event.Kind, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("提交 PostgreSQL 证书事务失败: %w", err)
	}
	return nil
}

// GetEvents 查询事件列表（新事件在前，游标分页）
func (s *PostgresStorage) GetEvents(filters *EventFilters) ([]*CertEvent, int64, error) {
	ctx := s.effectiveCtx()

	var conditions []string
	var args []any

	if filters == nil {
		filters = &EventFilters{}
	}

	if filters.BeforeID > 0 {
		args = append(args, filters.BeforeID)
		conditions = append(conditions, fmt.Sprintf("e.id < $%d", len(args)))
	}
	if filters.Hostname != "" {
		args = append(args, filters.Hostname)
		conditions = append(conditions, fmt.Sprintf("c.hostname = $%d", len(args)))
	}
	if filters.Port > 0 {
		args = append(args, filters.Port)
		conditions = append(conditions, fmt.Sprintf("c.port = $%d", len(args)))
	}
	if len(filters.Kinds) > 0 {
		placeholders := make([]string, len(filters.Kinds))
		for i, k := range filters.Kinds {
			args = append(args, string(k))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, "e.kind IN ("+strings.Join(placeholders, ",")+")")
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
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT e.id, e.cert_id, e.kind, e.old_value, e.new_value, e.notes, e.created_at, c.hostname, c.port
		FROM cert_events e
		JOIN certificates c ON c.id = e.cert_id
		%s
		ORDER BY e.id DESC
		LIMIT $%d
	`, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询 PostgreSQL 证书事件失败: %w", err)
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
			return nil, 0, fmt.Errorf("扫描 PostgreSQL 证书事件失败: %w", err)
		}
		event.Kind = EventKind(kindStr)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("迭代 PostgreSQL 证书事件失败: %w", err)
	}

	var nextCursor int64
	if len(events) == limit {
		nextCursor = events[len(events)-1].ID
	}

	return events, nextCursor, nil
}

// InsertAlertIfAbsent 原子地检查去重窗口并插入告警
func (s *PostgresStorage) InsertAlertIfAbsent(certID int64, kind, message string, sentAt time.Time, window time.Duration) (*AlertRecord, error) {
	ctx := s.effectiveCtx()

	windowStart := sentAt.Add(-window).Unix()
	query := `
		INSERT INTO alerts (cert_id, kind, message, sent_at)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM alerts
			WHERE cert_id = $5 AND kind = $6 AND sent_at > $7
		)
		RETURNING id
	`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		certID, kind, message, sentAt.Unix(),
		certID, kind, windowStart,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // 去重窗口内已有同类告警
	}
	if err != nil {
		return nil, fmt.Errorf("写入 PostgreSQL 告警记录失败: %w", err)
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
func (s *PostgresStorage) MarkAlertDelivery(alertID int64, delivery string) error {
	ctx := s.effectiveCtx()

	_, err := s.pool.Exec(ctx, `UPDATE alerts SET delivery = $1 WHERE id = $2`, delivery, alertID)
	if err != nil {
		return fmt.Errorf("回填 PostgreSQL 告警投递结果失败: %w", err)
	}
	return nil
}

// AcknowledgeAlert 确认告警
func (s *PostgresStorage) AcknowledgeAlert(alertID int64, by string) error {
	ctx := s.effectiveCtx()

	result, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET acknowledged = 1, acknowledged_by = $1, acknowledged_at = $2
		WHERE id = $3 AND acknowledged = 0
	`, by, time.Now().Unix(), alertID)
	if err != nil {
		return fmt.Errorf("确认 PostgreSQL 告警失败: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("确认告警失败 (id=%d): %w", alertID, ErrNotFound)
	}
	return nil
}

// ListAlerts 查询告警列表（新告警在前）
func (s *PostgresStorage) ListAlerts(filters *AlertFilters) ([]*AlertRecord, error) {
	ctx := s.effectiveCtx()

	var conditions []string
	var args []any

	if filters == nil {
		filters = &AlertFilters{}
	}

	if filters.Hostname != "" {
		args = append(args, filters.Hostname)
		conditions = append(conditions, fmt.Sprintf("c.hostname = $%d", len(args)))
	}
	if filters.Port > 0 {
		args = append(args, filters.Port)
		conditions = append(conditions, fmt.Sprintf("c.port = $%d", len(args)))
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
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT a.id, a.cert_id, a.kind, a.message, a.sent_at, a.delivery, a.acknowledged, a.acknowledged_by, a.acknowledged_at, c.hostname, c.port
		FROM alerts a
		JOIN certificates c ON c.id = a.cert_id
		%s
		ORDER BY a.id DESC
		LIMIT $%d
	`, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询 PostgreSQL 告警列表失败: %w", err)
	}
	defer rows.Close()

	var alerts []*AlertRecord
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描 PostgreSQL 告警记录失败: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代 PostgreSQL 告警记录失败: %w", err)
	}

	return alerts, nil
}

// PurgeOldRecords 删除一批过期的事件/告警行
func (s *PostgresStorage) PurgeOldRecords(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	cutoffUnix := cutoff.Unix()
	var total int64

	eventsResult, err := s.pool.Exec(ctx, `
		DELETE FROM cert_events
		WHERE id IN (SELECT id FROM cert_events WHERE created_at < $1 LIMIT $2)
	`, cutoffUnix, batchSize)
	if err != nil {
		return total, fmt.Errorf("清理 PostgreSQL 过期事件失败: %w", err)
	}
	total += eventsResult.RowsAffected()

	alertsResult, err := s.pool.Exec(ctx, `
		DELETE FROM alerts
		WHERE id IN (SELECT id FROM alerts WHERE sent_at < $1 LIMIT $2)
	`, cutoffUnix, batchSize)
	if err != nil {
		return total, fmt.Errorf("清理 PostgreSQL 过期告警失败: %w", err)
	}
	total += alertsResult.RowsAffected()

	return total, nil
}

// ExportEventsDay 导出 [dayStart, dayEnd) 内的事件为 CSV
func (s *PostgresStorage) ExportEventsDay(ctx context.Context, dayStart, dayEnd int64, w io.Writer) (int64, error) {
	query := `
		SELECT e.id, e.cert_id, e.kind, e.old_value, e.new_value, e.notes, e.created_at, c.hostname, c.port
		FROM cert_events e
		JOIN certificates c ON c.id = e.cert_id
		WHERE e.created_at >= $1 AND e.created_at < $2
		ORDER BY e.id ASC
	`

	rows, err := s.pool.Query(ctx, query, dayStart, dayEnd)
	if err != nil {
		return 0, fmt.Errorf("查询 PostgreSQL 归档事件失败: %w", err)
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
			return count, fmt.Errorf("扫描 PostgreSQL 归档事件失败: %w", err)
		}
		event.Kind = EventKind(kindStr)

		if err := csvWriter.Write(eventCSVRow(&event)); err != nil {
			return count, fmt.Errorf("写入 CSV 行失败: %w", err)
		}
		count++
	}

	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("迭代 PostgreSQL 归档事件失败: %w", err)
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return count, fmt.Errorf("刷新 CSV 失败: %w", err)
	}
	return count, nil
}

// ExportAlertsDay 导出 [dayStart, dayEnd) 内的告警为 CSV
func (s *PostgresStorage) ExportAlertsDay(ctx context.Context, dayStart, dayEnd int64, w io.Writer) (int64, error) {
	query := `
		SELECT a.id, a.cert_id, a.kind, a.message, a.sent_at, a.delivery, a.acknowledged, a.acknowledged_by, a.acknowledged_at, c.hostname, c.port
		FROM alerts a
		JOIN certificates c ON c.id = a.cert_id
		WHERE a.sent_at >= $1 AND a.sent_at < $2
		ORDER BY a.id ASC
	`

	rows, err := s.pool.Query(ctx, query, dayStart, dayEnd)
	if err != nil {
		return 0, fmt.Errorf("查询 PostgreSQL 归档告警失败: %w", err)
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
			return count, fmt.Errorf("扫描 PostgreSQL 归档告警失败: %w", err)
		}

		if err := csvWriter.Write(alertCSVRow(alert)); err != nil {
			return count, fmt.Errorf("写入 CSV 行失败: %w", err)
		}
		count++
	}

	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("迭代 PostgreSQL 归档告警失败: %w", err)
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return count, fmt.Errorf("刷新 CSV 失败: %w", err)
	}
	return count, nil
}
