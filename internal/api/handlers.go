package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"certwatch/internal/config"
	"certwatch/internal/logger"
	"certwatch/internal/report"
	"certwatch/internal/storage"
)

// Scheduler 调度器暴露给 API 的能力
type Scheduler interface {
	// TriggerNow 请求立即执行一轮巡检
	TriggerNow()

	// LatestRun 返回最近一轮巡检结果（尚未完成首轮时为 nil）
	LatestRun() *report.Run
}

// Handler API处理器
type Handler struct {
	storage storage.Storage
	sched   Scheduler
	config  *config.AppConfig
	cfgMu   sync.RWMutex // 保护config的并发访问
}

// NewHandler 创建处理器
func NewHandler(store storage.Storage, cfg *config.AppConfig, sched Scheduler) *Handler {
	return &Handler{
		storage: store,
		sched:   sched,
		config:  cfg,
	}
}

// UpdateConfig 更新配置（热更新时调用）
func (h *Handler) UpdateConfig(cfg *config.AppConfig) {
	h.cfgMu.Lock()
	h.config = cfg
	h.cfgMu.Unlock()
}

// RunMeta 最近一轮巡检的元数据（不含逐行结果，行数据在 certificates 里）
type RunMeta struct {
	ID         string         `json:"id"`
	StartedAt  int64          `json:"started_at"`
	FinishedAt int64          `json:"finished_at"`
	DurationMS int64          `json:"duration_ms"`
	Summary    report.Summary `json:"summary"`
}

// GetStatus 获取整个监测队列的当前状态
// GET /api/status
func (h *Handler) GetStatus(c *gin.Context) {
	store := h.storage.WithContext(c.Request.Context())

	certs, err := store.ListCertificates()
	if err != nil {
		logger.Error("api", "查询证书列表失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询证书列表失败"})
		return
	}
	if certs == nil {
		certs = make([]*storage.CertificateRecord, 0)
	}

	// 各状态计数复用巡检汇总逻辑
	rows := make([]report.Row, 0, len(certs))
	for _, rec := range certs {
		rows = append(rows, report.RowFromRecord(rec))
	}
	summary := report.Summarize(rows)

	var latest *RunMeta
	if h.sched != nil {
		if run := h.sched.LatestRun(); run != nil {
			latest = &RunMeta{
				ID:         run.ID,
				StartedAt:  run.StartedAt,
				FinishedAt: run.FinishedAt,
				DurationMS: run.DurationMS,
				Summary:    run.Summary,
			}
		}
	}

	h.cfgMu.RLock()
	interval := h.config.IntervalDuration
	h.cfgMu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"meta": gin.H{
			"count":        len(certs),
			"interval":     interval.String(),
			"generated_at": time.Now().Unix(),
		},
		"summary":      summary,
		"certificates": certs,
		"latest_run":   latest,
	})
}

// GetCertificates 获取指定域名的全部记录（不区分端口）
// GET /api/certificates/:hostname
func (h *Handler) GetCertificates(c *gin.Context) {
	hostname := strings.ToLower(strings.TrimSpace(c.Param("hostname")))

	certs, err := h.storage.WithContext(c.Request.Context()).ListCertificates()
	if err != nil {
		logger.Error("api", "查询证书列表失败", "hostname", hostname, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询证书列表失败"})
		return
	}

	matches := make([]*storage.CertificateRecord, 0, 2)
	for _, rec := range certs {
		if rec.Hostname == hostname {
			matches = append(matches, rec)
		}
	}

	if len(matches) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "该域名没有监测记录"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"hostname":     hostname,
		"count":        len(matches),
		"certificates": matches,
	})
}

// EventsResponse 事件列表响应
type EventsResponse struct {
	Events []*storage.CertEvent `json:"events"`
	Meta   EventsMeta           `json:"meta"`
}

// EventsMeta 游标分页元数据
type EventsMeta struct {
	NextBeforeID int64 `json:"next_before_id"`
	HasMore      bool  `json:"has_more"`
	Count        int   `json:"count"`
}

// GetEvents 获取证书事件列表
// GET /api/events?hostname=xxx&port=443&kinds=RENEWED,STATUS_CHANGE&before_id=0&limit=20
// limit 默认 100，最大 500，新事件在前
func (h *Handler) GetEvents(c *gin.Context) {
	filters := &storage.EventFilters{
		Hostname: strings.ToLower(strings.TrimSpace(c.Query("hostname"))),
	}

	if port, _ := strconv.Atoi(c.Query("port")); port > 0 {
		filters.Port = port
	}

	// 事件类型白名单过滤，未知类型忽略
	if kindsStr := c.Query("kinds"); kindsStr != "" {
		for _, raw := range strings.Split(kindsStr, ",") {
			kind := storage.EventKind(strings.ToUpper(strings.TrimSpace(raw)))
			switch kind {
			case storage.EventDiscovered, storage.EventRenewed, storage.EventStatusChange,
				storage.EventIssuerChange, storage.EventError:
				filters.Kinds = append(filters.Kinds, kind)
			}
		}
	}

	filters.BeforeID, _ = strconv.ParseInt(c.DefaultQuery("before_id", "0"), 10, 64)
	filters.Limit, _ = strconv.Atoi(c.Query("limit"))

	events, nextCursor, err := h.storage.WithContext(c.Request.Context()).GetEvents(filters)
	if err != nil {
		logger.Error("api", "查询事件失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询事件失败"})
		return
	}
	if events == nil {
		events = make([]*storage.CertEvent, 0)
	}

	c.JSON(http.StatusOK, EventsResponse{
		Events: events,
		Meta: EventsMeta{
			NextBeforeID: nextCursor,
			HasMore:      nextCursor > 0,
			Count:        len(events),
		},
	})
}

// GetAlerts 获取告警历史
// GET /api/alerts?hostname=xxx&port=443&unacked=true&limit=20
func (h *Handler) GetAlerts(c *gin.Context) {
	filters := &storage.AlertFilters{
		Hostname:  strings.ToLower(strings.TrimSpace(c.Query("hostname"))),
		OnlyUnack: c.Query("unacked") == "true" || c.Query("unacked") == "1",
	}

	if port, _ := strconv.Atoi(c.Query("port")); port > 0 {
		filters.Port = port
	}
	filters.Limit, _ = strconv.Atoi(c.Query("limit"))

	alerts, err := h.storage.WithContext(c.Request.Context()).ListAlerts(filters)
	if err != nil {
		logger.Error("api", "查询告警失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询告警失败"})
		return
	}
	if alerts == nil {
		alerts = make([]*storage.AlertRecord, 0)
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"meta":   gin.H{"count": len(alerts)},
	})
}

// AcknowledgeAlert 确认告警
// POST /api/alerts/:id/ack，请求体可选: {"by": "oncall"}
func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的告警 ID"})
		return
	}

	var req struct {
		By string `json:"by"`
	}
	// 请求体可选，解析失败按空处理
	_ = c.ShouldBindJSON(&req)

	by := strings.TrimSpace(req.By)
	if by == "" {
		by = "api"
	}

	err = h.storage.WithContext(c.Request.Context()).AcknowledgeAlert(id, by)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "告警不存在或已确认"})
		return
	}
	if err != nil {
		logger.Error("api", "确认告警失败", "alert_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "确认告警失败"})
		return
	}

	logger.Info("api", "告警已确认", "alert_id", id, "by", by)
	c.JSON(http.StatusOK, gin.H{"acknowledged": true, "id": id})
}

// TriggerRecheck 触发立即巡检
// POST /api/recheck
func (h *Handler) TriggerRecheck(c *gin.Context) {
	if h.sched == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "调度器未就绪"})
		return
	}

	h.sched.TriggerNow()
	logger.Info("api", "收到立即巡检请求", "request_id", c.GetString("request_id"))
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}
