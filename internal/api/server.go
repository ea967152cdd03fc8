// Package api 提供只读查询与少量引擎中转操作的 HTTP 接口
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"certwatch/internal/buildinfo"
	"certwatch/internal/config"
	"certwatch/internal/logger"
	"certwatch/internal/storage"
)

// Server HTTP服务器
type Server struct {
	handler    *Handler
	router     *gin.Engine
	httpServer *http.Server
	port       string
}

// NewServer 创建服务器
func NewServer(store storage.Storage, cfg *config.AppConfig, sched Scheduler, port string) *Server {
	// 设置gin模式
	gin.SetMode(gin.ReleaseMode)

	// 创建路由
	router := gin.Default()

	// CORS中间件 - 配置文件与环境变量共同决定允许的来源
	allowedOrigins := append([]string{}, cfg.CORSOrigins...)

	// 开发模式自动允许本地开发域名（Vite 默认端口 5173）
	if os.Getenv("GIN_MODE") != "release" {
		allowedOrigins = append(allowedOrigins,
			"http://localhost:5173",
			"http://127.0.0.1:5173",
			"http://localhost:8080",
			"http://127.0.0.1:8080",
		)
	}

	if extraOrigins := os.Getenv("CERTWATCH_CORS_ORIGINS"); extraOrigins != "" {
		// 支持逗号分隔的多个域名，例如: CERTWATCH_CORS_ORIGINS=http://localhost:5173,http://localhost:3000
		allowedOrigins = append(allowedOrigins, strings.Split(extraOrigins, ",")...)
	}

	// 没有任何来源时不挂 CORS 中间件，只允许同源访问
	if len(allowedOrigins) > 0 {
		corsConfig := cors.Config{
			AllowOrigins:     allowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "Accept-Encoding"},
			ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}
		router.Use(cors.New(corsConfig))
	}

	// Request ID 中间件 - 为每个请求生成唯一 ID，便于日志追踪
	router.Use(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8] // 使用短 UUID
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		// 将 request_id 注入到 context 供下游使用
		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	// Gzip 压缩中间件
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// 安全头中间件
	router.Use(func(c *gin.Context) {
		// HSTS（强制 HTTPS，有效期 1 年）
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		// 防止点击劫持
		c.Header("X-Frame-Options", "SAMEORIGIN")
		// 防止 MIME 类型嗅探
		c.Header("X-Content-Type-Options", "nosniff")
		// XSS 保护
		c.Header("X-XSS-Protection", "1; mode=block")
		// Referrer Policy
		c.Header("Referrer-Policy", "no-referrer-when-downgrade")
		c.Next()
	})

	// 创建处理器
	handler := NewHandler(store, cfg, sched)

	// 注册 API 路由
	router.GET("/api/status", handler.GetStatus)
	router.GET("/api/certificates/:hostname", handler.GetCertificates)
	router.GET("/api/events", handler.GetEvents)
	router.GET("/api/alerts", handler.GetAlerts)
	router.POST("/api/alerts/:id/ack", handler.AcknowledgeAlert)
	router.POST("/api/recheck", handler.TriggerRecheck)

	// 版本信息 API
	router.GET("/api/version", func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{
			"version":    buildinfo.GetVersion(),
			"git_commit": buildinfo.GetGitCommit(),
			"build_time": buildinfo.GetBuildTime(),
			"go_version": buildinfo.GetGoVersion(),
		})
	})

	// 健康检查（支持 GET 和 HEAD）
	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	// 未匹配的路由统一返回 JSON 404
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})

	return &Server{
		handler: handler,
		router:  router,
		port:    port,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         ":" + s.port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("api", "API 服务已启动",
		"status", fmt.Sprintf("http://localhost:%s/api/status", s.port),
		"health", fmt.Sprintf("http://localhost:%s/health", s.port))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("启动HTTP服务失败: %w", err)
	}

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("api", "正在关闭HTTP服务器")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// UpdateConfig 更新配置（热更新时调用）
func (s *Server) UpdateConfig(cfg *config.AppConfig) {
	s.handler.UpdateConfig(cfg)
}
