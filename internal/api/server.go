package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bundler/internal/connection"
	bundlererrors "bundler/internal/errors"
	"bundler/internal/mempool"
	"bundler/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// NodeStatusProvider 节点健康状态
type NodeStatusProvider interface {
	Status() connection.NodeStatus
}

// Options 服务器依赖
type Options struct {
	Address      string
	Handler      RPCHandler
	Nodes        NodeStatusProvider
	Mempool      mempool.Lister // 可为 nil
	Overrides    OverrideStore  // 可为 nil
	ErrorHandler *bundlererrors.ErrorHandler
	Metrics      metrics.Recorder
	Gatherer     prometheus.Gatherer
	MaxLogs      int
	Logger       *logrus.Logger
}

// Server JSON-RPC 及管理接口服务器
type Server struct {
	handler      RPCHandler
	nodes        NodeStatusProvider
	mempool      mempool.Lister
	overrides    *ConfigManager
	errorHandler *bundlererrors.ErrorHandler
	metrics      metrics.Recorder
	gatherer     prometheus.Gatherer
	logger       *logrus.Logger
	logManager   *LogManager
	rpcMethods   map[string]methodFunc
	router       *gin.Engine
	server       *http.Server
	startedAt    time.Time
}

// NewServer 创建服务器
func NewServer(opts Options) *Server {
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = bundlererrors.NewErrorHandler(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	logManager := NewLogManager(opts.MaxLogs)
	opts.Logger.AddHook(NewLogHook(logManager, logrus.InfoLevel))

	s := &Server{
		handler:      opts.Handler,
		nodes:        opts.Nodes,
		mempool:      opts.Mempool,
		errorHandler: opts.ErrorHandler,
		metrics:      opts.Metrics,
		gatherer:     opts.Gatherer,
		logger:       opts.Logger,
		logManager:   logManager,
		startedAt:    time.Now(),
	}
	if opts.Overrides != nil {
		s.overrides = NewConfigManager(opts.Overrides, opts.Logger)
	}
	s.rpcMethods = s.methods()

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), corsMiddleware(), s.accessLog())
	s.setupRoutes(s.router)

	s.server = &http.Server{
		Addr:              opts.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// LogManager 返回日志管理器
func (s *Server) LogManager() *LogManager {
	return s.logManager
}

// Start 启动服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.logger.Infof("RPC服务器启动在 %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止接受新请求并等待进行中的请求完成
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("正在停止RPC服务器")
	return s.server.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// accessLog HTTP访问日志
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"component": "http",
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"duration":  time.Since(start).String(),
			"client_ip": c.ClientIP(),
		}).Debug("HTTP请求")
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.POST("/", s.handleJSONRPC)
	router.POST("/rpc", s.handleJSONRPC)

	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		api.GET("/errors", s.getErrorStats)
		api.GET("/beneficiary", s.getBeneficiary)
		api.GET("/mempool", s.getMempool)

		if s.overrides != nil {
			api.GET("/config", s.overrides.GetConfig)
			api.PUT("/config", s.overrides.UpdateConfig)
			api.DELETE("/config/:key", s.overrides.DisableConfig)
		}
	}
}

// healthCheck 节点可用时返回 200，否则 503
func (s *Server) healthCheck(c *gin.Context) {
	status := s.nodes.Status()
	code := http.StatusOK
	state := "healthy"
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	c.JSON(code, gin.H{
		"status":    state,
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.startedAt).String(),
		"service":   "bundler",
		"node":      status,
	})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	query := LogQuery{
		Level:     c.Query("level"),
		RequestID: c.Query("request_id"),
		Page:      positiveInt(c.Query("page"), 1),
		PageSize:  positiveInt(c.Query("pageSize"), 20),
	}

	logs, total := s.logManager.Query(query)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     query.Page,
		"pageSize": query.PageSize,
		"level":    query.Level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

// getErrorStats 错误统计
func (s *Server) getErrorStats(c *gin.Context) {
	stats := s.errorHandler.GetStats()
	byType := lo.MapKeys(stats.ErrorsByType, func(_ int, t bundlererrors.ErrorType) string {
		return t.String()
	})
	bySeverity := lo.MapKeys(stats.ErrorsBySeverity, func(_ int, sev bundlererrors.ErrorSeverity) string {
		return sev.String()
	})

	c.JSON(http.StatusOK, gin.H{
		"total":        stats.TotalErrors,
		"by_type":      byType,
		"by_severity":  bySeverity,
		"last_error":   stats.LastErrorTime,
		"recent_count": len(stats.RecentErrors),
	})
}

// getBeneficiary 当前应使用的收益地址
func (s *Server) getBeneficiary(c *gin.Context) {
	beneficiary, err := s.handler.SelectBeneficiary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "查询签名账户余额失败",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"beneficiary": beneficiary})
}

// getMempool 最近提交的用户操作
func (s *Server) getMempool(c *gin.Context) {
	if s.mempool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "当前网关不支持查询"})
		return
	}

	limit := positiveInt(c.Query("limit"), 20)
	ops, err := s.mempool.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "读取已提交操作失败",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operations": ops,
		"total":      len(ops),
	})
}

func positiveInt(value string, fallback int) int {
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return n
	}
	return fallback
}
