package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gemini-gateway/core"
	"gemini-gateway/core/security"
	"gemini-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	// .env 可选，缺失不报错
	_ = godotenv.Load()

	log := newLogger()
	gin.SetMode(gin.ReleaseMode)

	db, err := initDatabase(log)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}

	settings := core.NewSettingStore(db)
	secrets := initSecretProvider(log)

	store := core.NewGormCredentialStore(db, secrets, log)
	pool, err := core.NewCredentialPool(store, settings, log)
	if err != nil {
		log.Fatal("Failed to load credential pool: ", err)
	}
	log.Infof("Credential pool loaded: %d keys (%d usable)", pool.Size(), pool.UsableCount())

	logSink := core.NewAsyncLogSink(db, log)
	metrics := core.NewMetrics(prometheus.DefaultRegisterer, pool)
	orchestrator := core.NewRetryOrchestrator(pool, settings, logSink, metrics, log)

	upstream := core.NewGeminiClient(core.NewHTTPClient(), settings, log)
	gatewayHandler := core.NewGatewayHandler(orchestrator, upstream, log)

	health := core.NewHealthChecker(pool, upstream, metrics, log)
	cronSpec := "@every 10m"
	if v, ok := settings.GetSetting("HEALTH_CHECK_CRON"); ok {
		cronSpec = v
	}
	healthCron, err := health.Schedule(cronSpec)
	if err != nil {
		log.Fatal("Invalid HEALTH_CHECK_CRON expression: ", err)
	}

	adminHandler := NewAdminHandler(db, pool, store, settings, health, log)

	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())
	setupRoutes(engine, gatewayHandler, adminHandler, settings, pool)

	port := 8000
	if v, ok := settings.GetSetting("PORT"); ok {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			port = parsed
		}
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}

	go func() {
		log.Infof("Starting Gemini Gateway on port %d", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown: ", err)
	}

	// cron 停止后再关日志通道，避免扫描结果落不了库
	<-healthCron.Stop().Done()
	logSink.Close()

	log.Info("Server exited")
}

// newLogger 构造 logrus 日志器，LOG_FILE 配置时同时写入带轮转的文件
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		maxSizeMB := 50
		if v, err := strconv.Atoi(os.Getenv("LOG_FILE_MAX_MB")); err == nil && v > 0 {
			maxSizeMB = v
		}
		rotator, err := core.NewLogRotator(logFile, maxSizeMB)
		if err != nil {
			log.Warnf("Failed to open log file %s: %v", logFile, err)
		} else {
			log.SetOutput(io.MultiWriter(os.Stdout, rotator))
		}
	}

	return log
}

// initDatabase 打开 SQLite 并执行迁移
func initDatabase(log *logrus.Logger) (*gorm.DB, error) {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "gateway.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("Database initialized successfully")
	return db, nil
}

// initSecretProvider 配置了 GATEWAY_SECRET_KEY 时密钥加密落库，否则明文
func initSecretProvider(log *logrus.Logger) core.SecretProvider {
	secretKey := os.Getenv("GATEWAY_SECRET_KEY")
	if secretKey == "" {
		log.Warn("GATEWAY_SECRET_KEY not set, API keys will be stored in plaintext")
		return core.NewNoOpSecretProvider()
	}

	provider, err := security.NewAESSecretProvider(secretKey)
	if err != nil {
		log.Fatal("Invalid GATEWAY_SECRET_KEY: ", err)
	}
	log.Info("API key encryption enabled (AES-GCM)")
	return provider
}

// setupRoutes 注册全部路由
func setupRoutes(engine *gin.Engine, gw *core.GatewayHandler, admin *AdminHandler, settings *core.SettingStore, pool *core.CredentialPool) {
	engine.GET("/", handleRoot(pool))
	engine.GET("/health", handleHealth(pool))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// OpenAI 兼容接口
	v1 := engine.Group("/v1")
	v1.Use(RateLimitMiddleware(), verifyGatewayToken(settings))
	{
		v1.POST("/chat/completions", gw.ChatCompletions)
		v1.POST("/embeddings", gw.Embeddings)
		v1.POST("/images/generations", gw.ImageGenerations)
		v1.POST("/audio/speech", gw.Speech)
		v1.GET("/models", gw.ListModels)
	}

	// Gemini 原生透传
	v1beta := engine.Group("/v1beta")
	v1beta.Use(RateLimitMiddleware(), verifyGatewayToken(settings))
	{
		v1beta.POST("/models/:modelAction", gw.NativeGenerate)
	}

	// 管理接口
	adminGroup := engine.Group("/admin")
	adminGroup.Use(AdminAuthMiddleware(settings))
	{
		adminGroup.GET("/keys", admin.ListKeys)
		adminGroup.POST("/keys", admin.AddKey)
		adminGroup.DELETE("/keys", admin.DeleteKey)
		adminGroup.POST("/keys/reset", admin.ResetKey)
		adminGroup.POST("/keys/toggle", admin.ToggleKey)
		adminGroup.POST("/health-check", admin.TriggerHealthCheck)
		adminGroup.GET("/settings", admin.GetSettings)
		adminGroup.PUT("/settings", admin.UpdateSetting)
		adminGroup.GET("/logs/requests", admin.ListRequestLogs)
		adminGroup.GET("/logs/errors", admin.ListErrorLogs)
		adminGroup.GET("/stats", admin.Stats)
	}
}

// handleRoot 服务信息
func handleRoot(pool *core.CredentialPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"name":    "Gemini API Gateway",
			"version": "1.0.0",
			"endpoints": gin.H{
				"chat":       "/v1/chat/completions",
				"embeddings": "/v1/embeddings",
				"images":     "/v1/images/generations",
				"speech":     "/v1/audio/speech",
				"models":     "/v1/models",
				"native":     "/v1beta/models/{model}:{action}",
				"health":     "/health",
				"metrics":    "/metrics",
			},
			"keys":      pool.Size(),
			"timestamp": time.Now().Unix(),
		})
	}
}

// handleHealth 健康检查：有可用凭证即 healthy
func handleHealth(pool *core.CredentialPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		usable := pool.UsableCount()
		status := "healthy"
		code := 200
		if usable == 0 {
			status = "degraded"
			code = 503
		}
		c.JSON(code, gin.H{
			"status":      status,
			"total_keys":  pool.Size(),
			"usable_keys": usable,
			"timestamp":   time.Now().Unix(),
		})
	}
}
