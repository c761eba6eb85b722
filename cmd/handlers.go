package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gemini-gateway/core"
	"gemini-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AdminHandler 密钥、配置与日志的管理接口
type AdminHandler struct {
	db       *gorm.DB
	pool     *core.CredentialPool
	store    *core.GormCredentialStore
	settings *core.SettingStore
	health   *core.HealthChecker
	logger   *logrus.Logger
}

func NewAdminHandler(db *gorm.DB, pool *core.CredentialPool, store *core.GormCredentialStore, settings *core.SettingStore, health *core.HealthChecker, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		db:       db,
		pool:     pool,
		store:    store,
		settings: settings,
		health:   health,
		logger:   logger,
	}
}

// keyRequest 针对单个密钥的管理操作请求体
type keyRequest struct {
	Key     string `json:"key" binding:"required"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// ListKeys GET /admin/keys，只返回指纹视图，不泄露完整密钥
func (h *AdminHandler) ListKeys(c *gin.Context) {
	c.JSON(200, models.NewSuccessResponse("Keys retrieved", h.pool.ListAll()))
}

// AddKey POST /admin/keys
func (h *AdminHandler) AddKey(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, models.NewErrorResponse("Invalid request: "+err.Error()))
		return
	}

	record, err := h.store.UpsertKey(req.Key)
	if err != nil {
		c.JSON(500, models.NewErrorResponse("Failed to store key: "+err.Error()))
		return
	}

	if err := h.pool.Reload(); err != nil {
		c.JSON(500, models.NewErrorResponse("Key stored but pool reload failed: "+err.Error()))
		return
	}

	h.logger.Infof("API key %s added", models.FingerprintKey(record.KeyValue))
	c.JSON(200, models.NewSuccessResponse("Key added", gin.H{
		"fingerprint": models.FingerprintKey(record.KeyValue),
		"pool_size":   h.pool.Size(),
	}))
}

// DeleteKey DELETE /admin/keys
func (h *AdminHandler) DeleteKey(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, models.NewErrorResponse("Invalid request: "+err.Error()))
		return
	}

	if err := h.store.DeleteKey(req.Key); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(404, models.NewErrorResponse("Key not found"))
			return
		}
		c.JSON(500, models.NewErrorResponse("Failed to delete key: "+err.Error()))
		return
	}

	if err := h.pool.Reload(); err != nil {
		c.JSON(500, models.NewErrorResponse("Key deleted but pool reload failed: "+err.Error()))
		return
	}

	h.logger.Infof("API key %s deleted", models.FingerprintKey(req.Key))
	c.JSON(200, models.NewSuccessResponse("Key deleted", gin.H{"pool_size": h.pool.Size()}))
}

// ResetKey POST /admin/keys/reset，清零失败计数
func (h *AdminHandler) ResetKey(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, models.NewErrorResponse("Invalid request: "+err.Error()))
		return
	}

	h.pool.ResetFailureCount(req.Key)
	c.JSON(200, models.NewSuccessResponse("Failure count reset", gin.H{
		"fingerprint": models.FingerprintKey(req.Key),
	}))
}

// ToggleKey POST /admin/keys/toggle，启用/禁用密钥并持久化
func (h *AdminHandler) ToggleKey(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, models.NewErrorResponse("Invalid request: "+err.Error()))
		return
	}
	if req.Enabled == nil {
		c.JSON(400, models.NewErrorResponse("Missing 'enabled' field"))
		return
	}

	if !h.pool.SetEnabled(req.Key, *req.Enabled) {
		c.JSON(404, models.NewErrorResponse("Key not found in pool"))
		return
	}
	if err := h.store.SetEnabled(req.Key, *req.Enabled); err != nil {
		c.JSON(500, models.NewErrorResponse("Pool updated but persistence failed: "+err.Error()))
		return
	}

	h.logger.Infof("API key %s enabled=%v", models.FingerprintKey(req.Key), *req.Enabled)
	c.JSON(200, models.NewSuccessResponse("Key updated", gin.H{
		"fingerprint": models.FingerprintKey(req.Key),
		"enabled":     *req.Enabled,
	}))
}

// TriggerHealthCheck POST /admin/health-check，同步执行一次扫描
func (h *AdminHandler) TriggerHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	recovered := h.health.Sweep(ctx)
	c.JSON(200, models.NewSuccessResponse("Health check finished", gin.H{
		"recovered":   recovered,
		"usable_keys": h.pool.UsableCount(),
	}))
}

// GetSettings GET /admin/settings
func (h *AdminHandler) GetSettings(c *gin.Context) {
	all, err := h.settings.ListAll()
	if err != nil {
		c.JSON(500, models.NewErrorResponse("Failed to load settings: "+err.Error()))
		return
	}
	c.JSON(200, models.NewSuccessResponse("Settings retrieved", all))
}

// settingRequest 配置更新请求体
type settingRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value"`
}

// UpdateSetting PUT /admin/settings
// MAX_FAILURES 变更会触发池重载，立即生效
func (h *AdminHandler) UpdateSetting(c *gin.Context) {
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, models.NewErrorResponse("Invalid request: "+err.Error()))
		return
	}

	if err := h.settings.UpdateSetting(req.Key, req.Value); err != nil {
		c.JSON(500, models.NewErrorResponse("Failed to update setting: "+err.Error()))
		return
	}

	if req.Key == "MAX_FAILURES" {
		if err := h.pool.Reload(); err != nil {
			h.logger.Errorf("Pool reload after MAX_FAILURES change failed: %v", err)
		}
	}

	h.logger.Infof("Setting %s updated", req.Key)
	c.JSON(200, models.NewSuccessResponse("Setting updated", gin.H{req.Key: req.Value}))
}

// parseLimit 解析 ?limit= 参数，默认 100，上限 1000
func parseLimit(c *gin.Context) int {
	limit := 100
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}

// ListRequestLogs GET /admin/logs/requests
func (h *AdminHandler) ListRequestLogs(c *gin.Context) {
	var logs []models.RequestLog
	if err := h.db.Order("id DESC").Limit(parseLimit(c)).Find(&logs).Error; err != nil {
		c.JSON(500, models.NewErrorResponse("Failed to query request logs: "+err.Error()))
		return
	}
	c.JSON(200, models.NewSuccessResponse("Logs retrieved", logs))
}

// ListErrorLogs GET /admin/logs/errors
func (h *AdminHandler) ListErrorLogs(c *gin.Context) {
	var logs []models.ErrorLog
	if err := h.db.Order("id DESC").Limit(parseLimit(c)).Find(&logs).Error; err != nil {
		c.JSON(500, models.NewErrorResponse("Failed to query error logs: "+err.Error()))
		return
	}
	c.JSON(200, models.NewSuccessResponse("Logs retrieved", logs))
}

// Stats GET /admin/stats
func (h *AdminHandler) Stats(c *gin.Context) {
	var total, failed int64
	h.db.Model(&models.RequestLog{}).Count(&total)
	h.db.Model(&models.RequestLog{}).Where("success = ?", false).Count(&failed)

	c.JSON(200, models.NewSuccessResponse("Stats retrieved", gin.H{
		"total_keys":      h.pool.Size(),
		"usable_keys":     h.pool.UsableCount(),
		"max_failures":    h.pool.MaxFailures(),
		"total_requests":  total,
		"failed_requests": failed,
	}))
}
