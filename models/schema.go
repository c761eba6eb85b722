package models

import (
	"time"

	"gorm.io/gorm"
)

// Setting 键值配置项 (MAX_RETRIES / MAX_FAILURES / ALLOWED_TOKENS 等)
type Setting struct {
	gorm.Model
	Key   string `gorm:"uniqueIndex:idx_setting_key_deleted;not null" json:"key"`
	Value string `json:"value"`
}

// APIKeyRecord 上游凭证的持久化形态
// KeyValue 在启用加密时保存密文，运行时由 SecretProvider 解密
type APIKeyRecord struct {
	gorm.Model
	KeyValue     string `gorm:"not null" json:"-"`
	Enabled      bool   `gorm:"default:true" json:"enabled"`
	FailureCount int    `gorm:"default:0" json:"failure_count"`
}

// RequestLog 单次上游调用的结果记录
type RequestLog struct {
	gorm.Model
	KeyFingerprint string    `json:"key_fingerprint"`
	UpstreamModel  string    `json:"upstream_model"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"status_code"`
	LatencyMs      int64     `json:"latency_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// ErrorLog 单次失败尝试的错误详情
type ErrorLog struct {
	gorm.Model
	KeyFingerprint string    `json:"key_fingerprint"`
	UpstreamModel  string    `json:"upstream_model"`
	RequestBody    string    `json:"request_body"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Setting{},
		&APIKeyRecord{},
		&RequestLog{},
		&ErrorLog{},
	)
}

// FingerprintKey 生成凭证指纹 (前4位 + 后4位)
// 所有日志和上报路径都必须经过这里，完整密钥绝不落盘
func FingerprintKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
