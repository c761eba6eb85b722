package core

import (
	"context"

	"gemini-gateway/models"
)

// SettingsReader 配置读取接口
// 返回值为 (value, true) 表示配置存在；(_, false) 表示缺省，由调用方决定默认值
type SettingsReader interface {
	GetSetting(key string) (string, bool)
}

// LogSink 请求/错误日志的落地接口
// 实现必须是并发安全的，核心层不做额外协调
type LogSink interface {
	RecordRequest(entry *models.RequestLog)
	RecordError(entry *models.ErrorLog)
}

// CredentialStore 凭证的持久化接口
// 运行时状态由 CredentialPool 独占，store 只管持久化副本
type CredentialStore interface {
	// ListKeys 返回全部已持久化的凭证（已解密）
	ListKeys() ([]models.APIKeyRecord, error)

	// UpsertKey 添加凭证，按明文去重；已存在时返回现有记录
	UpsertKey(value string) (*models.APIKeyRecord, error)

	DeleteKey(value string) error
}

// Prober 上游健康探测
// 一次轻量生成调用，探测失败是正常结果而不是系统错误
type Prober interface {
	Probe(ctx context.Context, key string) error
}

// SecretProvider 凭证存储加解密
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}
