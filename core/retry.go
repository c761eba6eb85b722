package core

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gemini-gateway/models"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidRetryConfig MAX_RETRIES 配置非法 (非正数或不可解析)，零次尝试永远不可能成功
	ErrInvalidRetryConfig = errors.New("invalid retry configuration: MAX_RETRIES must be a positive integer")

	// ErrRetryExhausted 理论上不可达的兜底：循环结束却既没返回也没传播错误
	ErrRetryExhausted = errors.New("retry budget exhausted without an outcome")
)

// DefaultMaxRetries MAX_RETRIES 缺省值
const DefaultMaxRetries = 3

// RequestMeta 一次请求的重试上下文，仅用于日志
type RequestMeta struct {
	Model       string
	RequestBody []byte
}

// Operation 一次携带指定凭证的上游调用
type Operation[T any] func(ctx context.Context, cred Credential) (T, error)

// RetryOrchestrator 有界重试编排器
// 每次尝试从池中取一个新凭证，统一记录成功/失败遥测
type RetryOrchestrator struct {
	pool     *CredentialPool
	settings SettingsReader
	logs     LogSink
	metrics  *Metrics
	logger   *logrus.Logger
}

// NewRetryOrchestrator 构造编排器，metrics 可为 nil
func NewRetryOrchestrator(pool *CredentialPool, settings SettingsReader, logs LogSink, metrics *Metrics, logger *logrus.Logger) *RetryOrchestrator {
	return &RetryOrchestrator{
		pool:     pool,
		settings: settings,
		logs:     logs,
		metrics:  metrics,
		logger:   logger,
	}
}

// maxRetries 解析 MAX_RETRIES；缺省为 DefaultMaxRetries，非法配置快速失败
func (o *RetryOrchestrator) maxRetries() (int, error) {
	raw, ok := o.settings.GetSetting("MAX_RETRIES")
	if !ok || raw == "" {
		return DefaultMaxRetries, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, ErrInvalidRetryConfig
	}
	return v, nil
}

// Execute 执行 op，凭证轮换 + 有界重试
// 池耗尽是终态条件，不计入重试预算；尝试严格串行，
// 第 N+1 次尝试一定在第 N 次的结果落账之后才开始
func Execute[T any](ctx context.Context, o *RetryOrchestrator, op Operation[T], meta RequestMeta) (T, error) {
	var zero T

	maxRetries, err := o.maxRetries()
	if err != nil {
		return zero, err
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		cred, err := o.pool.NextWorkingCredential()
		if err != nil {
			o.logger.Errorf("Attempt %d/%d aborted: %v", attempt, maxRetries, err)
			return zero, err
		}

		fingerprint := models.FingerprintKey(cred.Value)
		o.logger.Infof("Attempt %d/%d: model=%s key=%s", attempt, maxRetries, meta.Model, fingerprint)

		start := time.Now()
		result, err := op(ctx, cred)
		latency := time.Since(start).Milliseconds()

		if err == nil {
			o.pool.RecordSuccess(cred.Value)
			o.logs.RecordRequest(&models.RequestLog{
				KeyFingerprint: fingerprint,
				UpstreamModel:  meta.Model,
				Success:        true,
				StatusCode:     200,
				LatencyMs:      latency,
				Timestamp:      time.Now(),
			})
			o.metrics.ObserveAttempt(meta.Model, true, latency)
			return result, nil
		}

		o.pool.RecordFailure(cred.Value)
		o.logs.RecordError(&models.ErrorLog{
			KeyFingerprint: fingerprint,
			UpstreamModel:  meta.Model,
			RequestBody:    string(meta.RequestBody),
			Message:        err.Error(),
			Timestamp:      time.Now(),
		})
		o.metrics.ObserveAttempt(meta.Model, false, latency)
		o.logger.Warnf("Attempt %d/%d failed: key=%s err=%v", attempt, maxRetries, fingerprint, err)

		if attempt == maxRetries {
			return zero, err
		}
	}

	return zero, ErrRetryExhausted
}
