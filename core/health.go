package core

import (
	"context"
	"sync"
	"time"

	"gemini-gateway/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// HealthChecker 尝试复活越过失败阈值的凭证
// Sweep 持单飞锁，重叠触发会合并为一次扫描
type HealthChecker struct {
	pool    *CredentialPool
	prober  Prober
	metrics *Metrics
	logger  *logrus.Logger

	sweeping sync.Mutex
}

// NewHealthChecker 构造健康检查器，metrics 可为 nil
func NewHealthChecker(pool *CredentialPool, prober Prober, metrics *Metrics, logger *logrus.Logger) *HealthChecker {
	return &HealthChecker{
		pool:    pool,
		prober:  prober,
		metrics: metrics,
		logger:  logger,
	}
}

// Sweep 对所有不可用凭证逐个发起轻量探测，探测成功则清零失败计数
// 探测错误被吞掉：探测失败是正常结果，不是系统错误
// 返回本次复活的凭证数；并发触发时后到者立即返回 0
func (h *HealthChecker) Sweep(ctx context.Context) int {
	if !h.sweeping.TryLock() {
		h.logger.Debug("Health sweep already in progress, skipping")
		return 0
	}
	defer h.sweeping.Unlock()

	candidates := h.pool.Unusable()
	if len(candidates) == 0 {
		return 0
	}

	h.logger.Infof("Health sweep started: %d keys to probe", len(candidates))
	recovered := 0

	for _, cred := range candidates {
		if ctx.Err() != nil {
			break
		}

		fingerprint := models.FingerprintKey(cred.Value)
		if err := h.prober.Probe(ctx, cred.Value); err != nil {
			h.logger.Debugf("Probe failed for key %s: %v", fingerprint, err)
			continue
		}

		// 只清失败计数；手动禁用的凭证仍需手动恢复
		h.pool.ResetFailureCount(cred.Value)
		h.metrics.ObserveRecovery()
		recovered++
		h.logger.Infof("Key %s recovered by health check", fingerprint)
	}

	h.logger.Infof("Health sweep finished: %d/%d keys recovered", recovered, len(candidates))
	return recovered
}

// Schedule 按 cron 表达式周期触发 Sweep，返回的 cron 由调用方负责 Stop
func (h *HealthChecker) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		h.Sweep(ctx)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	h.logger.Infof("Health check scheduled: %s", spec)
	return c, nil
}
