package core

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"gemini-gateway/models"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoWorkingCredential 池中已无可用凭证，终态错误，不在内部重试
	ErrNoWorkingCredential = errors.New("no working credential available")
)

// DefaultMaxFailures MAX_FAILURES 缺省阈值
const DefaultMaxFailures = 5

// Credential 单个上游凭证的运行时状态
// enabled 与 failureCount 相互独立：enabled 可被手动关闭，
// 池只把 enabled && failureCount < maxFailures 的凭证视为可用
type Credential struct {
	Value        string
	FailureCount int
	Enabled      bool
	LastUsedAt   *time.Time
	LastFailedAt *time.Time
}

// Usable 判断凭证在给定阈值下是否可用
func (c *Credential) Usable(maxFailures int) bool {
	return c.Enabled && c.FailureCount < maxFailures
}

// CredentialView 脱敏后的只读快照，所有上报路径只允许携带指纹
type CredentialView struct {
	Fingerprint  string     `json:"fingerprint"`
	FailureCount int        `json:"failure_count"`
	Enabled      bool       `json:"enabled"`
	Usable       bool       `json:"usable"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	LastFailedAt *time.Time `json:"last_failed_at,omitempty"`
}

// CredentialPool 凭证池：轮询选取 + 失败计数 (线程安全)
// 选取和游标推进在同一把锁内完成，是单个原子步骤
type CredentialPool struct {
	mu          sync.Mutex
	creds       []*Credential
	cursor      int
	maxFailures int

	store    CredentialStore
	settings SettingsReader
	logger   *logrus.Logger
}

// NewCredentialPool 构造凭证池并立即从 store 加载一次
// 池由组合根显式构造和持有，不做全局单例
func NewCredentialPool(store CredentialStore, settings SettingsReader, logger *logrus.Logger) (*CredentialPool, error) {
	p := &CredentialPool{
		store:    store,
		settings: settings,
		logger:   logger,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload 从 store 重建凭证集合
// 已存在凭证的运行时失败计数保留，新增凭证以持久化状态初始化
func (p *CredentialPool) Reload() error {
	records, err := p.store.ListKeys()
	if err != nil {
		return err
	}

	maxFailures := DefaultMaxFailures
	if raw, ok := p.settings.GetSetting("MAX_FAILURES"); ok {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxFailures = v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing := make(map[string]*Credential, len(p.creds))
	for _, c := range p.creds {
		existing[c.Value] = c
	}

	creds := make([]*Credential, 0, len(records))
	for _, r := range records {
		if prev, ok := existing[r.KeyValue]; ok {
			prev.Enabled = r.Enabled
			creds = append(creds, prev)
			continue
		}
		creds = append(creds, &Credential{
			Value:        r.KeyValue,
			FailureCount: r.FailureCount,
			Enabled:      r.Enabled,
		})
	}

	p.creds = creds
	p.maxFailures = maxFailures
	if len(creds) > 0 {
		p.cursor = p.cursor % len(creds)
	} else {
		p.cursor = 0
	}

	p.logger.Infof("Credential pool reloaded: %d keys, max failures %d", len(creds), maxFailures)
	return nil
}

// NextWorkingCredential 推进轮询游标，返回第一个可用凭证
// 最多走一整圈，走完仍无可用凭证则返回 ErrNoWorkingCredential
func (p *CredentialPool) NextWorkingCredential() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	if n == 0 {
		return Credential{}, ErrNoWorkingCredential
	}

	for i := 0; i < n; i++ {
		c := p.creds[p.cursor]
		p.cursor = (p.cursor + 1) % n
		if c.Usable(p.maxFailures) {
			now := time.Now()
			c.LastUsedAt = &now
			return *c, nil
		}
	}

	return Credential{}, ErrNoWorkingCredential
}

// RecordFailure 失败计数 +1
// 每次失败尝试恰好加一，保持禁用阈值线性可审计
func (p *CredentialPool) RecordFailure(value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c := p.find(value); c != nil {
		c.FailureCount++
		now := time.Now()
		c.LastFailedAt = &now
		if c.FailureCount == p.maxFailures {
			p.logger.Warnf("Key %s reached failure threshold (%d), disabled until recovery",
				models.FingerprintKey(value), p.maxFailures)
		}
	}
}

// RecordSuccess 成功后清零失败计数
func (p *CredentialPool) RecordSuccess(value string) {
	p.ResetFailureCount(value)
}

// ResetFailureCount 清零失败计数并清除最后失败时间
// 不改变 enabled：手动禁用只能手动恢复
func (p *CredentialPool) ResetFailureCount(value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c := p.find(value); c != nil {
		c.FailureCount = 0
		c.LastFailedAt = nil
	}
}

// SetEnabled 手动启用/禁用凭证
func (p *CredentialPool) SetEnabled(value string, enabled bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c := p.find(value); c != nil {
		c.Enabled = enabled
		return true
	}
	return false
}

// ListAll 返回脱敏快照，用于管理接口展示
func (p *CredentialPool) ListAll() []CredentialView {
	p.mu.Lock()
	defer p.mu.Unlock()

	views := make([]CredentialView, 0, len(p.creds))
	for _, c := range p.creds {
		views = append(views, CredentialView{
			Fingerprint:  models.FingerprintKey(c.Value),
			FailureCount: c.FailureCount,
			Enabled:      c.Enabled,
			Usable:       c.Usable(p.maxFailures),
			LastUsedAt:   c.LastUsedAt,
			LastFailedAt: c.LastFailedAt,
		})
	}
	return views
}

// Unusable 返回当前不可用凭证的副本，供健康检查探测
func (p *CredentialPool) Unusable() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Credential, 0)
	for _, c := range p.creds {
		if !c.Usable(p.maxFailures) {
			out = append(out, *c)
		}
	}
	return out
}

// Size 池大小
func (p *CredentialPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// UsableCount 当前可用凭证数，供指标上报
func (p *CredentialPool) UsableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, c := range p.creds {
		if c.Usable(p.maxFailures) {
			n++
		}
	}
	return n
}

// MaxFailures 当前生效的失败阈值
func (p *CredentialPool) MaxFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxFailures
}

// find 调用方必须已持锁
func (p *CredentialPool) find(value string) *Credential {
	for _, c := range p.creds {
		if c.Value == value {
			return c
		}
	}
	return nil
}
