package core

import (
	"os"
	"sync"

	"gemini-gateway/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingStore 基于 gorm 的键值配置存储，带整体缓存
// 解析优先级：数据库 > 环境变量 > 调用方默认值
type SettingStore struct {
	db *gorm.DB

	mu     sync.RWMutex
	cache  map[string]string
	loaded bool
}

// NewSettingStore 构造配置存储
func NewSettingStore(db *gorm.DB) *SettingStore {
	return &SettingStore{db: db}
}

// GetSetting 实现 SettingsReader
func (s *SettingStore) GetSetting(key string) (string, bool) {
	s.mu.RLock()
	if s.loaded {
		value, ok := s.cache[key]
		s.mu.RUnlock()
		if ok {
			return value, true
		}
		return s.envFallback(key)
	}
	s.mu.RUnlock()

	if err := s.load(); err != nil {
		return s.envFallback(key)
	}

	s.mu.RLock()
	value, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return value, true
	}
	return s.envFallback(key)
}

// UpdateSetting 更新单个配置项并失效缓存
func (s *SettingStore) UpdateSetting(key, value string) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&models.Setting{Key: key, Value: value}).Error
	if err != nil {
		return err
	}

	s.Invalidate()
	return nil
}

// Invalidate 清空缓存，下次读取时重新加载
func (s *SettingStore) Invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.cache = nil
	s.mu.Unlock()
}

// ListAll 返回全部配置项，供管理接口展示
func (s *SettingStore) ListAll() (map[string]string, error) {
	if err := s.load(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out, nil
}

func (s *SettingStore) load() error {
	var rows []models.Setting
	if err := s.db.Find(&rows).Error; err != nil {
		return err
	}

	cache := make(map[string]string, len(rows))
	for _, row := range rows {
		cache[row.Key] = row.Value
	}

	s.mu.Lock()
	s.cache = cache
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func (s *SettingStore) envFallback(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	return "", false
}
