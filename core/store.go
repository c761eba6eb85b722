package core

import (
	"errors"
	"strings"

	"gemini-gateway/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrEmptyKey 空白凭证不允许入库
var ErrEmptyKey = errors.New("credential value must not be empty")

// GormCredentialStore 基于 gorm 的凭证持久化
// KeyValue 经 SecretProvider 加密落库，对外只出明文
type GormCredentialStore struct {
	db      *gorm.DB
	secrets SecretProvider
	logger  *logrus.Logger
}

// NewGormCredentialStore 构造凭证存储
func NewGormCredentialStore(db *gorm.DB, secrets SecretProvider, logger *logrus.Logger) *GormCredentialStore {
	return &GormCredentialStore{db: db, secrets: secrets, logger: logger}
}

// ListKeys 返回全部凭证，KeyValue 已解密
// 解密失败的记录跳过并告警，不让单条坏数据拖垮整个池
func (s *GormCredentialStore) ListKeys() ([]models.APIKeyRecord, error) {
	var records []models.APIKeyRecord
	if err := s.db.Order("id asc").Find(&records).Error; err != nil {
		return nil, err
	}

	out := make([]models.APIKeyRecord, 0, len(records))
	for _, r := range records {
		plain, err := s.secrets.Decrypt(r.KeyValue)
		if err != nil {
			s.logger.Errorf("Failed to decrypt key record %d: %v", r.ID, err)
			continue
		}
		r.KeyValue = plain
		out = append(out, r)
	}
	return out, nil
}

// UpsertKey 添加凭证，按明文去重
// AES-GCM 每次加密产生不同密文，去重必须在解密后的明文上做
func (s *GormCredentialStore) UpsertKey(value string) (*models.APIKeyRecord, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrEmptyKey
	}

	existing, err := s.ListKeys()
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].KeyValue == value {
			return &existing[i], nil
		}
	}

	cipher, err := s.secrets.Encrypt(value)
	if err != nil {
		return nil, err
	}

	record := models.APIKeyRecord{KeyValue: cipher, Enabled: true}
	if err := s.db.Create(&record).Error; err != nil {
		return nil, err
	}

	s.logger.Infof("Key %s added to store", models.FingerprintKey(value))
	record.KeyValue = value
	return &record, nil
}

// DeleteKey 按明文删除凭证
func (s *GormCredentialStore) DeleteKey(value string) error {
	var records []models.APIKeyRecord
	if err := s.db.Find(&records).Error; err != nil {
		return err
	}

	for _, r := range records {
		plain, err := s.secrets.Decrypt(r.KeyValue)
		if err != nil {
			continue
		}
		if plain == value {
			if err := s.db.Delete(&models.APIKeyRecord{}, r.ID).Error; err != nil {
				return err
			}
			s.logger.Infof("Key %s deleted from store", models.FingerprintKey(value))
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

// SetEnabled 持久化启用/禁用标记
func (s *GormCredentialStore) SetEnabled(value string, enabled bool) error {
	var records []models.APIKeyRecord
	if err := s.db.Find(&records).Error; err != nil {
		return err
	}

	for _, r := range records {
		plain, err := s.secrets.Decrypt(r.KeyValue)
		if err != nil {
			continue
		}
		if plain == value {
			return s.db.Model(&models.APIKeyRecord{}).Where("id = ?", r.ID).
				Update("enabled", enabled).Error
		}
	}
	return gorm.ErrRecordNotFound
}

// NoOpSecretProvider 明文透传，未配置加密密钥时使用
type NoOpSecretProvider struct{}

func NewNoOpSecretProvider() *NoOpSecretProvider {
	return &NoOpSecretProvider{}
}

func (s *NoOpSecretProvider) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

func (s *NoOpSecretProvider) Encrypt(plaintext string) (string, error) {
	return plaintext, nil
}
