package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/models"
)

// keySalt 固定盐，密钥派生必须跨进程稳定，否则历史密文无法解密
var keySalt = []byte("rag-go/tenant-credentials/v1")

// Cipher 基于AES-GCM的对称加密
type Cipher struct {
	key []byte
}

// NewCipher 从主密钥短语派生加密密钥
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, apperrors.NewConfigurationError("secrets master key is not configured")
	}
	key := pbkdf2.Key([]byte(masterKey), keySalt, 10000, 32, sha256.New)
	return &Cipher{key: key}, nil
}

// Encrypt 加密并base64编码
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt 解码并解密
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Store 租户级凭证存储，密文落库
type Store struct {
	db     *gorm.DB
	cipher *Cipher
}

func NewStore(db *gorm.DB, cipher *Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// SetCredential 写入或更新租户在某个提供商下的密钥
func (s *Store) SetCredential(ctx context.Context, tenantID uint, provider, apiKey string) error {
	if apiKey == "" {
		return apperrors.NewEmptyInputError("api key is empty")
	}

	ciphertext, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	now := time.Now()
	record := models.TenantCredential{
		TenantID:   tenantID,
		Provider:   provider,
		Ciphertext: ciphertext,
		CreateTime: now,
		UpdateTime: now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "update_time"}),
		}).
		Create(&record).Error
	if err != nil {
		return apperrors.NewDatabaseError("failed to save credential").WithCause(err)
	}
	return nil
}

// GetCredential 读取并解密租户密钥，不存在时返回NotFound
func (s *Store) GetCredential(ctx context.Context, tenantID uint, provider string) (string, error) {
	var record models.TenantCredential
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, provider).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperrors.NewNotFoundError(
			fmt.Sprintf("no %s credential for tenant %d", provider, tenantID))
	}
	if err != nil {
		return "", apperrors.NewDatabaseError("failed to load credential").WithCause(err)
	}

	apiKey, err := s.cipher.Decrypt(record.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return apiKey, nil
}
