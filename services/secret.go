package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	secretKeyLen = 32 // AES-256
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptSalt   = "gamepanel-secret-store"
)

var (
	ErrAppKeyNotSet      = errors.New("APP_KEY 未设置或为空")
	ErrInvalidCiphertext = errors.New("密文格式无效")
)

// SecretStore 静态加密存储。节点令牌、租户数据库密码、备份凭证
// 都经过它加解密；明文只在使用前临时解出，从不落日志
type SecretStore struct {
	aead cipher.AEAD
}

// NewSecretStore 从 APP_KEY 派生 AES-256-GCM 密钥
func NewSecretStore(appKey string) (*SecretStore, error) {
	if appKey == "" {
		return nil, ErrAppKeyNotSet
	}

	key, err := scrypt.Key([]byte(appKey), []byte(scryptSalt), scryptN, scryptR, scryptP, secretKeyLen)
	if err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("初始化加密器失败: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化加密器失败: %w", err)
	}

	return &SecretStore{aead: aead}, nil
}

// Encrypt 加密明文，返回 base64(nonce + ciphertext)
func (s *SecretStore) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密 Encrypt 的输出
func (s *SecretStore) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < s.aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("解密失败: %w", err)
	}
	return string(plain), nil
}
