// Package token は外部プラットフォームのOAuthトークンの暗号化と更新を扱う。
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/hitoshi/stridesync/internal/model"
)

const (
	// keyInfo はHKDFのinfoパラメータ。
	keyInfo = "stridesync-token-encryption"
	// minSecretLength は暗号鍵として受け付ける最小バイト数。
	minSecretLength = 16

	ivSize  = 12
	tagSize = 16
)

var (
	// ErrKeyUnavailable は暗号化済みトークンを復号する鍵が設定されていないことを示す。
	ErrKeyUnavailable = errors.New("トークン暗号鍵が設定されていません")
	// ErrCorruptToken は暗号化済みトークンの検証に失敗したことを示す。
	ErrCorruptToken = errors.New("暗号化トークンの検証に失敗しました")
)

// Cipher はAES-256-GCMによるトークン暗号化を提供する。
// 暗号文は "iv:tag:ciphertext"（各要素16進数）の形式で表す。
// 鍵が未設定の場合は入力をそのまま返すパススルーとして動作する。
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher はCipherを生成する。secretが空の場合はパススルーのCipherを返す。
// secretからHKDF-SHA256で256ビット鍵を導出する。
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return &Cipher{}, nil
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY は%dバイト以上が必要です", minSecretLength)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("暗号鍵の導出に失敗しました: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES暗号の生成に失敗しました: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCMの生成に失敗しました: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Enabled は暗号鍵が設定されているかを返す。
func (c *Cipher) Enabled() bool {
	return c != nil && c.aead != nil
}

// Encrypt は平文を暗号化する。
// 鍵が未設定の場合、または入力がすでに暗号文の形式の場合は入力をそのまま返す。
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if !c.Enabled() || plaintext == "" || looksEncrypted(plaintext) {
		return plaintext, nil
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("IVの生成に失敗しました: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt は暗号文を復号する。
// 形式不正や認証タグ不一致など、復号できない場合は旧形式の平文とみなして入力をそのまま返す。
func (c *Cipher) Decrypt(value string) string {
	plaintext, err := c.open(value)
	if err != nil {
		return value
	}
	return plaintext
}

// Seal は平文を保存形式に変換する。方式は書き込み時に決まり、値と一緒に保存される。
func (c *Cipher) Seal(plaintext string) (model.SealedToken, error) {
	if plaintext == "" {
		return model.SealedToken{}, nil
	}
	if !c.Enabled() {
		return model.SealedToken{Scheme: model.TokenSchemePlain, Value: plaintext}, nil
	}
	v, err := c.Encrypt(plaintext)
	if err != nil {
		return model.SealedToken{}, err
	}
	return model.SealedToken{Scheme: model.TokenSchemeAESGCM, Value: v}, nil
}

// Open は保存形式のトークンを平文に戻す。
// 記録された方式に従って処理し、値の形から推測はしない。
func (c *Cipher) Open(t model.SealedToken) (string, error) {
	switch t.Scheme {
	case model.TokenSchemeAESGCM:
		if !c.Enabled() {
			return "", ErrKeyUnavailable
		}
		return c.open(t.Value)
	case model.TokenSchemePlain, "":
		return t.Value, nil
	default:
		return "", fmt.Errorf("未知のトークン方式です: %s", t.Scheme)
	}
}

// open は "iv:tag:ciphertext" を厳密に検証して復号する。
func (c *Cipher) open(value string) (string, error) {
	if !c.Enabled() {
		return "", ErrKeyUnavailable
	}
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return "", ErrCorruptToken
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", ErrCorruptToken
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", ErrCorruptToken
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrCorruptToken
	}

	plaintext, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrCorruptToken
	}
	return string(plaintext), nil
}

// looksEncrypted は値が "iv:tag:ciphertext" の形をしているかを判定する。
func looksEncrypted(value string) bool {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return false
	}
	if len(parts[0]) != ivSize*2 || len(parts[1]) != tagSize*2 || len(parts[2]) == 0 {
		return false
	}
	for _, p := range parts {
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}
