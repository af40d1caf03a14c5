package crypto

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// GenerateKey returns a new encoded fernet key suitable for CLUSTERLINK_FERNET_KEY.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

func Encrypt(keyStr, plaintext string) (string, error) {
	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return "", fmt.Errorf("decode fernet key: %w", err)
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(keyStr, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return "", fmt.Errorf("decode fernet key: %w", err)
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
