package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"

	"dormauth/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// envelope is the stored form of an encrypted field: the AES-GCM
// ciphertext plus the KMS-wrapped data key that protects it.
type envelope struct {
	Value     string    `json:"value"`
	DEK       string    `json:"dek"`
	KeyID     string    `json:"key_id"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

type dataKey struct {
	plaintext  []byte
	ciphertext []byte
	keyID      string
}

// Manager envelope-encrypts sensitive identity fields (email, phone, MFA
// secret). With KMS disabled it falls back to locally generated keys,
// which is acceptable only outside production.
type Manager struct {
	kmsClient *kms.Client
	cfg       *config.KMSConfig
	keyCache  sync.Map // wrapped DEK (base64) -> plaintext DEK
}

func NewManager(cfg *config.KMSConfig, kmsClient *kms.Client) *Manager {
	return &Manager{kmsClient: kmsClient, cfg: cfg}
}

// EncryptField seals plaintext under a fresh data key and returns the
// marshaled envelope plus the key id for the record.
func (m *Manager) EncryptField(ctx context.Context, plaintext string) ([]byte, string, error) {
	dk, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, "", err
	}

	block, err := aes.NewCipher(dk.plaintext)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	wrapped := base64.StdEncoding.EncodeToString(dk.ciphertext)
	m.keyCache.Store(wrapped, dk.plaintext)

	blob, err := json.Marshal(envelope{
		Value:     base64.StdEncoding.EncodeToString(sealed),
		DEK:       wrapped,
		KeyID:     dk.keyID,
		Version:   "v1",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return blob, dk.keyID, nil
}

// DecryptField opens an envelope produced by EncryptField.
func (m *Manager) DecryptField(ctx context.Context, blob []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return "", fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}

	if cached, ok := m.keyCache.Load(env.DEK); ok {
		return m.openWithKey(env.Value, cached.([]byte))
	}

	var plainDEK []byte
	if m.cfg.Enabled {
		wrapped, err := base64.StdEncoding.DecodeString(env.DEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
		}
		result, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return "", fmt.Errorf("%w: unwrapping DEK: %v", ErrDecryptionFailed, err)
		}
		plainDEK = result.Plaintext
	} else {
		var err error
		plainDEK, err = base64.StdEncoding.DecodeString(env.DEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	m.keyCache.Store(env.DEK, plainDEK)
	return m.openWithKey(env.Value, plainDEK)
}

func (m *Manager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !m.cfg.Enabled {
		return localDataKey()
	}
	result, err := m.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.cfg.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	return &dataKey{
		plaintext:  result.Plaintext,
		ciphertext: result.CiphertextBlob,
		keyID:      m.cfg.KeyID,
	}, nil
}

// localDataKey fabricates an unwrapped key for development. The "wrapped"
// form is the raw key itself; EncryptField base64-encodes it into the
// envelope, so DecryptField's single decode recovers it.
func localDataKey() (*dataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return &dataKey{
		plaintext:  key,
		ciphertext: key,
		keyID:      uuid.New().String(),
	}, nil
}

func (m *Manager) openWithKey(value string, key []byte) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// ClearCache drops all cached data keys.
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, _ interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
}
