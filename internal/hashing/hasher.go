package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"dormauth/internal/config"
)

const (
	saltLength = 16
	keyLength  = 32
)

var (
	ErrInvalidHash         = errors.New("hashing: invalid encoded hash format")
	ErrIncompatibleVersion = errors.New("hashing: incompatible argon2 version")
)

// Hasher derives and verifies Argon2id password hashes. An optional pepper
// from configuration is mixed into every hash; it must stay stable across
// restarts or existing hashes become unverifiable.
type Hasher struct {
	memoryCost  uint32
	timeCost    uint32
	parallelism uint8
	pepper      []byte
}

// NewHasher builds a Hasher from the hashing section of the config.
func NewHasher(cfg *config.HashingConfig) *Hasher {
	return &Hasher{
		memoryCost:  uint32(cfg.Argon2MemoryCost),
		timeCost:    uint32(cfg.Argon2TimeCost),
		parallelism: uint8(cfg.Argon2Parallelism),
		pepper:      []byte(cfg.Pepper),
	}
}

// Hash returns a self-describing encoded hash:
// $argon2id$v=19$m=...,t=...,p=...$<salt>$<digest>
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	digest := argon2.IDKey(h.peppered(password), salt, h.timeCost, h.memoryCost, h.parallelism, keyLength)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memoryCost, h.timeCost, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	)
	return encoded, nil
}

// Verify compares password against an encoded hash in constant time. The
// cost parameters come from the encoded hash, not the current config, so
// hashes created under older settings still verify.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrInvalidHash
	}
	if version != argon2.Version {
		return false, ErrIncompatibleVersion
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrInvalidHash
	}

	digest := argon2.IDKey(h.peppered(password), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(digest, expected) == 1, nil
}

func (h *Hasher) peppered(password string) []byte {
	if len(h.pepper) == 0 {
		return []byte(password)
	}
	out := make([]byte, 0, len(password)+len(h.pepper))
	out = append(out, password...)
	out = append(out, h.pepper...)
	return out
}
