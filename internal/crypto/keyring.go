package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/eventcrm/backend/domain"
)

// Key is a resolved tenant field-encryption key.
type Key struct {
	ID       string
	Material []byte
}

// Keyring derives per-tenant field keys from a service master key using
// HKDF-SHA256. Derived keys are cached; the master key never leaves this
// package.
type Keyring struct {
	master []byte

	mu   sync.RWMutex
	keys map[string]Key
}

// NewKeyring parses the hex-encoded master key. An empty or malformed master
// key is rejected at boot rather than at first use.
func NewKeyring(masterKeyHex string) (*Keyring, error) {
	if masterKeyHex == "" {
		return nil, domain.WrapError(domain.ErrCodeEncryption, "master key not configured", nil)
	}
	master, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeEncryption, "master key is not valid hex", err)
	}
	if len(master) < 32 {
		return nil, domain.WrapError(domain.ErrCodeEncryption, "master key must be at least 32 bytes", nil)
	}
	return &Keyring{master: master, keys: make(map[string]Key)}, nil
}

// KeyFor derives the AES-256 key for one tenant key identifier. Derivation is
// deterministic, so every process sharing the master key agrees on the result.
func (k *Keyring) KeyFor(tenantID uuid.UUID, keyID string) (Key, error) {
	if keyID == "" {
		return Key{}, domain.WrapError(domain.ErrCodeEncryption, "tenant key id is empty", nil)
	}
	cacheKey := tenantID.String() + "/" + keyID

	k.mu.RLock()
	cached, ok := k.keys[cacheKey]
	k.mu.RUnlock()
	if ok {
		return cached, nil
	}

	salt := tenantID[:]
	reader := hkdf.New(sha256.New, k.master, salt, []byte("field-key:"+keyID))
	material := make([]byte, 32)
	if _, err := io.ReadFull(reader, material); err != nil {
		return Key{}, domain.WrapError(domain.ErrCodeEncryption, "derive tenant key", err)
	}

	key := Key{ID: keyID, Material: material}
	k.mu.Lock()
	k.keys[cacheKey] = key
	k.mu.Unlock()
	return key, nil
}
