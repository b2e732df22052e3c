package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// spec.md §9: "Encryption in the source uses a deprecated symmetric API;
// the implementer must use an authenticated mode (AEAD) with explicit IV."
// This keyring uses AES-256-GCM exclusively.

// Envelope is the wire shape for an encrypted message (spec.md §4.2:
// "Ciphertext carries {key_id, iv, payload}").
type Envelope struct {
	KeyID   uint64
	IV      []byte
	Payload []byte
}

type keyEntry struct {
	id        uint64
	key       []byte
	aead      cipher.AEAD
	expiresAt time.Time // zero means "current, does not expire"
}

// Keyring manages symmetric AEAD keys with append-then-expire rotation
// (spec.md §4.2, §9: "Keyring rotation uses append-then-expire, never
// in-place mutation of an in-use key").
type Keyring struct {
	mu          sync.RWMutex
	current     *keyEntry
	retired     map[uint64]*keyEntry
	gracePeriod time.Duration
	nextID      uint64
}

// NewKeyring constructs a Keyring and generates an initial key.
func NewKeyring(gracePeriod time.Duration) (*Keyring, error) {
	k := &Keyring{retired: make(map[uint64]*keyEntry), gracePeriod: gracePeriod}
	if err := k.Rotate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Rotate generates a new key, makes it current, and retains the previous
// current key for GracePeriod before it is erased (spec.md §4.2).
func (k *Keyring) Rotate() error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("security: generate key: %w", err)
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return fmt.Errorf("security: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("security: new gcm: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.nextID++
	entry := &keyEntry{id: k.nextID, key: raw, aead: aead}

	if k.current != nil {
		prev := k.current
		prev.expiresAt = time.Now().Add(k.gracePeriod)
		k.retired[prev.id] = prev
	}
	k.current = entry
	k.evictExpiredLocked()
	return nil
}

func (k *Keyring) evictExpiredLocked() {
	now := time.Now()
	for id, e := range k.retired {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(k.retired, id)
		}
	}
}

func (k *Keyring) find(keyID uint64) (*keyEntry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.evictExpiredLocked()
	if k.current != nil && k.current.id == keyID {
		return k.current, true
	}
	if e, ok := k.retired[keyID]; ok {
		return e, true
	}
	return nil, false
}

// Encrypt seals plaintext under the current key with a fresh random IV.
func (k *Keyring) Encrypt(plaintext []byte) (Envelope, error) {
	k.mu.RLock()
	entry := k.current
	k.mu.RUnlock()
	if entry == nil {
		return Envelope{}, fmt.Errorf("security: no current key")
	}

	iv := make([]byte, entry.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("security: generate iv: %w", err)
	}
	ciphertext := entry.aead.Seal(nil, iv, plaintext, nil)
	return Envelope{KeyID: entry.id, IV: iv, Payload: ciphertext}, nil
}

// Decrypt opens env using the key identified by env.KeyID. It fails fast
// with a typed error if the key id is unknown (spec.md §4.2: "decryption
// fails fast with a typed error if the key-id is unknown").
func (k *Keyring) Decrypt(env Envelope) ([]byte, error) {
	entry, ok := k.find(env.KeyID)
	if !ok {
		return nil, ErrUnknownKeyID
	}
	plaintext, err := entry.aead.Open(nil, env.IV, env.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// ErrUnknownKeyID is returned when decrypting with a key id the keyring no
// longer (or never did) hold.
var ErrUnknownKeyID = fmt.Errorf("security: unknown key id")

// ErrDecryptionFailed is returned when authentication of the ciphertext fails.
var ErrDecryptionFailed = fmt.Errorf("security: decryption failed")
