package offlinekit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// snapshotVersion is the on-disk snapshot format version.
	snapshotVersion = 1

	// EncryptionNonceSize is the nonce size for AES-GCM.
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation.
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size.
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
)

// SnapshotConfig configures queue snapshot persistence.
type SnapshotConfig struct {
	// Compress snappy-compresses the payload.
	Compress bool

	// Passphrase, when non-empty, encrypts the payload with AES-256-GCM
	// using a key derived via PBKDF2.
	Passphrase string
}

// DefaultSnapshotConfig returns a compressing, unencrypted configuration.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{Compress: true}
}

// snapshotEnvelope is the on-disk snapshot format. Checksum covers the raw
// payload before compression and encryption.
type snapshotEnvelope struct {
	Version    int       `json:"version"`
	Tool       string    `json:"tool"`
	CreatedAt  time.Time `json:"created_at"`
	Checksum   string    `json:"checksum"`
	Compressed bool      `json:"compressed"`
	Encrypted  bool      `json:"encrypted"`
	Salt       []byte    `json:"salt,omitempty"`
	Payload    []byte    `json:"payload"`
}

// SaveQueue persists the tool's queued calls to path. The queue itself is
// left untouched, so a snapshot can be taken at any time.
func (c *FallbackChain) SaveQueue(tool, path string, config SnapshotConfig) error {
	c.mu.Lock()
	entry, ok := c.tools[tool]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("save queue %q: %w", tool, ErrUnknownTool)
	}
	calls := entry.queue.snapshot()
	c.mu.Unlock()

	raw, err := json.Marshal(calls)
	if err != nil {
		return newSnapshotError(SnapshotOpSave, "encode queued calls", path, err)
	}

	checksum := sha256.Sum256(raw)
	envelope := snapshotEnvelope{
		Version:    snapshotVersion,
		Tool:       tool,
		CreatedAt:  time.Now().UTC(),
		Checksum:   hex.EncodeToString(checksum[:]),
		Compressed: config.Compress,
		Payload:    raw,
	}

	if config.Compress {
		envelope.Payload = snappy.Encode(nil, envelope.Payload)
	}

	if config.Passphrase != "" {
		enc, salt, err := newSnapshotEncryptor(config.Passphrase, nil)
		if err != nil {
			return newSnapshotError(SnapshotOpSave, "derive encryption key", path, err)
		}
		envelope.Payload, err = enc.encrypt(envelope.Payload)
		if err != nil {
			return newSnapshotError(SnapshotOpSave, "encrypt payload", path, err)
		}
		envelope.Encrypted = true
		envelope.Salt = salt
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return newSnapshotError(SnapshotOpSave, "encode snapshot", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return newSnapshotError(SnapshotOpSave, "write snapshot", path, err)
	}
	return nil
}

// RestoreQueue loads a snapshot from path and appends its calls to the
// tool's queue, subject to the queue's capacity. It returns the number of
// calls restored.
func (c *FallbackChain) RestoreQueue(tool, path string, config SnapshotConfig) (int, error) {
	c.mu.Lock()
	entry, ok := c.tools[tool]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("restore queue %q: %w", tool, ErrUnknownTool)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, newSnapshotError(SnapshotOpRestore, "read snapshot", path, err)
	}

	var envelope snapshotEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return 0, newSnapshotError(SnapshotOpVerify, "decode snapshot", path, err)
	}
	if envelope.Version != snapshotVersion {
		return 0, newSnapshotError(SnapshotOpVerify,
			fmt.Sprintf("unsupported snapshot version %d", envelope.Version), path, nil)
	}
	if envelope.Tool != tool {
		return 0, newSnapshotError(SnapshotOpVerify,
			fmt.Sprintf("snapshot is for tool %q", envelope.Tool), path, nil)
	}

	payload := envelope.Payload

	if envelope.Encrypted {
		if config.Passphrase == "" {
			return 0, newSnapshotError(SnapshotOpRestore, "snapshot is encrypted and no passphrase was given", path, nil)
		}
		enc, _, err := newSnapshotEncryptor(config.Passphrase, envelope.Salt)
		if err != nil {
			return 0, newSnapshotError(SnapshotOpRestore, "derive encryption key", path, err)
		}
		payload, err = enc.decrypt(payload)
		if err != nil {
			return 0, newSnapshotError(SnapshotOpVerify, "decrypt payload", path, err)
		}
	}

	if envelope.Compressed {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return 0, newSnapshotError(SnapshotOpVerify, "decompress payload", path, err)
		}
	}

	checksum := sha256.Sum256(payload)
	if hex.EncodeToString(checksum[:]) != envelope.Checksum {
		return 0, newSnapshotError(SnapshotOpVerify, "checksum mismatch", path, nil)
	}

	var calls []QueuedCall
	if err := json.Unmarshal(payload, &calls); err != nil {
		return 0, newSnapshotError(SnapshotOpVerify, "decode queued calls", path, err)
	}

	c.mu.Lock()
	for _, call := range calls {
		entry.queue.push(call)
	}
	c.mu.Unlock()
	return len(calls), nil
}

// --- snapshotEncryptor: AES-256-GCM with PBKDF2 key derivation ---

type snapshotEncryptor struct {
	gcm cipher.AEAD
}

// newSnapshotEncryptor derives a key from the passphrase. A nil salt
// generates a fresh one; the salt used is returned for storage alongside
// the ciphertext.
func newSnapshotEncryptor(passphrase string, salt []byte) (*snapshotEncryptor, []byte, error) {
	if salt == nil {
		salt = make([]byte, EncryptionSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, err
		}
	}
	if len(salt) != EncryptionSaltSize {
		return nil, nil, errors.New("invalid salt size")
	}

	key := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	return &snapshotEncryptor{gcm: gcm}, salt, nil
}

// encrypt returns ciphertext with the nonce prepended.
func (e *snapshotEncryptor) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, EncryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt expects the nonce prepended to the ciphertext.
func (e *snapshotEncryptor) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < EncryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:EncryptionNonceSize]
	return e.gcm.Open(nil, nonce, ciphertext[EncryptionNonceSize:], nil)
}
