package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Cipher seals and opens fiscal identifiers, plus arbitrary key material
// via SealRaw/OpenRaw. Sealing a fiscal id produces the (hash, ciphertext,
// salt) triple the store persists; the plaintext never leaves this package
// otherwise.
//
// The hash is deterministic (keyed with the active key) so equality lookups
// work server-side; the per-record salt feeds the record key derivation so
// two records sealing the same value share no ciphertext structure.
type Cipher struct {
	keys   map[int][]byte
	active int
}

const saltLen = 16

// NewCipher parses a key ring into a usable cipher. Key material is
// hex-encoded 32-byte values; shorter keys are stretched with SHA-256.
func NewCipher(ring *KeyRing) (*Cipher, error) {
	if ring == nil || len(ring.Keys) == 0 {
		return nil, fmt.Errorf("empty key ring")
	}
	keys := make(map[int][]byte, len(ring.Keys))
	for ver, raw := range ring.Keys {
		v, err := strconv.Atoi(ver)
		if err != nil {
			return nil, fmt.Errorf("key version %q: %w", ver, err)
		}
		k, err := hex.DecodeString(strings.TrimSpace(raw))
		if err != nil || len(k) != 32 {
			sum := sha256.Sum256([]byte(raw))
			k = sum[:]
		}
		keys[v] = k
	}
	if _, ok := keys[ring.Active]; !ok {
		return nil, fmt.Errorf("active key version %d not in ring", ring.Active)
	}
	return &Cipher{keys: keys, active: ring.Active}, nil
}

// ActiveVersion returns the version new seals are written with.
func (c *Cipher) ActiveVersion() int { return c.active }

// Hash returns the deterministic lookup hash for a fiscal identifier.
// Normalization strips everything but digits so punctuated and bare forms
// hash identically.
func (c *Cipher) Hash(value string) string {
	h := sha256.New()
	h.Write(c.keys[c.active])
	h.Write([]byte("fiscal-hash"))
	h.Write([]byte(Normalize(value)))
	return hex.EncodeToString(h.Sum(nil))
}

// Seal encrypts a fiscal identifier with the active key.
func (c *Cipher) Seal(value string) (ciphertext, salt []byte, keyVer int, err error) {
	salt = make([]byte, saltLen)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, 0, fmt.Errorf("read salt: %w", err)
	}

	gcm, err := c.gcm(c.active, salt)
	if err != nil {
		return nil, nil, 0, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, 0, fmt.Errorf("read nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(Normalize(value)), nil)
	return sealed, salt, c.active, nil
}

// SealRaw encrypts an arbitrary secret, such as a DKIM private key, with
// the active key. The salt is prepended to the ciphertext so the result
// fits a single column.
func (c *Cipher) SealRaw(plain []byte) (blob []byte, keyVer int, err error) {
	salt := make([]byte, saltLen)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, 0, fmt.Errorf("read salt: %w", err)
	}
	gcm, err := c.gcm(c.active, salt)
	if err != nil {
		return nil, 0, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, 0, fmt.Errorf("read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return append(salt, sealed...), c.active, nil
}

// OpenRaw reverses SealRaw.
func (c *Cipher) OpenRaw(blob []byte, keyVer int) ([]byte, error) {
	if len(blob) < saltLen {
		return nil, fmt.Errorf("sealed blob too short")
	}
	salt, ciphertext := blob[:saltLen], blob[saltLen:]
	gcm, err := c.gcm(keyVer, salt)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plain, nil
}

// Open decrypts a sealed fiscal identifier with the key version that
// sealed it. Used only inside break-glass sessions.
func (c *Cipher) Open(ciphertext, salt []byte, keyVer int) (string, error) {
	gcm, err := c.gcm(keyVer, salt)
	if err != nil {
		return "", err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

func (c *Cipher) gcm(keyVer int, salt []byte) (cipher.AEAD, error) {
	master, ok := c.keys[keyVer]
	if !ok {
		return nil, fmt.Errorf("unknown key version %d", keyVer)
	}
	// Per-record key: SHA-256 over master || salt.
	h := sha256.New()
	h.Write(master)
	h.Write(salt)
	block, err := aes.NewCipher(h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Normalize strips a fiscal identifier down to its digits.
func Normalize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
