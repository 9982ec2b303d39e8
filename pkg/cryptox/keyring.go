package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const nonceSize = 12

var (
	ErrUnknownKeyVersion = errors.New("unknown key version")
	ErrCiphertext        = errors.New("ciphertext authentication failed")
	ErrKeyMaterial       = errors.New("key material must be at least 32 bytes")
)

// Keyring holds one AES-256-GCM cipher per key version. New data is always
// sealed with the current version; older versions stay readable until rotated.
type Keyring struct {
	current int
	aeads   map[int]cipher.AEAD
}

// NewKeyring builds a keyring from base64 encoded master keys indexed by
// version. Each master key is expanded with HKDF-SHA256 so operators may
// supply any high-entropy secret of 32 bytes or more.
func NewKeyring(encoded map[string]string, current int) (*Keyring, error) {
	kr := &Keyring{current: current, aeads: make(map[int]cipher.AEAD, len(encoded))}
	for v, enc := range encoded {
		version, err := strconv.Atoi(v)
		if err != nil || version <= 0 || version > 255 {
			return nil, fmt.Errorf("invalid key version %q", v)
		}
		master, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", version, err)
		}
		aead, err := newAEAD(master, version)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", version, err)
		}
		kr.aeads[version] = aead
	}
	if _, ok := kr.aeads[current]; !ok {
		return nil, fmt.Errorf("current key version %d: %w", current, ErrUnknownKeyVersion)
	}
	return kr, nil
}

func newAEAD(master []byte, version int) (cipher.AEAD, error) {
	if len(master) < 32 {
		return nil, ErrKeyMaterial
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte("vela/secrets/v"+strconv.Itoa(version)))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// CurrentVersion is the version Seal writes with.
func (k *Keyring) CurrentVersion() int {
	return k.current
}

// Seal encrypts plaintext with the current key. The associated data binds
// the ciphertext to its storage slot so it cannot be moved to another row.
// Output layout: nonce || sealed.
func (k *Keyring) Seal(plaintext, associated []byte) ([]byte, int, error) {
	aead := k.aeads[k.current]
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, 0, err
	}
	return aead.Seal(nonce, nonce, plaintext, associated), k.current, nil
}

// Open decrypts data sealed under the given key version.
func (k *Keyring) Open(data, associated []byte, version int) ([]byte, error) {
	aead, ok := k.aeads[version]
	if !ok {
		return nil, fmt.Errorf("version %d: %w", version, ErrUnknownKeyVersion)
	}
	if len(data) < nonceSize+aead.Overhead() {
		return nil, ErrCiphertext
	}
	plaintext, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], associated)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plaintext, nil
}

// RandomKey returns n random bytes, used for generated signing keys.
func RandomKey(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
