// Package seal encrypts captured message excerpts before they are written
// to the audit log. Sealed values are self-describing strings so the store
// needs no schema support and unsealing works across key rotations.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const prefix = "sealed:v1:"

// Keyring holds one or more 32-byte keys by id. New values are sealed with
// the current key; any known key can open previously sealed values.
type Keyring struct {
	current string
	keys    map[string][]byte
}

func NewKeyring(current string, keys map[string][]byte) (*Keyring, error) {
	if current == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("current key id %q not found", current)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		if strings.Contains(id, ":") {
			return nil, fmt.Errorf("key id %q must not contain ':'", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{current: current, keys: cp}, nil
}

// IsSealed reports whether a stored value was produced by SealString.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, prefix)
}

// SealString encrypts plain with the current key. The result is
// "sealed:v1:<key id>:<base64(nonce || ciphertext)>".
func (k *Keyring) SealString(plain string) (string, error) {
	aead, err := k.aead(k.current)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	blob := aead.Seal(nonce, nonce, []byte(plain), nil)
	return prefix + k.current + ":" + base64.StdEncoding.EncodeToString(blob), nil
}

// OpenString decrypts a value produced by SealString with any key in the
// ring. Passing a non-sealed value is an error; callers check IsSealed.
func (k *Keyring) OpenString(sealed string) (string, error) {
	rest, ok := strings.CutPrefix(sealed, prefix)
	if !ok {
		return "", fmt.Errorf("value is not sealed")
	}
	keyID, b64, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("malformed sealed value")
	}
	aead, err := k.aead(keyID)
	if err != nil {
		return "", err
	}
	blob, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return "", fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}

func (k *Keyring) aead(keyID string) (cipher.AEAD, error) {
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
