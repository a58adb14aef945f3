// Package crypto seals stored API keys with AES-256-GCM. Sealed values are a
// small JSON envelope naming the master key they were sealed with, so master
// keys can rotate without rewriting every row at once.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNotSealed = errors.New("value is not a sealed envelope")

type envelope struct {
	KeyID      string `json:"kid"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"ct"`
}

// Keyring seals with the current master key and opens with any known one.
type Keyring struct {
	current string
	keys    map[string]cipher.AEAD
}

func NewKeyring(current string, keys map[string][]byte) (*Keyring, error) {
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("current master key %q not provided", current)
	}
	kr := &Keyring{current: current, keys: make(map[string]cipher.AEAD, len(keys))}
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("master key %q must be 32 bytes, got %d", id, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("master key %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("master key %q: %w", id, err)
		}
		kr.keys[id] = aead
	}
	return kr, nil
}

// ParseKeys decodes "id:base64,id:base64" as used by the MASTER_KEYS env var.
func ParseKeys(list string) (map[string][]byte, error) {
	keys := map[string][]byte{}
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, b64, ok := strings.Cut(item, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("master key entry %q: want id:base64", item)
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("master key %q: %w", id, err)
		}
		keys[id] = raw
	}
	return keys, nil
}

func (k *Keyring) Seal(plaintext string) (string, error) {
	aead := k.keys[k.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	b, err := json.Marshal(envelope{
		KeyID:      k.current,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(plaintext), nil)),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) Open(sealed string) (string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil || env.KeyID == "" {
		return "", ErrNotSealed
	}
	aead, ok := k.keys[env.KeyID]
	if !ok {
		return "", fmt.Errorf("unknown master key %q", env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(pt), nil
}

// Reseal opens with whichever key sealed the value and seals with the current one.
func (k *Keyring) Reseal(sealed string) (string, error) {
	pt, err := k.Open(sealed)
	if err != nil {
		return "", err
	}
	return k.Seal(pt)
}
