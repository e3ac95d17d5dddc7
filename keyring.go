package curator

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrUnknownKey           = errors.New("unknown encryption key")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// AEADKey is an XChaCha20-Poly1305 key. Ciphertexts carry their random nonce
// as a prefix and are bound to the key id.
type AEADKey struct {
	id   string
	aead cipher.AEAD
}

// NewAEADKey wraps a 32-byte secret under the given key id.
func NewAEADKey(id string, secret []byte) (*AEADKey, error) {
	if id == "" {
		return nil, errors.New("key id required")
	}
	if len(secret) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key %s: secret must be %d bytes", id, chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return nil, fmt.Errorf("construct xchacha20-poly1305: %w", err)
	}
	return &AEADKey{id: id, aead: aead}, nil
}

// GenerateAEADKey creates a key with a random secret.
func GenerateAEADKey(id string) (*AEADKey, error) {
	secret := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewAEADKey(id, secret)
}

func (k *AEADKey) ID() string { return k.id }

func (k *AEADKey) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize(), k.aead.NonceSize()+len(plaintext)+k.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return k.aead.Seal(nonce, nonce, plaintext, []byte(k.id)), nil
}

func (k *AEADKey) Decrypt(ciphertext []byte) ([]byte, error) {
	n := k.aead.NonceSize()
	if len(ciphertext) < n+k.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthenticationFailed)
	}
	plaintext, err := k.aead.Open(nil, ciphertext[:n], ciphertext[n:], []byte(k.id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// Keyring is an in-process KeyProvider holding one active key and any number
// of retired keys. It is safe for concurrent use.
type Keyring struct {
	mu     sync.RWMutex
	active *AEADKey
	keys   map[string]*AEADKey
}

// NewKeyring returns a keyring encrypting with active. Retired keys only
// decrypt. Nil keys panic.
func NewKeyring(active *AEADKey, retired ...*AEADKey) *Keyring {
	if active == nil {
		panic("curator: NewKeyring: nil active key")
	}
	kr := &Keyring{keys: make(map[string]*AEADKey)}
	for i, k := range retired {
		if k == nil {
			panic(fmt.Sprintf("curator: NewKeyring: retired key %d is nil", i))
		}
		kr.keys[k.id] = k
	}
	kr.Rotate(active)
	return kr
}

// Rotate makes key the active key. The previous active key stays available
// for decryption. A nil key panics.
func (kr *Keyring) Rotate(key *AEADKey) {
	if key == nil {
		panic("curator: Keyring.Rotate: nil key")
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[key.id] = key
	kr.active = key
}

func (kr *Keyring) ActiveKey(ctx context.Context) (EncryptionKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.active, nil
}

func (kr *Keyring) Key(id string) (*AEADKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.keys[id]
	return k, ok
}

// Open decrypts an envelope produced by a repository using this keyring.
// Integral numbers come back as int64 (uint64 above its range), others as
// float64. Times come back as strings; ImportAttrs parses them for time
// fields.
func (kr *Keyring) Open(envelope Attrs) (Attrs, error) {
	id, _ := envelope[FieldEncryptionKeyID].(string)
	data, _ := envelope[FieldEncryptedData].(string)
	key, ok := kr.Key(id)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, id)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	plaintext, err := key.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()
	var attrs Attrs
	if err := dec.Decode(&attrs); err != nil {
		return nil, fmt.Errorf("decode envelope payload: %w", err)
	}
	for k, v := range attrs {
		attrs[k] = fromJSONNumbers(v)
	}
	return attrs, nil
}

func fromJSONNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if n, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for k, item := range v {
			v[k] = fromJSONNumbers(item)
		}
	case []any:
		for i, item := range v {
			v[i] = fromJSONNumbers(item)
		}
	}
	return v
}

// Unwrap opens envelopes and passes other maps through. It fits
// Options.Unwrap.
func (kr *Keyring) Unwrap(ctx context.Context, raw Attrs) (Attrs, error) {
	if !IsEnvelope(raw) {
		return raw, nil
	}
	return kr.Open(raw)
}
