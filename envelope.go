package curator

import (
	"context"
	"encoding/base64"
	"encoding/json"
)

const (
	FieldEncryptionKeyID = "encryption_key_id"
	FieldEncryptedData   = "encrypted_data"
)

// EncryptionKey is an externally managed key.
type EncryptionKey interface {
	ID() string
	Encrypt(plaintext []byte) ([]byte, error)
}

// KeyProvider returns the key used for new encryptions. Older records may
// reference keys that are no longer active.
type KeyProvider interface {
	ActiveKey(ctx context.Context) (EncryptionKey, error)
}

// seal replaces attrs with an envelope encrypted by the active key. Errors
// from the key provider and the key are returned unchanged.
func seal(ctx context.Context, keys KeyProvider, attrs Attrs) (Attrs, error) {
	key, err := keys.ActiveKey(ctx)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	ciphertext, err := key.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return Attrs{
		FieldEncryptionKeyID: key.ID(),
		FieldEncryptedData:   base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// IsEnvelope reports whether attrs has exactly the shape of an encryption
// envelope.
func IsEnvelope(attrs Attrs) bool {
	if len(attrs) != 2 {
		return false
	}
	_, ok1 := attrs[FieldEncryptionKeyID].(string)
	_, ok2 := attrs[FieldEncryptedData].(string)
	return ok1 && ok2
}
