package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrScopeMismatch = errors.New("sealed value belongs to another scope")

// Sealed is the stored form of a secret. Scope is bound as additional data,
// so a value copied to another profile fails to open.
type Sealed struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Keyring struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{currentKeyID: currentKeyID, aeads: aeads}, nil
}

func (k *Keyring) CurrentKeyID() string {
	return k.currentKeyID
}

func (k *Keyring) Seal(plaintext, scope string) (string, error) {
	aead := k.aeads[k.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), []byte(scope))

	b, err := json.Marshal(Sealed{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sealed value: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) Open(raw, scope string) (string, error) {
	var s Sealed
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", fmt.Errorf("unmarshal sealed value: %w", err)
	}
	aead, ok := k.aeads[s.KeyID]
	if !ok {
		return "", fmt.Errorf("unknown key id %q", s.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("nonce has %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(scope))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrScopeMismatch, err)
	}
	return string(pt), nil
}

// Reseal opens raw with whichever key sealed it and seals it again under the
// current key.
func (k *Keyring) Reseal(raw, scope string) (string, error) {
	plain, err := k.Open(raw, scope)
	if err != nil {
		return "", err
	}
	return k.Seal(plain, scope)
}
