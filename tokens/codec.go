package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// KeySize is the required key length in bytes for AES-256.
const KeySize = 32

// Kind discriminates access tokens from refresh tokens.
type Kind string

const (
	// KindAccess marks tokens presented on resource requests.
	KindAccess Kind = "access"

	// KindRefresh marks tokens presented to the refresh_token grant.
	KindRefresh Kind = "refresh"
)

// ErrInvalidToken is returned by Decode for every failing token. Malformed
// encoding, truncation, wrong key, tampered ciphertext, and expired payloads
// all produce this same error so that callers cannot be used as a
// decryption oracle.
var ErrInvalidToken = errors.New("invalid token")

// Payload is the plaintext carried inside a bearer token.
type Payload struct {
	// Kind is "access" or "refresh". The codec stores it verbatim;
	// enforcement happens at the consuming endpoint.
	Kind Kind `json:"kind"`

	// ClientID is the registered client the token was issued to.
	ClientID string `json:"client_id"`

	// TenantID identifies the upstream company realm the authorizing user
	// granted access to.
	TenantID string `json:"tenant_id,omitempty"`

	// UpstreamAccessToken and UpstreamRefreshToken are the provider
	// credentials obtained during the authorization flow. They never leave
	// the server in plaintext.
	UpstreamAccessToken  string `json:"upstream_access_token,omitempty"`
	UpstreamRefreshToken string `json:"upstream_refresh_token,omitempty"`

	// IssuedAt and ExpiresAt are Unix seconds.
	IssuedAt  int64 `json:"issued_at"`
	ExpiresAt int64 `json:"expires_at"`
}

// Codec seals and opens bearer token payloads with AES-256-GCM under a
// single process-wide key.
type Codec struct {
	aead cipher.AEAD

	// now is replaceable in tests
	now func() time.Time
}

// NewCodec creates a codec from a 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("token key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Codec{
		aead: aead,
		now:  time.Now,
	}, nil
}

// Encode seals the payload into an opaque URL-safe bearer token. A fresh
// random nonce goes into every token, so encoding the same payload twice
// yields two different strings.
func (c *Codec) Encode(p *Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil payload")
	}

	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal with the nonce slice as destination, producing nonce || ciphertext || tag
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens a bearer token and returns its payload. Every failure,
// including an expired payload, returns ErrInvalidToken; see the package
// documentation for why the failure modes are deliberately
// indistinguishable.
func (c *Codec) Decode(token string) (*Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrInvalidToken
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, ErrInvalidToken
	}

	// A zero ExpiresAt fails here too, which is the safe direction.
	if c.now().Unix() >= p.ExpiresAt {
		return nil, ErrInvalidToken
	}

	return &p, nil
}

// GenerateKey generates a new random 32-byte token key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded token key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes a token key to base64.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
