// Package crypto seals and opens credential envelopes.
//
// Secrets are encrypted with AES-256-GCM under a per-record subkey derived
// from the master key with HKDF-SHA256. The associated data binds each
// envelope to its owning account and tenant, so ciphertext moved to another
// record fails authentication.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// EnvelopeVersion is the only envelope format this build understands.
	EnvelopeVersion = 1
	// EnvelopeAlgorithm names the AEAD used for all envelopes.
	EnvelopeAlgorithm = "AES-256-GCM"

	saltSize = 16
	ivSize   = 12
	tagSize  = 16
	keySize  = 32

	// hkdfInfo is the context label for subkey derivation. Changing it
	// invalidates every stored envelope.
	hkdfInfo = "mailbox:v1"
)

var (
	// ErrAuthFailed is returned when an envelope fails authentication:
	// wrong associated data, tampered ciphertext, or a foreign master key.
	ErrAuthFailed = errors.New("envelope authentication failed")
	// ErrUnsupportedEnvelope is returned when the envelope version or
	// algorithm is not one this build can open.
	ErrUnsupportedEnvelope = errors.New("unsupported envelope version or algorithm")
	// ErrInvalidMasterKey is returned when the master key is not exactly
	// 32 bytes.
	ErrInvalidMasterKey = errors.New("master key must be exactly 32 bytes")
)

// Envelope is the ciphertext container persisted inside an account record.
// The tag is kept separate from the ciphertext so the stored form is explicit
// about the AEAD layout.
type Envelope struct {
	Version    int    `json:"version"`
	Algorithm  string `json:"algorithm"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
	Ciphertext []byte `json:"ct"`
}

// Sealer encrypts and decrypts envelopes under one master key.
type Sealer struct {
	masterKey []byte
}

// NewSealer creates a Sealer. The master key must be exactly 32 bytes.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != keySize {
		return nil, ErrInvalidMasterKey
	}
	key := make([]byte, keySize)
	copy(key, masterKey)
	return &Sealer{masterKey: key}, nil
}

// AAD builds the associated-data string binding an envelope to its record.
func AAD(accountID, tenantID string) []byte {
	return []byte(accountID + ":" + tenantID)
}

// Seal encrypts plaintext into a fresh envelope. Salt and IV are random per
// call, so sealing the same plaintext twice never yields the same envelope.
func (s *Sealer) Seal(plaintext, aad []byte) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	aead, err := s.deriveAEAD(salt)
	if err != nil {
		return nil, err
	}

	// Seal appends ciphertext||tag; split them for the stored form.
	sealed := aead.Seal(nil, iv, plaintext, aad)
	if len(sealed) < tagSize {
		return nil, fmt.Errorf("sealed output too short: %d bytes", len(sealed))
	}
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &Envelope{
		Version:    EnvelopeVersion,
		Algorithm:  EnvelopeAlgorithm,
		Salt:       salt,
		IV:         iv,
		Tag:        tag,
		Ciphertext: ct,
	}, nil
}

// Open decrypts an envelope. The aad must match the one used at Seal time.
// No partial plaintext is ever returned.
func (s *Sealer) Open(env *Envelope, aad []byte) ([]byte, error) {
	if env == nil {
		return nil, ErrUnsupportedEnvelope
	}
	if env.Version != EnvelopeVersion || env.Algorithm != EnvelopeAlgorithm {
		return nil, ErrUnsupportedEnvelope
	}
	if len(env.Salt) != saltSize || len(env.IV) != ivSize || len(env.Tag) != tagSize {
		return nil, ErrAuthFailed
	}

	aead, err := s.deriveAEAD(env.Salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+tagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aead.Open(nil, env.IV, sealed, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// deriveAEAD derives the per-record subkey and builds the GCM instance.
func (s *Sealer) deriveAEAD(salt []byte) (cipher.AEAD, error) {
	subkey := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, s.masterKey, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, fmt.Errorf("failed to derive subkey: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return aead, nil
}
