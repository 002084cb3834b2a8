// Package crypto seals snapshot archives with a password using AES-256-GCM.
// The password is never written to the archive; it must be supplied again
// to open it.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidPassword is returned when the archive does not open with the
	// given password.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidArchive is returned when the sealed header is malformed.
	ErrInvalidArchive = errors.New("invalid archive format")
)

const (
	// PasswordMinLength is the minimum accepted password length.
	PasswordMinLength = 8
	// SaltLength is the length of the random key derivation salt.
	SaltLength = 32
	// Iterations is the PBKDF2 work factor.
	Iterations = 100_000

	algorithm = "AES-256-GCM"
	version   = 1
)

// Magic prefixes every sealed archive.
const Magic = "AUSEAL1"

// Header is the clear-text prefix of a sealed archive.
type Header struct {
	Version   uint8
	Algorithm string
	Nonce     []byte
	Salt      []byte
}

// IsSealed reports whether data starts with the sealed archive magic.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(Magic))
}

// Seal encrypts data with a key derived from password.
func Seal(data []byte, password string) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	header, err := encodeHeader(Header{Version: version, Algorithm: algorithm, Nonce: nonce, Salt: salt})
	if err != nil {
		return nil, err
	}
	// The header is authenticated as additional data.
	return gcm.Seal(header, nonce, data, header), nil
}

// Open decrypts an archive produced by Seal.
func Open(sealed []byte, password string) ([]byte, error) {
	h, size, err := decodeHeader(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if h.Version != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArchive, h.Version)
	}
	if h.Algorithm != algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrInvalidArchive, h.Algorithm)
	}

	gcm, err := newGCM(password, h.Salt)
	if err != nil {
		return nil, err
	}
	if len(h.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d", ErrInvalidArchive, len(h.Nonce))
	}
	plain, err := gcm.Open(nil, h.Nonce, sealed[size:], sealed[:size])
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return plain, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := pbkdf2.Key(sha256.New, password, salt, Iterations, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// encodeHeader writes magic, version, then length-prefixed algorithm, nonce
// and salt.
func encodeHeader(h Header) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteByte(h.Version)
	for _, field := range [][]byte{[]byte(h.Algorithm), h.Nonce, h.Salt} {
		if len(field) > 255 {
			return nil, errors.New("header field too long")
		}
		buf.WriteByte(byte(len(field)))
		buf.Write(field)
	}
	return buf.Bytes(), nil
}

// decodeHeader parses the header and returns its size in bytes.
func decodeHeader(data []byte) (Header, int, error) {
	var h Header
	r := bytes.NewReader(data)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != Magic {
		return h, 0, errors.New("missing magic")
	}
	v, err := r.ReadByte()
	if err != nil {
		return h, 0, fmt.Errorf("failed to read version: %w", err)
	}
	h.Version = v

	fields := make([][]byte, 3)
	for i := range fields {
		n, err := r.ReadByte()
		if err != nil {
			return h, 0, fmt.Errorf("failed to read field length: %w", err)
		}
		fields[i] = make([]byte, n)
		if _, err := io.ReadFull(r, fields[i]); err != nil {
			return h, 0, fmt.Errorf("truncated header: %w", err)
		}
	}
	h.Algorithm = string(fields[0])
	h.Nonce = fields[1]
	h.Salt = fields[2]

	return h, len(data) - r.Len(), nil
}

// ValidatePassword checks the minimum password requirements.
func ValidatePassword(password string) error {
	if len(password) < PasswordMinLength {
		return fmt.Errorf("password must be at least %d characters", PasswordMinLength)
	}
	return nil
}
