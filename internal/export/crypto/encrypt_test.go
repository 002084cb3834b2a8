package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	plain := []byte(`{"collections":{"attendance":[]}}`)

	sealed, err := Seal(plain, "correct horse")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, string(sealed), "attendance")

	got, err := Open(sealed, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestSeal_saltsEveryArchive(t *testing.T) {
	a, err := Seal([]byte("same"), "password1")
	require.NoError(t, err)
	b, err := Seal([]byte("same"), "password1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSeal_shortPassword(t *testing.T) {
	_, err := Seal([]byte("x"), "short")
	assert.Error(t, err)
}

func TestOpen_wrongPassword(t *testing.T) {
	sealed, err := Seal([]byte("data"), "password1")
	require.NoError(t, err)

	_, err = Open(sealed, "password2")
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

func TestOpen_rejectsTampering(t *testing.T) {
	sealed, err := Seal([]byte("data"), "password1")
	require.NoError(t, err)

	body := append([]byte(nil), sealed...)
	body[len(body)-1] ^= 0xff
	_, err = Open(body, "password1")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	// The header is authenticated too.
	head := append([]byte(nil), sealed...)
	head[len(Magic)+3] ^= 0xff
	_, err = Open(head, "password1")
	assert.Error(t, err)
}

func TestOpen_malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"wrong magic", []byte("NOTSEAL1........")},
		{"truncated", []byte(Magic + "\x01\x0bAES-256")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.data, "password1")
			assert.ErrorIs(t, err, ErrInvalidArchive)
		})
	}
}
