package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := New()
		require.True(t, IsValid(id), id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty", "", false},
		{"server id", "42", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"v1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, IsValid(tt.in))
			if tt.ok {
				assert.NoError(t, Validate(tt.in))
			} else {
				assert.Error(t, Validate(tt.in))
			}
		})
	}
}
