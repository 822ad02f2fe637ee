package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	live, err := GenerateKey(false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(live.Raw, "sk_live_"))
	assert.Len(t, live.Raw, len("sk_live_")+64)
	assert.Equal(t, live.Raw[:KeyPrefixLength], live.Prefix)
	assert.Equal(t, HashKey(live.Raw), live.Hash)

	test, err := GenerateKey(true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(test.Raw, "sk_test_"))

	again, err := GenerateKey(false)
	require.NoError(t, err)
	assert.NotEqual(t, live.Raw, again.Raw)
}

func TestHashKey(t *testing.T) {
	raw := "sk_live_abcdef0123456789"

	assert.Equal(t, HashKey(raw), HashKey(raw), "hash must be deterministic")
	assert.NotEqual(t, raw, HashKey(raw))
	assert.NotContains(t, HashKey(raw), raw)
	assert.Len(t, HashKey(raw), 64)
	assert.NotEqual(t, HashKey(raw), HashKey(raw+"0"))
}

func TestWellFormed(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"live", "sk_live_abc", true},
		{"test", "sk_test_abc", true},
		{"empty", "", false},
		{"prefix only", "sk_live_", false},
		{"other vendor", "pk_live_abc", false},
		{"uppercase", "SK_LIVE_abc", false},
		{"foreign prefix", "fg_abc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WellFormed(tt.key))
		})
	}
}

func TestExtractKey(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer sk_live_abc", "sk_live_abc"},
		{"bearer sk_live_abc", "sk_live_abc"},
		{"sk_live_abc", "sk_live_abc"},
		{"  Bearer   sk_live_abc  ", "sk_live_abc"},
		{"", ""},
		{"Bearer ", "Bearer"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractKey(tt.header), "header %q", tt.header)
	}
}
