package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/bcnelson/feedgate/internal/domain"
)

// KeyPrefixLength is how many leading characters of a raw key are kept for display.
const KeyPrefixLength = 12

// GeneratedKey is a freshly minted API key. Raw is shown to the tenant once.
type GeneratedKey struct {
	Raw    string
	Hash   string
	Prefix string
}

// GenerateKey generates a new random API key in live or test mode.
func GenerateKey(test bool) (*GeneratedKey, error) {
	// Generate 32 random bytes for the key
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, err
	}

	prefix := domain.LiveKeyPrefix
	if test {
		prefix = domain.TestKeyPrefix
	}
	raw := prefix + hex.EncodeToString(bytes)

	return &GeneratedKey{
		Raw:    raw,
		Hash:   HashKey(raw),
		Prefix: raw[:KeyPrefixLength],
	}, nil
}

// HashKey creates a SHA-256 hash of the API key.
// SHA-256 is enough for lookups since API keys are already high-entropy random strings.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// WellFormed reports whether key carries a known prefix and a non-empty body.
func WellFormed(key string) bool {
	for _, p := range []string{domain.LiveKeyPrefix, domain.TestKeyPrefix} {
		if strings.HasPrefix(key, p) && len(key) > len(p) {
			return true
		}
	}
	return false
}

// ExtractKey reads the key from an Authorization header value, accepting
// either "Bearer <key>" or the bare key.
func ExtractKey(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
