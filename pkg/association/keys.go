package association

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/meridian/canon/pkg/pathtree"
)

// ComputeKeys derives the aggregation keys for a payload. Each configured key
// is a list of payload paths; a key is only produced when every path resolves
// to a value. The key is a SHA-256 over the canonicalized path=value pairs,
// so key equality tracks business-field equality regardless of map ordering.
func ComputeKeys(payload map[string]any, keyFields [][]string) []string {
	keys := make([]string, 0, len(keyFields))
	for _, fields := range keyFields {
		key, ok := computeKey(payload, fields)
		if ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func computeKey(payload map[string]any, fields []string) (string, bool) {
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		value := pathtree.Get(payload, field)
		if value == nil {
			return "", false
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", false
		}
		parts = append(parts, field+"="+string(encoded))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:]), true
}
