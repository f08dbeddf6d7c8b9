package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// DeriveKey builds the deterministic cache key for one task invocation:
// sha256 over the task name and the canonicalized input payload.
// Canonicalization sorts map keys (sonic's std-compatible config) and
// normalizes whitespace inside string values, so semantically identical
// inputs collide even when they differ textually.
func DeriveKey(task string, payload any) (string, error) {
	canonical, err := sonic.ConfigStd.Marshal(normalize(payload))
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload for %s: %w", task, err)
	}

	h := sha256.New()
	h.Write([]byte(task))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalize walks the payload collapsing runs of whitespace in string
// leaves. Containers are copied; other values pass through untouched.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return strings.Join(strings.Fields(t), " ")
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
