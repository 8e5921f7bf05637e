package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

func normalizeToken(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "_"
	}
	return strings.NewReplacer(" ", "_", ":", "_").Replace(v)
}

func hashToken(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:12])
}

func buildProjectionCacheKey(globalEpoch, keysystemEpoch uint64, keysystemID string) string {
	return fmt.Sprintf("g%d:k%d:%s", globalEpoch, keysystemEpoch, hashToken(keysystemID))
}
