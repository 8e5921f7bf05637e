package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	callbackIDBytes   = 24
	sessionTokenBytes = 32
	keyValueBytes     = 24
)

func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewCallbackID returns an unpredictable identifier handed to a provider.
func NewCallbackID() (string, error) { return randomString(callbackIDBytes) }

// NewSessionToken returns the proof token a visitor echoes back to advance.
func NewSessionToken() (string, error) { return randomString(sessionTokenBytes) }

// NewKeyValue returns a key value with a short readable prefix.
func NewKeyValue(prefix string) (string, error) {
	v, err := randomString(keyValueBytes)
	if err != nil {
		return "", err
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return v, nil
	}
	return prefix + "_" + v, nil
}
