package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprinter derives the quota identity for a visitor from its network origin.
type Fingerprinter struct {
	pepper []byte
}

func NewFingerprinter(pepper string) *Fingerprinter {
	return &Fingerprinter{pepper: []byte(pepper)}
}

func (f *Fingerprinter) Fingerprint(origin string) string {
	mac := hmac.New(sha256.New, f.pepper)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(origin))))
	return hex.EncodeToString(mac.Sum(nil))
}
