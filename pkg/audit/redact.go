package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
