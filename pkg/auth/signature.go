package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	signatureVersion = "v0"
	// MaxTimestampSkew bounds how far a request timestamp may drift from the
	// local clock, in either direction, before the request is rejected.
	MaxTimestampSkew = 300 * time.Second
)

// Verifier validates platform request signatures. The zero value uses the
// real clock; tests override Now.
type Verifier struct {
	Secret string
	Now    func() time.Time
}

// Verify checks an inbound request signature. It returns false, never an
// error, for any malformed input: empty arguments, non-numeric or negative
// timestamps, stale timestamps, or signatures missing the version prefix.
//
// The signature is "v0=" + lowercase hex of HMAC-SHA256(secret,
// "v0:" + timestamp + ":" + body), compared in constant time.
func (v Verifier) Verify(body []byte, timestampHeader, signatureHeader string) bool {
	if v.Secret == "" || len(body) == 0 || timestampHeader == "" || signatureHeader == "" {
		return false
	}
	if !strings.HasPrefix(signatureHeader, signatureVersion+"=") {
		return false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil || ts < 0 {
		return false
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := now().UTC().Sub(time.Unix(ts, 0))
	if skew > MaxTimestampSkew || skew < -MaxTimestampSkew {
		return false
	}
	expected := ComputeSignature(v.Secret, timestampHeader, body)
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// ComputeSignature produces the "v0=<hex>" signature for the given timestamp
// and body. Exposed for clients and test fixtures.
func ComputeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}
