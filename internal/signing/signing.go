// Package signing signs operator actions with an HMAC over the action name and
// an expiry, so a leaked request cannot be replayed after it expires.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature for action valid until expiresUnix.
func (s *Signer) Sign(action string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", action, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignFor signs action for ttl from now and returns the expiry alongside.
func (s *Signer) SignFor(action string, ttl time.Duration) (expires int64, signature string) {
	expires = s.now().Add(ttl).Unix()
	return expires, s.Sign(action, expires)
}

// Validate checks the signature and that the expiry has not passed.
func (s *Signer) Validate(action, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if s.now().Unix() > exp {
		return false
	}
	expected := s.Sign(action, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
