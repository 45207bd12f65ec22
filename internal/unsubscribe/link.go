// Package unsubscribe builds and verifies the signed links placed in every
// campaign email.
package unsubscribe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
)

// Path is where the API serves unsubscribe requests.
const Path = "/unsubscribe"

// Signer signs (email, event) pairs with a shared secret.
type Signer struct {
	secret  []byte
	baseURL string
}

func NewSigner(baseURL, secret string) *Signer {
	return &Signer{secret: []byte(secret), baseURL: strings.TrimRight(baseURL, "/")}
}

// Token returns the hex HMAC-SHA256 of the normalized email and event id.
func (s *Signer) Token(email, eventID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(domain.NormalizeEmail(email)))
	mac.Write([]byte{0})
	mac.Write([]byte(eventID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks token in constant time.
func (s *Signer) Verify(email, eventID, token string) bool {
	want, err := hex.DecodeString(s.Token(email, eventID))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// URL returns the unsubscribe link for email and eventID.
func (s *Signer) URL(email, eventID string) string {
	q := url.Values{}
	q.Set("email", domain.NormalizeEmail(email))
	q.Set("event_id", eventID)
	q.Set("token", s.Token(email, eventID))
	return s.baseURL + Path + "?" + q.Encode()
}
