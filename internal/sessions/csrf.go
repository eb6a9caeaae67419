package sessions

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/gliderblog/gliderblog/internal/shared"
)

// CSRFHeader carries the token on unsafe authenticated requests.
const CSRFHeader = "X-CSRF-Token"

// CSRFToken derives the CSRF token bound to a session id.
func (m *Manager) CSRFToken(sessionID string) string {
	mac := hmac.New(sha256.New, m.csrf)
	_, _ = mac.Write([]byte(sessionID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyCSRF compares the supplied token with the one bound to sessionID.
func (m *Manager) VerifyCSRF(sessionID, token string) error {
	if token == "" {
		return shared.ErrCSRFTokenMissing
	}
	if !hmac.Equal([]byte(token), []byte(m.CSRFToken(sessionID))) {
		return shared.ErrCSRFTokenMismatch
	}
	return nil
}
