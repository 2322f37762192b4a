package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthMarker is the authentication state persisted under AuthStateKey.
type AuthMarker struct {
	AccessToken string    `json:"access_token"`
	CreatedAt   time.Time `json:"created_at"`
}

// EncodeAuthMarker serializes a marker for token.
func EncodeAuthMarker(token string, now time.Time) ([]byte, error) {
	b, err := json.Marshal(AuthMarker{AccessToken: token, CreatedAt: now.UTC()})
	if err != nil {
		return nil, fmt.Errorf("encoding auth marker: %w", err)
	}
	return b, nil
}

// AuthState describes the auth marker for diagnostics. The token is parsed
// without signature verification; it is never trusted for access decisions.
type AuthState struct {
	Present   bool      `json:"present"`
	Subject   string    `json:"subject,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Expired   bool      `json:"expired"`
	Error     string    `json:"error,omitempty"`
}

// InspectAuth decodes a stored auth marker.
func InspectAuth(raw []byte, now time.Time) *AuthState {
	st := &AuthState{Present: true}

	var m AuthMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		st.Error = fmt.Sprintf("auth marker unreadable: %v", err)
		return st
	}
	if m.AccessToken == "" {
		st.Error = "auth marker has no access token"
		return st
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(m.AccessToken, claims); err != nil {
		st.Error = fmt.Sprintf("access token unreadable: %v", err)
		return st
	}
	st.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		st.ExpiresAt = claims.ExpiresAt.Time
		st.Expired = now.After(st.ExpiresAt)
	}
	return st
}
