package syncapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// authError carries an HTTP status alongside the lowercase error code, the
// way the teacher's httpapi.authError does.
type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string { return e.message }

type bearerClaims struct {
	UserID string
	Exp    int64
}

// authenticateBearer verifies a compact header.payload.signature bearer
// token signed with HMAC-SHA256 over "header.payload", the same shape as
// the teacher's homegrown JWT-lite parser in httpapi/auth.go. Account
// management (issuing these tokens, password auth) is out of scope per
// spec.md §1; this only verifies the caller is who they claim to be.
func authenticateBearer(authHeader, secret string, now time.Time) (string, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", &authError{status: 401, code: ErrCodeUnauthorized, message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return "", &authError{status: 401, code: ErrCodeUnauthorized, message: "malformed bearer token"}
	}

	signed := parts[0] + "." + parts[1]
	expectedSig := signBearer(signed, secret)
	actualSig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || subtle.ConstantTimeCompare(expectedSig, actualSig) != 1 {
		return "", &authError{status: 401, code: ErrCodeUnauthorized, message: "invalid bearer signature"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", &authError{status: 401, code: ErrCodeUnauthorized, message: "invalid bearer payload"}
	}
	var claims bearerClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return "", &authError{status: 401, code: ErrCodeUnauthorized, message: "invalid bearer payload"}
	}
	if claims.UserID == "" {
		return "", &authError{status: 401, code: ErrCodeUnauthorized, message: "missing user id claim"}
	}
	if claims.Exp != 0 && now.Unix() > claims.Exp {
		return "", &authError{status: 401, code: ErrCodeUnauthorized, message: "expired bearer token"}
	}
	return claims.UserID, nil
}

func signBearer(signed, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return mac.Sum(nil)
}

// IssueBearerToken is a test/dev-tool helper for minting tokens against a
// known secret; production issuance lives in the external account
// management system this engine treats as a collaborator.
func IssueBearerToken(userID, secret string, ttl time.Duration) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256"}`))
	payloadBytes, _ := json.Marshal(bearerClaims{UserID: userID, Exp: time.Now().Add(ttl).Unix()})
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signed := header + "." + payload
	sig := base64.RawURLEncoding.EncodeToString(signBearer(signed, secret))
	return signed + "." + sig
}
