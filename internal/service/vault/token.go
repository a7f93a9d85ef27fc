package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"duck-adhoc/internal/domain"
)

var tokenEncoding = base64.RawURLEncoding

// Signer issues and verifies download tokens.
//
// Wire format:
//
//	payload   = queryId ":" format ":" expiresAtEpochSeconds
//	signature = base64url_nopad(HMAC-SHA256(secret, payload))
//	token     = base64url_nopad(payload ":" signature)
//
// Tokens carry no nonce. A token may be presented any number of times until
// it expires.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer keyed by secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Generate returns the token for (queryID, format, expiresAt). Sub-second
// precision of expiresAt is dropped.
func (s *Signer) Generate(queryID string, format domain.ResultFormat, expiresAt time.Time) string {
	payload := queryID + ":" + string(format) + ":" + strconv.FormatInt(expiresAt.Unix(), 10)
	return tokenEncoding.EncodeToString([]byte(payload + ":" + s.sign(payload)))
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return tokenEncoding.EncodeToString(mac.Sum(nil))
}

// TokenClaims are the fields recovered from a token without verifying it.
type TokenClaims struct {
	QueryID   string    `json:"query_id"`
	Format    string    `json:"format"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`

	payload string
}

// Decode splits a token into its claims. It does not check the signature.
func Decode(token string) (*TokenClaims, error) {
	raw, err := tokenEncoding.Strict().DecodeString(token)
	if err != nil {
		return nil, &domain.InvalidDownloadTokenError{Reason: "decode: " + err.Error()}
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return nil, &domain.InvalidDownloadTokenError{Reason: "expected 4 parts, got " + strconv.Itoa(len(parts))}
	}
	exp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, &domain.InvalidDownloadTokenError{Reason: "expiry: " + err.Error()}
	}
	return &TokenClaims{
		QueryID:   parts[0],
		Format:    parts[1],
		ExpiresAt: time.Unix(exp, 0).UTC(),
		Signature: parts[3],
		payload:   strings.Join(parts[:3], ":"),
	}, nil
}

// Validate checks token against the requested queryID and format at now.
// Every failure is an InvalidDownloadTokenError.
func (s *Signer) Validate(token, queryID, format string, now time.Time) error {
	claims, err := Decode(token)
	if err != nil {
		return err
	}
	if claims.QueryID != queryID || claims.Format != format {
		return &domain.InvalidDownloadTokenError{Reason: "token issued for a different result"}
	}
	if now.After(claims.ExpiresAt) {
		return &domain.InvalidDownloadTokenError{Reason: "expired"}
	}
	if !hmac.Equal([]byte(claims.Signature), []byte(s.sign(claims.payload))) {
		return &domain.InvalidDownloadTokenError{Reason: "signature mismatch"}
	}
	return nil
}
