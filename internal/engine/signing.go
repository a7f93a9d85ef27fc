package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Compute agent request headers.
const (
	HeaderAgentToken     = "X-Agent-Token"
	HeaderAgentTimestamp = "X-Agent-Timestamp"
	HeaderAgentSignature = "X-Agent-Signature"
)

// signAgentRequest sets the token, timestamp and signature headers. The
// signature is hex HMAC-SHA256 keyed by the token over
// method, path, unix timestamp and the hex SHA-256 of the body, joined by
// newlines.
func signAgentRequest(req *http.Request, token string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.UTC().Unix(), 10)
	req.Header.Set(HeaderAgentToken, token)
	req.Header.Set(HeaderAgentTimestamp, ts)
	req.Header.Set(HeaderAgentSignature, agentSignature(req.Method, req.URL.Path, ts, body, token))
}

func agentSignature(method, path, ts string, body []byte, token string) string {
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(token))
	_, _ = mac.Write([]byte(method + "\n" + path + "\n" + ts + "\n" + hex.EncodeToString(digest[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

// MaxAgentClockSkew bounds how far a request timestamp may be from the
// agent's clock.
const MaxAgentClockSkew = 5 * time.Minute

// VerifyAgentRequest checks the headers set by signAgentRequest.
func VerifyAgentRequest(r *http.Request, body []byte, token string, now time.Time) error {
	if !hmac.Equal([]byte(r.Header.Get(HeaderAgentToken)), []byte(token)) {
		return errors.New("unknown agent token")
	}
	ts := r.Header.Get(HeaderAgentTimestamp)
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if skew := now.Sub(time.Unix(sec, 0)); skew > MaxAgentClockSkew || skew < -MaxAgentClockSkew {
		return fmt.Errorf("timestamp outside allowed skew (%s)", skew.Round(time.Second))
	}
	want := agentSignature(r.Method, r.URL.Path, ts, body, token)
	if !hmac.Equal([]byte(r.Header.Get(HeaderAgentSignature)), []byte(want)) {
		return errors.New("signature mismatch")
	}
	return nil
}
