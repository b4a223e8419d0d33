package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenFormat  = errors.New("invalid token format")
	ErrTokenSig     = errors.New("invalid token signature")
	ErrTokenExp     = errors.New("token expired")
	ErrTokenSubject = errors.New("token subject mismatch")
)

// GenerateWorkerToken builds a token binding subject to an expiry.
// Format: base64url(subject + "." + exp_unix + "." + hex(hmac_sha256(secret, subject+"."+exp)))
func GenerateWorkerToken(secret, subject string, expUnix int64) string {
	msg := subject + "." + strconv.FormatInt(expUnix, 10)
	raw := msg + "." + hex.EncodeToString(sign(secret, msg))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// IssueWorkerToken is GenerateWorkerToken with an expiry relative to now.
func IssueWorkerToken(secret, subject string, ttl time.Duration, now time.Time) string {
	return GenerateWorkerToken(secret, subject, now.Add(ttl).Unix())
}

// ValidateWorkerToken checks signature, subject and expiry (with skew
// tolerance) and returns the embedded subject and expiry.
func ValidateWorkerToken(secret, token, expectSubject string, now time.Time, skew time.Duration) (string, int64, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", 0, ErrTokenFormat
	}
	// subjects may contain dots; signature and expiry are the last two parts
	i := strings.LastIndexByte(string(b), '.')
	if i < 0 {
		return "", 0, ErrTokenFormat
	}
	msg, sigHex := string(b[:i]), string(b[i+1:])
	j := strings.LastIndexByte(msg, '.')
	if j < 0 {
		return "", 0, ErrTokenFormat
	}
	sub, expStr := msg[:j], msg[j+1:]
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", 0, ErrTokenFormat
	}
	if expectSubject != "" && sub != expectSubject {
		return "", 0, ErrTokenSubject
	}
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", 0, ErrTokenFormat
	}
	if !hmac.Equal(sign(secret, msg), got) {
		return "", 0, ErrTokenSig
	}
	if now.Unix() > exp+int64(skew/time.Second) {
		return "", 0, ErrTokenExp
	}
	return sub, exp, nil
}

func sign(secret, msg string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
