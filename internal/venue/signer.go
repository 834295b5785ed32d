package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// Signer authenticates an outgoing request's parameters.
type Signer interface {
	Sign(params url.Values) url.Values
	APIKey() string
}

// HMACSigner signs the encoded query with HMAC-SHA256 and stamps it with the
// current time and an optional recvWindow.
type HMACSigner struct {
	apiKey     string
	secret     string
	recvWindow time.Duration
	now        func() time.Time
}

func NewHMACSigner(apiKey, secret string, recvWindow time.Duration) *HMACSigner {
	return &HMACSigner{apiKey: apiKey, secret: secret, recvWindow: recvWindow, now: time.Now}
}

func (s *HMACSigner) APIKey() string { return s.apiKey }

func (s *HMACSigner) Sign(params url.Values) url.Values {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	if s.recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))
	}
	params.Set("signature", signPayload(s.secret, params.Encode()))
	return params
}

func signPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
