package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Signer produces Bybit v5 request signatures. The signature is HMAC-SHA256
// over timestamp || apiKey || recvWindow || payload, where payload is the
// key-sorted query string for GET and the compact JSON body otherwise.
type Signer struct {
	apiKey     string
	apiSecret  string
	recvWindow int // milliseconds
}

// NewSigner creates a signer for the given credentials.
func NewSigner(apiKey, apiSecret string, recvWindowMS int) *Signer {
	if recvWindowMS <= 0 {
		recvWindowMS = 5000
	}
	return &Signer{apiKey: apiKey, apiSecret: apiSecret, recvWindow: recvWindowMS}
}

// SignRequest signs req in place, setting the X-BAPI-* headers.
func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	timestamp := time.Now().UnixMilli()

	var payload string
	if req.Method == http.MethodGet {
		payload = sortedQuery(req.URL.Query())
	} else {
		payload = string(body)
	}

	signature := s.sign(fmt.Sprintf("%d%s%d%s", timestamp, s.apiKey, s.recvWindow, payload))

	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", fmt.Sprintf("%d", timestamp))
	req.Header.Set("X-BAPI-RECV-WINDOW", fmt.Sprintf("%d", s.recvWindow))
	return nil
}

// WSAuthArgs returns the args array for the private websocket auth op:
// [apiKey, timestampMS, recvWindowMS, signature].
func (s *Signer) WSAuthArgs() []interface{} {
	timestamp := time.Now().UnixMilli()
	signature := s.sign(fmt.Sprintf("%d%s%d", timestamp, s.apiKey, s.recvWindow))
	return []interface{}{s.apiKey, timestamp, s.recvWindow, signature}
}

func (s *Signer) sign(message string) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// sortedQuery renders query params as k=v&... in key order without URL
// escaping, matching what the exchange signs against.
func sortedQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range values[k] {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}
