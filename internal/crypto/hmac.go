// Package crypto provides request signing and API-secret management for
// the Binance futures API.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the credentials for HMAC-authenticated requests against
// the Binance futures API.
type HMACAuth struct {
	Key    string // API key, sent in the X-MBX-APIKEY header
	Secret string // API secret, the HMAC key
}

// Sign computes the Binance request signature: hex-encoded HMAC-SHA256 of
// the full query string (including timestamp and recvWindow parameters).
func (h *HMACAuth) Sign(query string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery appends timestamp, recvWindow, and signature parameters to
// the given query string and returns the result, ready to send.
func (h *HMACAuth) SignedQuery(query string, recvWindowMs int) string {
	return h.SignedQueryAt(query, recvWindowMs, time.Now().UnixMilli())
}

// SignedQueryAt is like SignedQuery but lets the caller supply the
// millisecond timestamp (useful for deterministic testing).
func (h *HMACAuth) SignedQueryAt(query string, recvWindowMs int, tsMillis int64) string {
	if query != "" {
		query += "&"
	}
	query += "timestamp=" + strconv.FormatInt(tsMillis, 10)
	if recvWindowMs > 0 {
		query += "&recvWindow=" + strconv.Itoa(recvWindowMs)
	}
	return query + "&signature=" + h.Sign(query)
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
