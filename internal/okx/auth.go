package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"okx-swap-agent/internal/config"
)

// Auth signs OKX v5 private requests with HMAC-SHA256.
// signature = base64(HMAC-SHA256(secret, timestamp + method + requestPath + body))
// where timestamp is ISO-8601 with millisecond precision.
type Auth struct {
	apiKey     string
	secret     string
	passphrase string
	demo       bool
}

// NewAuth creates an Auth from exchange config.
func NewAuth(cfg config.ExchangeConfig) *Auth {
	return &Auth{
		apiKey:     cfg.APIKey,
		secret:     cfg.Secret,
		passphrase: cfg.Passphrase,
		demo:       cfg.Demo,
	}
}

// HasCredentials returns whether API credentials are configured.
// Public market-data endpoints work without them.
func (a *Auth) HasCredentials() bool {
	return a.apiKey != "" && a.secret != "" && a.passphrase != ""
}

// Headers generates the signed headers for a private endpoint.
// requestPath must include the query string when present.
func (a *Auth) Headers(method, requestPath, body string) map[string]string {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	h := map[string]string{
		"OK-ACCESS-KEY":        a.apiKey,
		"OK-ACCESS-SIGN":       a.sign(timestamp, method, requestPath, body),
		"OK-ACCESS-TIMESTAMP":  timestamp,
		"OK-ACCESS-PASSPHRASE": a.passphrase,
	}
	if a.demo {
		h["x-simulated-trading"] = "1"
	}
	return h
}

// sign computes the HMAC-SHA256 signature over timestamp+method+path+body.
func (a *Auth) sign(timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
