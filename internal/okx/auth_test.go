package okx

import (
	"testing"

	"okx-swap-agent/internal/config"
)

func testAuth(demo bool) *Auth {
	return NewAuth(config.ExchangeConfig{
		APIKey:     "key",
		Secret:     "secret",
		Passphrase: "pass",
		Demo:       demo,
	})
}

func TestSignDeterministic(t *testing.T) {
	t.Parallel()
	a := testAuth(false)

	s1 := a.sign("2024-01-01T00:00:00.000Z", "GET", "/api/v5/account/balance?ccy=USDT", "")
	s2 := a.sign("2024-01-01T00:00:00.000Z", "GET", "/api/v5/account/balance?ccy=USDT", "")
	if s1 != s2 {
		t.Errorf("same input produced different signatures: %q vs %q", s1, s2)
	}

	// Any component change must change the signature.
	if s1 == a.sign("2024-01-01T00:00:00.001Z", "GET", "/api/v5/account/balance?ccy=USDT", "") {
		t.Error("timestamp change did not alter signature")
	}
	if s1 == a.sign("2024-01-01T00:00:00.000Z", "POST", "/api/v5/account/balance?ccy=USDT", "") {
		t.Error("method change did not alter signature")
	}
	if s1 == a.sign("2024-01-01T00:00:00.000Z", "GET", "/api/v5/account/balance", "") {
		t.Error("query removal did not alter signature")
	}
	if s1 == a.sign("2024-01-01T00:00:00.000Z", "GET", "/api/v5/account/balance?ccy=USDT", "{}") {
		t.Error("body change did not alter signature")
	}
}

func TestHeadersCarryCredentials(t *testing.T) {
	t.Parallel()
	h := testAuth(false).Headers("GET", "/api/v5/account/balance", "")

	if h["OK-ACCESS-KEY"] != "key" {
		t.Errorf("OK-ACCESS-KEY = %q", h["OK-ACCESS-KEY"])
	}
	if h["OK-ACCESS-PASSPHRASE"] != "pass" {
		t.Errorf("OK-ACCESS-PASSPHRASE = %q", h["OK-ACCESS-PASSPHRASE"])
	}
	if h["OK-ACCESS-SIGN"] == "" {
		t.Error("missing signature header")
	}
	if h["OK-ACCESS-TIMESTAMP"] == "" {
		t.Error("missing timestamp header")
	}
	if _, ok := h["x-simulated-trading"]; ok {
		t.Error("live auth must not send the demo header")
	}
}

func TestHeadersDemoFlag(t *testing.T) {
	t.Parallel()
	h := testAuth(true).Headers("GET", "/api/v5/public/time", "")
	if h["x-simulated-trading"] != "1" {
		t.Errorf("x-simulated-trading = %q, want 1", h["x-simulated-trading"])
	}
}

func TestHasCredentials(t *testing.T) {
	t.Parallel()
	if !testAuth(false).HasCredentials() {
		t.Error("complete credentials reported missing")
	}
	if NewAuth(config.ExchangeConfig{APIKey: "key"}).HasCredentials() {
		t.Error("partial credentials reported present")
	}
}
