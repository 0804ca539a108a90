package mexc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func mexcSignature(apiKey, secret, ts, params string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(apiKey + ts + params))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSignerSignatureCoversQuery(t *testing.T) {
	t.Parallel()
	s := &signer{apiKey: "key", secretKey: "secret"}
	h, err := s.Headers("GET", "/api/v3/account", "symbol=BTCUSDT&timestamp=1", "")
	if err != nil {
		t.Fatal(err)
	}

	ts := h["Request-Time"]
	if want := mexcSignature("key", "secret", ts, "symbol=BTCUSDT&timestamp=1"); h["Signature"] != want {
		t.Errorf("signature = %s\nwant      %s", h["Signature"], want)
	}
	if h["Recv-Window"] != recvWindow {
		t.Errorf("Recv-Window = %q, want %q", h["Recv-Window"], recvWindow)
	}

	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		t.Fatalf("Request-Time %q not numeric: %v", ts, err)
	}
	if drift := time.Since(time.UnixMilli(ms)); drift < -time.Minute || drift > time.Minute {
		t.Errorf("timestamp drift %v, want a fresh clock reading", drift)
	}
}

func TestSignerSignatureCoversBodyWithoutQuery(t *testing.T) {
	t.Parallel()
	s := &signer{apiKey: "key", secretKey: "secret"}
	body := `{"symbol":"BTCUSDT","side":"BUY"}`
	h, err := s.Headers("POST", "/api/v3/order", "", body)
	if err != nil {
		t.Fatal(err)
	}
	if want := mexcSignature("key", "secret", h["Request-Time"], body); h["Signature"] != want {
		t.Errorf("signature = %s\nwant      %s", h["Signature"], want)
	}
}

func TestSignerQueryWinsOverBody(t *testing.T) {
	t.Parallel()
	s := &signer{apiKey: "key", secretKey: "secret"}
	h, err := s.Headers("DELETE", "/api/v3/order", "orderId=9", `{"ignored":true}`)
	if err != nil {
		t.Fatal(err)
	}
	if want := mexcSignature("key", "secret", h["Request-Time"], "orderId=9"); h["Signature"] != want {
		t.Errorf("signature covered the body, want the query string only")
	}
}
