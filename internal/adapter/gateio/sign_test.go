package gateio

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"testing"
)

func gateSignature(secret, method, path, query, body, ts string) string {
	bodyHash := sha512.Sum512([]byte(body))
	payload := fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		method, path, query, hex.EncodeToString(bodyHash[:]), ts)
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSignerSignatureVector(t *testing.T) {
	t.Parallel()
	s := &signer{apiKey: "k", secretKey: "sec"}
	body := `{"currency_pair":"BTC_USDT","amount":"1"}`
	h, err := s.Headers("POST", "/api/v4/spot/orders", "account=spot", body)
	if err != nil {
		t.Fatal(err)
	}
	want := gateSignature("sec", "POST", "/api/v4/spot/orders", "account=spot", body, h["Timestamp"])
	if h["SIGN"] != want {
		t.Errorf("SIGN = %s\nwant   %s", h["SIGN"], want)
	}
}

func TestSignerHashesEmptyBody(t *testing.T) {
	t.Parallel()
	s := &signer{apiKey: "k", secretKey: "sec"}
	h, err := s.Headers("GET", "/api/v4/spot/accounts", "", "")
	if err != nil {
		t.Fatal(err)
	}
	// an empty body still contributes SHA512("") to the payload
	want := gateSignature("sec", "GET", "/api/v4/spot/accounts", "", "", h["Timestamp"])
	if h["SIGN"] != want {
		t.Errorf("SIGN = %s\nwant   %s", h["SIGN"], want)
	}
}

func TestWSSignKnownVector(t *testing.T) {
	t.Parallel()
	const want = "0dc17b76097b2726573e30bde2a792ce238bbd452f414d949a5f71d5bf1dd50e" +
		"8e8166a762af6614f0228360882c6e35df2ac39ed0eba1be8b02d9ca1ec9c6c9"
	if got := wsSign("secret", "spot.orders", "subscribe", 1700000000); got != want {
		t.Errorf("wsSign = %s\nwant    %s", got, want)
	}
}
