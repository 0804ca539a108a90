package gateio

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"crossarb/internal/errs"
)

// signer implements Gate v4 request signing: HMAC-SHA512 over
// "method\npath\nquery\nSHA512(body)\ntimestamp", sent as KEY /
// Timestamp / SIGN headers. Timestamps are in whole seconds and taken
// fresh per request.
type signer struct {
	apiKey    string
	secretKey string
}

func (s *signer) Headers(method, path, query, body string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	bodyHash := sha512.Sum512([]byte(body))
	payload := fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		method, path, query, hex.EncodeToString(bodyHash[:]), ts)

	mac := hmac.New(sha512.New, []byte(s.secretKey))
	mac.Write([]byte(payload))

	return map[string]string{
		"KEY":       s.apiKey,
		"Timestamp": ts,
		"SIGN":      hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

// wsSign produces the in-band login signature for a private channel
// subscribe: HMAC-SHA512 over "channel=<c>&event=<e>&time=<t>".
func wsSign(secret, channel, event string, t int64) string {
	mac := hmac.New(sha512.New, []byte(secret))
	fmt.Fprintf(mac, "channel=%s&event=%s&time=%d", channel, event, t)
	return hex.EncodeToString(mac.Sum(nil))
}

// apiErrorBody is Gate's structured error: {"label": "...", "message": "..."}.
type apiErrorBody struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

func decodeError(status int, body []byte) error {
	var wire apiErrorBody
	if err := json.Unmarshal(body, &wire); err != nil || wire.Label == "" {
		return nil
	}
	switch wire.Label {
	case "ORDER_NOT_FOUND", "AUTO_BORROW_TOO_MUCH", "ORDER_CLOSED", "ORDER_CANCELLED":
		return &errs.OrderNotFoundError{OrderID: wire.Message}
	case "BALANCE_NOT_ENOUGH", "MARGIN_BALANCE_NOT_ENOUGH", "FUTURES_BALANCE_NOT_ENOUGH":
		return &errs.InsufficientBalanceError{Asset: wire.Message}
	case "INVALID_KEY", "INVALID_SIGNATURE", "FORBIDDEN", "MISSING_REQUIRED_HEADER", "REQUEST_EXPIRED":
		return &errs.AuthenticationError{Message: wire.Label + ": " + wire.Message}
	}
	if status >= 500 {
		return &errs.ServerError{Status: status, Message: wire.Label + ": " + wire.Message}
	}
	return &errs.APIError{Exchange: "gateio", Code: wire.Label, Message: wire.Message}
}
