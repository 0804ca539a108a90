package mexc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"crossarb/internal/errs"
)

const recvWindow = "5000"

// signer implements HMAC-SHA256 request signing. The signature covers
// accessKey + timestamp + paramString, where paramString is the query
// string for GET/DELETE and the JSON body for POST. A fresh timestamp is
// taken on every call.
type signer struct {
	apiKey    string
	secretKey string
}

func (s *signer) Headers(method, path, query, body string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	params := query
	if params == "" {
		params = body
	}

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(s.apiKey + ts + params))
	sig := hex.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"ApiKey":       s.apiKey,
		"Request-Time": ts,
		"Signature":    sig,
		"Recv-Window":  recvWindow,
	}, nil
}

// apiErrorBody is the structured error envelope: {"code": 30004, "msg": "..."}.
type apiErrorBody struct {
	Code json.Number `json:"code"`
	Msg  string      `json:"msg"`
}

// Error codes the taxonomy cares about. Everything else maps by HTTP status.
const (
	codeOrderNotFound1      = "-2011"
	codeOrderNotFound2      = "-2013"
	codeUnknownOrder        = "30005"
	codeInsufficientBalance = "30004"
	codeBadCredentials      = "700002"
	codeSignatureInvalid    = "700007"
)

// decodeError maps MEXC error bodies to the typed taxonomy. Returns nil
// when the body carries no recognizable structure, letting the transport
// fall back to status-based mapping.
func decodeError(status int, body []byte) error {
	var wire apiErrorBody
	if err := json.Unmarshal(body, &wire); err != nil || wire.Msg == "" {
		return nil
	}
	code := wire.Code.String()
	switch code {
	case codeOrderNotFound1, codeOrderNotFound2, codeUnknownOrder:
		return &errs.OrderNotFoundError{OrderID: wire.Msg}
	case codeInsufficientBalance:
		return &errs.InsufficientBalanceError{Asset: wire.Msg}
	case codeBadCredentials, codeSignatureInvalid:
		return &errs.AuthenticationError{Message: wire.Msg}
	}
	if status >= 500 {
		return &errs.ServerError{Status: status, Message: fmt.Sprintf("%s: %s", code, wire.Msg)}
	}
	return &errs.APIError{Exchange: "mexc", Code: code, Message: wire.Msg}
}
