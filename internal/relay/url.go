package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"

	"github.com/dgnsrekt/tabrelay/internal/types"
)

// TokenHeader carries the derived relay token on plain HTTP requests.
const TokenHeader = "x-openclaw-relay-token"

const tokenContext = "openclaw-extension-relay-v1:"

// DeriveToken binds the gateway token to one relay port so a token captured
// from one relay cannot be replayed against another.
func DeriveToken(gatewayToken string, port int) string {
	mac := hmac.New(sha256.New, []byte(gatewayToken))
	mac.Write([]byte(tokenContext + strconv.Itoa(port)))
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPBase is the relay's plain HTTP origin.
func HTTPBase(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port)
}

// WSURL builds the extension endpoint URL. A missing gateway token is a
// configuration error that no amount of retrying will fix.
func WSURL(port int, gatewayToken string) (string, error) {
	if gatewayToken == "" {
		return "", types.NewError(types.CodeConfigInvalid, "Missing gatewayToken in extension settings", nil)
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     "127.0.0.1:" + strconv.Itoa(port),
		Path:     "/extension",
		RawQuery: url.Values{"token": {DeriveToken(gatewayToken, port)}}.Encode(),
	}
	return u.String(), nil
}
