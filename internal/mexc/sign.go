package mexc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
)

// sign attaches the contract API authentication headers. The signature is
// HMAC-SHA256 over accessKey + requestTime + paramString, where paramString
// is the sorted query string for GET and the JSON body for POST.
func (c *Client) sign(req *http.Request, creds Credentials, paramString string) {
	requestTime := strconv.FormatInt(c.now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(creds.APIKey + requestTime + paramString))
	req.Header.Set("ApiKey", creds.APIKey)
	req.Header.Set("Request-Time", requestTime)
	req.Header.Set("Signature", hex.EncodeToString(mac.Sum(nil)))
}
