package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignHMAC computes base64(HMAC-SHA256(secret, data)). Delivery webhooks use
// this for the x-signature header over the canonical JSON body.
func SignHMAC(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a base64 HMAC-SHA256 signature in constant time.
func VerifyHMAC(secret string, data []byte, signatureBase64 string) bool {
	want, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), want)
}
