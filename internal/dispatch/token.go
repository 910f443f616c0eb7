package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// CallbackToken derives the shared-secret token embedded in a job's callback
// URL. The callback handler recomputes it from the job id alone, so a
// callback can be authenticated and correlated without a database lookup.
func CallbackToken(secret, jobID string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(jobID))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyCallbackToken checks a presented token in constant time.
func VerifyCallbackToken(secret, jobID, token string) bool {
	expected := CallbackToken(secret, jobID)
	return hmac.Equal([]byte(expected), []byte(token))
}
