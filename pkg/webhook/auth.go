package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	secretHeader    = "X-Webhook-Secret"
	signatureHeader = "X-Webhook-Signature"
)

// Authenticator validates a webhook delivery against a configured shared
// secret using either accepted scheme from §4.5: a raw shared-secret
// header, or an HMAC-SHA256 signature over the body. An empty secret
// disables authentication entirely; the caller is responsible for logging
// a startup warning in that case.
type Authenticator struct {
	secret string
}

// NewAuthenticator builds an Authenticator for secret. An empty secret
// means every request is admitted.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// Enabled reports whether a secret is configured.
func (a *Authenticator) Enabled() bool {
	return a.secret != ""
}

// Verify checks the request against whichever scheme is present. body is
// the already-read request body, needed for the HMAC scheme.
func (a *Authenticator) Verify(r *http.Request, body []byte) bool {
	if !a.Enabled() {
		return true
	}

	if got := r.Header.Get(secretHeader); got != "" {
		return constantTimeEqual(got, a.secret)
	}

	if sig := r.Header.Get(signatureHeader); sig != "" {
		return a.verifySignature(sig, body)
	}

	return false
}

func (a *Authenticator) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	hexDigest, ok := strings.CutPrefix(header, prefix)
	if !ok {
		return false
	}

	given, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(given, expected)
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// still compare something of equal length to avoid leaking
		// length via a fast stdlib path, then fail.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
