package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// SignatureHeader is the HTTP header carrying the payload signature.
const SignatureHeader = "x-invorto-signature"

// EventHeader is the HTTP header carrying the mirrored event kind.
const EventHeader = "x-invorto-event"

// Sign computes the signature header value for body at the given unix
// timestamp: "t=<unix>,v1=<hex hmac-sha256 of "<unix>.<body>">".
func Sign(secret string, signedAtUnix int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", signedAtUnix)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", signedAtUnix, hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a signature header value against body. It parses the
// timestamp out of the header, recomputes the signature, and compares in
// constant time. Receivers should additionally reject timestamps outside
// their tolerance window.
func Verify(secret, header string, body []byte) bool {
	var (
		ts  int64
		v1  string
		ok1 bool
		ok2 bool
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return false
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return false
			}
			ts, ok1 = parsed, true
		case "v1":
			v1, ok2 = value, true
		}
	}
	if !ok1 || !ok2 {
		return false
	}
	expected := Sign(secret, ts, body)
	_, expectedV1, _ := strings.Cut(expected, "v1=")
	return hmac.Equal([]byte(expectedV1), []byte(v1))
}
