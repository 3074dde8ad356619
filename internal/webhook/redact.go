package webhook

import "regexp"

// Redaction tokens substituted for detected PII. Receivers can count
// occurrences but never recover the original value.
const (
	tokenEmail      = "[email-redacted]"
	tokenPhone      = "[phone-redacted]"
	tokenCard       = "[card-redacted]"
	tokenNationalID = "[national-id-redacted]"
)

// Detection patterns. Ordering matters: cards and national IDs are matched
// before phone numbers so a 16-digit card is not half-consumed as a phone
// number.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// 13 to 19 digits with optional space or dash separators, anchored on
	// non-digit boundaries.
	cardPattern = regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`)

	// US-style SSN: 3-2-4 with dashes.
	nationalIDPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

	// International and domestic phone shapes: optional +CC, separators,
	// 7 to 12 significant digits.
	phonePattern = regexp.MustCompile(`(?:\+?\d{1,3}[ \-.]?)?(?:\(\d{2,4}\)[ \-.]?)?\d{2,4}[ \-.]\d{2,4}(?:[ \-.]\d{2,4}){0,2}|\+\d{7,14}`)
)

// Redact replaces emails, card numbers, national IDs, and phone numbers in
// payload with fixed tokens. The payload is treated as opaque text, so PII
// inside transcripts and tool results is caught the same as PII in
// structured fields.
func Redact(payload []byte) []byte {
	out := emailPattern.ReplaceAll(payload, []byte(tokenEmail))
	out = nationalIDPattern.ReplaceAll(out, []byte(tokenNationalID))
	out = cardPattern.ReplaceAll(out, []byte(tokenCard))
	out = phonePattern.ReplaceAllFunc(out, func(m []byte) []byte {
		if countDigits(m) < 7 {
			// Too short for a dialable number; likely a timestamp or ID.
			return m
		}
		return []byte(tokenPhone)
	})
	return out
}

// RedactString is a convenience wrapper over [Redact].
func RedactString(s string) string {
	return string(Redact([]byte(s)))
}

func countDigits(b []byte) int {
	n := 0
	for _, c := range b {
		if c >= '0' && c <= '9' {
			n++
		}
	}
	return n
}
