// Package security implements C9, the Security & Rate-Limit Layer from
// SPEC_FULL.md §4.8: an input sanitizer, a per-identity token-bucket rate
// limiter with violation-penalty decay, and an audit log that writes through
// C6 with category Audit.
package security

import (
	"net"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
)

// invalid builds the InvalidInput error the sanitizer always returns on
// rejection — SPEC_FULL.md §4.8 is explicit that there is no sanitized
// output, only reject-or-pass.
func invalid(field, reason string) error {
	return loxerr.New(loxerr.KindInvalidInput, reason).WithField(field)
}

// ValidateLength rejects strings longer than max bytes.
func ValidateLength(field, value string, max int) error {
	if len(value) > max {
		return invalid(field, "exceeds maximum length")
	}
	return nil
}

// ValidateUTF8 rejects strings that are not valid UTF-8.
func ValidateUTF8(field, value string) error {
	if !utf8.ValidString(value) {
		return invalid(field, "not valid UTF-8")
	}
	return nil
}

// ValidateNoControlChars rejects strings containing any Unicode control
// character, including the raw bytes commonly used for terminal/log
// injection (NUL, ESC, CR, LF are all unicode.IsControl).
func ValidateNoControlChars(field, value string) error {
	for _, r := range value {
		if unicode.IsControl(r) {
			return invalid(field, "contains control characters")
		}
	}
	return nil
}

// Sanitize applies the baseline pass every tool/resource argument goes
// through before schema validation: length cap, UTF-8 validity, control
// character denylist. SPEC_FULL.md §4.7 step 1 calls this "C9 sanitizer
// first, schema second".
func Sanitize(field, value string, maxLen int) error {
	if err := ValidateLength(field, value, maxLen); err != nil {
		return err
	}
	if err := ValidateUTF8(field, value); err != nil {
		return err
	}
	return ValidateNoControlChars(field, value)
}

// ValidateUUID rejects values that are not a 36-character canonical UUID
// (8-4-4-4-12 hex groups separated by hyphens).
func ValidateUUID(field, value string) error {
	if !isUUID(value) {
		return invalid(field, "must be a canonical UUID")
	}
	return nil
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !isHexDigit(r) {
				return false
			}
		}
	}
	return true
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// ValidateHost rejects values that are neither a valid IP literal nor a
// syntactically valid DNS hostname.
func ValidateHost(field, value string) error {
	if value == "" {
		return invalid(field, "must not be empty")
	}
	if net.ParseIP(value) != nil {
		return nil
	}
	if isValidHostname(value) {
		return nil
	}
	return invalid(field, "not a valid host")
}

func isValidHostname(s string) bool {
	if len(s) > 253 {
		return false
	}
	labels := strings.Split(s, ".")
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		for i, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '-' && i != 0 && i != len(label)-1:
			default:
				return false
			}
		}
	}
	return true
}

// ValidateCIDR rejects values that do not parse as an IP or a CIDR block.
func ValidateCIDR(field, value string) error {
	if net.ParseIP(value) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(value); err != nil {
		return invalid(field, "not a valid IP or CIDR")
	}
	return nil
}

// ValidateRange rejects numeric values outside [min, max].
func ValidateRange(field string, value, min, max float64) error {
	if value < min || value > max {
		return invalid(field, "out of range")
	}
	return nil
}
