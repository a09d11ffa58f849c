// Package cardnum validates and fingerprints primary account numbers.
package cardnum

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"
)

// Normalize strips spaces, tabs and dashes from a card number.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, s)
}

// Validate checks length, digits-only and the Luhn check digit. Accepts
// 13-19 digit numbers.
func Validate(pan string) error {
	if pan == "" {
		return fmt.Errorf("card number is required")
	}
	if !IsDigits(pan) {
		return fmt.Errorf("card number must contain digits only")
	}
	if l := len(pan); l < 13 || l > 19 {
		return fmt.Errorf("card number must be 13..19 digits (got %d)", l)
	}
	if pan[len(pan)-1] != luhnCheckDigit(pan[:len(pan)-1]) {
		return fmt.Errorf("invalid luhn check digit")
	}
	return nil
}

// IsDigits reports whether s consists only of ASCII digits.
func IsDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// LastN returns the trailing n characters of s, or all of s when shorter.
func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Fingerprint computes HMAC-SHA256 over a normalized PAN with a secret
// pepper. The result is safe to persist and index; callers must not log the
// input PAN.
func Fingerprint(pan string, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(pan))
	return h.Sum(nil)
}

func luhnCheckDigit(body string) byte {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	return '0' + byte((10-sum%10)%10)
}
