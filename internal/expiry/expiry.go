// Package expiry handles card expiration dates. Dates are stored as YYMM
// text and shown to callers as MM/YY; a card is good through the last instant
// of its expiry month.
package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidateYYMM checks that yymm is four digits with month 01..12.
func ValidateYYMM(yymm string) error {
	if len(yymm) != 4 {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	for i := 0; i < 4; i++ {
		if yymm[i] < '0' || yymm[i] > '9' {
			return fmt.Errorf("expiry must be digits: YYMM")
		}
	}
	mm := int(yymm[2]-'0')*10 + int(yymm[3]-'0')
	if mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}

// ParseCardFace accepts "MM/YY" or "MMYY" and returns YYMM.
func ParseCardFace(in string) (string, error) {
	s := strings.TrimSpace(in)
	s = strings.ReplaceAll(s, "/", "")
	if len(s) != 4 {
		return "", fmt.Errorf("expiration must be MM/YY or MMYY")
	}
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("expiration must be digits")
		}
	}
	mm, _ := strconv.Atoi(s[:2])
	if mm < 1 || mm > 12 {
		return "", fmt.Errorf("expiration month must be 01..12")
	}
	return s[2:] + s[:2], nil
}

// CardFace formats a stored YYMM as "MM/YY".
func CardFace(yymm string) (string, error) {
	if err := ValidateYYMM(yymm); err != nil {
		return "", err
	}
	return yymm[2:] + "/" + yymm[:2], nil
}

// YYMMOf returns the YYMM of t in loc (UTC when loc is nil).
func YYMMOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return fmt.Sprintf("%02d%02d", t.Year()%100, int(t.Month()))
}

// EndOfMonth parses YYMM into the last instant of that month in loc.
func EndOfMonth(yymm string, loc *time.Location) (time.Time, error) {
	if err := ValidateYYMM(yymm); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])
	firstNext := time.Date(2000+yy, time.Month(mm), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
	return firstNext.Add(-time.Nanosecond), nil
}

// IsExpired reports whether at is strictly after the end of the YYMM month.
func IsExpired(yymm string, at time.Time, loc *time.Location) (bool, error) {
	end, err := EndOfMonth(yymm, loc)
	if err != nil {
		return false, err
	}
	return at.In(end.Location()).After(end), nil
}
