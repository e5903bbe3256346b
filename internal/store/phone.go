package store

import "strings"

// PhoneSuffixLen is the number of trailing digits used to match a phone number
// against contacts. It tolerates missing or differently formatted country codes.
const PhoneSuffixLen = 10

// NormalizeDigits strips everything but ASCII digits from a phone number.
func NormalizeDigits(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneKey returns the conversation key for a phone number: its last
// PhoneSuffixLen digits.
func PhoneKey(phone string) string {
	d := NormalizeDigits(phone)
	if len(d) > PhoneSuffixLen {
		return d[len(d)-PhoneSuffixLen:]
	}
	return d
}
