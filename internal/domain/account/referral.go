package account

import (
	"errors"
	"strings"
)

// ReferralPrefix starts every referral code, e.g. "ref_12345".
const ReferralPrefix = "ref_"

const maxIDLength = 64

// ErrMalformedCode is returned by DecodeReferral for input that is not a
// referral code.
var ErrMalformedCode = errors.New("malformed referral code")

// EncodeReferral returns the referral code that points at id.
func EncodeReferral(id string) string {
	return ReferralPrefix + id
}

// DecodeReferral extracts the referrer id from code.
func DecodeReferral(code string) (string, error) {
	code = strings.TrimSpace(code)
	id, ok := strings.CutPrefix(code, ReferralPrefix)
	if !ok || !ValidID(id) {
		return "", ErrMalformedCode
	}
	return id, nil
}

// ValidID reports whether id can be used as an account id.
// Telegram deep-link payloads allow [A-Za-z0-9_-]; ids are kept to that set.
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
