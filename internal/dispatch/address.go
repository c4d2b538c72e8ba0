package dispatch

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var errInvalidAddress = errors.New("invalid address")

// NormalizeAddress turns a user supplied number into E.164 digits without the
// leading '+'. Numbers without a country code are read in region.
func NormalizeAddress(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errInvalidAddress
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", errInvalidAddress
	}
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), nil
}
