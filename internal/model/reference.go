package model

import (
	"errors"
	"regexp"
	"strings"
)

var holderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrBadReference is returned when a payment reference cannot be decoded.
var ErrBadReference = errors.New("malformed payment reference")

// ValidHolderID reports whether id is acceptable as an opaque holder token.
// The alphabet excludes the reference separators.
func ValidHolderID(id string) bool {
	return holderIDPattern.MatchString(id)
}

// EncodeReference packs a holder and its ticket numbers into the external
// reference sent to the payment processor: "holder|001,002".
func EncodeReference(holderID string, numbers []string) string {
	return holderID + "|" + strings.Join(numbers, ",")
}

// DecodeReference is the inverse of EncodeReference.
func DecodeReference(ref string) (holderID string, numbers []string, err error) {
	holderID, list, ok := strings.Cut(ref, "|")
	if !ok || !ValidHolderID(holderID) || list == "" {
		return "", nil, ErrBadReference
	}
	for _, n := range strings.Split(list, ",") {
		if n == "" {
			return "", nil, ErrBadReference
		}
		numbers = append(numbers, n)
	}
	return holderID, numbers, nil
}
