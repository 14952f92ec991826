// Package normalize turns spoken or typed phone numbers and postcodes into a
// validated canonical form plus a rendering suitable for text-to-speech.
//
// Everything here is a pure function over a Ruleset. Invalid input never
// panics or errors; results carry Valid=false and a best-effort echo so the
// caller can re-prompt.
package normalize

import (
	"regexp"
	"strings"
)

// Ruleset describes one country's phone numbering and postcode scheme.
type Ruleset struct {
	// Locale is the registry key, e.g. "AU".
	Locale string

	// CountryCode is dialled after "+" for international format, e.g. "61".
	CountryCode string
	// TrunkPrefix replaces the country code in national format, e.g. "0".
	TrunkPrefix string
	// InternationalPrefix is the outbound dialling prefix, e.g. "0011".
	InternationalPrefix string
	// NationalLength is the digit count of a national-format number.
	NationalLength int
	// ValidPhone matches a complete national-format number.
	ValidPhone *regexp.Regexp
	// MobilePhone matches the national-format mobile range.
	MobilePhone *regexp.Regexp
	// MobileGroups and LandlineGroups chunk the spoken rendering.
	MobileGroups   []int
	LandlineGroups []int
	// MinPhoneDigits and MaxPhoneDigits bound what extraction treats as a
	// plausible candidate before validation.
	MinPhoneDigits int
	MaxPhoneDigits int

	// PostcodeLength is the fixed postcode width.
	PostcodeLength int
	// PostcodeMin and PostcodeMax bound the numeric postcode range, inclusive.
	PostcodeMin int
	PostcodeMax int
}

// Australia is the reference ruleset: 10-digit national numbers with mobiles
// on 04, landlines on 02/03/07/08, and 4-digit postcodes.
var Australia = &Ruleset{
	Locale:              "AU",
	CountryCode:         "61",
	TrunkPrefix:         "0",
	InternationalPrefix: "0011",
	NationalLength:      10,
	ValidPhone:          regexp.MustCompile(`^0[23478]\d{8}$`),
	MobilePhone:         regexp.MustCompile(`^04`),
	MobileGroups:        []int{4, 3, 3},
	LandlineGroups:      []int{2, 4, 4},
	MinPhoneDigits:      8,
	MaxPhoneDigits:      13,
	PostcodeLength:      4,
	PostcodeMin:         1000,
	PostcodeMax:         9999,
}

// UnitedStates uses NANP numbering and 5-digit ZIP codes. NANP does not
// distinguish mobiles by prefix, so IsMobile is always false.
var UnitedStates = &Ruleset{
	Locale:              "US",
	CountryCode:         "1",
	TrunkPrefix:         "",
	InternationalPrefix: "011",
	NationalLength:      10,
	ValidPhone:          regexp.MustCompile(`^[2-9]\d{2}[2-9]\d{6}$`),
	MobilePhone:         nil,
	MobileGroups:        []int{3, 3, 4},
	LandlineGroups:      []int{3, 3, 4},
	MinPhoneDigits:      10,
	MaxPhoneDigits:      14,
	PostcodeLength:      5,
	PostcodeMin:         501,
	PostcodeMax:         99950,
}

var registry = map[string]*Ruleset{
	"AU": Australia,
	"US": UnitedStates,
}

// Lookup returns the ruleset registered for locale, case-insensitively.
func Lookup(locale string) (*Ruleset, bool) {
	r, ok := registry[strings.ToUpper(strings.TrimSpace(locale))]
	return r, ok
}

// ForLocale returns the ruleset for locale, or Australia when unknown.
func ForLocale(locale string) *Ruleset {
	if r, ok := Lookup(locale); ok {
		return r
	}
	return Australia
}

// =============================================================================
// Package-level helpers over the Australian ruleset
// =============================================================================

// ExtractPhone scans text with the Australian ruleset.
func ExtractPhone(text string) (string, bool) { return Australia.ExtractPhone(text) }

// NormalizePhone normalizes raw with the Australian ruleset.
func NormalizePhone(raw string) PhoneResult { return Australia.NormalizePhone(raw) }

// ExtractPostcode scans text with the Australian ruleset.
func ExtractPostcode(text string) (string, bool) { return Australia.ExtractPostcode(text) }

// NormalizePostcode normalizes raw with the Australian ruleset.
func NormalizePostcode(raw string) PostcodeResult { return Australia.NormalizePostcode(raw) }
