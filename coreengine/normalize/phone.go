package normalize

import "strings"

// PhoneResult is the outcome of NormalizePhone.
type PhoneResult struct {
	// Raw is the canonical national-format digits when valid, otherwise the
	// stripped input digits.
	Raw string `json:"raw_phone_number"`
	// Spoken is the grouped word rendering of Raw.
	Spoken   string `json:"spoken_phone_number"`
	Valid    bool   `json:"is_valid"`
	IsMobile bool   `json:"is_mobile"`
}

// ExtractPhone returns the first plausible phone number in text without
// validating it. Grouped digits ("0412 345 678"), international form
// ("+61 412 345 678") and spelled-out digits ("oh four one two, double
// three...") are all recognised.
func (r *Ruleset) ExtractPhone(text string) (string, bool) {
	var found string
	scanDigitRuns(text, r.NationalLength, func(run string) bool {
		n := len(onlyDigits(run))
		if n >= r.MinPhoneDigits && n <= r.MaxPhoneDigits {
			found = run
			return true
		}
		return false
	})
	return found, found != ""
}

// NormalizePhone converts raw into national format, validates it and renders
// the spoken form.
func (r *Ruleset) NormalizePhone(raw string) PhoneResult {
	digits := r.toNational(onlyDigits(raw))

	if r.ValidPhone == nil || !r.ValidPhone.MatchString(digits) {
		return PhoneResult{Raw: digits, Spoken: SpeakDigits(digits)}
	}

	mobile := r.MobilePhone != nil && r.MobilePhone.MatchString(digits)
	groups := r.LandlineGroups
	if mobile {
		groups = r.MobileGroups
	}

	return PhoneResult{
		Raw:      digits,
		Spoken:   SpeakGrouped(digits, groups),
		Valid:    true,
		IsMobile: mobile,
	}
}

// toNational rewrites international dialling forms to national format.
func (r *Ruleset) toNational(digits string) string {
	if r.InternationalPrefix != "" && strings.HasPrefix(digits, r.InternationalPrefix+r.CountryCode) {
		digits = digits[len(r.InternationalPrefix):]
	}

	// "+61 (0) 412 345 678" keeps the trunk prefix after the country code.
	if r.CountryCode != "" && r.TrunkPrefix != "" && strings.HasPrefix(digits, r.CountryCode+r.TrunkPrefix) &&
		len(digits) == len(r.CountryCode)+r.NationalLength {
		return digits[len(r.CountryCode):]
	}

	subscriber := r.NationalLength - len(r.TrunkPrefix)
	if r.CountryCode != "" && strings.HasPrefix(digits, r.CountryCode) && len(digits) == len(r.CountryCode)+subscriber {
		return r.TrunkPrefix + digits[len(r.CountryCode):]
	}
	// Callers often drop the trunk prefix when reading a number back.
	if r.TrunkPrefix != "" && len(digits) == subscriber && !strings.HasPrefix(digits, r.TrunkPrefix) {
		return r.TrunkPrefix + digits
	}
	return digits
}
