package normalize

import "strconv"

// PostcodeResult is the outcome of NormalizePostcode.
type PostcodeResult struct {
	Raw    string `json:"raw_postcode"`
	Spoken string `json:"spoken_postcode"`
	Valid  bool   `json:"is_valid"`
}

// ExtractPostcode returns the first run of exactly PostcodeLength digits in
// text, written or spoken, without range-checking it.
func (r *Ruleset) ExtractPostcode(text string) (string, bool) {
	var found string
	scanDigitRuns(text, r.NationalLength, func(run string) bool {
		digits := onlyDigits(run)
		if len(digits) == r.PostcodeLength {
			found = digits
			return true
		}
		return false
	})
	return found, found != ""
}

// NormalizePostcode validates width and range and renders each digit as a
// word.
func (r *Ruleset) NormalizePostcode(raw string) PostcodeResult {
	digits := onlyDigits(raw)
	result := PostcodeResult{Raw: digits, Spoken: SpeakDigits(digits)}

	if len(digits) != r.PostcodeLength {
		return result
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return result
	}
	result.Valid = n >= r.PostcodeMin && n <= r.PostcodeMax
	return result
}
