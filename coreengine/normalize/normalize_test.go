package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// PHONE EXTRACTION
// =============================================================================

func TestExtractPhone(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected string
		found    bool
	}{
		{"plain digits", "my number is 0412345678 thanks", "0412345678", true},
		{"grouped digits", "it's 0412 345 678", "0412345678", true},
		{"hyphenated", "call 02-9876-5432 after five", "0298765432", true},
		{"international", "reach me on +61 412 345 678", "+61412345678", true},
		{"spelled out", "oh four one two three four five six seven eight", "0412345678", true},
		{"double and triple", "zero four double one triple two three four five", "0411222345", true},
		{"mixed words and digits", "0412 three four five 678", "0412345678", true},
		{"skips short runs", "I have 2 dogs and my number is 0412345678", "0412345678", true},
		{"number then postcode", "call 0412 345 678, 2000 is my postcode", "0412345678", true},
		{"trunk prefix in parentheses", "it's +61 (0) 412 345 678", "+610412345678", true},
		{"digits inside a word", "my email is jo0412345678@example.com", "", false},
		{"no number", "I'd like a quote please", "", false},
		{"too short", "flat 12 unit 4", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractPhone(tt.text)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

// =============================================================================
// PHONE NORMALIZATION
// =============================================================================

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want PhoneResult
	}{
		{
			name: "mobile",
			raw:  "0412 345 678",
			want: PhoneResult{
				Raw:      "0412345678",
				Spoken:   "zero four one two, three four five, six seven eight",
				Valid:    true,
				IsMobile: true,
			},
		},
		{
			name: "landline",
			raw:  "(02) 9876 5432",
			want: PhoneResult{
				Raw:    "0298765432",
				Spoken: "zero two, nine eight seven six, five four three two",
				Valid:  true,
			},
		},
		{
			name: "international prefix",
			raw:  "+61412345678",
			want: PhoneResult{
				Raw:      "0412345678",
				Spoken:   "zero four one two, three four five, six seven eight",
				Valid:    true,
				IsMobile: true,
			},
		},
		{
			name: "outbound dialling prefix",
			raw:  "0011 61 3 9123 4567",
			want: PhoneResult{
				Raw:    "0391234567",
				Spoken: "zero three, nine one two three, four five six seven",
				Valid:  true,
			},
		},
		{
			name: "trunk prefix after country code",
			raw:  "+61 (0) 412 345 678",
			want: PhoneResult{
				Raw:      "0412345678",
				Spoken:   "zero four one two, three four five, six seven eight",
				Valid:    true,
				IsMobile: true,
			},
		},
		{
			name: "missing trunk prefix",
			raw:  "412345678",
			want: PhoneResult{
				Raw:      "0412345678",
				Spoken:   "zero four one two, three four five, six seven eight",
				Valid:    true,
				IsMobile: true,
			},
		},
		{
			name: "invalid leading digits echoes raw",
			raw:  "0512345678",
			want: PhoneResult{Raw: "0512345678", Spoken: "zero five one two three four five six seven eight"},
		},
		{
			name: "too short",
			raw:  "12345",
			want: PhoneResult{Raw: "12345", Spoken: "one two three four five"},
		},
		{
			name: "garbage",
			raw:  "not a number",
			want: PhoneResult{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.raw))
		})
	}
}

func TestNormalizePhoneRoundTrip(t *testing.T) {
	canonical := []string{"0412345678", "0298765432", "0391234567", "0712341234", "0887654321", "0499999999"}

	for _, raw := range canonical {
		t.Run(raw, func(t *testing.T) {
			result := NormalizePhone(raw)
			require.True(t, result.Valid)
			assert.Equal(t, raw, result.Raw)
			assert.Equal(t, raw, DigitsFromSpoken(result.Spoken))
		})
	}
}

func TestExtractThenNormalizeSpokenNumber(t *testing.T) {
	raw, ok := ExtractPhone("sure, it's oh four double one, two two two, three four five")
	require.True(t, ok)

	result := NormalizePhone(raw)
	assert.True(t, result.Valid)
	assert.True(t, result.IsMobile)
	assert.Equal(t, "0411222345", result.Raw)
}

// =============================================================================
// POSTCODES
// =============================================================================

func TestExtractPostcode(t *testing.T) {
	tests := []struct {
		text     string
		expected string
		found    bool
	}{
		{"I'm in 2000", "2000", true},
		{"postcode three zero zero zero", "3000", true},
		{"it's 4 0 0 0", "4000", true},
		{"call 0412345678, postcode 6000", "6000", true},
		{"call 0412 345 678, 2000 is my postcode", "2000", true},
		{"oh four one two, three four five, six seven eight", "", false},
		{"email jo2000@example.com", "", false},
		{"no digits here", "", false},
		{"unit 12", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := ExtractPostcode(tt.text)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalizePostcode(t *testing.T) {
	tests := []struct {
		raw  string
		want PostcodeResult
	}{
		{"2000", PostcodeResult{Raw: "2000", Spoken: "two zero zero zero", Valid: true}},
		{"9999", PostcodeResult{Raw: "9999", Spoken: "nine nine nine nine", Valid: true}},
		{"0800", PostcodeResult{Raw: "0800", Spoken: "zero eight zero zero"}},
		{"123", PostcodeResult{Raw: "123", Spoken: "one two three"}},
		{"12345", PostcodeResult{Raw: "12345", Spoken: "one two three four five"}},
		{"", PostcodeResult{}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePostcode(tt.raw))
		})
	}
}

func TestNormalizePostcodeRoundTrip(t *testing.T) {
	for _, raw := range []string{"1000", "2000", "3141", "7250", "9999"} {
		result := NormalizePostcode(raw)
		require.True(t, result.Valid, raw)
		assert.Equal(t, raw, DigitsFromSpoken(result.Spoken))
	}
}

// =============================================================================
// RULESETS
// =============================================================================

func TestLookup(t *testing.T) {
	r, ok := Lookup("au")
	require.True(t, ok)
	assert.Same(t, Australia, r)

	_, ok = Lookup("ZZ")
	assert.False(t, ok)
	assert.Same(t, Australia, ForLocale("ZZ"))
	assert.Same(t, UnitedStates, ForLocale(" us "))
}

func TestUnitedStatesRuleset(t *testing.T) {
	raw, ok := UnitedStates.ExtractPhone("my cell is (415) 555-2671")
	require.True(t, ok)

	result := UnitedStates.NormalizePhone(raw)
	assert.True(t, result.Valid)
	assert.False(t, result.IsMobile)
	assert.Equal(t, "4155552671", result.Raw)
	assert.Equal(t, "four one five, five five five, two six seven one", result.Spoken)

	assert.Equal(t, "4155552671", UnitedStates.NormalizePhone("+1 415 555 2671").Raw)

	zip := UnitedStates.NormalizePostcode("90210")
	assert.True(t, zip.Valid)
	assert.False(t, UnitedStates.NormalizePostcode("00001").Valid)
}

func TestSpeakGroupedTrailingDigits(t *testing.T) {
	assert.Equal(t, "one two, three", SpeakGrouped("123", []int{2}))
	assert.Equal(t, "one", SpeakGrouped("1", []int{2, 2}))
	assert.Equal(t, "", SpeakGrouped("", []int{2}))
}
