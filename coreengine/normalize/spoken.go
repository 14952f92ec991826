package normalize

import (
	"regexp"
	"strings"
)

var digitWords = [10]string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}

// wordDigits maps spoken digit words, including the "oh" and "o" readings of
// zero, back to digits.
var wordDigits = map[string]byte{
	"zero": '0', "oh": '0', "o": '0', "nought": '0',
	"one": '1', "two": '2', "three": '3', "four": '4', "five": '5',
	"six": '6', "seven": '7', "eight": '8', "nine": '9',
}

var repeatWords = map[string]int{"double": 2, "triple": 3}

// digitTokenPattern splits text into whole alphanumeric words, optionally
// "+"-prefixed, and the punctuation marks that separate spoken groups.
var digitTokenPattern = regexp.MustCompile(`\+?[a-z0-9]+|[,.;:!?]`)

var digitGroupPattern = regexp.MustCompile(`^\+?[0-9]+$`)

var nonDigitPattern = regexp.MustCompile(`\D`)

// onlyDigits strips everything but 0-9.
func onlyDigits(s string) string {
	return nonDigitPattern.ReplaceAllString(s, "")
}

// SpeakDigits renders digits one word per digit, separated by spaces.
// Non-digit characters are dropped.
func SpeakDigits(digits string) string {
	words := make([]string, 0, len(digits))
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if c >= '0' && c <= '9' {
			words = append(words, digitWords[c-'0'])
		}
	}
	return strings.Join(words, " ")
}

// SpeakGrouped renders digits in spoken groups joined by ", ".
// Digits beyond the last group are spoken as a final group.
func SpeakGrouped(digits string, groups []int) string {
	parts := make([]string, 0, len(groups)+1)
	rest := digits
	for _, size := range groups {
		if len(rest) == 0 {
			break
		}
		if size > len(rest) {
			size = len(rest)
		}
		parts = append(parts, SpeakDigits(rest[:size]))
		rest = rest[size:]
	}
	if len(rest) > 0 {
		parts = append(parts, SpeakDigits(rest))
	}
	return strings.Join(parts, ", ")
}

// DigitsFromSpoken reverses SpeakDigits and SpeakGrouped.
func DigitsFromSpoken(spoken string) string {
	var runs []string
	scanDigitRuns(spoken, 0, func(run string) bool {
		runs = append(runs, run)
		return false
	})
	return strings.Join(runs, "")
}

// scanDigitRuns walks text and emits each maximal run of adjacent digit
// tokens. A token is a whole digit group ("0412", "+61") or a spoken digit
// word; "double" and "triple" repeat the following digit. Any other word
// ends the run, including words mixing letters and digits. Punctuation ends
// the run only once it holds at least splitAt digits, so "0412 345 678,
// 2000" yields two runs while "oh four one two, three four five" stays
// whole. A splitAt of zero never splits. The scan stops as soon as emit
// returns true.
func scanDigitRuns(text string, splitAt int, emit func(run string) bool) {
	var run strings.Builder
	digits := 0
	repeat := 1

	flush := func() bool {
		defer func() {
			run.Reset()
			digits = 0
		}()
		if run.Len() == 0 {
			return false
		}
		return emit(run.String())
	}
	write := func(s string) {
		run.WriteString(s)
		digits += len(strings.TrimPrefix(s, "+"))
	}

	for _, tok := range digitTokenPattern.FindAllString(strings.ToLower(text), -1) {
		switch {
		case digitGroupPattern.MatchString(tok):
			if tok[0] == '+' && run.Len() > 0 {
				if flush() {
					return
				}
			}
			write(tok)
			repeat = 1
		case isPunctuation(tok):
			repeat = 1
			if splitAt > 0 && digits >= splitAt {
				if flush() {
					return
				}
			}
		case repeatWords[tok] > 0:
			repeat = repeatWords[tok]
		case wordDigits[tok] != 0:
			write(strings.Repeat(string(wordDigits[tok]), repeat))
			repeat = 1
		default:
			repeat = 1
			if flush() {
				return
			}
		}
	}
	flush()
}

func isPunctuation(tok string) bool {
	return len(tok) == 1 && strings.ContainsRune(",.;:!?", rune(tok[0]))
}
