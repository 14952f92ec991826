package conversation

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/jeeves-cluster-organization/callflow/coreengine/agentconfig"
	"github.com/jeeves-cluster-organization/callflow/coreengine/normalize"
)

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	numberPattern = regexp.MustCompile(`\d+`)
	datePattern   = regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)
)

var (
	affirmative = map[string]bool{
		"yes": true, "yeah": true, "yep": true, "yup": true, "sure": true,
		"correct": true, "right": true, "ok": true, "okay": true, "true": true,
		"absolutely": true, "definitely": true,
	}
	negative = map[string]bool{
		"no": true, "nope": true, "nah": true, "not": true, "never": true,
		"false": true, "don't": true, "dont": true,
	}
)

// postcodeNameMarkers identify text fields that hold a postcode.
var postcodeNameMarkers = []string{"postcode", "postalcode", "zipcode"}

// maxBoolLookahead is how many words after a hint are searched for a yes/no.
const maxBoolLookahead = 3

// Extraction is a value recovered from an utterance for one field.
type Extraction struct {
	Value  any
	Raw    string
	Spoken string
}

// Extractor pulls typed field values out of utterances. Safe for concurrent
// use.
type Extractor struct {
	ruleset *normalize.Ruleset
	hints   sync.Map // hint phrase -> *regexp.Regexp
}

// NewExtractor creates an extractor using ruleset for phone and postcode
// fields. A nil ruleset uses normalize.Australia.
func NewExtractor(ruleset *normalize.Ruleset) *Extractor {
	if ruleset == nil {
		ruleset = normalize.Australia
	}
	return &Extractor{ruleset: ruleset}
}

// ExtractFields runs Extract for every field and returns the values found,
// keyed by field name.
func (x *Extractor) ExtractFields(fields []agentconfig.FieldSchema, utterance string) map[string]Extraction {
	out := make(map[string]Extraction)
	for _, f := range fields {
		if e, ok := x.Extract(f, utterance); ok {
			out[f.FieldName] = e
		}
	}
	return out
}

// Extract recovers a value for field from utterance. Nothing is returned
// unless the utterance contains something shaped like the field's type; a
// whole utterance is never echoed into a field.
func (x *Extractor) Extract(field agentconfig.FieldSchema, utterance string) (Extraction, bool) {
	if strings.TrimSpace(utterance) == "" {
		return Extraction{}, false
	}

	switch field.DataType {
	case agentconfig.DataTypeEmail:
		if m := emailPattern.FindString(utterance); m != "" {
			return Extraction{Value: m, Raw: m}, true
		}
	case agentconfig.DataTypePhone:
		return x.extractPhone(utterance)
	case agentconfig.DataTypeNumber:
		if m := numberPattern.FindString(utterance); m != "" {
			if n, err := strconv.Atoi(m); err == nil {
				return Extraction{Value: n, Raw: m}, true
			}
		}
	case agentconfig.DataTypeChoice:
		lower := strings.ToLower(utterance)
		for _, opt := range field.ChoiceOptions {
			if opt != "" && strings.Contains(lower, strings.ToLower(opt)) {
				return Extraction{Value: opt, Raw: opt}, true
			}
		}
	case agentconfig.DataTypeDate:
		if m := datePattern.FindString(utterance); m != "" {
			return Extraction{Value: m, Raw: m}, true
		}
		if tok, ok := x.tokenAfterHint(field.NLPExtractionHints, utterance); ok {
			return Extraction{Value: tok, Raw: tok}, true
		}
	case agentconfig.DataTypeBoolean:
		return x.extractBoolean(field.NLPExtractionHints, utterance)
	default:
		if isPostcodeField(field.FieldName) {
			return x.extractPostcode(utterance)
		}
		if tok, ok := x.tokenAfterHint(field.NLPExtractionHints, utterance); ok {
			return Extraction{Value: tok, Raw: tok}, true
		}
	}
	return Extraction{}, false
}

// extractPhone fills only when the number validates. The spoken form is the
// main value.
func (x *Extractor) extractPhone(utterance string) (Extraction, bool) {
	raw, ok := x.ruleset.ExtractPhone(utterance)
	if !ok {
		return Extraction{}, false
	}
	res := x.ruleset.NormalizePhone(raw)
	if !res.Valid {
		return Extraction{}, false
	}
	return Extraction{Value: res.Spoken, Raw: res.Raw, Spoken: res.Spoken}, true
}

func (x *Extractor) extractPostcode(utterance string) (Extraction, bool) {
	raw, ok := x.ruleset.ExtractPostcode(utterance)
	if !ok {
		return Extraction{}, false
	}
	res := x.ruleset.NormalizePostcode(raw)
	if !res.Valid {
		return Extraction{}, false
	}
	return Extraction{Value: res.Spoken, Raw: res.Raw, Spoken: res.Spoken}, true
}

func (x *Extractor) extractBoolean(hints []string, utterance string) (Extraction, bool) {
	for _, hint := range hints {
		if strings.TrimSpace(hint) == "" {
			continue
		}
		loc := x.hintPattern(hint).FindStringSubmatchIndex(utterance)
		if loc == nil || loc[2] < 0 {
			continue
		}
		words := strings.FieldsFunc(strings.ToLower(utterance[loc[2]:]), isWordSeparator)
		for i, w := range words {
			if i >= maxBoolLookahead {
				break
			}
			switch {
			case negative[w]:
				return Extraction{Value: false, Raw: w}, true
			case affirmative[w]:
				return Extraction{Value: true, Raw: w}, true
			}
		}
	}
	return Extraction{}, false
}

// tokenAfterHint returns the word immediately following the first hint found
// in utterance, keeping the caller's casing.
func (x *Extractor) tokenAfterHint(hints []string, utterance string) (string, bool) {
	for _, hint := range hints {
		if strings.TrimSpace(hint) == "" {
			continue
		}
		m := x.hintPattern(hint).FindStringSubmatch(utterance)
		if m != nil && m[1] != "" {
			return m[1], true
		}
	}
	return "", false
}

// hintPattern matches hint case-insensitively as whole words, followed by
// the next token in group 1.
func (x *Extractor) hintPattern(hint string) *regexp.Regexp {
	if v, ok := x.hints.Load(hint); ok {
		return v.(*regexp.Regexp)
	}
	words := strings.Fields(hint)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	re := regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])` + strings.Join(words, `\s+`) + `(?:[^\p{L}\p{N}']+([\p{L}\p{N}'-]+)|$)`)
	v, _ := x.hints.LoadOrStore(hint, re)
	return v.(*regexp.Regexp)
}

func isWordSeparator(r rune) bool {
	return !(r == '\'' || r == '-' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9'))
}

func isPostcodeField(name string) bool {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ':
			return -1
		}
		return r
	}, strings.ToLower(name))
	for _, marker := range postcodeNameMarkers {
		if strings.Contains(compact, marker) {
			return true
		}
	}
	return false
}
