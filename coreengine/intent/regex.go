package intent

import (
	"regexp"
	"strings"
	"sync"
)

// compiledPattern is a cache entry. err is kept so an invalid pattern is
// compiled and logged only once.
type compiledPattern struct {
	re  *regexp.Regexp
	err error
}

// regexCache compiles intent patterns on first use.
type regexCache struct {
	entries sync.Map // pattern string -> *compiledPattern
}

// get returns the compiled form of pattern. The bool reports whether this
// call populated the cache.
func (c *regexCache) get(pattern string) (*compiledPattern, bool) {
	if v, ok := c.entries.Load(pattern); ok {
		return v.(*compiledPattern), false
	}
	re, err := CompilePattern(pattern)
	v, loaded := c.entries.LoadOrStore(pattern, &compiledPattern{re: re, err: err})
	return v.(*compiledPattern), !loaded
}

// CompilePattern compiles an intent pattern. A pattern wrapped as
// /body/flags uses the given flags (i, m and s map to Go's inline flags; g,
// u and y have no meaning for a single test and are ignored). A bare
// pattern, or one with no flags, is case-insensitive.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	body, flags := splitDelimited(pattern)
	if flags == "" {
		flags = "i"
	}

	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(inline.String(), f) {
				inline.WriteRune(f)
			}
		}
	}
	if inline.Len() > 0 {
		body = "(?" + inline.String() + ")" + body
	}
	return regexp.Compile(body)
}

// splitDelimited unwraps /body/flags. Anything else is returned unchanged
// with no flags.
func splitDelimited(pattern string) (body, flags string) {
	if len(pattern) < 2 || pattern[0] != '/' {
		return pattern, ""
	}
	end := strings.LastIndexByte(pattern, '/')
	if end <= 0 {
		return pattern, ""
	}
	flags = pattern[end+1:]
	for _, f := range flags {
		if !strings.ContainsRune("gimsuy", f) {
			return pattern, ""
		}
	}
	return pattern[1:end], flags
}
