package translation

import (
	"regexp"
	"strings"

	"github.com/hallveticapro/live-translation/pkg/types"
)

var (
	bracketSpan = regexp.MustCompile(`\[[^\[\]]*\]`)
	parenSpan   = regexp.MustCompile(`\([^()]*\)`)
)

// Clean reduces a raw provider answer to the caption text: the first line
// only, with every [...] span and then every (...) span removed, trimmed.
// Nested spans are removed innermost first. Interior spacing left behind by a
// removed span is kept as is. An empty result becomes the sentinel "-".
func Clean(raw string) string {
	s := raw
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = stripAll(bracketSpan, s)
	s = stripAll(parenSpan, s)
	s = strings.TrimSpace(s)
	if s == "" {
		return types.EmptySentinel
	}
	return s
}

func stripAll(re *regexp.Regexp, s string) string {
	for {
		next := re.ReplaceAllString(s, "")
		if next == s {
			return s
		}
		s = next
	}
}
