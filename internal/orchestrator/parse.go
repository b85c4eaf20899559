package orchestrator

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// fillers are dropped from the front of a direct-mode order.
var fillers = map[string]bool{
	"i": true, "want": true, "would": true, "like": true, "please": true,
	"can": true, "get": true, "have": true, "give": true, "me": true, "add": true,
	"i'd": true, "i'll": true, "take": true,
}

// ParseDirect splits a direct-mode utterance into a quantity and an item
// description. "2 kopi o" and "two kopi o" both yield (2, "kopi o"). The
// quantity defaults to 1.
func ParseDirect(text string) (int, string) {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	for len(words) > 0 && fillers[strings.Trim(words[0], ",.!?")] {
		words = words[1:]
	}

	quantity := 1
	if len(words) > 0 {
		first := strings.Trim(words[0], ",.!?")
		first = strings.TrimSuffix(first, "x")
		if n, err := strconv.Atoi(first); err == nil && n > 0 {
			quantity = n
			words = words[1:]
		} else if n, ok := numberWords[first]; ok {
			quantity = n
			words = words[1:]
		}
	}

	description := strings.TrimSpace(strings.Trim(strings.Join(words, " "), ",.!?"))
	description = strings.TrimSuffix(description, " please")
	return quantity, description
}

// wordPattern matches phrase case-insensitively on word boundaries, with
// any run of whitespace between its words.
func wordPattern(phrase string) *regexp.Regexp {
	words := strings.Fields(phrase)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`)
}

type methodMatcher struct {
	method   string
	patterns []*regexp.Regexp
}

func newMethodMatchers(methods map[string][]string) []methodMatcher {
	names := make([]string, 0, len(methods))
	for m := range methods {
		names = append(names, m)
	}
	sort.Strings(names)

	out := make([]methodMatcher, 0, len(names))
	for _, m := range names {
		mm := methodMatcher{method: m, patterns: []*regexp.Regexp{wordPattern(m)}}
		for _, alias := range methods[m] {
			if strings.TrimSpace(alias) == "" {
				continue
			}
			mm.patterns = append(mm.patterns, wordPattern(alias))
		}
		out = append(out, mm)
	}
	return out
}

// resolveMethod returns the accepted method mentioned earliest in text, or
// "" when none is mentioned.
func (o *Orchestrator) resolveMethod(text string) string {
	best, at := "", -1
	for _, mm := range o.methods {
		for _, re := range mm.patterns {
			loc := re.FindStringIndex(text)
			if loc == nil {
				continue
			}
			if at == -1 || loc[0] < at {
				best, at = mm.method, loc[0]
			}
		}
	}
	return best
}
