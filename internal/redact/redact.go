package redact

import (
	"fmt"
	"sort"
	"strings"
)

// Text replaces every sensitive value in s with a numbered token such as
// [EMAIL_1]. Repeated values share a token. Text without matches is
// returned unchanged.
func Text(s string) string {
	matches := Scan(s)
	if len(matches) == 0 {
		return s
	}

	counters := make(map[PatternType]int)
	tokens := make(map[string]string, len(matches))
	for _, m := range matches {
		counters[m.Type]++
		tokens[m.Value] = fmt.Sprintf("[%s_%d]", m.Type, counters[m.Type])
	}

	// Replace longest values first to avoid partial substitution.
	values := make([]string, 0, len(tokens))
	for v := range tokens {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if len(values[i]) != len(values[j]) {
			return len(values[i]) > len(values[j])
		}
		return values[i] < values[j]
	})

	for _, v := range values {
		s = strings.ReplaceAll(s, v, tokens[v])
	}
	return s
}
