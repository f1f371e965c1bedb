package chat

import (
	"regexp"
	"sort"
	"strings"
)

const (
	entityOpen  = "<entity>"
	entityClose = "</entity>"
)

type span struct{ start, end int }

// TagEntities wraps every case-insensitive occurrence of each entity in
// markers. Longer entities win over entities they contain; spans never nest.
func TagEntities(query string, entities []string) string {
	cleaned := make([]string, 0, len(entities))
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		e = strings.TrimSpace(e)
		key := strings.ToLower(e)
		if e == "" || seen[key] {
			continue
		}
		seen[key] = true
		cleaned = append(cleaned, e)
	}
	sort.SliceStable(cleaned, func(i, j int) bool { return len(cleaned[i]) > len(cleaned[j]) })

	var spans []span
	for _, e := range cleaned {
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(e))
		for _, loc := range re.FindAllStringIndex(query, -1) {
			candidate := span{loc[0], loc[1]}
			if !overlaps(spans, candidate) {
				spans = append(spans, candidate)
			}
		}
	}
	if len(spans) == 0 {
		return query
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(query[last:sp.start])
		b.WriteString(entityOpen)
		b.WriteString(query[sp.start:sp.end])
		b.WriteString(entityClose)
		last = sp.end
	}
	b.WriteString(query[last:])
	return b.String()
}

func overlaps(spans []span, c span) bool {
	for _, sp := range spans {
		if c.start < sp.end && sp.start < c.end {
			return true
		}
	}
	return false
}
