package intent

import (
	"encoding/json"
	"strings"
)

// MatchCatalog extracts the names listed under key in an agent response and
// keeps those present in catalog, compared case-insensitively and returned
// in the catalog's spelling. Agent order is kept, duplicates dropped and the
// result truncated to limit. Code fences are ignored and the JSON object is
// taken from the first '{' to the last '}'. When no object can be parsed the
// raw response is scanned for catalog names instead, in catalog order.
func MatchCatalog(response, key string, catalog []string, limit int) []string {
	if span, ok := jsonSpan(stripFences(response)); ok {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(span), &obj); err == nil {
			var names []string
			if raw, ok := obj[key]; ok {
				// A non-array value yields no names.
				_ = json.Unmarshal(raw, &names)
			}
			return keepCatalog(names, catalog, limit)
		}
	}
	return scanCatalog(response, catalog, limit)
}

// stripFences removes markdown code fence lines such as ``` or ```json.
func stripFences(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func jsonSpan(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func keepCatalog(names, catalog []string, limit int) []string {
	canonical := make(map[string]string, len(catalog))
	for _, c := range catalog {
		k := strings.ToLower(c)
		if _, ok := canonical[k]; !ok {
			canonical[k] = c
		}
	}
	seen := make(map[string]bool)
	out := []string{}
	for _, n := range names {
		c, ok := canonical[strings.ToLower(strings.TrimSpace(n))]
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}

// scanCatalog returns catalog names that occur in text, in catalog order.
func scanCatalog(text string, catalog []string, limit int) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	out := []string{}
	for _, c := range catalog {
		if c == "" || seen[c] || !strings.Contains(lower, strings.ToLower(c)) {
			continue
		}
		seen[c] = true
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}

// MatchQuery returns catalog names that contain query or are contained in
// it, compared case-insensitively, in catalog order, truncated to limit.
func MatchQuery(query string, catalog []string, limit int) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	out := []string{}
	if q == "" {
		return out
	}
	seen := make(map[string]bool)
	for _, c := range catalog {
		lc := strings.ToLower(c)
		if lc == "" || seen[c] {
			continue
		}
		if strings.Contains(q, lc) || strings.Contains(lc, q) {
			seen[c] = true
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
