package index

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// rrfK is the reciprocal rank fusion constant.
const rrfK = 60

// Field weights for lexical scoring.
const (
	weightName        = 3.0
	weightBrand       = 2.0
	weightCategory    = 2.0
	weightTags        = 1.5
	weightDescription = 1.0
)

// IsWildcard reports whether text matches every document.
func IsWildcard(text string) bool {
	t := strings.TrimSpace(text)
	return t == "" || t == "*"
}

// lexicalDoc holds the lower-cased searchable fields of one document.
type lexicalDoc struct {
	name, brand, category, tags, description string
}

func newLexicalDoc(d Document) lexicalDoc {
	tags := append(append([]string{}, d.Tags...), d.Subcategories...)
	return lexicalDoc{
		name:        strings.ToLower(d.Name),
		brand:       strings.ToLower(d.Brand),
		category:    strings.ToLower(d.Category),
		tags:        strings.ToLower(strings.Join(tags, " ")),
		description: strings.ToLower(d.Description),
	}
}

func (l lexicalDoc) weight(term string) float64 {
	var w float64
	if strings.Contains(l.name, term) {
		w += weightName
	}
	if strings.Contains(l.brand, term) {
		w += weightBrand
	}
	if strings.Contains(l.category, term) {
		w += weightCategory
	}
	if strings.Contains(l.tags, term) {
		w += weightTags
	}
	if strings.Contains(l.description, term) {
		w += weightDescription
	}
	return w
}

// queryTerms splits text into lower-cased whitespace-separated terms.
func queryTerms(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// bigrams returns the overlapping two-rune substrings of term.
func bigrams(term string) []string {
	rs := []rune(term)
	if len(rs) < 2 {
		return nil
	}
	out := make([]string, 0, len(rs)-1)
	for i := 0; i+1 < len(rs); i++ {
		out = append(out, string(rs[i:i+2]))
	}
	return out
}

// lexicalScore scores d against terms. A term that matches no field as a
// whole falls back to its character bigrams, so unsegmented CJK queries
// still match partially.
func lexicalScore(d lexicalDoc, terms []string) float64 {
	var score float64
	for _, t := range terms {
		if w := d.weight(t); w > 0 {
			score += w
			continue
		}
		if utf8.RuneCountInString(t) < 3 {
			continue
		}
		bg := bigrams(t)
		var partial float64
		for _, b := range bg {
			partial += d.weight(b)
		}
		score += partial / float64(len(bg)) / 2
	}
	return score
}

// ranked is one fused document.
type ranked struct {
	doc   Document
	score float64
}

// fuse ranks the filtered population docs for q. neighbours is the k-NN
// result (best first) over the same filtered population, nil when q has no
// vector. It returns the full ordered population, its size and the lexical
// population used for facets.
func fuse(q Query, docs []Document, neighbours []idScore) (out []ranked, lexPop []Document) {
	wildcard := IsWildcard(q.Text)
	terms := queryTerms(q.Text)

	lexScores := make(map[string]float64, len(docs))
	byID := make(map[string]Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
		if wildcard {
			lexScores[d.ID] = 1
			lexPop = append(lexPop, d)
			continue
		}
		if s := lexicalScore(newLexicalDoc(d), terms); s > 0 {
			lexScores[d.ID] = s
			lexPop = append(lexPop, d)
		}
	}

	if q.Vector == nil {
		for _, d := range lexPop {
			out = append(out, ranked{doc: d, score: lexScores[d.ID]})
		}
		sortRanked(out)
		return out, lexPop
	}

	fused := make(map[string]float64, len(lexPop)+len(neighbours))
	if wildcard {
		for _, d := range lexPop {
			fused[d.ID] = 1.0 / float64(rrfK+1)
		}
	} else {
		lex := make([]ranked, 0, len(lexPop))
		for _, d := range lexPop {
			lex = append(lex, ranked{doc: d, score: lexScores[d.ID]})
		}
		sortRanked(lex)
		for i, r := range lex {
			fused[r.doc.ID] += 1.0 / float64(rrfK+i+1)
		}
	}
	for i, n := range neighbours {
		if _, ok := byID[n.ID]; !ok {
			continue
		}
		fused[n.ID] += 1.0 / float64(rrfK+i+1)
	}

	out = make([]ranked, 0, len(fused))
	for id, s := range fused {
		out = append(out, ranked{doc: byID[id], score: s})
	}
	sortRanked(out)
	return out, lexPop
}

// sortRanked orders by score descending, then id ascending.
func sortRanked(rs []ranked) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].score != rs[j].score {
			return rs[i].score > rs[j].score
		}
		return rs[i].doc.ID < rs[j].doc.ID
	})
}

// facetFields maps facetable field names to accessors.
var facetFields = map[string]func(Document) string{
	"category": func(d Document) string { return d.Category },
	"brand":    func(d Document) string { return d.Brand },
	"color":    func(d Document) string { return d.Color },
	"material": func(d Document) string { return d.Material },
}

// facets counts distinct values of each requested field over docs, most
// frequent first. Unknown fields and empty values are skipped.
func facets(fields []string, docs []Document) map[string][]FacetValue {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string][]FacetValue, len(fields))
	for _, f := range fields {
		get, ok := facetFields[f]
		if !ok {
			continue
		}
		counts := make(map[string]int64)
		for _, d := range docs {
			if v := get(d); v != "" {
				counts[v]++
			}
		}
		values := make([]FacetValue, 0, len(counts))
		for v, c := range counts {
			values = append(values, FacetValue{Value: v, Count: c})
		}
		sort.Slice(values, func(i, j int) bool {
			if values[i].Count != values[j].Count {
				return values[i].Count > values[j].Count
			}
			return values[i].Value < values[j].Value
		})
		out[f] = values
	}
	return out
}

// vectorColumn maps a vector field to its column name.
func vectorColumn(field string) (string, bool) {
	switch field {
	case FieldNameEmbedding:
		return "name_embedding", true
	case FieldDescriptionEmbedding:
		return "description_embedding", true
	case FieldReviewsEmbedding:
		return "reviews_embedding", true
	case FieldCombinedEmbedding, "":
		return "combined_embedding", true
	default:
		return "", false
	}
}
