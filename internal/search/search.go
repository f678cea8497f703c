// Package search runs text, hybrid and two-stage personalized product
// searches against a document index.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/kalambet/strongbuy/internal/index"
)

// MaxTop bounds Request.Top. Larger values are clamped.
const MaxTop = 1000

// DefaultTop is the result size used when a request leaves Top unset.
const DefaultTop = MaxTop

// knnCount is the neighbour count of every vector query.
const knnCount = 10

// facetFields are requested when facets are enabled.
var facetFields = []string{"category", "brand"}

// Mode is the retrieval strategy chosen for one request.
type Mode int

const (
	// ModeTextOnly is a lexical search.
	ModeTextOnly Mode = iota
	// ModeVectorFiltered fuses lexical and product-vector ranking in the index.
	ModeVectorFiltered
	// ModeUserReranked re-ranks ModeVectorFiltered candidates by user vector.
	ModeUserReranked
)

var modeNames = [...]string{"text_only", "vector_filtered", "user_reranked"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *Mode) UnmarshalText(b []byte) error {
	for i, name := range modeNames {
		if name == string(b) {
			*m = Mode(i)
			return nil
		}
	}
	return fmt.Errorf("unknown search mode %q", b)
}

// ChooseMode picks the strongest mode the available vectors allow. A user
// vector without a product vector still searches text only.
func ChooseMode(productVector, userVector []float32) Mode {
	switch {
	case len(productVector) > 0 && len(userVector) > 0:
		return ModeUserReranked
	case len(productVector) > 0:
		return ModeVectorFiltered
	default:
		return ModeTextOnly
	}
}

// Request is one search. Categories, when non-empty, supersede Category.
type Request struct {
	Text          string
	Category      string
	Categories    []string
	Brands        []string
	ProductVector []float32
	UserVector    []float32
	Top           int
	IncludeFacets bool
}

// Hit is a ranked product. UserScore is set by the two-stage re-rank.
type Hit struct {
	Document  index.Document `json:"document"`
	Score     float64        `json:"score"`
	UserScore *float64       `json:"userScore,omitempty"`
}

// Result is the search response.
type Result struct {
	Mode       Mode                          `json:"mode"`
	Filter     string                        `json:"filter,omitempty"`
	Hits       []Hit                         `json:"hits"`
	TotalCount int64                         `json:"totalCount"`
	Facets     map[string][]index.FacetValue `json:"facets,omitempty"`
}

// Engine is the hybrid search engine.
type Engine struct {
	idx index.DocumentIndex
}

// NewEngine returns an Engine over idx.
func NewEngine(idx index.DocumentIndex) *Engine {
	return &Engine{idx: idx}
}

// Search runs req in the mode implied by its vectors.
func (e *Engine) Search(ctx context.Context, req Request) (Result, error) {
	switch {
	case req.Top <= 0:
		req.Top = DefaultTop
	case req.Top > MaxTop:
		req.Top = MaxTop
	}
	mode := ChooseMode(req.ProductVector, req.UserVector)
	filter := index.Filter(req.Category, req.Categories, req.Brands)

	q := index.Query{
		Text:   queryText(req.Text),
		Filter: filter,
		Top:    req.Top,
	}
	if req.IncludeFacets {
		q.Facets = facetFields
	}
	if mode != ModeTextOnly {
		q.Vector = &index.VectorQuery{
			Field:  index.FieldCombinedEmbedding,
			K:      knnCount,
			Vector: req.ProductVector,
		}
	}

	slog.Debug("search: querying index", "mode", mode, "filter", filter, "top", req.Top)
	res, err := e.idx.Search(ctx, q)
	if err != nil {
		return Result{}, fmt.Errorf("%s search: %w", mode, err)
	}

	out := Result{
		Mode:       mode,
		Filter:     filter,
		Hits:       make([]Hit, len(res.Hits)),
		TotalCount: res.TotalCount,
		Facets:     res.Facets,
	}
	for i, h := range res.Hits {
		out.Hits[i] = Hit{Document: h.Document, Score: h.Score}
	}
	if mode == ModeUserReranked && len(out.Hits) > 0 {
		Rerank(out.Hits, req.UserVector)
	}
	return out, nil
}

// queryText maps blank text to the match-all wildcard.
func queryText(text string) string {
	if t := strings.TrimSpace(text); t != "" {
		return t
	}
	return "*"
}

// Rerank orders hits in place by cosine similarity between userVector and
// each document's combined embedding, descending, breaking ties by the
// index score. Documents without an embedding score 0. The number of hits
// never changes.
func Rerank(hits []Hit, userVector []float32) {
	for i := range hits {
		s := Cosine(userVector, hits[i].Document.CombinedEmbedding)
		hits[i].UserScore = &s
	}
	sort.SliceStable(hits, func(i, j int) bool {
		ui, uj := *hits[i].UserScore, *hits[j].UserScore
		if ui != uj {
			return ui > uj
		}
		return hits[i].Score > hits[j].Score
	})
}

// Cosine returns the cosine similarity of a and b: 0 when either is empty,
// the lengths differ or either norm is zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
