// Package pipeline runs one personalized search end to end: intent
// analysis, vector building, then hybrid search.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/strongbuy/internal/search"
	"github.com/kalambet/strongbuy/internal/storage"
)

// Analyzer resolves query text into catalog categories and brands.
// Implemented by intent.Analyzer.
type Analyzer interface {
	AnalyzeCategories(ctx context.Context, query, personaID string) []string
	AnalyzeBrands(ctx context.Context, query, category, personaID string) []string
}

// Vectors builds the product and user vectors. Implemented by
// retrieval.VectorBuilder.
type Vectors interface {
	BuildProductVector(ctx context.Context, text string, categories []string) []float32
	BuildUserVector(ctx context.Context, personaID string, orderIDs, eventIDs []string) []float32
}

// Searcher executes a search. Implemented by search.Engine.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Result, error)
}

// SearchLog records executed searches. Implemented by storage.Store.
type SearchLog interface {
	SaveSearch(r storage.SearchRecord) error
}

// Request is one personalized search.
type Request struct {
	Text          string   `json:"text"`
	Category      string   `json:"category,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	Brands        []string `json:"brands,omitempty"`
	PersonaID     string   `json:"personaId,omitempty"`
	OrderIDs      []string `json:"orderIds,omitempty"`
	EventIDs      []string `json:"eventIds,omitempty"`
	Top           int      `json:"top,omitempty"`
	IncludeFacets *bool    `json:"includeFacets,omitempty"`
}

// Result is the packaged pipeline outcome.
type Result struct {
	Success             bool           `json:"success"`
	Error               string         `json:"error,omitempty"`
	SuggestedCategories []string       `json:"suggestedCategories"`
	SuggestedBrands     []string       `json:"suggestedBrands"`
	ProductVector       []float32      `json:"productVector,omitempty"`
	UserVector          []float32      `json:"userVector,omitempty"`
	Mode                search.Mode    `json:"mode"`
	Search              *search.Result `json:"search,omitempty"`
	DurationMs          int64          `json:"durationMs"`
}

// Pipeline wires analyzer, vector builder and search engine.
type Pipeline struct {
	analyzer   Analyzer
	vectors    Vectors
	searcher   Searcher
	log        SearchLog
	defaultTop int
	facets     bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSearchLog records every run to log.
func WithSearchLog(log SearchLog) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithDefaults overrides the top and facet defaults applied when a request
// leaves them unset. top is capped at search.MaxTop.
func WithDefaults(top int, includeFacets bool) Option {
	return func(p *Pipeline) {
		if top > 0 {
			p.defaultTop = min(top, search.MaxTop)
		}
		p.facets = includeFacets
	}
}

// New creates a Pipeline.
func New(analyzer Analyzer, vectors Vectors, searcher Searcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		analyzer:   analyzer,
		vectors:    vectors,
		searcher:   searcher,
		defaultTop: search.DefaultTop,
		facets:     true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes the stages in order. Analysis and embedding failures degrade
// the search; index failures and cancellation end it with Success false.
func (p *Pipeline) Run(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	res = Result{SuggestedCategories: []string{}, SuggestedBrands: []string{}}
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
		p.record(req, res)
	}()

	text := strings.TrimSpace(req.Text)
	category := req.Category
	categories := append([]string(nil), req.Categories...)
	brands := append([]string(nil), req.Brands...)

	// 1. Categories.
	if category == "" && len(categories) > 0 {
		category = categories[0]
	}
	if category == "" && len(categories) == 0 && text != "" {
		categories = p.analyzer.AnalyzeCategories(ctx, text, req.PersonaID)
		res.SuggestedCategories = categories
		if len(categories) > 0 {
			category = categories[0]
		}
	}
	if fail(ctx, &res) {
		return
	}

	// 2. Brands, suggested only.
	if len(brands) == 0 && text != "" {
		res.SuggestedBrands = p.analyzer.AnalyzeBrands(ctx, text, category, req.PersonaID)
	}
	if fail(ctx, &res) {
		return
	}

	// 3-4. Vectors.
	vecCategories := categories
	if len(vecCategories) == 0 && category != "" {
		vecCategories = []string{category}
	}
	res.ProductVector = p.vectors.BuildProductVector(ctx, text, vecCategories)
	res.UserVector = p.vectors.BuildUserVector(ctx, req.PersonaID, req.OrderIDs, req.EventIDs)
	res.Mode = search.ChooseMode(res.ProductVector, res.UserVector)
	if fail(ctx, &res) {
		return
	}

	// 5. Search.
	sreq := search.Request{
		Text:          text,
		Category:      category,
		Categories:    categories,
		Brands:        brands,
		ProductVector: res.ProductVector,
		UserVector:    res.UserVector,
		Top:           req.Top,
		IncludeFacets: p.facets,
	}
	switch {
	case sreq.Top <= 0:
		sreq.Top = p.defaultTop
	case sreq.Top > search.MaxTop:
		sreq.Top = search.MaxTop
	}
	if req.IncludeFacets != nil {
		sreq.IncludeFacets = *req.IncludeFacets
	}
	sr, err := p.searcher.Search(ctx, sreq)
	if err != nil {
		slog.Warn("pipeline: search failed", "mode", res.Mode, "error", err)
		res.Error = err.Error()
		return
	}

	res.Success = true
	res.Search = &sr
	slog.Debug("pipeline: search complete",
		"mode", sr.Mode,
		"categories", len(categories),
		"hits", len(sr.Hits),
		"total", sr.TotalCount,
	)
	return
}

// fail reports whether ctx is done, marking res as failed when it is.
func fail(ctx context.Context, res *Result) bool {
	if err := ctx.Err(); err != nil {
		res.Success = false
		res.Error = fmt.Sprintf("search cancelled: %v", err)
		return true
	}
	return false
}

func (p *Pipeline) record(req Request, res Result) {
	if p.log == nil {
		return
	}
	r := storage.SearchRecord{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		QueryText:  req.Text,
		PersonaID:  req.PersonaID,
		Mode:       res.Mode.String(),
		Categories: res.SuggestedCategories,
		Brands:     res.SuggestedBrands,
		Success:    res.Success,
		Error:      res.Error,
		DurationMS: res.DurationMs,
	}
	if res.Search != nil {
		r.TotalCount = res.Search.TotalCount
	}
	if err := p.log.SaveSearch(r); err != nil {
		slog.Warn("pipeline: failed to record search", "error", err)
	}
}
