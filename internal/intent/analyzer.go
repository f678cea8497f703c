// Package intent resolves free-text queries into catalog categories and
// brands, asking a conversational agent first and falling back to
// substring matching.
package intent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/strongbuy/internal/persona"
)

const defaultAgentTimeout = 5 * time.Second

// Agent answers a single prompt. Implemented by engine.Agent.
type Agent interface {
	Run(ctx context.Context, prompt string) (string, error)
}

// Catalog lists the closed category and brand vocabularies.
// Implemented by catalog.Loader.
type Catalog interface {
	Categories() []string
	// Brands returns the brands of category, or all brands for "".
	Brands(category string) []string
}

// PersonaContexts supplies the persona profile that grounds the prompts.
// Implemented by persona.Store.
type PersonaContexts interface {
	PersonaContext(personaID string) (persona.Profile, bool)
}

// Analyzer maps queries to categories and brands.
type Analyzer struct {
	agent    Agent
	catalog  Catalog
	personas PersonaContexts
	timeout  time.Duration
}

// NewAnalyzer creates an Analyzer. agent and personas may be nil; without an
// agent only the substring fallback runs.
func NewAnalyzer(agent Agent, catalog Catalog, personas PersonaContexts, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = defaultAgentTimeout
	}
	return &Analyzer{agent: agent, catalog: catalog, personas: personas, timeout: timeout}
}

// AnalyzeCategories returns up to three catalog categories for query. An
// empty result means no category filter. Errors are logged, never returned.
func (a *Analyzer) AnalyzeCategories(ctx context.Context, query, personaID string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return []string{}
	}
	categories := a.catalog.Categories()
	if len(categories) == 0 {
		return []string{}
	}

	if a.agent != nil {
		prompt := CategoryPrompt(query, categories, a.profile(personaID))
		if resp, ok := a.run(ctx, prompt, "categories"); ok {
			if got := MatchCatalog(resp, "categories", categories, MaxCategories); len(got) > 0 {
				return got
			}
		}
	}
	return MatchQuery(query, categories, MaxCategories)
}

// AnalyzeBrands returns up to five brands for query within category (all
// brands when category is empty). When nothing matches and a category was
// given, the category's first five brands are returned.
func (a *Analyzer) AnalyzeBrands(ctx context.Context, query, category, personaID string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return []string{}
	}
	brands := a.catalog.Brands(category)
	if len(brands) == 0 {
		return []string{}
	}

	if a.agent != nil {
		prompt := BrandPrompt(query, category, brands, a.profile(personaID))
		if resp, ok := a.run(ctx, prompt, "brands"); ok {
			if got := MatchCatalog(resp, "brands", brands, MaxBrands); len(got) > 0 {
				return got
			}
		}
	}
	if got := MatchQuery(query, brands, MaxBrands); len(got) > 0 {
		return got
	}
	if category == "" {
		return []string{}
	}
	n := min(MaxBrands, len(brands))
	return append([]string{}, brands[:n]...)
}

func (a *Analyzer) profile(personaID string) *persona.Profile {
	if personaID == "" || a.personas == nil {
		return nil
	}
	prof, ok := a.personas.PersonaContext(personaID)
	if !ok {
		slog.Warn("intent: unknown persona", "persona_id", personaID)
		return nil
	}
	return &prof
}

func (a *Analyzer) run(ctx context.Context, prompt, kind string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.agent.Run(ctx, prompt)
	if err != nil {
		slog.Warn("intent: agent analysis failed", "kind", kind, "error", err)
		return "", false
	}
	slog.Debug("intent: agent response", "kind", kind, "response", resp)
	return resp, true
}
