package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/strongbuy/internal/catalog"
	"github.com/kalambet/strongbuy/internal/ingest"
	"github.com/kalambet/strongbuy/internal/persona"
	"github.com/kalambet/strongbuy/internal/pipeline"
	"github.com/kalambet/strongbuy/internal/storage"
)

const maxRequestBodySize = 1 << 20   // 1MB
const maxProductsBodySize = 32 << 20 // 32MB

// Searcher runs the personalized search pipeline. Implemented by
// pipeline.Pipeline.
type Searcher interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// Analyzer resolves query text into categories and brands. Implemented by
// intent.Analyzer.
type Analyzer interface {
	AnalyzeCategories(ctx context.Context, query, personaID string) []string
	AnalyzeBrands(ctx context.Context, query, category, personaID string) []string
}

// PersonaStore is the persona catalog and per-user profile store.
// Implemented by persona.Store.
type PersonaStore interface {
	Persona(id string) (persona.Persona, bool)
	Personas() []persona.Persona
	Orders(personaID string) []persona.Action
	Events(personaID string) []persona.Action
	AssignPersona(userID, personaID string) bool
	Profile(userID string) (persona.Profile, bool)
	RecordAction(a persona.Action) persona.Action
	RecommendedCategories(userID string) []string
	TrendingKeywords() []string
}

// Inventory serves the category and brand catalog. Implemented by
// catalog.Loader.
type Inventory interface {
	Inventory() catalog.Inventory
}

// IndexStats reports on the product index.
type IndexStats interface {
	IndexExists(ctx context.Context, name string) (bool, error)
	Count(ctx context.Context, filter string) (int64, error)
}

// History reads persisted searches and user actions. Implemented by
// storage.Store.
type History interface {
	Search(id string) (storage.SearchRecord, error)
	RecentSearches(limit int) ([]storage.SearchRecord, error)
	UserActions(userID string, limit int) ([]storage.ActionRecord, error)
}

// Deps holds the dependencies of the HTTP API. History is optional; without
// it the history routes are not mounted.
type Deps struct {
	Search    Searcher
	Analyzer  Analyzer
	Personas  PersonaStore
	Catalog   Inventory
	Jobs      ingest.JobQueue
	Index     IndexStats
	History   History
	IndexName string
	Token     string
}

// NewHandler returns the HTTP API. /health is public; everything under /v1
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/search", handleSearch(deps))
		r.Post("/intent", handleIntent(deps))

		r.Get("/personas", handleListPersonas(deps))
		r.Get("/personas/{id}", handleGetPersona(deps))
		r.Get("/personas/{id}/orders", handlePersonaHistory(deps, true))
		r.Get("/personas/{id}/events", handlePersonaHistory(deps, false))

		r.Put("/users/{id}/persona", handleAssignPersona(deps))
		r.Get("/users/{id}/profile", handleGetProfile(deps))
		r.Post("/users/{id}/actions", handleRecordAction(deps))
		r.Get("/users/{id}/recommended-categories", handleRecommendedCategories(deps))

		r.Get("/trending", handleTrending(deps))
		r.Get("/catalog", handleCatalog(deps))
		r.Post("/products", handleIngestProducts(deps))
		r.Get("/index", handleIndexStats(deps))

		if deps.History != nil {
			r.Get("/searches", handleRecentSearches(deps))
			r.Get("/searches/{id}", handleGetSearch(deps))
			r.Get("/users/{id}/history", handleUserHistory(deps))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req pipeline.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Top < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "top must not be negative")
			return
		}

		writeJSON(w, http.StatusOK, deps.Search.Run(r.Context(), req))
	}
}

type intentRequest struct {
	Text      string `json:"text"`
	Category  string `json:"category,omitempty"`
	PersonaID string `json:"personaId,omitempty"`
}

type intentResponse struct {
	Categories []string `json:"categories"`
	Brands     []string `json:"brands"`
}

func handleIntent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req intentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		writeJSON(w, http.StatusOK, analyzeIntent(r.Context(), deps.Analyzer, req))
	}
}

// analyzeIntent resolves categories unless one is given, then brands
// within the first category.
func analyzeIntent(ctx context.Context, a Analyzer, req intentRequest) intentResponse {
	resp := intentResponse{Categories: []string{}}
	category := req.Category
	if category == "" {
		resp.Categories = a.AnalyzeCategories(ctx, req.Text, req.PersonaID)
		if len(resp.Categories) > 0 {
			category = resp.Categories[0]
		}
	}
	resp.Brands = a.AnalyzeBrands(ctx, req.Text, category, req.PersonaID)
	return resp
}

func handleListPersonas(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Personas.Personas())
	}
}

func handleGetPersona(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := deps.Personas.Persona(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "persona not found")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePersonaHistory(deps Deps, ordersOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := deps.Personas.Persona(id); !ok {
			httpError(w, http.StatusNotFound, "not_found", "persona not found")
			return
		}

		var actions []persona.Action
		if ordersOnly {
			actions = deps.Personas.Orders(id)
		} else {
			actions = deps.Personas.Events(id)
		}
		if limit := parseIntParam(r, "limit", 0, 0); limit > 0 && len(actions) > limit {
			actions = actions[:limit]
		}
		writeJSON(w, http.StatusOK, actions)
	}
}

type assignRequest struct {
	PersonaID string `json:"personaId"`
}

func handleAssignPersona(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req assignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.PersonaID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "personaId is required")
			return
		}

		userID := chi.URLParam(r, "id")
		if !deps.Personas.AssignPersona(userID, req.PersonaID) {
			httpError(w, http.StatusNotFound, "not_found", "persona %q not found", req.PersonaID)
			return
		}
		prof, _ := deps.Personas.Profile(userID)
		writeJSON(w, http.StatusOK, prof)
	}
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prof, ok := deps.Personas.Profile(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}
		writeJSON(w, http.StatusOK, prof)
	}
}

func handleRecordAction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var a persona.Action
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if a.Kind == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "kind is required")
			return
		}
		if a.PersonaID != "" {
			if _, ok := deps.Personas.Persona(a.PersonaID); !ok {
				httpError(w, http.StatusNotFound, "not_found", "persona %q not found", a.PersonaID)
				return
			}
		}

		a.UserID = chi.URLParam(r, "id")
		writeJSON(w, http.StatusCreated, deps.Personas.RecordAction(a))
	}
}

func handleRecommendedCategories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{
			"categories": deps.Personas.RecommendedCategories(chi.URLParam(r, "id")),
		})
	}
}

func handleTrending(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{
			"keywords": deps.Personas.TrendingKeywords(),
		})
	}
}

func handleCatalog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Catalog.Inventory())
	}
}

func handleIngestProducts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxProductsBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}
		products, err := ingest.ParseProducts(body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if len(products) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no products in request")
			return
		}

		jobID, err := ingest.EnqueueProducts(deps.Jobs, products)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue products: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":     jobID,
			"status": "queued",
			"count":  len(products),
		})
	}
}

func handleIndexStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exists, err := deps.Index.IndexExists(r.Context(), deps.IndexName)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "checking index: %v", err)
			return
		}
		resp := map[string]any{
			"name":   deps.IndexName,
			"exists": exists,
			"count":  int64(0),
		}
		if exists {
			n, err := deps.Index.Count(r.Context(), "")
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "counting documents: %v", err)
				return
			}
			resp["count"] = n
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func handleRecentSearches(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultHistoryLimit, maxHistoryLimit)
		records, err := deps.History.RecentSearches(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading search history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleGetSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.History.Search(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "search not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading search: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// handleUserHistory serves the persisted action log, which unlike the
// in-memory profile survives restarts and is not capped at 100 entries.
func handleUserHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultHistoryLimit, maxHistoryLimit)
		records, err := deps.History.UserActions(chi.URLParam(r, "id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading user history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
