// Package persona owns the shopper persona catalog and per-user behavioral
// profiles. Assigning a persona replays its synthetic history so that
// personalization has reproducible input without live users.
package persona

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/strongbuy/internal/storage"
)

// MaxRecentActions bounds a profile's action history.
const MaxRecentActions = 100

// defaultTrendingKeywords are always offered alongside persona keywords.
var defaultTrendingKeywords = []string{"防災", "備戰"}

// ActionLog persists live actions. Implemented by storage.Store.
type ActionLog interface {
	SaveUserAction(a storage.ActionRecord) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// userEntry serializes writers for one user id.
type userEntry struct {
	mu      sync.Mutex
	profile *Profile
}

// Store holds the read-only persona catalog and mutable per-user profiles.
// Writers to the same user are serialized; different users never contend
// beyond the brief map lookup.
type Store struct {
	personas map[string]Persona
	order    []string
	history  map[string][]ActionTemplate
	clock    Clock
	log      ActionLog

	mu    sync.RWMutex
	users map[string]*userEntry
}

// NewStore builds a Store from cat. log may be nil.
func NewStore(cat Catalog, log ActionLog) *Store {
	return NewStoreWithClock(cat, log, realClock{})
}

// NewStoreWithClock builds a Store with a custom clock (for testing).
func NewStoreWithClock(cat Catalog, log ActionLog, clock Clock) *Store {
	s := &Store{
		personas: make(map[string]Persona, len(cat.Personas)),
		history:  make(map[string][]ActionTemplate, len(cat.Personas)),
		clock:    clock,
		log:      log,
		users:    make(map[string]*userEntry),
	}
	for _, e := range cat.Personas {
		s.personas[e.ID] = e.Persona.clone()
		s.order = append(s.order, e.ID)
		s.history[e.ID] = append([]ActionTemplate(nil), e.History...)
	}
	return s
}

// TempUserID is the synthetic user that holds a persona's browsable history.
func TempUserID(personaID string) string {
	return "temp_" + personaID
}

// Persona returns the persona with id.
func (s *Store) Persona(id string) (Persona, bool) {
	p, ok := s.personas[id]
	if !ok {
		return Persona{}, false
	}
	return p.clone(), true
}

// Personas returns every persona in catalog order.
func (s *Store) Personas() []Persona {
	out := make([]Persona, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.personas[id].clone())
	}
	return out
}

func (s *Store) entry(userID string, create bool) *userEntry {
	s.mu.RLock()
	e, ok := s.users[userID]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.users[userID]; ok {
		return e
	}
	e = &userEntry{profile: newProfile(userID)}
	s.users[userID] = e
	return e
}

// AssignPersona resets userID's profile to personaID and replays the
// persona's synthetic history. Unknown personas are logged and ignored.
func (s *Store) AssignPersona(userID, personaID string) bool {
	p, ok := s.personas[personaID]
	if !ok {
		slog.Warn("persona: unknown persona", "persona_id", personaID, "user_id", userID)
		return false
	}

	e := s.entry(userID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.resetLocked(e, p)
	return true
}

// resetLocked must be called with e.mu held.
func (s *Store) resetLocked(e *userEntry, p Persona) {
	now := s.clock.Now()
	prof := newProfile(e.profile.UserID)
	ps := p.clone()
	prof.Persona = &ps

	for _, t := range s.history[p.ID] {
		prof.RecentActions = append(prof.RecentActions, t.Materialize(p.ID, prof.UserID, now))
	}
	for _, a := range prof.RecentActions {
		applyAction(prof, a)
	}
	prof.UpdatedAt = now
	e.profile = prof
}

// RecordAction appends a live action to the user's history, evicting the
// oldest entries beyond MaxRecentActions, and updates the counters. The
// counters are cumulative and keep evicted actions. A persona id missing
// from the catalog is logged and dropped from the action.
func (s *Store) RecordAction(a Action) Action {
	if _, ok := s.personas[a.PersonaID]; a.PersonaID != "" && !ok {
		slog.Warn("persona: action references unknown persona", "persona_id", a.PersonaID, "user_id", a.UserID)
		a.PersonaID = ""
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.clock.Now()
	}
	a = copyAction(a)

	e := s.entry(a.UserID, true)
	e.mu.Lock()
	p := e.profile
	p.RecentActions = append(p.RecentActions, a)
	if over := len(p.RecentActions) - MaxRecentActions; over > 0 {
		p.RecentActions = append([]Action(nil), p.RecentActions[over:]...)
	}
	applyAction(p, a)
	p.UpdatedAt = s.clock.Now()
	e.mu.Unlock()

	if s.log != nil {
		if err := s.log.SaveUserAction(toRecord(a)); err != nil {
			slog.Warn("persona: failed to persist action", "action_id", a.ID, "error", err)
		}
	}
	return a
}

// applyAction folds one action into the profile counters.
func applyAction(p *Profile, a Action) {
	switch {
	case a.Kind.tracksProduct():
		if a.Product == nil {
			return
		}
		if a.Product.Category != "" {
			p.CategoryCounts[a.Product.Category]++
		}
		if a.Product.Brand != "" {
			p.BrandCounts[a.Product.Brand]++
		}
	case a.Kind == ActionSearch:
		for _, tok := range strings.Fields(a.SearchQuery) {
			p.KeywordCounts[tok]++
		}
	}
}

// Fold builds the three counter maps from actions using the same rule as
// RecordAction.
func Fold(actions []Action) (categories, brands, keywords Counts) {
	p := newProfile("")
	for _, a := range actions {
		applyAction(p, a)
	}
	return p.CategoryCounts, p.BrandCounts, p.KeywordCounts
}

// Profile returns a copy of userID's profile.
func (s *Store) Profile(userID string) (Profile, bool) {
	e := s.entry(userID, false)
	if e == nil {
		return Profile{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return deepCopyProfile(e.profile), true
}

// SetPreferenceVector caches vec on userID's profile.
func (s *Store) SetPreferenceVector(userID string, vec []float32) bool {
	e := s.entry(userID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profile.PreferenceVector = append([]float32(nil), vec...)
	return true
}

// personaProfile returns the materialized temp profile for personaID,
// replaying its history on first access.
func (s *Store) personaProfile(personaID string) (Profile, bool) {
	p, ok := s.personas[personaID]
	if !ok {
		return Profile{}, false
	}
	e := s.entry(TempUserID(personaID), true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.profile.Persona == nil {
		s.resetLocked(e, p)
	}
	return deepCopyProfile(e.profile), true
}

// Orders returns the persona's checkout actions, newest first.
func (s *Store) Orders(personaID string) []Action {
	prof, ok := s.personaProfile(personaID)
	if !ok {
		return []Action{}
	}
	out := []Action{}
	for _, a := range prof.RecentActions {
		if a.Kind == ActionCheckout {
			out = append(out, a)
		}
	}
	sortNewestFirst(out)
	return out
}

// Events returns all of the persona's actions, newest first.
func (s *Store) Events(personaID string) []Action {
	prof, ok := s.personaProfile(personaID)
	if !ok {
		return []Action{}
	}
	out := append([]Action{}, prof.RecentActions...)
	sortNewestFirst(out)
	return out
}

// PersonaContext returns the persona and its materialized behavioral
// profile, used to ground intent analysis.
func (s *Store) PersonaContext(personaID string) (Profile, bool) {
	return s.personaProfile(personaID)
}

func sortNewestFirst(actions []Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Timestamp.After(actions[j].Timestamp)
	})
}

// PersonalizedVectorInput assembles the text embedded into a user vector:
// persona occupation and description, then name and category of each
// selected order, then name, category and query of each selected event,
// then baseText. Returns "" when nothing was assembled.
func (s *Store) PersonalizedVectorInput(personaID string, orderIDs, eventIDs []string, baseText string) string {
	var parts []string
	add := func(v string) {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}

	if personaID != "" {
		if p, ok := s.personas[personaID]; ok {
			add(p.Occupation)
			add(p.Description)
		}
		if len(orderIDs) > 0 {
			for _, o := range selectByID(s.Orders(personaID), orderIDs) {
				add(o.productName())
				add(o.productCategory())
			}
		}
		if len(eventIDs) > 0 {
			for _, ev := range selectByID(s.Events(personaID), eventIDs) {
				add(ev.productName())
				add(ev.productCategory())
				add(ev.SearchQuery)
			}
		}
	}
	add(baseText)
	return strings.Join(parts, " ")
}

func selectByID(actions []Action, ids []string) []Action {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Action
	for _, a := range actions {
		if want[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// ProfileVectorInput assembles the text for userID's preference vector:
// persona description, name and category of the ten most recent product
// actions, then baseText.
func (s *Store) ProfileVectorInput(userID, baseText string) (string, bool) {
	prof, ok := s.Profile(userID)
	if !ok {
		return "", false
	}

	var parts []string
	add := func(v string) {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	if prof.Persona != nil {
		add(prof.Persona.Description)
	}

	var product []Action
	for _, a := range prof.RecentActions {
		if a.productName() != "" {
			product = append(product, a)
		}
	}
	sortNewestFirst(product)
	if len(product) > 10 {
		product = product[:10]
	}
	for _, a := range product {
		add(a.productName())
		add(a.productCategory())
	}
	add(baseText)
	return strings.Join(parts, " "), true
}

// RecommendedCategories returns the persona's preferred categories followed
// by the user's five most frequent behavioral categories, deduplicated.
func (s *Store) RecommendedCategories(userID string) []string {
	prof, ok := s.Profile(userID)
	if !ok {
		return []string{}
	}
	seen := make(map[string]bool)
	out := []string{}
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if prof.Persona != nil {
		for _, c := range prof.Persona.PreferredCategories {
			add(c)
		}
	}
	for _, c := range prof.CategoryCounts.Top(5) {
		add(c)
	}
	return out
}

// TrendingKeywords returns every persona keyword plus the default trending
// terms, deduplicated in catalog order.
func (s *Store) TrendingKeywords() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range s.order {
		for _, k := range s.personas[id].PreferredKeywords {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	for _, k := range defaultTrendingKeywords {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func toRecord(a Action) storage.ActionRecord {
	r := storage.ActionRecord{
		ID:          a.ID,
		UserID:      a.UserID,
		PersonaID:   a.PersonaID,
		Kind:        int(a.Kind),
		SearchQuery: a.SearchQuery,
		ResultCount: a.ResultCount,
		CreatedAt:   a.Timestamp,
	}
	if a.Product != nil {
		r.ProductID = a.Product.ID
		r.ProductName = a.Product.Name
		r.ProductCategory = a.Product.Category
		r.ProductBrand = a.Product.Brand
	}
	r.Context = a.Context
	return r
}
