package persona

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ActionKind classifies a user interaction.
type ActionKind int

const (
	ActionView      ActionKind = 1
	ActionSearch    ActionKind = 2
	ActionClick     ActionKind = 3
	ActionAddToCart ActionKind = 4
	ActionCheckout  ActionKind = 5
)

var kindNames = map[ActionKind]string{
	ActionView:      "view",
	ActionSearch:    "search",
	ActionClick:     "click",
	ActionAddToCart: "add_to_cart",
	ActionCheckout:  "checkout",
}

func (k ActionKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// ParseActionKind accepts the lowercase kind names used on the wire.
func ParseActionKind(s string) (ActionKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown action kind %q", s)
}

func (k ActionKind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("invalid action kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *ActionKind) UnmarshalText(b []byte) error {
	v, err := ParseActionKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// tracksProduct reports whether the kind carries a product snapshot that
// feeds the category and brand counters.
func (k ActionKind) tracksProduct() bool {
	switch k {
	case ActionView, ActionClick, ActionAddToCart, ActionCheckout:
		return true
	}
	return false
}

// Persona is a named shopper archetype.
type Persona struct {
	ID                  string   `json:"id" yaml:"id"`
	Occupation          string   `json:"occupation" yaml:"occupation"`
	Description         string   `json:"description" yaml:"description"`
	PreferredCategories []string `json:"preferredCategories" yaml:"preferred_categories"`
	PreferredKeywords   []string `json:"preferredKeywords" yaml:"preferred_keywords"`
}

func (p Persona) clone() Persona {
	p.PreferredCategories = append([]string(nil), p.PreferredCategories...)
	p.PreferredKeywords = append([]string(nil), p.PreferredKeywords...)
	return p
}

// ProductSnapshot captures product fields at the time of an action.
type ProductSnapshot struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Brand    string `json:"brand"`
}

// UnmarshalJSON accepts the product id as a JSON string or number, matching
// product feeds.
func (p *ProductSnapshot) UnmarshalJSON(b []byte) error {
	type plain ProductSnapshot
	var v struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = ProductSnapshot(v.plain)
	switch raw := bytes.TrimSpace(v.ID); {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		return json.Unmarshal(raw, &p.ID)
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("product id: %w", err)
		}
		p.ID = n.String()
	}
	return nil
}

// Action is an immutable user interaction event.
type Action struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	PersonaID   string            `json:"personaId,omitempty"`
	Kind        ActionKind        `json:"kind"`
	Product     *ProductSnapshot  `json:"product,omitempty"`
	SearchQuery string            `json:"searchQuery,omitempty"`
	ResultCount int               `json:"resultCount,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Context     map[string]string `json:"context,omitempty"`
}

func (a Action) productName() string {
	if a.Product == nil {
		return ""
	}
	return a.Product.Name
}

func (a Action) productCategory() string {
	if a.Product == nil {
		return ""
	}
	return a.Product.Category
}

// Counts maps a label to how often it was observed.
type Counts map[string]int

// Top returns up to n labels by descending count, ties broken by label.
func (c Counts) Top(n int) []string {
	labels := make([]string, 0, len(c))
	for k := range c {
		labels = append(labels, k)
	}
	sort.Slice(labels, func(i, j int) bool {
		if c[labels[i]] != c[labels[j]] {
			return c[labels[i]] > c[labels[j]]
		}
		return labels[i] < labels[j]
	})
	if n >= 0 && len(labels) > n {
		labels = labels[:n]
	}
	return labels
}

// Profile is the behavioral state kept per user id.
type Profile struct {
	UserID           string    `json:"userId"`
	Persona          *Persona  `json:"persona,omitempty"`
	RecentActions    []Action  `json:"recentActions"`
	CategoryCounts   Counts    `json:"categoryCounts"`
	BrandCounts      Counts    `json:"brandCounts"`
	KeywordCounts    Counts    `json:"keywordCounts"`
	PreferenceVector []float32 `json:"preferenceVector,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func newProfile(userID string) *Profile {
	return &Profile{
		UserID:         userID,
		CategoryCounts: Counts{},
		BrandCounts:    Counts{},
		KeywordCounts:  Counts{},
	}
}

func deepCopyProfile(p *Profile) Profile {
	cp := Profile{
		UserID:           p.UserID,
		RecentActions:    make([]Action, len(p.RecentActions)),
		CategoryCounts:   make(Counts, len(p.CategoryCounts)),
		BrandCounts:      make(Counts, len(p.BrandCounts)),
		KeywordCounts:    make(Counts, len(p.KeywordCounts)),
		PreferenceVector: append([]float32(nil), p.PreferenceVector...),
		UpdatedAt:        p.UpdatedAt,
	}
	if p.Persona != nil {
		ps := p.Persona.clone()
		cp.Persona = &ps
	}
	for i, a := range p.RecentActions {
		cp.RecentActions[i] = copyAction(a)
	}
	for k, v := range p.CategoryCounts {
		cp.CategoryCounts[k] = v
	}
	for k, v := range p.BrandCounts {
		cp.BrandCounts[k] = v
	}
	for k, v := range p.KeywordCounts {
		cp.KeywordCounts[k] = v
	}
	return cp
}

func copyAction(a Action) Action {
	if a.Product != nil {
		ps := *a.Product
		a.Product = &ps
	}
	if a.Context != nil {
		ctx := make(map[string]string, len(a.Context))
		for k, v := range a.Context {
			ctx[k] = v
		}
		a.Context = ctx
	}
	return a
}
