package persona

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var defaultCatalogYAML []byte

// ActionTemplate describes one synthetic history entry relative to the
// moment a persona is assigned.
type ActionTemplate struct {
	Key         string     `yaml:"key"`
	Kind        ActionKind `yaml:"kind"`
	ProductID   string     `yaml:"product_id"`
	ProductName string     `yaml:"product_name"`
	Category    string     `yaml:"category"`
	Brand       string     `yaml:"brand"`
	Query       string     `yaml:"query"`
	ResultCount int        `yaml:"result_count"`
	DaysAgo     int        `yaml:"days_ago"`
}

// Materialize turns the template into a concrete action for userID.
func (t ActionTemplate) Materialize(personaID, userID string, now time.Time) Action {
	a := Action{
		ID:          personaID + "-" + t.Key,
		UserID:      userID,
		PersonaID:   personaID,
		Kind:        t.Kind,
		SearchQuery: t.Query,
		ResultCount: t.ResultCount,
		Timestamp:   now.AddDate(0, 0, -t.DaysAgo),
	}
	if t.ProductID != "" || t.ProductName != "" || t.Category != "" || t.Brand != "" {
		a.Product = &ProductSnapshot{
			ID:       t.ProductID,
			Name:     t.ProductName,
			Category: t.Category,
			Brand:    t.Brand,
		}
	}
	return a
}

// Entry is a persona together with its synthetic history.
type Entry struct {
	Persona `yaml:",inline"`
	History []ActionTemplate `yaml:"history"`
}

// Catalog is the full persona fixture set.
type Catalog struct {
	Personas []Entry `yaml:"personas"`
}

// ParseCatalog decodes and validates a YAML persona catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parsing persona catalog: %w", err)
	}
	seen := make(map[string]bool, len(c.Personas))
	for i, e := range c.Personas {
		if e.ID == "" {
			return Catalog{}, fmt.Errorf("persona %d: missing id", i)
		}
		if seen[e.ID] {
			return Catalog{}, fmt.Errorf("persona %q: duplicate id", e.ID)
		}
		seen[e.ID] = true
		keys := make(map[string]bool, len(e.History))
		for _, t := range e.History {
			if t.Key == "" || keys[t.Key] {
				return Catalog{}, fmt.Errorf("persona %q: missing or duplicate history key %q", e.ID, t.Key)
			}
			keys[t.Key] = true
		}
	}
	return c, nil
}

// DefaultCatalog returns the built-in personas.
func DefaultCatalog() (Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalogFile reads a persona catalog from path.
func LoadCatalogFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("reading persona catalog: %w", err)
	}
	return ParseCatalog(data)
}
