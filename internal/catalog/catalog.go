// Package catalog loads the static category and brand inventory that bounds
// every category/brand suggestion the service makes.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// CategoryInfo summarizes one catalog category.
type CategoryInfo struct {
	Name         string `json:"name" yaml:"name"`
	ProductCount int    `json:"productCount" yaml:"product_count"`
	BrandCount   int    `json:"brandCount" yaml:"brand_count"`
}

// Inventory is the categories+brands feed. Feed files use snake_case keys in
// both formats; the JSON tags are the API representation.
type Inventory struct {
	Categories       []CategoryInfo      `json:"categories" yaml:"categories"`
	BrandsByCategory map[string][]string `json:"brandsByCategory" yaml:"brands_by_category"`
}

// jsonFeed is the on-disk JSON layout of an Inventory.
type jsonFeed struct {
	Categories []struct {
		Name         string `json:"name"`
		ProductCount int    `json:"product_count"`
		BrandCount   int    `json:"brand_count"`
	} `json:"categories"`
	BrandsByCategory map[string][]string `json:"brands_by_category"`
}

// Parse decodes an inventory document. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func Parse(name string, data []byte) (Inventory, error) {
	var inv Inventory
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &inv); err != nil {
			return Inventory{}, fmt.Errorf("parsing inventory yaml: %w", err)
		}
	default:
		var feed jsonFeed
		if err := json.Unmarshal(data, &feed); err != nil {
			return Inventory{}, fmt.Errorf("parsing inventory json: %w", err)
		}
		for _, c := range feed.Categories {
			inv.Categories = append(inv.Categories, CategoryInfo(c))
		}
		inv.BrandsByCategory = feed.BrandsByCategory
	}
	if inv.BrandsByCategory == nil {
		inv.BrandsByCategory = map[string][]string{}
	}
	return inv, nil
}

// LoadFile reads and parses the inventory at path.
func LoadFile(path string) (Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Inventory{}, err
	}
	return Parse(path, data)
}

// CategoryNames returns category names in feed order.
func (inv Inventory) CategoryNames() []string {
	names := make([]string, 0, len(inv.Categories))
	for _, c := range inv.Categories {
		if c.Name != "" {
			names = append(names, c.Name)
		}
	}
	return names
}

// Brands returns the brands of category, or every distinct brand when
// category is empty. Unknown categories yield nil.
func (inv Inventory) Brands(category string) []string {
	if category != "" {
		return append([]string(nil), inv.BrandsByCategory[category]...)
	}

	seen := make(map[string]bool)
	var all []string
	add := func(brands []string) {
		for _, b := range brands {
			if b == "" || seen[b] {
				continue
			}
			seen[b] = true
			all = append(all, b)
		}
	}

	listed := make(map[string]bool, len(inv.Categories))
	for _, c := range inv.Categories {
		listed[c.Name] = true
		add(inv.BrandsByCategory[c.Name])
	}
	// Categories present only in the brand map follow in name order.
	var rest []string
	for name := range inv.BrandsByCategory {
		if !listed[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		add(inv.BrandsByCategory[name])
	}
	return all
}

// Loader loads an inventory file on first use and caches it for the life of
// the process.
type Loader struct {
	path string

	once sync.Once
	inv  Inventory
}

// NewLoader returns a Loader for path. An empty path yields an empty inventory.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// NewStatic returns a Loader that serves inv without touching the filesystem.
func NewStatic(inv Inventory) *Loader {
	l := &Loader{}
	l.once.Do(func() { l.inv = inv })
	return l
}

// Inventory returns the cached inventory, loading it on the first call.
// A missing or unreadable file is logged and treated as an empty inventory.
func (l *Loader) Inventory() Inventory {
	l.once.Do(func() {
		l.inv = Inventory{BrandsByCategory: map[string][]string{}}
		if l.path == "" {
			return
		}
		inv, err := LoadFile(l.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Warn("catalog: inventory file not found", "path", l.path)
			} else {
				slog.Warn("catalog: failed to load inventory", "path", l.path, "error", err)
			}
			return
		}
		l.inv = inv
		slog.Info("catalog: inventory loaded", "path", l.path, "categories", len(inv.Categories))
	})
	return l.inv
}

// Categories returns the catalog category names.
func (l *Loader) Categories() []string {
	return l.Inventory().CategoryNames()
}

// Brands returns the brands for category, or all brands when category is empty.
func (l *Loader) Brands(category string) []string {
	return l.Inventory().Brands(category)
}
