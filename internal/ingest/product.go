// Package ingest turns product feeds into index documents. Products are
// queued as embed_products jobs; the Worker embeds them and upserts the
// resulting documents.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kalambet/strongbuy/internal/index"
)

// ProductID accepts both numeric and string ids on the wire.
type ProductID string

func (p *ProductID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = ProductID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("product id: %w", err)
	}
	*p = ProductID(n.String())
	return nil
}

// Product is one catalog item as supplied by a product feed.
type Product struct {
	ID            ProductID      `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Price         float64        `json:"price"`
	Category      string         `json:"category"`
	Subcategories []string       `json:"subcategories,omitempty"`
	Brand         string         `json:"brand,omitempty"`
	Color         string         `json:"color,omitempty"`
	Size          string         `json:"size,omitempty"`
	Material      string         `json:"material,omitempty"`
	Image         string         `json:"image,omitempty"`
	Images        []string       `json:"images,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Reviews       []index.Review `json:"reviews,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// ReviewText joins the review comments.
func (p Product) ReviewText() string {
	var parts []string
	for _, r := range p.Reviews {
		if c := strings.TrimSpace(r.Comment); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

// CombinedText is the text behind the combined embedding: name,
// description and review comments.
func (p Product) CombinedText() string {
	var parts []string
	for _, s := range []string{p.Name, p.Description, p.ReviewText()} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Embeddings holds the four vectors computed for one product.
type Embeddings struct {
	Name        []float32
	Description []float32
	Reviews     []float32
	Combined    []float32
}

// Document converts p into an index document carrying emb. Attributes are
// serialized as a JSON object; zero timestamps are set to now.
func (p Product) Document(emb Embeddings, now time.Time) (index.Document, error) {
	d := index.Document{
		ID:                   string(p.ID),
		Name:                 p.Name,
		Description:          p.Description,
		Price:                p.Price,
		Category:             p.Category,
		Subcategories:        p.Subcategories,
		Brand:                p.Brand,
		Color:                p.Color,
		Size:                 p.Size,
		Material:             p.Material,
		Image:                p.Image,
		Images:               p.Images,
		Tags:                 p.Tags,
		Reviews:              p.Reviews,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
		NameEmbedding:        emb.Name,
		DescriptionEmbedding: emb.Description,
		ReviewsEmbedding:     emb.Reviews,
		CombinedEmbedding:    emb.Combined,
	}
	if len(p.Attributes) > 0 {
		b, err := json.Marshal(p.Attributes)
		if err != nil {
			return index.Document{}, fmt.Errorf("product %s attributes: %w", p.ID, err)
		}
		d.Attributes = string(b)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	return d, nil
}

// ParseProducts decodes a product feed: either a JSON array of products or
// an object with a "products" array.
func ParseProducts(data []byte) ([]Product, error) {
	data = bytes.TrimSpace(data)
	var products []Product
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Products []Product `json:"products"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("parsing products: %w", err)
		}
		products = wrapped.Products
	} else if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("parsing products: %w", err)
	}
	for i, p := range products {
		if p.ID == "" {
			return nil, fmt.Errorf("product %d: missing id", i)
		}
	}
	return products, nil
}

// LoadProductsFile reads and parses the product feed at path.
func LoadProductsFile(path string) ([]Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProducts(data)
}
