// Package index is the product document index: lexical and k-NN search
// over product documents with filter expressions and facets. SQLiteIndex is
// the embedded default; PostgresIndex serves deployments with pgvector.
package index

import (
	"context"
	"errors"
	"time"
)

// Vector field names accepted by VectorQuery.Field.
const (
	FieldNameEmbedding        = "nameEmbedding"
	FieldDescriptionEmbedding = "descriptionEmbedding"
	FieldReviewsEmbedding     = "reviewsEmbedding"
	FieldCombinedEmbedding    = "combinedEmbedding"
)

// ErrIndexNotFound is returned when the named index has not been created.
var ErrIndexNotFound = errors.New("index not found")

// DocumentIndex is the search backend used by the hybrid search engine.
type DocumentIndex interface {
	// Search runs a lexical query, optionally fused with a k-NN query.
	Search(ctx context.Context, q Query) (Result, error)

	// Count returns the number of documents matching filter ("" counts all).
	Count(ctx context.Context, filter string) (int64, error)

	// IndexExists reports whether the named index has been created.
	IndexExists(ctx context.Context, name string) (bool, error)

	// CreateIndex creates the index described by s. Idempotent.
	CreateIndex(ctx context.Context, s Schema) error

	// BulkUpsert inserts or replaces documents by id.
	BulkUpsert(ctx context.Context, docs []Document) error
}

// Review is one customer review of a product.
type Review struct {
	Rating  float64 `json:"rating"`
	Comment string  `json:"comment"`
}

// Document is a product as stored in the index.
type Document struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Price         float64   `json:"price"`
	Category      string    `json:"category"`
	Subcategories []string  `json:"subcategories,omitempty"`
	Brand         string    `json:"brand,omitempty"`
	Color         string    `json:"color,omitempty"`
	Size          string    `json:"size,omitempty"`
	Material      string    `json:"material,omitempty"`
	Image         string    `json:"image,omitempty"`
	Images        []string  `json:"images,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Attributes    string    `json:"attributes,omitempty"` // JSON object
	Reviews       []Review  `json:"reviews,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	NameEmbedding        []float32 `json:"nameEmbedding,omitempty"`
	DescriptionEmbedding []float32 `json:"descriptionEmbedding,omitempty"`
	ReviewsEmbedding     []float32 `json:"reviewsEmbedding,omitempty"`
	CombinedEmbedding    []float32 `json:"combinedEmbedding,omitempty"`
}

// withoutEmbeddings returns d with the vector fields cleared.
func (d Document) withoutEmbeddings() Document {
	d.NameEmbedding = nil
	d.DescriptionEmbedding = nil
	d.ReviewsEmbedding = nil
	d.CombinedEmbedding = nil
	return d
}

// VectorQuery is a k-nearest-neighbour query against one vector field.
type VectorQuery struct {
	Field  string
	K      int
	Vector []float32
}

// Query is one search request. Text "*" or "" matches every document that
// passes Filter.
type Query struct {
	Text   string
	Filter string
	Vector *VectorQuery
	Top    int
	Facets []string
}

// Hit is one ranked document.
type Hit struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// FacetValue is the count of one distinct field value.
type FacetValue struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Result is the response to a Query.
type Result struct {
	Hits       []Hit                   `json:"hits"`
	TotalCount int64                   `json:"totalCount"`
	Facets     map[string][]FacetValue `json:"facets,omitempty"`
}

// Schema describes an index to create.
type Schema struct {
	Name       string
	Dimensions int
}
