package index

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/strongbuy/internal/storage"
)

func newTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := NewSQLiteIndex(store.DB(), "products")
	require.NoError(t, err)
	require.NoError(t, idx.CreateIndex(context.Background(), Schema{Name: "products", Dimensions: 3}))
	return idx
}

func testDocs() []Document {
	return []Document{
		{ID: "1", Name: "無線防水藍牙耳機", Category: "電子產品", Brand: "聲浪", Description: "運動專用", CombinedEmbedding: []float32{1, 0, 0}},
		{ID: "2", Name: "降噪耳機", Category: "電子產品", Brand: "靜界", CombinedEmbedding: []float32{0, 1, 0}},
		{ID: "3", Name: "防曬乳 SPF50", Category: "美妝", Brand: "素顏光", Tags: []string{"防水"}, CombinedEmbedding: []float32{0, 0, 1}},
		{ID: "4", Name: "輕量運動水壺", Category: "運動用品", Brand: "活力水", CombinedEmbedding: []float32{0.9, 0.1, 0}},
		{ID: "5", Name: "保濕面膜", Category: "美妝", Brand: "O'Brien's"},
	}
}

func seed(t *testing.T, idx *SQLiteIndex) {
	t.Helper()
	require.NoError(t, idx.BulkUpsert(context.Background(), testDocs()))
}

func hitIDs(res Result) []string {
	ids := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		ids[i] = h.Document.ID
	}
	return ids
}

func TestSQLiteIndexLifecycle(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	ok, err := idx.IndexExists(ctx, "products")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = idx.IndexExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	// Idempotent.
	require.NoError(t, idx.CreateIndex(ctx, Schema{Name: "products", Dimensions: 3}))
	assert.Error(t, idx.CreateIndex(ctx, Schema{Name: "other", Dimensions: 3}))

	seed(t, idx)
	n, err := idx.Count(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	n, err = idx.Count(ctx, Filter("", []string{"美妝"}, []string{"O'Brien's"}))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Upsert replaces by id.
	require.NoError(t, idx.BulkUpsert(ctx, []Document{{ID: "5", Name: "保濕面膜 加大", Category: "美妝"}}))
	n, err = idx.Count(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestSQLiteIndexMissing(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	idx, err := NewSQLiteIndex(store.DB(), "products")
	require.NoError(t, err)

	_, err = idx.Search(context.Background(), Query{Text: "*"})
	assert.True(t, errors.Is(err, ErrIndexNotFound))
	_, err = idx.Count(context.Background(), "")
	assert.True(t, errors.Is(err, ErrIndexNotFound))
}

func TestNewSQLiteIndexRejectsBadName(t *testing.T) {
	_, err := NewSQLiteIndex(nil, "products; DROP TABLE jobs")
	assert.Error(t, err)
}

func TestBulkUpsertValidates(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	assert.Error(t, idx.BulkUpsert(ctx, []Document{{ID: " "}}))
	assert.Error(t, idx.BulkUpsert(ctx, []Document{{ID: "x", CombinedEmbedding: []float32{1, 2}}}))
	assert.NoError(t, idx.BulkUpsert(ctx, nil))
}

func TestSearchWildcard(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(context.Background(), Query{Text: "*", Top: 10, Facets: []string{"category", "brand"}})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.TotalCount)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, hitIDs(res))
	assert.Equal(t, []FacetValue{{"美妝", 2}, {"電子產品", 2}, {"運動用品", 1}}, res.Facets["category"])
	assert.Len(t, res.Facets["brand"], 5)
}

func TestSearchLexicalRanking(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(context.Background(), Query{Text: "防水", Top: 10})
	require.NoError(t, err)
	// Name match outweighs tag match.
	assert.Equal(t, []string{"1", "3"}, hitIDs(res))
	assert.EqualValues(t, 2, res.TotalCount)
}

func TestSearchBigramFallback(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(context.Background(), Query{Text: "防水耳機", Top: 10})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "1", res.Hits[0].Document.ID)
}

func TestSearchFilterAndTop(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(context.Background(), Query{
		Text:   "*",
		Filter: Filter("", []string{"美妝", "電子產品"}, nil),
		Top:    2,
		Facets: []string{"category"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.TotalCount)
	assert.Len(t, res.Hits, 2)
	for _, h := range res.Hits {
		assert.Contains(t, []string{"美妝", "電子產品"}, h.Document.Category)
	}
	assert.Equal(t, []FacetValue{{"美妝", 2}, {"電子產品", 2}}, res.Facets["category"])
}

func TestSearchVectorFusion(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(context.Background(), Query{
		Text:   "*",
		Vector: &VectorQuery{Field: FieldCombinedEmbedding, K: 2, Vector: []float32{1, 0, 0}},
		Top:    10,
		Facets: []string{"category"},
	})
	require.NoError(t, err)
	ids := hitIDs(res)
	assert.Equal(t, []string{"1", "4"}, ids[:2], "nearest neighbours lead")
	assert.EqualValues(t, 5, res.TotalCount)
	assert.Equal(t, []float32{1, 0, 0}, res.Hits[0].Document.CombinedEmbedding)

	// Facets do not depend on the vector query.
	plain, err := idx.Search(context.Background(), Query{Text: "*", Top: 10, Facets: []string{"category"}})
	require.NoError(t, err)
	assert.Equal(t, plain.Facets, res.Facets)
}

func TestSearchVectorAddsNonLexicalNeighbours(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(context.Background(), Query{
		Text:   "面膜",
		Vector: &VectorQuery{Field: FieldCombinedEmbedding, K: 1, Vector: []float32{0, 1, 0}},
		Top:    10,
		Facets: []string{"category"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"5", "2"}, hitIDs(res))
	// Facets cover the lexical population only.
	assert.Equal(t, []FacetValue{{"美妝", 1}}, res.Facets["category"])
}

func TestSearchUnknownVectorField(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Search(context.Background(), Query{Vector: &VectorQuery{Field: "priceEmbedding", K: 1, Vector: []float32{1}}})
	assert.Error(t, err)
}

func TestSearchBadFilter(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Search(context.Background(), Query{Text: "*", Filter: "category eq"})
	assert.Error(t, err)
}
