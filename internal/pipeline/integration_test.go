package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/kalambet/strongbuy/internal/catalog"
	"github.com/kalambet/strongbuy/internal/index"
	"github.com/kalambet/strongbuy/internal/intent"
	"github.com/kalambet/strongbuy/internal/persona"
	"github.com/kalambet/strongbuy/internal/retrieval"
	"github.com/kalambet/strongbuy/internal/search"
	"github.com/kalambet/strongbuy/internal/storage"
)

// keywordGateway embeds text onto three axes by keyword.
type keywordGateway struct{}

func (keywordGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	switch {
	case strings.Contains(text, "防曬"):
		return []float32{0, 0, 1}, nil
	case strings.Contains(text, "耳機"):
		return []float32{1, 0, 0}, nil
	default:
		return []float32{0, 1, 0}, nil
	}
}

func (g keywordGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = g.Embed(ctx, t)
	}
	return out, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *persona.Store) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx, err := index.NewSQLiteIndex(store.DB(), "products")
	if err != nil {
		t.Fatalf("NewSQLiteIndex: %v", err)
	}
	if err := idx.CreateIndex(ctx, index.Schema{Name: "products", Dimensions: 3}); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	docs := []index.Document{
		{ID: "1", Name: "無線防水藍牙耳機", Category: "電子產品", Brand: "音樂達人", CombinedEmbedding: []float32{1, 0, 0}},
		{ID: "2", Name: "降噪耳機", Category: "電子產品", Brand: "靜音", CombinedEmbedding: []float32{0.8, 0.2, 0}},
		{ID: "3", Name: "戶外運動防曬乳 SPF50", Category: "美妝", Brand: "戶外盾牌", CombinedEmbedding: []float32{0, 0, 1}},
		{ID: "4", Name: "清爽防曬噴霧", Category: "美妝", Brand: "海灘守護", CombinedEmbedding: []float32{0, 0.6, 0.4}},
		{ID: "5", Name: "運動水壺", Category: "運動用品", Brand: "活力水", CombinedEmbedding: []float32{0, 1, 0}},
	}
	if err := idx.BulkUpsert(ctx, docs); err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}

	cat, err := persona.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	personas := persona.NewStore(cat, nil)

	inventory := catalog.NewStatic(catalog.Inventory{
		Categories: []catalog.CategoryInfo{{Name: "電子產品"}, {Name: "美妝"}, {Name: "運動用品"}},
		BrandsByCategory: map[string][]string{
			"電子產品": {"音樂達人", "靜音"},
			"美妝":   {"戶外盾牌", "海灘守護"},
			"運動用品": {"活力水"},
		},
	})

	p := New(
		intent.NewAnalyzer(nil, inventory, personas, 0),
		retrieval.NewVectorBuilder(keywordGateway{}, personas),
		search.NewEngine(idx),
		WithSearchLog(store),
	)
	return p, personas
}

func TestPipeline_EmptyQueryWildcard(t *testing.T) {
	p, _ := newTestPipeline(t)

	res := p.Run(context.Background(), Request{})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if len(res.SuggestedCategories) != 0 || len(res.SuggestedBrands) != 0 {
		t.Errorf("unexpected suggestions %v %v", res.SuggestedCategories, res.SuggestedBrands)
	}
	if res.Mode != search.ModeTextOnly || res.ProductVector != nil {
		t.Errorf("Mode = %v, want text_only without vectors", res.Mode)
	}
	if res.Search.TotalCount != 5 || len(res.Search.Hits) != 5 {
		t.Errorf("total=%d hits=%d, want every document", res.Search.TotalCount, len(res.Search.Hits))
	}
	if len(res.Search.Facets["category"]) != 3 {
		t.Errorf("category facets = %v", res.Search.Facets["category"])
	}
}

func TestPipeline_OutdoorPersonaReranks(t *testing.T) {
	p, personas := newTestPipeline(t)

	var orderID string
	for _, o := range personas.Orders("outdoor") {
		if o.Product != nil && strings.Contains(o.Product.Name, "防曬乳") {
			orderID = o.ID
		}
	}
	if orderID == "" {
		t.Fatal("outdoor persona has no sunscreen order")
	}

	res := p.Run(context.Background(), Request{
		Text:      "防曬",
		PersonaID: "outdoor",
		OrderIDs:  []string{orderID},
	})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if res.Mode != search.ModeUserReranked {
		t.Fatalf("Mode = %v, want user_reranked", res.Mode)
	}
	hits := res.Search.Hits
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].Document.ID != "3" {
		t.Errorf("first hit = %s, want the outdoor sunscreen", hits[0].Document.ID)
	}
	if hits[0].UserScore == nil {
		t.Error("re-ranked hits should carry a user score")
	}
	for i := 1; i < len(hits); i++ {
		if *hits[i].UserScore > *hits[i-1].UserScore {
			t.Fatalf("hits not ordered by user score at %d", i)
		}
	}
}

func TestPipeline_CategoryFallbackFilters(t *testing.T) {
	p, _ := newTestPipeline(t)

	res := p.Run(context.Background(), Request{Text: "美妝"})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if len(res.SuggestedCategories) != 1 || res.SuggestedCategories[0] != "美妝" {
		t.Fatalf("SuggestedCategories = %v", res.SuggestedCategories)
	}
	if res.Search.Filter != "category eq '美妝'" {
		t.Errorf("Filter = %q", res.Search.Filter)
	}
	for _, h := range res.Search.Hits {
		if h.Document.Category != "美妝" {
			t.Errorf("hit %s in category %s", h.Document.ID, h.Document.Category)
		}
	}
}
