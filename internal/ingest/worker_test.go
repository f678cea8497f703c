package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/strongbuy/internal/index"
	"github.com/kalambet/strongbuy/internal/storage"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
	mu      sync.Mutex
	seen    []string
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.seen = append(m.seen, texts...)
	m.mu.Unlock()
	if m.embedFn != nil {
		return m.embedFn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len([]rune(t))), 1, 0}
	}
	return out, nil
}

type mockWriter struct {
	mu   sync.Mutex
	docs []index.Document
	err  error
}

func (m *mockWriter) BulkUpsert(ctx context.Context, docs []index.Document) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, docs...)
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestWorker(t *testing.T, store JobStore, emb BatchEmbedder, w DocumentWriter) *Worker {
	t.Helper()
	wk, err := NewWorker(store, emb, w, 2, 0)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	t.Cleanup(wk.Release)
	return wk
}

func testProducts(n int) []Product {
	out := make([]Product, n)
	for i := range out {
		out[i] = Product{
			ID:       ProductID(fmt.Sprintf("%d", i+1)),
			Name:     fmt.Sprintf("商品 %d", i+1),
			Category: "美妝",
		}
	}
	return out
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, jobID string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, jobID).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job %s: %v", jobID, err)
	}
	return status, attempts
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	products := []Product{{
		ID:          "p1",
		Name:        "防曬乳",
		Description: "防水配方",
		Category:    "美妝",
		Attributes:  map[string]any{"spf": 50},
		Reviews:     []index.Review{{Rating: 5, Comment: "好用"}, {Rating: 4, Comment: " "}},
	}}
	jobID, err := EnqueueProducts(store, products)
	if err != nil {
		t.Fatalf("EnqueueProducts: %v", err)
	}

	emb := &mockEmbedder{}
	writer := &mockWriter{}
	w := newTestWorker(t, store, emb, writer)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if len(writer.docs) != 1 {
		t.Fatalf("upserted %d documents, want 1", len(writer.docs))
	}
	d := writer.docs[0]
	if d.ID != "p1" || d.Category != "美妝" {
		t.Errorf("document = %+v", d)
	}
	if d.Attributes != `{"spf":50}` {
		t.Errorf("Attributes = %q", d.Attributes)
	}
	if d.NameEmbedding == nil || d.DescriptionEmbedding == nil || d.ReviewsEmbedding == nil || d.CombinedEmbedding == nil {
		t.Error("expected all four embeddings")
	}
	// "防曬乳 防水配方 好用" has 11 runes.
	if d.CombinedEmbedding[0] != 11 {
		t.Errorf("combined embedding built from wrong text: %v", d.CombinedEmbedding)
	}
	if d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
		t.Error("timestamps should default to now")
	}

	if status, _ := jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_SkipsBlankTexts(t *testing.T) {
	emb := &mockEmbedder{}
	w := newTestWorker(t, openTestStore(t), emb, &mockWriter{})

	docs, err := w.Documents(context.Background(), []Product{{ID: "1", Name: "水壺"}})
	if err != nil {
		t.Fatalf("Documents: %v", err)
	}
	if docs[0].DescriptionEmbedding != nil || docs[0].ReviewsEmbedding != nil {
		t.Error("blank description and reviews should not be embedded")
	}
	for _, s := range emb.seen {
		if s == "" {
			t.Fatal("blank text sent to embedder")
		}
	}
}

func TestWorker_DocumentsKeepOrderAcrossBatches(t *testing.T) {
	w := newTestWorker(t, openTestStore(t), &mockEmbedder{}, &mockWriter{})

	products := testProducts(batchSize*2 + 5)
	docs, err := w.Documents(context.Background(), products)
	if err != nil {
		t.Fatalf("Documents: %v", err)
	}
	if len(docs) != len(products) {
		t.Fatalf("got %d documents, want %d", len(docs), len(products))
	}
	for i, d := range docs {
		if d.ID != string(products[i].ID) || d.Name != products[i].Name {
			t.Fatalf("document %d = %s/%s, want %s", i, d.ID, d.Name, products[i].ID)
		}
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	jobID, err := EnqueueProducts(store, testProducts(3))
	if err != nil {
		t.Fatalf("EnqueueProducts: %v", err)
	}

	var calls atomic.Int32
	emb := &mockEmbedder{
		embedFn: func(_ context.Context, texts []string) ([][]float32, error) {
			if calls.Add(1) == 1 {
				return nil, fmt.Errorf("transient error")
			}
			out := make([][]float32, len(texts))
			for i := range out {
				out[i] = []float32{0.1, 0.2, 0.3}
			}
			return out, nil
		},
	}
	writer := &mockWriter{}
	w := newTestWorker(t, store, emb, writer)
	ctx := context.Background()

	// 1st attempt fails.
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	if status, attempts := jobStatus(t, store, jobID); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}
	if len(writer.docs) != 0 {
		t.Error("no documents should be written on failure")
	}

	resetRunAfter(t, store, jobID)

	// 2nd attempt succeeds.
	didWork, err := w.RunOnce(ctx)
	if err != nil || !didWork {
		t.Fatalf("RunOnce 2: didWork=%v err=%v", didWork, err)
	}
	if status, _ := jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("after 2nd attempt: status=%q, want completed", status)
	}
	if len(writer.docs) != 3 {
		t.Errorf("upserted %d documents, want 3", len(writer.docs))
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	jobID, err := EnqueueProducts(store, testProducts(1))
	if err != nil {
		t.Fatalf("EnqueueProducts: %v", err)
	}

	writer := &mockWriter{err: fmt.Errorf("index not found")}
	w := newTestWorker(t, store, &mockEmbedder{}, writer)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, jobID)
		}
	}

	status, _ := jobStatus(t, store, jobID)
	if status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
	var lastErr string
	if err := store.DB().QueryRow(`SELECT last_error FROM jobs WHERE id = ?`, jobID).Scan(&lastErr); err != nil {
		t.Fatalf("query last_error: %v", err)
	}
	if !strings.Contains(lastErr, "index not found") {
		t.Errorf("last_error = %q", lastErr)
	}
}

func TestWorker_NoJob(t *testing.T) {
	w := newTestWorker(t, openTestStore(t), &mockEmbedder{}, &mockWriter{})
	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce should report no work on an empty queue")
	}
}

func TestWorker_BadPayload(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "bad", Type: JobEmbedProducts, PayloadJSON: "{"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	w := newTestWorker(t, store, &mockEmbedder{}, &mockWriter{})
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if status, attempts := jobStatus(t, store, "bad"); status != "pending" || attempts != 1 {
		t.Errorf("status=%q attempts=%d, want pending/1", status, attempts)
	}
}

func TestEnqueueProducts_Empty(t *testing.T) {
	if _, err := EnqueueProducts(openTestStore(t), nil); err == nil {
		t.Error("expected error for empty product list")
	}
}

func TestParseProducts(t *testing.T) {
	data := `[
		{"id": 7, "name": "防曬乳", "category": "美妝", "reviews": [{"rating": 5, "comment": "讚"}]},
		{"id": "sku-2", "name": "水壺", "category": "運動用品"}
	]`
	products, err := ParseProducts([]byte(data))
	if err != nil {
		t.Fatalf("ParseProducts: %v", err)
	}
	if len(products) != 2 || products[0].ID != "7" || products[1].ID != "sku-2" {
		t.Fatalf("products = %+v", products)
	}
	if products[0].CombinedText() != "防曬乳 讚" {
		t.Errorf("CombinedText = %q", products[0].CombinedText())
	}

	wrapped, err := ParseProducts([]byte(`{"products": [{"id": 1, "name": "a"}]}`))
	if err != nil || len(wrapped) != 1 {
		t.Fatalf("wrapped feed: %v %v", wrapped, err)
	}

	if _, err := ParseProducts([]byte(`[{"name": "no id"}]`)); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := ParseProducts([]byte(`[{"id": true}]`)); err == nil {
		t.Error("expected error for boolean id")
	}
}

func TestEnqueueProducts_PayloadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	if _, err := EnqueueProducts(store, testProducts(2)); err != nil {
		t.Fatalf("EnqueueProducts: %v", err)
	}
	job, err := store.ClaimNextJob([]string{JobEmbedProducts})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob: %v %v", job, err)
	}
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.Products) != 2 || payload.Products[1].ID != "2" {
		t.Errorf("payload products = %+v", payload.Products)
	}
}
