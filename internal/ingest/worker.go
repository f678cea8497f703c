package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/strongbuy/internal/index"
	"github.com/kalambet/strongbuy/internal/storage"
)

// JobEmbedProducts is the job type handled by the Worker.
const JobEmbedProducts = "embed_products"

// batchSize is the number of products embedded per pool task.
const batchSize = 32

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// JobQueue enqueues jobs. Implemented by storage.Store.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
}

// BatchEmbedder generates embeddings for many texts at once.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentWriter stores index documents.
type DocumentWriter interface {
	BulkUpsert(ctx context.Context, docs []index.Document) error
}

type embedPayload struct {
	Products []Product `json:"products"`
}

// EnqueueProducts queues products for embedding and returns the job id.
func EnqueueProducts(q JobQueue, products []Product) (string, error) {
	if len(products) == 0 {
		return "", errors.New("no products to ingest")
	}
	payload, err := json.Marshal(embedPayload{Products: products})
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobEmbedProducts,
		PayloadJSON: string(payload),
	}
	if err := q.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}
	return job.ID, nil
}

// Worker processes embed_products jobs from the SQLite job queue. Batches
// of one job are embedded concurrently on an ants pool.
type Worker struct {
	store    JobStore
	embedder BatchEmbedder
	docs     DocumentWriter
	pool     *ants.Pool
	poll     time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms; poolSize below 1 means 1.
func NewWorker(store JobStore, embedder BatchEmbedder, docs DocumentWriter, poolSize int, pollInterval time.Duration) (*Worker, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("creating embedding pool: %w", err)
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		docs:     docs,
		pool:     pool,
		poll:     pollInterval,
		logger:   slog.Default().With("component", "ingest"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Release frees the embedding pool.
func (w *Worker) Release() {
	w.pool.Release()
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_products job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobEmbedProducts})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if len(payload.Products) == 0 {
		return nil
	}

	docs, err := w.Documents(ctx, payload.Products)
	if err != nil {
		return err
	}
	if err := w.docs.BulkUpsert(ctx, docs); err != nil {
		return fmt.Errorf("upserting %d documents: %w", len(docs), err)
	}
	w.logger.Info("products indexed", "job_id", job.ID, "count", len(docs))
	return nil
}

// Documents embeds products and converts them to index documents, keeping
// input order. The first batch error aborts the whole set.
func (w *Worker) Documents(ctx context.Context, products []Product) ([]index.Document, error) {
	docs := make([]index.Document, len(products))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	now := w.now()
	for start := 0; start < len(products); start += batchSize {
		end := min(start+batchSize, len(products))
		wg.Add(1)
		err := w.pool.Submit(func() {
			defer wg.Done()
			if err := w.embedBatch(ctx, products[start:end], docs[start:end], now); err != nil {
				setErr(fmt.Errorf("products %d-%d: %w", start, end-1, err))
			}
		})
		if err != nil {
			wg.Done()
			setErr(fmt.Errorf("submitting batch: %w", err))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return docs, nil
}

func (w *Worker) embedBatch(ctx context.Context, products []Product, out []index.Document, now time.Time) error {
	names := make([]string, len(products))
	descriptions := make([]string, len(products))
	reviews := make([]string, len(products))
	combined := make([]string, len(products))
	for i, p := range products {
		names[i] = p.Name
		descriptions[i] = p.Description
		reviews[i] = p.ReviewText()
		combined[i] = p.CombinedText()
	}

	var emb [4][][]float32
	for i, texts := range [][]string{names, descriptions, reviews, combined} {
		vecs, err := w.embedColumn(ctx, texts)
		if err != nil {
			return err
		}
		emb[i] = vecs
	}

	for i, p := range products {
		d, err := p.Document(Embeddings{
			Name:        emb[0][i],
			Description: emb[1][i],
			Reviews:     emb[2][i],
			Combined:    emb[3][i],
		}, now)
		if err != nil {
			return err
		}
		out[i] = d
	}
	return nil
}

// embedColumn embeds the non-blank texts, leaving nil vectors for blanks.
func (w *Worker) embedColumn(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var idx []int
	var batch []string
	for i, t := range texts {
		if t != "" {
			idx = append(idx, i)
			batch = append(batch, t)
		}
	}
	if len(batch) == 0 {
		return out, nil
	}
	vecs, err := w.embedder.EmbedBatch(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(vecs), len(batch))
	}
	for j, i := range idx {
		out[i] = vecs[j]
	}
	return out, nil
}
