package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Compile-time check that PostgresIndex implements DocumentIndex.
var _ DocumentIndex = (*PostgresIndex)(nil)

// PostgresIndex stores documents in Postgres with pgvector columns. k-NN
// queries run in the database with the cosine distance operator; lexical
// scoring and fusion run in Go, as in SQLiteIndex.
type PostgresIndex struct {
	db   *sql.DB
	name string
}

// OpenPostgres connects to dsn and returns an index over table name.
func OpenPostgres(ctx context.Context, dsn, name string) (*PostgresIndex, error) {
	if !identRe.MatchString(name) {
		return nil, fmt.Errorf("invalid index name %q", name)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresIndex{db: db, name: name}, nil
}

// Close closes the connection pool.
func (p *PostgresIndex) Close() error {
	return p.db.Close()
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// IndexExists reports whether the named table exists in the current schema.
func (p *PostgresIndex) IndexExists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`,
		name).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking index %s: %w", name, err)
	}
	return ok, nil
}

// CreateIndex enables pgvector and creates the document table with an HNSW
// index on the combined embedding.
func (p *PostgresIndex) CreateIndex(ctx context.Context, schema Schema) error {
	if schema.Name != p.name {
		return fmt.Errorf("schema name %q does not match index %q", schema.Name, p.name)
	}
	if schema.Dimensions <= 0 {
		return fmt.Errorf("schema dimensions must be positive, got %d", schema.Dimensions)
	}
	vec := "vector(" + strconv.Itoa(schema.Dimensions) + ")"
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS ` + p.name + ` (
			id                    TEXT PRIMARY KEY,
			name                  TEXT NOT NULL DEFAULT '',
			category              TEXT NOT NULL DEFAULT '',
			brand                 TEXT NOT NULL DEFAULT '',
			color                 TEXT NOT NULL DEFAULT '',
			size                  TEXT NOT NULL DEFAULT '',
			material              TEXT NOT NULL DEFAULT '',
			doc                   JSONB NOT NULL,
			name_embedding        ` + vec + `,
			description_embedding ` + vec + `,
			reviews_embedding     ` + vec + `,
			combined_embedding    ` + vec + `,
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + p.name + `_category ON ` + p.name + ` (category)`,
		`CREATE INDEX IF NOT EXISTS idx_` + p.name + `_brand ON ` + p.name + ` (brand)`,
		`CREATE INDEX IF NOT EXISTS idx_` + p.name + `_combined ON ` + p.name + ` USING hnsw (combined_embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating index %s: %w", p.name, err)
		}
	}
	return nil
}

func (p *PostgresIndex) requireIndex(ctx context.Context) error {
	ok, err := p.IndexExists(ctx, p.name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", p.name, ErrIndexNotFound)
	}
	return nil
}

// nullableVector maps an empty embedding to SQL NULL.
func nullableVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

// BulkUpsert inserts or replaces documents by id in one transaction.
func (p *PostgresIndex) BulkUpsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := p.requireIndex(ctx); err != nil {
		return err
	}
	for _, d := range docs {
		if err := checkDocument(d, 0); err != nil {
			return err
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+p.name+` (id, name, category, brand, color, size, material, doc,
			name_embedding, description_embedding, reviews_embedding, combined_embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, category = EXCLUDED.category, brand = EXCLUDED.brand,
			color = EXCLUDED.color, size = EXCLUDED.size, material = EXCLUDED.material,
			doc = EXCLUDED.doc, name_embedding = EXCLUDED.name_embedding,
			description_embedding = EXCLUDED.description_embedding,
			reviews_embedding = EXCLUDED.reviews_embedding,
			combined_embedding = EXCLUDED.combined_embedding, updated_at = now()`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		body, err := json.Marshal(d.withoutEmbeddings())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encoding document %s: %w", d.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.Name, d.Category, d.Brand, d.Color, d.Size, d.Material, string(body),
			nullableVector(d.NameEmbedding), nullableVector(d.DescriptionEmbedding),
			nullableVector(d.ReviewsEmbedding), nullableVector(d.CombinedEmbedding)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting document %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of documents matching filter.
func (p *PostgresIndex) Count(ctx context.Context, filter string) (int64, error) {
	if err := p.requireIndex(ctx); err != nil {
		return 0, err
	}
	where, args, err := WhereClause(filter, pgPlaceholder, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+p.name+` WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// Search loads the filtered documents, asks Postgres for the k nearest
// neighbours under the same filter, and fuses both rankings.
func (p *PostgresIndex) Search(ctx context.Context, q Query) (Result, error) {
	if err := p.requireIndex(ctx); err != nil {
		return Result{}, err
	}
	where, args, err := WhereClause(q.Filter, pgPlaceholder, nil)
	if err != nil {
		return Result{}, err
	}

	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM `+p.name+` WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return Result{}, fmt.Errorf("querying documents: %w", err)
	}
	var docs []Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			rows.Close()
			return Result{}, fmt.Errorf("scanning document: %w", err)
		}
		var d Document
		if err := json.Unmarshal(body, &d); err != nil {
			rows.Close()
			return Result{}, fmt.Errorf("decoding document: %w", err)
		}
		docs = append(docs, d)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return Result{}, fmt.Errorf("iterating documents: %w", err)
	}

	var neighbours []idScore
	if q.Vector != nil {
		neighbours, err = p.nearest(ctx, *q.Vector, where, args)
		if err != nil {
			return Result{}, err
		}
	}

	ordered, lexPop := fuse(q, docs, neighbours)
	res := Result{
		TotalCount: int64(len(ordered)),
		Facets:     facets(q.Facets, lexPop),
	}
	if q.Top > 0 && len(ordered) > q.Top {
		ordered = ordered[:q.Top]
	}

	ids := make([]string, len(ordered))
	for i, r := range ordered {
		ids[i] = r.doc.ID
	}
	embeddings, err := p.embeddings(ctx, ids)
	if err != nil {
		return Result{}, err
	}
	res.Hits = make([]Hit, len(ordered))
	for i, r := range ordered {
		d := r.doc
		if e, ok := embeddings[d.ID]; ok {
			d.NameEmbedding = e.NameEmbedding
			d.DescriptionEmbedding = e.DescriptionEmbedding
			d.ReviewsEmbedding = e.ReviewsEmbedding
			d.CombinedEmbedding = e.CombinedEmbedding
		}
		res.Hits[i] = Hit{Document: d, Score: r.score}
	}
	return res, nil
}

func (p *PostgresIndex) nearest(ctx context.Context, vq VectorQuery, where string, args []any) ([]idScore, error) {
	column, ok := vectorColumn(vq.Field)
	if !ok {
		return nil, fmt.Errorf("unknown vector field %q", vq.Field)
	}
	if vq.K <= 0 || len(vq.Vector) == 0 {
		return nil, nil
	}
	args = append(args, pgvector.NewVector(vq.Vector))
	vecArg := pgPlaceholder(len(args))
	args = append(args, vq.K)
	limitArg := pgPlaceholder(len(args))

	// <=> is cosine distance, so similarity is 1 - distance.
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, 1 - (`+column+` <=> `+vecArg+`) AS score
		FROM `+p.name+`
		WHERE `+column+` IS NOT NULL AND `+where+`
		ORDER BY `+column+` <=> `+vecArg+`, id
		LIMIT `+limitArg, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []idScore
	for rows.Next() {
		var s idScore
		if err := rows.Scan(&s.ID, &s.Score); err != nil {
			return nil, fmt.Errorf("scanning neighbour: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresIndex) embeddings(ctx context.Context, ids []string) (map[string]Document, error) {
	out := make(map[string]Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	ph := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		ph[i] = pgPlaceholder(i + 1)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name_embedding, description_embedding, reviews_embedding, combined_embedding
		FROM `+p.name+` WHERE id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n [4]nullVector
		if err := rows.Scan(&id, &n[0], &n[1], &n[2], &n[3]); err != nil {
			return nil, fmt.Errorf("scanning embeddings: %w", err)
		}
		out[id] = Document{
			NameEmbedding:        n[0].slice(),
			DescriptionEmbedding: n[1].slice(),
			ReviewsEmbedding:     n[2].slice(),
			CombinedEmbedding:    n[3].slice(),
		}
	}
	return out, rows.Err()
}

// nullVector scans a nullable vector column.
type nullVector struct {
	v     pgvector.Vector
	valid bool
}

func (n *nullVector) Scan(src any) error {
	if src == nil {
		n.valid = false
		return nil
	}
	n.valid = true
	return n.v.Scan(src)
}

func (n nullVector) slice() []float32 {
	if !n.valid {
		return nil
	}
	return n.v.Slice()
}
