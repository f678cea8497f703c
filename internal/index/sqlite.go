package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Compile-time check that SQLiteIndex implements DocumentIndex.
var _ DocumentIndex = (*SQLiteIndex)(nil)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteIndex stores documents in a SQLite table and answers queries with a
// brute-force scan: lexical scoring and cosine similarity run in Go over the
// rows that pass the filter.
type SQLiteIndex struct {
	db   *sql.DB
	name string
}

// NewSQLiteIndex wraps an existing *sql.DB. name is the table that holds the
// documents; it is created by CreateIndex.
func NewSQLiteIndex(db *sql.DB, name string) (*SQLiteIndex, error) {
	if !identRe.MatchString(name) {
		return nil, fmt.Errorf("invalid index name %q", name)
	}
	return &SQLiteIndex{db: db, name: name}, nil
}

func sqlitePlaceholder(int) string { return "?" }

// IndexExists reports whether the named table exists.
func (s *SQLiteIndex) IndexExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking index %s: %w", name, err)
	}
	return n > 0, nil
}

// CreateIndex creates the document table and its filter indexes. The schema
// name must match the name the index was opened with.
func (s *SQLiteIndex) CreateIndex(ctx context.Context, schema Schema) error {
	if schema.Name != s.name {
		return fmt.Errorf("schema name %q does not match index %q", schema.Name, s.name)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS index_meta (
			name       TEXT PRIMARY KEY,
			dimensions INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.name + ` (
			id                    TEXT PRIMARY KEY,
			name                  TEXT NOT NULL DEFAULT '',
			category              TEXT NOT NULL DEFAULT '',
			brand                 TEXT NOT NULL DEFAULT '',
			color                 TEXT NOT NULL DEFAULT '',
			size                  TEXT NOT NULL DEFAULT '',
			material              TEXT NOT NULL DEFAULT '',
			doc                   TEXT NOT NULL,
			name_embedding        BLOB,
			description_embedding BLOB,
			reviews_embedding     BLOB,
			combined_embedding    BLOB,
			updated_at            TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + s.name + `_category ON ` + s.name + `(category)`,
		`CREATE INDEX IF NOT EXISTS idx_` + s.name + `_brand ON ` + s.name + `(brand)`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create index transaction: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("creating index %s: %w", s.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO index_meta (name, dimensions, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET dimensions = excluded.dimensions`,
		s.name, schema.Dimensions, time.Now().UTC().Format(time.RFC3339)); err != nil {
		tx.Rollback()
		return fmt.Errorf("recording index %s: %w", s.name, err)
	}
	return tx.Commit()
}

func (s *SQLiteIndex) requireIndex(ctx context.Context) error {
	ok, err := s.IndexExists(ctx, s.name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", s.name, ErrIndexNotFound)
	}
	return nil
}

func (s *SQLiteIndex) dimensions(ctx context.Context) (int, error) {
	var dims int
	err := s.db.QueryRowContext(ctx, `SELECT dimensions FROM index_meta WHERE name = ?`, s.name).Scan(&dims)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading index dimensions: %w", err)
	}
	return dims, nil
}

// BulkUpsert inserts or replaces documents by id in one transaction.
func (s *SQLiteIndex) BulkUpsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.requireIndex(ctx); err != nil {
		return err
	}
	dims, err := s.dimensions(ctx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := checkDocument(d, dims); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+s.name+` (id, name, category, brand, color, size, material, doc,
			name_embedding, description_embedding, reviews_embedding, combined_embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, category = excluded.category, brand = excluded.brand,
			color = excluded.color, size = excluded.size, material = excluded.material,
			doc = excluded.doc, name_embedding = excluded.name_embedding,
			description_embedding = excluded.description_embedding,
			reviews_embedding = excluded.reviews_embedding,
			combined_embedding = excluded.combined_embedding, updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, d := range docs {
		body, err := json.Marshal(d.withoutEmbeddings())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encoding document %s: %w", d.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.Name, d.Category, d.Brand, d.Color, d.Size, d.Material, string(body),
			packVector(d.NameEmbedding), packVector(d.DescriptionEmbedding),
			packVector(d.ReviewsEmbedding), packVector(d.CombinedEmbedding), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting document %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// checkDocument validates id and embedding dimensions. dims 0 skips the
// dimension check.
func checkDocument(d Document, dims int) error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("document has empty id")
	}
	if dims == 0 {
		return nil
	}
	for field, v := range map[string][]float32{
		FieldNameEmbedding:        d.NameEmbedding,
		FieldDescriptionEmbedding: d.DescriptionEmbedding,
		FieldReviewsEmbedding:     d.ReviewsEmbedding,
		FieldCombinedEmbedding:    d.CombinedEmbedding,
	} {
		if len(v) != 0 && len(v) != dims {
			return fmt.Errorf("document %s: %s has %d dimensions, index expects %d", d.ID, field, len(v), dims)
		}
	}
	return nil
}

// Count returns the number of documents matching filter.
func (s *SQLiteIndex) Count(ctx context.Context, filter string) (int64, error) {
	if err := s.requireIndex(ctx); err != nil {
		return 0, err
	}
	where, args, err := WhereClause(filter, sqlitePlaceholder, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.name+` WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// Search scans the filtered documents, scores them lexically and, when
// q.Vector is set, by cosine similarity, then fuses both rankings.
func (s *SQLiteIndex) Search(ctx context.Context, q Query) (Result, error) {
	if err := s.requireIndex(ctx); err != nil {
		return Result{}, err
	}
	column := "combined_embedding"
	if q.Vector != nil {
		c, ok := vectorColumn(q.Vector.Field)
		if !ok {
			return Result{}, fmt.Errorf("unknown vector field %q", q.Vector.Field)
		}
		column = c
	}
	where, args, err := WhereClause(q.Filter, sqlitePlaceholder, nil)
	if err != nil {
		return Result{}, err
	}

	// Phase 1: scan doc + query vector column for the filtered population.
	rows, err := s.db.QueryContext(ctx, `SELECT doc, `+column+` FROM `+s.name+` WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return Result{}, fmt.Errorf("querying documents: %w", err)
	}
	var docs []Document
	var knn *topK
	var queryNorm float64
	if q.Vector != nil {
		knn = newTopK(q.Vector.K)
		queryNorm = magnitude(q.Vector.Vector)
	}
	var buf []float32
	for rows.Next() {
		var body string
		var blob []byte
		if err := rows.Scan(&body, &blob); err != nil {
			rows.Close()
			return Result{}, fmt.Errorf("scanning document: %w", err)
		}
		var d Document
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			rows.Close()
			return Result{}, fmt.Errorf("decoding document: %w", err)
		}
		docs = append(docs, d)
		if knn == nil || len(blob) == 0 || queryNorm == 0 {
			continue
		}
		buf, err = unpackVector(buf, blob)
		if err != nil {
			rows.Close()
			return Result{}, fmt.Errorf("decoding embedding for %s: %w", d.ID, err)
		}
		knn.offer(d.ID, cosine(q.Vector.Vector, buf, queryNorm))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Result{}, fmt.Errorf("iterating documents: %w", err)
	}
	rows.Close()

	var neighbours []idScore
	if knn != nil {
		neighbours = knn.sorted()
	}
	ordered, lexPop := fuse(q, docs, neighbours)
	res := Result{
		TotalCount: int64(len(ordered)),
		Facets:     facets(q.Facets, lexPop),
	}
	if q.Top > 0 && len(ordered) > q.Top {
		ordered = ordered[:q.Top]
	}

	// Phase 2: attach embeddings to the winners only.
	ids := make([]string, len(ordered))
	for i, r := range ordered {
		ids[i] = r.doc.ID
	}
	embeddings, err := s.embeddings(ctx, ids)
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

// sqliteMaxVars stays below SQLite's bound-parameter limit.
const sqliteMaxVars = 500

func (s *SQLiteIndex) embeddings(ctx context.Context, ids []string) (map[string]Document, error) {
	out := make(map[string]Document, len(ids))
	for start := 0; start < len(ids); start += sqliteMaxVars {
		chunk := ids[start:min(start+sqliteMaxVars, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, name_embedding, description_embedding, reviews_embedding, combined_embedding
			FROM `+s.name+` WHERE id IN (?`+strings.Repeat(",?", len(chunk)-1)+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("fetching embeddings: %w", err)
		}
		for rows.Next() {
			var id string
			var blobs [4][]byte
			if err := rows.Scan(&id, &blobs[0], &blobs[1], &blobs[2], &blobs[3]); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning embeddings: %w", err)
			}
			var vecs [4][]float32
			for i, b := range blobs {
				v, err := unpackVector(nil, b)
				if err != nil {
					rows.Close()
					return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
				}
				vecs[i] = v
			}
			out[id] = Document{
				NameEmbedding:        vecs[0],
				DescriptionEmbedding: vecs[1],
				ReviewsEmbedding:     vecs[2],
				CombinedEmbedding:    vecs[3],
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterating embeddings: %w", err)
		}
	}
	return out, nil
}
