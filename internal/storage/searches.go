package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const searchColumns = `id, created_at, query_text, persona_id, mode, categories, brands,
	total_count, success, error, duration_ms`

// SaveSearch appends r to the search history.
func (s *Store) SaveSearch(r SearchRecord) error {
	categories, err := encodeList(r.Categories)
	if err != nil {
		return err
	}
	brands, err := encodeList(r.Brands)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO searches (`+searchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, timestamp(r.CreatedAt), r.QueryText, r.PersonaID, r.Mode, categories, brands,
		r.TotalCount, r.Success, r.Error, r.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("saving search %s: %w", r.ID, err)
	}
	return nil
}

// Search returns the history entry with the given id.
func (s *Store) Search(id string) (SearchRecord, error) {
	r, err := scanSearch(s.db.QueryRow(`SELECT `+searchColumns+` FROM searches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SearchRecord{}, ErrNotFound
	}
	return r, err
}

// RecentSearches returns up to limit history entries, newest first.
func (s *Store) RecentSearches(limit int) ([]SearchRecord, error) {
	rows, err := s.db.Query(`SELECT `+searchColumns+` FROM searches
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SearchRecord{}
	for rows.Next() {
		r, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSearch(row scanner) (SearchRecord, error) {
	var (
		r                 SearchRecord
		created           string
		categories, brands string
	)
	err := row.Scan(&r.ID, &created, &r.QueryText, &r.PersonaID, &r.Mode, &categories, &brands,
		&r.TotalCount, &r.Success, &r.Error, &r.DurationMS)
	if err != nil {
		return SearchRecord{}, err
	}
	if r.CreatedAt, err = parseTimestamp("created_at", created); err != nil {
		return SearchRecord{}, err
	}
	if err := json.Unmarshal([]byte(categories), &r.Categories); err != nil {
		return SearchRecord{}, fmt.Errorf("decoding categories of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(brands), &r.Brands); err != nil {
		return SearchRecord{}, fmt.Errorf("decoding brands of %s: %w", r.ID, err)
	}
	return r, nil
}

// encodeList stores nil as an empty JSON array.
func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}
