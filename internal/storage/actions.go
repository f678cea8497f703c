package storage

import (
	"encoding/json"
	"fmt"
)

const actionColumns = `id, user_id, persona_id, kind, product_id, product_name, product_category,
	product_brand, search_query, result_count, context, created_at`

// SaveUserAction persists a. Saving an id twice keeps the first copy.
func (s *Store) SaveUserAction(a ActionRecord) error {
	ctx := []byte("{}")
	if len(a.Context) > 0 {
		var err error
		if ctx, err = json.Marshal(a.Context); err != nil {
			return err
		}
	}
	_, err := s.db.Exec(`INSERT INTO user_actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.ID, a.UserID, a.PersonaID, a.Kind, a.ProductID, a.ProductName, a.ProductCategory,
		a.ProductBrand, a.SearchQuery, a.ResultCount, string(ctx), timestamp(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving action %s: %w", a.ID, err)
	}
	return nil
}

// UserActions returns up to limit persisted actions of userID, newest first.
func (s *Store) UserActions(userID string, limit int) ([]ActionRecord, error) {
	rows, err := s.db.Query(`SELECT `+actionColumns+` FROM user_actions
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ActionRecord{}
	for rows.Next() {
		var a ActionRecord
		var ctx, created string
		if err := rows.Scan(&a.ID, &a.UserID, &a.PersonaID, &a.Kind, &a.ProductID, &a.ProductName,
			&a.ProductCategory, &a.ProductBrand, &a.SearchQuery, &a.ResultCount, &ctx, &created); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTimestamp("created_at", created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ctx), &a.Context); err != nil {
			return nil, fmt.Errorf("decoding context of %s: %w", a.ID, err)
		}
		if len(a.Context) == 0 {
			a.Context = nil
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
