package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dovos/conversation-archive/internal/clock"
	"github.com/dovos/conversation-archive/internal/domain"
)

// SettingRepository persists key/value settings, grounded directly on
// db/repositories/setting_repository.py. Used by the Watch-Folder Poller
// and Heartbeat components to store their last-run state (spec §4.H, §4.I).
type SettingRepository struct {
	q     querier
	clock clock.Clock
}

// Settings returns a repository bound directly to the pool.
func (d *DB) Settings() *SettingRepository {
	return &SettingRepository{q: d.conn, clock: d.clock}
}

// Get fetches a single setting by id.
func (r *SettingRepository) Get(ctx context.Context, id string) (*domain.Setting, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, value, category, updated_at FROM settings WHERE id = $1`, id)
	return scanSetting(row)
}

// GetValue returns a setting's raw value, or fallback when unset.
func (r *SettingRepository) GetValue(ctx context.Context, id string, fallback string) (string, error) {
	s, err := r.Get(ctx, id)
	if err == domain.ErrSettingNotFound {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

// GetAll returns every setting in a category, or every setting when
// category is empty.
func (r *SettingRepository) GetAll(ctx context.Context, category string) ([]*domain.Setting, error) {
	var rows *sql.Rows
	var err error
	if category == "" {
		rows, err = r.q.QueryContext(ctx, `SELECT id, value, category, updated_at FROM settings ORDER BY id`)
	} else {
		rows, err = r.q.QueryContext(ctx, `
			SELECT id, value, category, updated_at FROM settings WHERE category = $1 ORDER BY id`, category)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get all settings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Setting
	for rows.Next() {
		s, err := scanSettingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetAllAsDict is GetAll flattened into a plain map, for config-style bulk
// reads of a whole settings category at once.
func (r *SettingRepository) GetAllAsDict(ctx context.Context, category string) (map[string]string, error) {
	settings, err := r.GetAll(ctx, category)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for _, s := range settings {
		out[s.ID] = s.Value
	}
	return out, nil
}

// CreateOrUpdate upserts a setting by id.
func (r *SettingRepository) CreateOrUpdate(ctx context.Context, id, value, category string) (*domain.Setting, error) {
	now := r.clock.Now()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO settings (id, value, category, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET value = EXCLUDED.value, category = EXCLUDED.category, updated_at = EXCLUDED.updated_at`,
		id, value, category, now)
	if err != nil {
		return nil, fmt.Errorf("store: create_or_update setting: %w", err)
	}
	return &domain.Setting{ID: id, Value: value, Category: category, UpdatedAt: now}, nil
}

// Delete removes a setting.
func (r *SettingRepository) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM settings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete setting: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrSettingNotFound
	}
	return nil
}

// Count returns the number of settings in a category, or overall when
// category is empty.
func (r *SettingRepository) Count(ctx context.Context, category string) (int, error) {
	var count int
	var err error
	if category == "" {
		err = r.q.QueryRowContext(ctx, `SELECT count(*) FROM settings`).Scan(&count)
	} else {
		err = r.q.QueryRowContext(ctx, `SELECT count(*) FROM settings WHERE category = $1`, category).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("store: count settings: %w", err)
	}
	return count, nil
}

func scanSetting(row *sql.Row) (*domain.Setting, error) {
	return scanSettingScanner(row)
}

func scanSettingRows(rows *sql.Rows) (*domain.Setting, error) {
	return scanSettingScanner(rows)
}

func scanSettingScanner(s rowScanner) (*domain.Setting, error) {
	var st domain.Setting
	if err := s.Scan(&st.ID, &st.Value, &st.Category, &st.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSettingNotFound
		}
		return nil, fmt.Errorf("store: scan setting: %w", err)
	}
	return &st, nil
}
