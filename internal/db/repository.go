// Package db provides CRUD repository operations for the offline cache.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/kimhsiao/taskdeck/internal/models"
)

// Repository provides CRUD operations for cached entities, pending operations and dead letters.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Cached Entity Operations
// =====================================================

const upsertEntityQuery = `
	INSERT INTO cached_entities (entity_type, id, data, unsynced, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, id) DO UPDATE SET
		data = excluded.data,
		unsynced = excluded.unsynced,
		updated_at = excluded.updated_at
	`

// PutEntity upserts a cached entity by (type, id).
func (r *Repository) PutEntity(ctx context.Context, e *models.Entity) error {
	stmt, err := r.PrepareStmt(ctx, upsertEntityQuery)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, e.Type, e.ID, string(e.Data), e.Unsynced, e.UpdatedAt)
	return err
}

// DeleteEntity removes a cached entity. Deleting a missing entity is not an error.
func (r *Repository) DeleteEntity(ctx context.Context, typ models.EntityType, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM cached_entities WHERE entity_type = ? AND id = ?", typ, id)
	return err
}

// GetEntity retrieves a cached entity. Returns sql.ErrNoRows when absent.
func (r *Repository) GetEntity(ctx context.Context, typ models.EntityType, id string) (*models.Entity, error) {
	stmt, err := r.PrepareStmt(ctx, `
	SELECT entity_type, id, data, unsynced, updated_at
	FROM cached_entities WHERE entity_type = ? AND id = ?
	`)
	if err != nil {
		return nil, err
	}
	return scanEntity(stmt.QueryRowContext(ctx, typ, id))
}

// ListEntities returns every cached entity of a type ordered by id.
func (r *Repository) ListEntities(ctx context.Context, typ models.EntityType) ([]*models.Entity, error) {
	stmt, err := r.PrepareStmt(ctx, `
	SELECT entity_type, id, data, unsynced, updated_at
	FROM cached_entities WHERE entity_type = ? ORDER BY id
	`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := make([]*models.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// ReplaceEntities swaps the full contents of a type in one transaction.
func (r *Repository) ReplaceEntities(ctx context.Context, typ models.EntityType, entities []*models.Entity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cached_entities WHERE entity_type = ?", typ); err != nil {
		return fmt.Errorf("failed to clear %s: %w", typ, err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertEntityQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entities {
		if e.Type != typ {
			return fmt.Errorf("entity %s has type %s, want %s", e.ID, e.Type, typ)
		}
		if _, err := stmt.ExecContext(ctx, e.Type, e.ID, string(e.Data), e.Unsynced, e.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert %s/%s: %w", typ, e.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteAllEntities clears the whole cache.
func (r *Repository) DeleteAllEntities(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM cached_entities")
	return err
}

// CountUnsynced counts entities of a type carrying the unsynced marker.
func (r *Repository) CountUnsynced(ctx context.Context, typ models.EntityType) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cached_entities WHERE entity_type = ? AND unsynced = 1", typ).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var e models.Entity
	var data string
	if err := row.Scan(&e.Type, &e.ID, &data, &e.Unsynced, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Data = []byte(data)
	return &e, nil
}
