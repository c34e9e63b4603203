// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
)

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

var _ metadata.Store = (*Store)(nil)

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs every *.up.sql file in migrationsDir in name order.
// Migrations must be idempotent.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found in %s", migrationsDir)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

func observe(query string, start time.Time) {
	metrics.RecordDBQuery(query, time.Since(start))
}

// isUniqueViolation reports a 23505 error from lib/pq.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const itemColumns = `id, name, is_folder, parent_id, owner, collaborators, share_token,
	size, mime_type, created_at, schema_version, extra`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*metadata.Item, error) {
	var (
		it         metadata.Item
		parentID   sql.NullString
		shareToken sql.NullString
		extra      []byte
	)
	collabs := pq.StringArray{}
	if err := row.Scan(&it.ID, &it.Name, &it.IsFolder, &parentID, &it.Owner, &collabs,
		&shareToken, &it.Size, &it.MimeType, &it.CreatedAt, &it.SchemaVersion, &extra); err != nil {
		return nil, err
	}
	it.ParentID = parentID.String
	it.ShareToken = shareToken.String
	it.Collaborators = []string(collabs)
	if it.Collaborators == nil {
		it.Collaborators = []string{}
	}
	if len(extra) > 0 && string(extra) != "{}" {
		if err := json.Unmarshal(extra, &it.Extra); err != nil {
			return nil, fmt.Errorf("decode extra for %s: %w", it.ID, err)
		}
	}
	return &it, nil
}

func encodeExtra(extra map[string]string) ([]byte, error) {
	if len(extra) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(extra)
}

// loadParts attaches parts to items with one query.
func (s *Store) loadParts(ctx context.Context, items []*metadata.Item) error {
	if len(items) == 0 {
		return nil
	}
	byID := make(map[string]*metadata.Item, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.IsFolder {
			continue
		}
		byID[it.ID] = it
		ids = append(ids, it.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, part_number, message_id, locator, size, digest
		 FROM item_parts WHERE item_id = ANY($1) ORDER BY item_id, part_number`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query parts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var itemID string
		var p metadata.Part
		if err := rows.Scan(&itemID, &p.PartNumber, &p.MessageID, &p.Locator, &p.Size, &p.Digest); err != nil {
			return fmt.Errorf("scan part: %w", err)
		}
		if it, ok := byID[itemID]; ok {
			it.Parts = append(it.Parts, p)
		}
	}
	return rows.Err()
}

func (s *Store) queryItems(ctx context.Context, name, query string, args ...any) ([]*metadata.Item, error) {
	defer observe(name, time.Now())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer rows.Close()

	var items []*metadata.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadParts(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) queryItem(ctx context.Context, name, query string, args ...any) (*metadata.Item, error) {
	items, err := s.queryItems(ctx, name, query, args...)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s: %w", name, metadata.ErrNotFound)
	}
	return items[0], nil
}

func writeParts(ctx context.Context, tx *sql.Tx, item *metadata.Item) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM item_parts WHERE item_id = $1`, item.ID); err != nil {
		return fmt.Errorf("clear parts: %w", err)
	}
	for _, p := range item.Parts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO item_parts (item_id, part_number, message_id, locator, size, digest)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			item.ID, p.PartNumber, p.MessageID, p.Locator, p.Size, p.Digest); err != nil {
			return fmt.Errorf("insert part %d: %w", p.PartNumber, err)
		}
	}
	return nil
}

// CreateItem inserts an item and its parts.
func (s *Store) CreateItem(ctx context.Context, item *metadata.Item) error {
	defer observe("create_item", time.Now())

	extra, err := encodeExtra(item.Extra)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO items (`+itemColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		item.ID, item.Name, item.IsFolder, nullString(item.ParentID), item.Owner,
		pq.Array(orEmpty(item.Collaborators)), nullString(item.ShareToken), item.Size, item.MimeType,
		item.CreatedAt, item.SchemaVersion, string(extra))
	if isUniqueViolation(err) {
		return fmt.Errorf("item %s: %w", item.ID, metadata.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	if err := writeParts(ctx, tx, item); err != nil {
		return err
	}
	return tx.Commit()
}

// GetItem loads one item.
func (s *Store) GetItem(ctx context.Context, id string) (*metadata.Item, error) {
	return s.queryItem(ctx, "get_item",
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
}

// UpdateItem replaces the item's own columns and the parts list. The share
// token and collaborators are only changed by their dedicated statements.
func (s *Store) UpdateItem(ctx context.Context, item *metadata.Item) error {
	defer observe("update_item", time.Now())

	extra, err := encodeExtra(item.Extra)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE items SET name = $2, parent_id = $3, owner = $4,
		 size = $5, mime_type = $6, schema_version = $7, extra = $8
		 WHERE id = $1`,
		item.ID, item.Name, nullString(item.ParentID), item.Owner,
		item.Size, item.MimeType, item.SchemaVersion, string(extra))
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", item.ID, metadata.ErrNotFound)
	}
	if !item.IsFolder {
		if err := writeParts(ctx, tx, item); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetShareToken assigns token unless the row already carries one. The row
// lock taken by UPDATE makes concurrent callers agree on a single token.
func (s *Store) SetShareToken(ctx context.Context, id, token string) (string, error) {
	defer observe("set_share_token", time.Now())
	var current string
	err := s.db.QueryRowContext(ctx,
		`UPDATE items SET share_token = COALESCE(share_token, $2) WHERE id = $1 RETURNING share_token`,
		id, token).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("item %s: %w", id, metadata.ErrNotFound)
	}
	if isUniqueViolation(err) {
		return "", fmt.Errorf("share token: %w", metadata.ErrConflict)
	}
	if err != nil {
		return "", fmt.Errorf("set share token: %w", err)
	}
	return current, nil
}

// AddCollaborator appends identity in place so concurrent edits of the same
// folder are not lost.
func (s *Store) AddCollaborator(ctx context.Context, id, identity string) (bool, error) {
	defer observe("add_collaborator", time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET collaborators = array_append(collaborators, $2)
		 WHERE id = $1 AND NOT ($2 = ANY(collaborators))`, id, identity)
	if err != nil {
		return false, fmt.Errorf("add collaborator: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := s.GetItem(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) RemoveCollaborator(ctx context.Context, id, identity string) error {
	defer observe("remove_collaborator", time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET collaborators = array_remove(collaborators, $2)
		 WHERE id = $1 AND $2 = ANY(collaborators)`, id, identity)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetItem(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("collaborator %q: %w", identity, metadata.ErrNotFound)
}

// DeleteItem removes one item. Parts cascade; children do not.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	defer observe("delete_item", time.Now())
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, metadata.ErrNotFound)
	}
	return nil
}

// FindChild returns the oldest matching item.
func (s *Store) FindChild(ctx context.Context, owner, parentID, name string, isFolder bool) (*metadata.Item, error) {
	return s.queryItem(ctx, "find_child",
		`SELECT `+itemColumns+` FROM items
		 WHERE owner = $1 AND parent_id IS NOT DISTINCT FROM $2 AND name = $3 AND is_folder = $4
		 ORDER BY created_at, id LIMIT 1`,
		owner, nullString(parentID), name, isFolder)
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*metadata.Item, error) {
	return s.queryItems(ctx, "list_children",
		`SELECT `+itemColumns+` FROM items WHERE parent_id IS NOT DISTINCT FROM $1`,
		nullString(parentID))
}

func (s *Store) ListRoots(ctx context.Context, identity string) ([]*metadata.Item, error) {
	return s.queryItems(ctx, "list_roots",
		`SELECT `+itemColumns+` FROM items
		 WHERE parent_id IS NULL AND (owner = $1 OR $1 = ANY(collaborators))`,
		identity)
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]*metadata.Item, error) {
	return s.queryItems(ctx, "list_by_owner",
		`SELECT `+itemColumns+` FROM items WHERE owner = $1 ORDER BY created_at DESC`,
		owner)
}

func (s *Store) GetItemByShareToken(ctx context.Context, token string) (*metadata.Item, error) {
	return s.queryItem(ctx, "get_by_token",
		`SELECT `+itemColumns+` FROM items WHERE share_token = $1`, token)
}

func (s *Store) CreateCollection(ctx context.Context, c *metadata.Collection) error {
	defer observe("create_collection", time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (token, item_ids, owner, name, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.Token, pq.Array(orEmpty(c.ItemIDs)), c.Owner, c.Name, c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("collection %s: %w", c.Token, metadata.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert collection: %w", err)
	}
	return nil
}

func (s *Store) GetCollection(ctx context.Context, token string) (*metadata.Collection, error) {
	defer observe("get_collection", time.Now())
	var c metadata.Collection
	ids := pq.StringArray{}
	err := s.db.QueryRowContext(ctx,
		`SELECT token, item_ids, owner, name, created_at FROM collections WHERE token = $1`, token).
		Scan(&c.Token, &ids, &c.Owner, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection: %w", metadata.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	c.ItemIDs = []string(ids)
	return &c, nil
}

func (s *Store) PutUser(ctx context.Context, u *metadata.User) error {
	defer observe("put_user", time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (identity, credential, first_name, account, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identity) DO UPDATE SET credential = EXCLUDED.credential, first_name = EXCLUDED.first_name,
		 account = EXCLUDED.account`,
		u.Identity, u.Credential, u.FirstName, u.Account, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, identity string) (*metadata.User, error) {
	defer observe("get_user", time.Now())
	var u metadata.User
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, credential, first_name, account, created_at FROM users WHERE identity = $1`, identity).
		Scan(&u.Identity, &u.Credential, &u.FirstName, &u.Account, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", identity, metadata.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
