// Package badger is a metadata.Store on an embedded BadgerDB.
//
// Key schema:
//
//	i:<id>                  item JSON
//	c:<parent>\x00<id>      children index (parent is empty for roots)
//	o:<owner>\x00<id>       owner index
//	r:<member>\x00<id>      roots index (owner and collaborators of parentless items)
//	t:<token>               share token -> item id
//	b:<token>               collection JSON
//	u:<identity>            user JSON
//	m:roots                 set once the roots index has been built
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
)

const sep = "\x00"

func keyItem(id string) []byte            { return []byte("i:" + id) }
func keyChildPrefix(parent string) []byte { return []byte("c:" + parent + sep) }
func keyChild(parent, id string) []byte   { return []byte("c:" + parent + sep + id) }
func keyOwnerPrefix(owner string) []byte  { return []byte("o:" + owner + sep) }
func keyOwner(owner, id string) []byte    { return []byte("o:" + owner + sep + id) }
func keyRootPrefix(member string) []byte  { return []byte("r:" + member + sep) }
func keyRoot(member, id string) []byte    { return []byte("r:" + member + sep + id) }
func keyToken(token string) []byte        { return []byte("t:" + token) }
func keyBundle(token string) []byte       { return []byte("b:" + token) }
func keyUser(identity string) []byte      { return []byte("u:" + identity) }

var keyRootsBuilt = []byte("m:roots")

// maxTxnRetries bounds retries of transactions that lost a write conflict.
const maxTxnRetries = 8

// Config configures the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
}

// Store implements metadata.Store.
type Store struct {
	db *badger.DB
}

var _ metadata.Store = (*Store)(nil)

// Open opens or creates the database.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING).WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}
	s := &Store{db: db}
	if err := s.buildRootIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("build roots index: %w", err)
	}
	return s, nil
}

// buildRootIndex fills the roots index for databases written before it existed.
func (s *Store) buildRootIndex() error {
	return s.update(func(txn *badger.Txn) error {
		built, err := exists(txn, keyRootsBuilt)
		if err != nil || built {
			return err
		}
		roots, err := scanIndex(txn, keyChildPrefix(""), nil)
		if err != nil {
			return err
		}
		for _, item := range roots {
			if err := setRoots(txn, item); err != nil {
				return err
			}
		}
		return txn.Set(keyRootsBuilt, nil)
	})
}

// update runs fn in a read-write transaction, retrying when the commit
// loses to a concurrent writer.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxTxnRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func members(item *metadata.Item) []string {
	return append([]string{item.Owner}, item.Collaborators...)
}

func setRoots(txn *badger.Txn, item *metadata.Item) error {
	if item.ParentID != "" {
		return nil
	}
	for _, m := range members(item) {
		if err := txn.Set(keyRoot(m, item.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

func clearRoots(txn *badger.Txn, item *metadata.Item) error {
	if item.ParentID != "" {
		return nil
	}
	for _, m := range members(item) {
		if err := txn.Delete(keyRoot(m, item.ID)); err != nil {
			return err
		}
	}
	return nil
}

func observe(op string, start time.Time) {
	metrics.RecordDBQuery("badger_"+op, time.Since(start))
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	entry, err := txn.Get(key)
	if err != nil {
		return err
	}
	return entry.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func loadItem(txn *badger.Txn, id string) (*metadata.Item, error) {
	var item metadata.Item
	if err := getJSON(txn, keyItem(id), &item); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("item %s: %w", id, metadata.ErrNotFound)
		}
		return nil, err
	}
	return &item, nil
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) CreateItem(_ context.Context, item *metadata.Item) error {
	defer observe("create_item", time.Now())
	return s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, keyItem(item.ID))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("item %s: %w", item.ID, metadata.ErrConflict)
		}
		if item.ShareToken != "" {
			taken, err := exists(txn, keyToken(item.ShareToken))
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("share token: %w", metadata.ErrConflict)
			}
			if err := txn.Set(keyToken(item.ShareToken), []byte(item.ID)); err != nil {
				return err
			}
		}
		if err := setJSON(txn, keyItem(item.ID), item); err != nil {
			return err
		}
		if err := txn.Set(keyChild(item.ParentID, item.ID), nil); err != nil {
			return err
		}
		if err := setRoots(txn, item); err != nil {
			return err
		}
		return txn.Set(keyOwner(item.Owner, item.ID), nil)
	})
}

func (s *Store) GetItem(_ context.Context, id string) (*metadata.Item, error) {
	defer observe("get_item", time.Now())
	var item *metadata.Item
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		item, err = loadItem(txn, id)
		return err
	})
	return item, err
}

func (s *Store) UpdateItem(_ context.Context, item *metadata.Item) error {
	defer observe("update_item", time.Now())
	return s.update(func(txn *badger.Txn) error {
		old, err := loadItem(txn, item.ID)
		if err != nil {
			return err
		}
		next := item.Clone()
		next.ShareToken = old.ShareToken
		next.Collaborators = old.Collaborators

		if old.ParentID != next.ParentID {
			if err := txn.Delete(keyChild(old.ParentID, next.ID)); err != nil {
				return err
			}
			if err := txn.Set(keyChild(next.ParentID, next.ID), nil); err != nil {
				return err
			}
		}
		if old.Owner != next.Owner {
			if err := txn.Delete(keyOwner(old.Owner, next.ID)); err != nil {
				return err
			}
			if err := txn.Set(keyOwner(next.Owner, next.ID), nil); err != nil {
				return err
			}
		}
		if old.ParentID != next.ParentID || old.Owner != next.Owner {
			if err := clearRoots(txn, old); err != nil {
				return err
			}
			if err := setRoots(txn, next); err != nil {
				return err
			}
		}
		return setJSON(txn, keyItem(next.ID), next)
	})
}

func (s *Store) SetShareToken(_ context.Context, id, token string) (string, error) {
	defer observe("set_share_token", time.Now())
	var result string
	err := s.update(func(txn *badger.Txn) error {
		item, err := loadItem(txn, id)
		if err != nil {
			return err
		}
		if item.ShareToken != "" {
			result = item.ShareToken
			return nil
		}
		taken, err := exists(txn, keyToken(token))
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("share token: %w", metadata.ErrConflict)
		}
		item.ShareToken = token
		if err := txn.Set(keyToken(token), []byte(id)); err != nil {
			return err
		}
		result = token
		return setJSON(txn, keyItem(id), item)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (s *Store) AddCollaborator(_ context.Context, id, identity string) (bool, error) {
	defer observe("add_collaborator", time.Now())
	var added bool
	err := s.update(func(txn *badger.Txn) error {
		added = false
		item, err := loadItem(txn, id)
		if err != nil {
			return err
		}
		if slices.Contains(item.Collaborators, identity) {
			return nil
		}
		item.Collaborators = append(item.Collaborators, identity)
		if item.ParentID == "" {
			if err := txn.Set(keyRoot(identity, id), nil); err != nil {
				return err
			}
		}
		added = true
		return setJSON(txn, keyItem(id), item)
	})
	return added, err
}

func (s *Store) RemoveCollaborator(_ context.Context, id, identity string) error {
	defer observe("remove_collaborator", time.Now())
	return s.update(func(txn *badger.Txn) error {
		item, err := loadItem(txn, id)
		if err != nil {
			return err
		}
		idx := slices.Index(item.Collaborators, identity)
		if idx < 0 {
			return fmt.Errorf("collaborator %q: %w", identity, metadata.ErrNotFound)
		}
		item.Collaborators = slices.Delete(item.Collaborators, idx, idx+1)
		if item.ParentID == "" && identity != item.Owner {
			if err := txn.Delete(keyRoot(identity, id)); err != nil {
				return err
			}
		}
		return setJSON(txn, keyItem(id), item)
	})
}

func (s *Store) DeleteItem(_ context.Context, id string) error {
	defer observe("delete_item", time.Now())
	return s.update(func(txn *badger.Txn) error {
		item, err := loadItem(txn, id)
		if err != nil {
			return err
		}
		if item.ShareToken != "" {
			if err := txn.Delete(keyToken(item.ShareToken)); err != nil {
				return err
			}
		}
		if err := txn.Delete(keyChild(item.ParentID, id)); err != nil {
			return err
		}
		if err := txn.Delete(keyOwner(item.Owner, id)); err != nil {
			return err
		}
		if err := clearRoots(txn, item); err != nil {
			return err
		}
		return txn.Delete(keyItem(id))
	})
}

// scanIndex loads every item referenced by an index prefix.
func scanIndex(txn *badger.Txn, prefix []byte, match func(*metadata.Item) bool) ([]*metadata.Item, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*metadata.Item
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		id := string(it.Item().Key()[len(prefix):])
		item, err := loadItem(txn, id)
		if errors.Is(err, metadata.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if match == nil || match(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Store) FindChild(_ context.Context, owner, parentID, name string, isFolder bool) (*metadata.Item, error) {
	defer observe("find_child", time.Now())
	var found *metadata.Item
	err := s.db.View(func(txn *badger.Txn) error {
		items, err := scanIndex(txn, keyChildPrefix(parentID), func(it *metadata.Item) bool {
			return it.Owner == owner && it.Name == name && it.IsFolder == isFolder
		})
		if err != nil {
			return err
		}
		for _, it := range items {
			if found == nil || it.CreatedAt.Before(found.CreatedAt) {
				found = it
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("child %q: %w", name, metadata.ErrNotFound)
	}
	return found, nil
}

func (s *Store) list(op string, prefix []byte, match func(*metadata.Item) bool) ([]*metadata.Item, error) {
	defer observe(op, time.Now())
	var out []*metadata.Item
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = scanIndex(txn, prefix, match)
		return err
	})
	return out, err
}

func (s *Store) ListChildren(_ context.Context, parentID string) ([]*metadata.Item, error) {
	return s.list("list_children", keyChildPrefix(parentID), nil)
}

func (s *Store) ListRoots(_ context.Context, identity string) ([]*metadata.Item, error) {
	return s.list("list_roots", keyRootPrefix(identity), func(it *metadata.Item) bool {
		return it.ParentID == "" && it.HasMember(identity)
	})
}

func (s *Store) ListByOwner(_ context.Context, owner string) ([]*metadata.Item, error) {
	return s.list("list_by_owner", keyOwnerPrefix(owner), nil)
}

func (s *Store) GetItemByShareToken(_ context.Context, token string) (*metadata.Item, error) {
	defer observe("get_by_token", time.Now())
	var item *metadata.Item
	err := s.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get(keyToken(token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("share token: %w", metadata.ErrNotFound)
		}
		if err != nil {
			return err
		}
		id, err := entry.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = loadItem(txn, string(id))
		return err
	})
	return item, err
}

func (s *Store) CreateCollection(_ context.Context, c *metadata.Collection) error {
	defer observe("create_collection", time.Now())
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, keyBundle(c.Token))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("collection %s: %w", c.Token, metadata.ErrConflict)
		}
		return setJSON(txn, keyBundle(c.Token), c)
	})
}

func (s *Store) GetCollection(_ context.Context, token string) (*metadata.Collection, error) {
	defer observe("get_collection", time.Now())
	var c metadata.Collection
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyBundle(token), &c)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("collection: %w", metadata.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) PutUser(_ context.Context, u *metadata.User) error {
	defer observe("put_user", time.Now())
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, keyUser(u.Identity), u)
	})
}

func (s *Store) GetUser(_ context.Context, identity string) (*metadata.User, error) {
	defer observe("get_user", time.Now())
	var u metadata.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyUser(identity), &u)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("user %q: %w", identity, metadata.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database is closed")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
