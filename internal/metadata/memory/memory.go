// Package memory is an in-process metadata.Store backed by maps.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
)

// Store keeps everything in memory. Contents are lost on restart.
type Store struct {
	mu          sync.RWMutex
	items       map[string]*metadata.Item
	tokens      map[string]string // share token -> item id
	collections map[string]*metadata.Collection
	users       map[string]*metadata.User
}

var _ metadata.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		items:       make(map[string]*metadata.Item),
		tokens:      make(map[string]string),
		collections: make(map[string]*metadata.Collection),
		users:       make(map[string]*metadata.User),
	}
}

func (s *Store) CreateItem(_ context.Context, item *metadata.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return fmt.Errorf("item %s: %w", item.ID, metadata.ErrConflict)
	}
	if item.ShareToken != "" {
		if _, ok := s.tokens[item.ShareToken]; ok {
			return fmt.Errorf("share token: %w", metadata.ErrConflict)
		}
		s.tokens[item.ShareToken] = item.ID
	}
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *Store) GetItem(_ context.Context, id string) (*metadata.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, metadata.ErrNotFound)
	}
	return item.Clone(), nil
}

func (s *Store) UpdateItem(_ context.Context, item *metadata.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.items[item.ID]
	if !ok {
		return fmt.Errorf("item %s: %w", item.ID, metadata.ErrNotFound)
	}
	cp := item.Clone()
	cp.ShareToken = old.ShareToken
	cp.Collaborators = slices.Clone(old.Collaborators)
	s.items[item.ID] = cp
	return nil
}

func (s *Store) SetShareToken(_ context.Context, id, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return "", fmt.Errorf("item %s: %w", id, metadata.ErrNotFound)
	}
	if item.ShareToken != "" {
		return item.ShareToken, nil
	}
	if _, ok := s.tokens[token]; ok {
		return "", fmt.Errorf("share token: %w", metadata.ErrConflict)
	}
	item.ShareToken = token
	s.tokens[token] = id
	return token, nil
}

func (s *Store) AddCollaborator(_ context.Context, id, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return false, fmt.Errorf("item %s: %w", id, metadata.ErrNotFound)
	}
	if slices.Contains(item.Collaborators, identity) {
		return false, nil
	}
	item.Collaborators = append(slices.Clone(item.Collaborators), identity)
	return true, nil
}

func (s *Store) RemoveCollaborator(_ context.Context, id, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, metadata.ErrNotFound)
	}
	idx := slices.Index(item.Collaborators, identity)
	if idx < 0 {
		return fmt.Errorf("collaborator %q: %w", identity, metadata.ErrNotFound)
	}
	item.Collaborators = slices.Delete(slices.Clone(item.Collaborators), idx, idx+1)
	return nil
}

func (s *Store) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, metadata.ErrNotFound)
	}
	if item.ShareToken != "" {
		delete(s.tokens, item.ShareToken)
	}
	delete(s.items, id)
	return nil
}

func (s *Store) FindChild(_ context.Context, owner, parentID, name string, isFolder bool) (*metadata.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *metadata.Item
	for _, it := range s.items {
		if it.Owner == owner && it.ParentID == parentID && it.Name == name && it.IsFolder == isFolder {
			// Oldest wins so duplicates created elsewhere resolve deterministically.
			if found == nil || it.CreatedAt.Before(found.CreatedAt) {
				found = it
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("child %q: %w", name, metadata.ErrNotFound)
	}
	return found.Clone(), nil
}

func (s *Store) collect(match func(*metadata.Item) bool) []*metadata.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*metadata.Item
	for _, it := range s.items {
		if match(it) {
			out = append(out, it.Clone())
		}
	}
	return out
}

func (s *Store) ListChildren(_ context.Context, parentID string) ([]*metadata.Item, error) {
	return s.collect(func(it *metadata.Item) bool { return it.ParentID == parentID }), nil
}

func (s *Store) ListRoots(_ context.Context, identity string) ([]*metadata.Item, error) {
	return s.collect(func(it *metadata.Item) bool {
		return it.ParentID == "" && it.HasMember(identity)
	}), nil
}

func (s *Store) ListByOwner(_ context.Context, owner string) ([]*metadata.Item, error) {
	return s.collect(func(it *metadata.Item) bool { return it.Owner == owner }), nil
}

func (s *Store) GetItemByShareToken(ctx context.Context, token string) (*metadata.Item, error) {
	s.mu.RLock()
	id, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("share token: %w", metadata.ErrNotFound)
	}
	return s.GetItem(ctx, id)
}

func (s *Store) CreateCollection(_ context.Context, c *metadata.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[c.Token]; ok {
		return fmt.Errorf("collection %s: %w", c.Token, metadata.ErrConflict)
	}
	cp := *c
	cp.ItemIDs = slices.Clone(c.ItemIDs)
	s.collections[c.Token] = &cp
	return nil
}

func (s *Store) GetCollection(_ context.Context, token string) (*metadata.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[token]
	if !ok {
		return nil, fmt.Errorf("collection: %w", metadata.ErrNotFound)
	}
	cp := *c
	cp.ItemIDs = slices.Clone(c.ItemIDs)
	return &cp, nil
}

func (s *Store) PutUser(_ context.Context, u *metadata.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	cp.Credential = slices.Clone(u.Credential)
	s.users[u.Identity] = &cp
	return nil
}

func (s *Store) GetUser(_ context.Context, identity string) (*metadata.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[identity]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", identity, metadata.ErrNotFound)
	}
	cp := *u
	cp.Credential = slices.Clone(u.Credential)
	return &cp, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
