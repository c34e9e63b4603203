package metadata

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
)

// Observer receives tree changes after they are persisted.
type Observer func(Change)

// Tree enforces ownership and collaboration rules over a Store.
type Tree struct {
	store    Store
	locks    *keyLock
	observer Observer
	now      func() time.Time
	newID    func() string
}

// Option configures a Tree.
type Option func(*Tree)

// WithObserver registers a change observer.
func WithObserver(o Observer) Option {
	return func(t *Tree) { t.observer = o }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) { t.now = now }
}

// NewTree creates a Tree over store.
func NewTree(store Store, opts ...Option) *Tree {
	t := &Tree{
		store: store,
		locks: newKeyLock(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the underlying backend.
func (t *Tree) Store() Store {
	return t.store
}

func (t *Tree) notify(c Change) {
	if t.observer != nil {
		t.observer(c)
	}
}

// ValidateName rejects names that cannot appear as a single path segment.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: name is empty", ErrValidation)
	case name == "." || name == "..":
		return fmt.Errorf("%w: name %q is reserved", ErrValidation, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: name %q contains a path separator", ErrValidation, name)
	case len(name) > 255:
		return fmt.Errorf("%w: name is longer than 255 bytes", ErrValidation)
	}
	return nil
}

// Get returns the item with id.
func (t *Tree) Get(ctx context.Context, id string) (*Item, error) {
	if id == "" {
		return nil, fmt.Errorf("get item: %w", ErrNotFound)
	}
	return t.store.GetItem(ctx, id)
}

// CanAccess reports whether identity owns or collaborates on item or on any
// of its ancestors. Collaboration granted on a folder covers its subtree.
func (t *Tree) CanAccess(ctx context.Context, identity string, item *Item) (bool, error) {
	cur := item
	for depth := 0; ; depth++ {
		if cur.HasMember(identity) {
			metrics.RecordPermissionCheck(true)
			return true, nil
		}
		if cur.IsRoot() || depth >= MaxAncestorDepth {
			break
		}
		parent, err := t.store.GetItem(ctx, cur.ParentID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return false, err
		}
		cur = parent
	}
	metrics.RecordPermissionCheck(false)
	return false, nil
}

// checkParent verifies parentID names a folder the caller can write into.
// An empty parentID is the caller's root and always allowed.
func (t *Tree) checkParent(ctx context.Context, caller, parentID string) error {
	if parentID == "" {
		return nil
	}
	parent, err := t.store.GetItem(ctx, parentID)
	if err != nil {
		return fmt.Errorf("parent %s: %w", parentID, err)
	}
	if !parent.IsFolder {
		return fmt.Errorf("%w: parent %s is not a folder", ErrValidation, parentID)
	}
	ok, err := t.CanAccess(ctx, caller, parent)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("parent %s: %w", parentID, ErrUnauthorized)
	}
	return nil
}

// CreateFolder returns the folder called name under parentID owned by owner,
// creating it if it does not exist yet.
func (t *Tree) CreateFolder(ctx context.Context, name, parentID, owner string) (*Item, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := t.checkParent(ctx, owner, parentID); err != nil {
		return nil, err
	}
	return t.findOrCreateFolder(ctx, owner, parentID, name)
}

func (t *Tree) findOrCreateFolder(ctx context.Context, owner, parentID, name string) (*Item, error) {
	unlock := t.locks.Lock(owner + "\x00" + parentID + "\x00" + name)
	defer unlock()

	existing, err := t.store.FindChild(ctx, owner, parentID, name, true)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find folder %q: %w", name, err)
	}

	folder := &Item{
		ID:            t.newID(),
		Name:          name,
		IsFolder:      true,
		ParentID:      parentID,
		Owner:         owner,
		Collaborators: []string{},
		CreatedAt:     t.now().UTC(),
		SchemaVersion: SchemaVersion,
	}
	if err := t.store.CreateItem(ctx, folder); err != nil {
		return nil, fmt.Errorf("create folder %q: %w", name, err)
	}
	logging.WithContext(ctx).Debug("folder created",
		zap.String("id", folder.ID), zap.String("name", name), zap.String("parent_id", parentID))
	t.notify(Change{Kind: "folder.created", ItemID: folder.ID, ParentID: parentID, Owner: owner, Actor: owner})
	return folder, nil
}

// ResolveOrCreatePath walks segments from startParentID, finding or creating
// one folder per segment, and returns the leaf folder id. Empty and "."
// segments are skipped. Folders created before a failing step are kept.
func (t *Tree) ResolveOrCreatePath(ctx context.Context, owner, startParentID string, segments []string) (string, error) {
	if err := t.checkParent(ctx, owner, startParentID); err != nil {
		return "", err
	}
	current := startParentID
	for _, seg := range segments {
		if seg == "" || seg == "." {
			continue
		}
		if err := ValidateName(seg); err != nil {
			return "", err
		}
		folder, err := t.findOrCreateFolder(ctx, owner, current, seg)
		if err != nil {
			return "", err
		}
		current = folder.ID
	}
	return current, nil
}

// SplitRelativePath returns the directory segments of a client relative path
// such as "Photos/2024/img.jpg" (the last segment is the file name and is
// dropped).
func SplitRelativePath(rel string) []string {
	rel = strings.ReplaceAll(rel, "\\", "/")
	parts := strings.Split(strings.Trim(rel, "/"), "/")
	if len(parts) <= 1 {
		return nil
	}
	return parts[:len(parts)-1]
}

func sortListing(items []*Item) {
	slices.SortFunc(items, func(a, b *Item) int {
		if a.IsFolder != b.IsFolder {
			if a.IsFolder {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// ListChildren lists parentID's children, folders first then by name.
func (t *Tree) ListChildren(ctx context.Context, parentID string) ([]*Item, error) {
	items, err := t.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	sortListing(items)
	return items, nil
}

// ListRoots lists parentless items owned by or shared with identity.
func (t *Tree) ListRoots(ctx context.Context, identity string) ([]*Item, error) {
	items, err := t.store.ListRoots(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	sortListing(items)
	return items, nil
}

// ListByOwner returns the owner's files, newest first.
func (t *Tree) ListByOwner(ctx context.Context, owner string) ([]*Item, error) {
	items, err := t.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list by owner: %w", err)
	}
	files := items[:0]
	for _, it := range items {
		if !it.IsFolder {
			files = append(files, it)
		}
	}
	slices.SortStableFunc(files, func(a, b *Item) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return files, nil
}

// Ancestors returns the chain from the root down to id's parent.
func (t *Tree) Ancestors(ctx context.Context, id string) ([]*Item, error) {
	item, err := t.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	var chain []*Item
	for parentID := item.ParentID; parentID != ""; {
		if len(chain) >= MaxAncestorDepth {
			return nil, fmt.Errorf("%w: ancestor chain of %s exceeds %d", ErrValidation, id, MaxAncestorDepth)
		}
		parent, err := t.store.GetItem(ctx, parentID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		parentID = parent.ParentID
	}
	slices.Reverse(chain)
	return chain, nil
}

// AddFile inserts a completed upload.
func (t *Tree) AddFile(ctx context.Context, item *Item) error {
	if err := ValidateName(item.Name); err != nil {
		return err
	}
	if item.ID == "" {
		item.ID = t.newID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = t.now().UTC()
	}
	if item.Collaborators == nil {
		item.Collaborators = []string{}
	}
	item.IsFolder = false
	item.SchemaVersion = SchemaVersion
	if err := t.store.CreateItem(ctx, item); err != nil {
		return fmt.Errorf("add file %q: %w", item.Name, err)
	}
	t.notify(Change{Kind: "file.created", ItemID: item.ID, ParentID: item.ParentID, Owner: item.Owner, Actor: item.Owner})
	return nil
}

// Delete removes itemID if caller owns or collaborates on it. Children are
// not removed.
func (t *Tree) Delete(ctx context.Context, caller, itemID string) error {
	item, err := t.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if !item.HasMember(caller) {
		metrics.RecordPermissionCheck(false)
		return fmt.Errorf("delete %s: %w", itemID, ErrUnauthorized)
	}
	if err := t.store.DeleteItem(ctx, itemID); err != nil {
		return fmt.Errorf("delete %s: %w", itemID, err)
	}
	t.notify(Change{Kind: "item.deleted", ItemID: itemID, ParentID: item.ParentID, Owner: item.Owner, Actor: caller})
	return nil
}

// BulkDelete deletes those of ids that caller owns and skips the rest.
func (t *Tree) BulkDelete(ctx context.Context, caller string, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		item, err := t.store.GetItem(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if item.Owner != caller {
			continue
		}
		if err := t.store.DeleteItem(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return deleted, fmt.Errorf("bulk delete %s: %w", id, err)
		}
		deleted++
		t.notify(Change{Kind: "item.deleted", ItemID: id, ParentID: item.ParentID, Owner: item.Owner, Actor: caller})
	}
	return deleted, nil
}

// Share returns the item's share token, assigning one on first use. Once
// assigned the token never changes.
func (t *Tree) Share(ctx context.Context, caller, itemID string) (string, error) {
	unlock := t.lockItem(itemID)
	defer unlock()

	item, err := t.store.GetItem(ctx, itemID)
	if err != nil {
		return "", err
	}
	if !item.HasMember(caller) {
		return "", fmt.Errorf("share %s: %w", itemID, ErrUnauthorized)
	}
	if item.ShareToken != "" {
		return item.ShareToken, nil
	}
	candidate := t.newID()
	token, err := t.store.SetShareToken(ctx, itemID, candidate)
	if err != nil {
		return "", fmt.Errorf("share %s: %w", itemID, err)
	}
	if token == candidate {
		t.notify(Change{Kind: "item.shared", ItemID: itemID, ParentID: item.ParentID, Owner: item.Owner, Actor: caller})
	}
	return token, nil
}

// CreateBundle stores a new bundle of ids and returns its token. Every call
// creates a new bundle.
func (t *Tree) CreateBundle(ctx context.Context, owner string, ids []string, name string) (string, error) {
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: bundle has no items", ErrValidation)
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultCollectionName
	}
	c := &Collection{
		Token:     t.newID(),
		ItemIDs:   slices.Clone(ids),
		Owner:     owner,
		Name:      name,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.CreateCollection(ctx, c); err != nil {
		return "", fmt.Errorf("create bundle: %w", err)
	}
	return c.Token, nil
}

// ResolveShareToken returns either the shared item or the bundle for token.
func (t *Tree) ResolveShareToken(ctx context.Context, token string) (*Item, *Collection, error) {
	if token == "" {
		return nil, nil, fmt.Errorf("share token: %w", ErrNotFound)
	}
	item, err := t.store.GetItemByShareToken(ctx, token)
	if err == nil {
		metrics.RecordShareResolution("item")
		return item, nil, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	c, err := t.store.GetCollection(ctx, token)
	if err == nil {
		metrics.RecordShareResolution("bundle")
		return nil, c, nil
	}
	if errors.Is(err, ErrNotFound) {
		metrics.RecordShareResolution("miss")
	}
	return nil, nil, err
}

// BundleItems loads the bundle's items, skipping ids that no longer exist.
func (t *Tree) BundleItems(ctx context.Context, c *Collection) ([]*Item, error) {
	items := make([]*Item, 0, len(c.ItemIDs))
	for _, id := range c.ItemIDs {
		item, err := t.store.GetItem(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// lockItem serializes read-modify-write sequences on one item within this
// process. Stores apply share tokens and collaborator changes conditionally,
// which covers writers in other processes.
func (t *Tree) lockItem(id string) func() {
	return t.locks.Lock("item\x00" + id)
}

func (t *Tree) ownedFolder(ctx context.Context, caller, folderID string) (*Item, error) {
	folder, err := t.store.GetItem(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if folder.Owner != caller {
		metrics.RecordPermissionCheck(false)
		return nil, fmt.Errorf("folder %s: %w", folderID, ErrUnauthorized)
	}
	return folder, nil
}

// AddCollaborator grants identity access to folderID. Only the owner may do this.
func (t *Tree) AddCollaborator(ctx context.Context, caller, folderID, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return fmt.Errorf("%w: collaborator identity is empty", ErrValidation)
	}
	unlock := t.lockItem(folderID)
	defer unlock()

	folder, err := t.ownedFolder(ctx, caller, folderID)
	if err != nil {
		return err
	}
	if identity == folder.Owner {
		return nil
	}
	added, err := t.store.AddCollaborator(ctx, folderID, identity)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	if added {
		t.notify(Change{Kind: "team.changed", ItemID: folderID, ParentID: folder.ParentID, Owner: folder.Owner, Actor: caller})
	}
	return nil
}

// RemoveCollaborator revokes identity's access to folderID. Only the owner
// may do this; removing an identity that is not a collaborator is ErrNotFound.
func (t *Tree) RemoveCollaborator(ctx context.Context, caller, folderID, identity string) error {
	unlock := t.lockItem(folderID)
	defer unlock()

	folder, err := t.ownedFolder(ctx, caller, folderID)
	if err != nil {
		return err
	}
	if err := t.store.RemoveCollaborator(ctx, folderID, identity); err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	t.notify(Change{Kind: "team.changed", ItemID: folderID, ParentID: folder.ParentID, Owner: folder.Owner, Actor: caller})
	return nil
}

// GetTeam returns the folder's owner and collaborators. The caller must be one of them.
func (t *Tree) GetTeam(ctx context.Context, caller, folderID string) (string, []string, error) {
	folder, err := t.store.GetItem(ctx, folderID)
	if err != nil {
		return "", nil, err
	}
	if !folder.HasMember(caller) {
		return "", nil, fmt.Errorf("team %s: %w", folderID, ErrUnauthorized)
	}
	return folder.Owner, folder.Collaborators, nil
}

// Rename changes the item's name. Owner or collaborator only.
func (t *Tree) Rename(ctx context.Context, caller, itemID, newName string) (*Item, error) {
	if err := ValidateName(newName); err != nil {
		return nil, err
	}
	unlock := t.lockItem(itemID)
	defer unlock()

	item, err := t.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.HasMember(caller) {
		return nil, fmt.Errorf("rename %s: %w", itemID, ErrUnauthorized)
	}
	if item.Name == newName {
		return item, nil
	}
	item.Name = newName
	if err := t.store.UpdateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("rename %s: %w", itemID, err)
	}
	t.notify(Change{Kind: "item.renamed", ItemID: itemID, ParentID: item.ParentID, Owner: item.Owner, Actor: caller})
	return item, nil
}

// Move reparents itemID under newParentID ("" for root). Moving a folder
// into itself or one of its descendants is rejected.
func (t *Tree) Move(ctx context.Context, caller, itemID, newParentID string) (*Item, error) {
	unlock := t.lockItem(itemID)
	defer unlock()

	item, err := t.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.HasMember(caller) {
		return nil, fmt.Errorf("move %s: %w", itemID, ErrUnauthorized)
	}
	if item.ParentID == newParentID {
		return item, nil
	}
	if err := t.checkParent(ctx, caller, newParentID); err != nil {
		return nil, err
	}
	if newParentID != "" {
		if newParentID == itemID {
			return nil, fmt.Errorf("%w: cannot move %s into itself", ErrValidation, itemID)
		}
		chain, err := t.Ancestors(ctx, newParentID)
		if err != nil {
			return nil, err
		}
		for _, a := range chain {
			if a.ID == itemID {
				return nil, fmt.Errorf("%w: cannot move %s into its own subtree", ErrValidation, itemID)
			}
		}
	}
	oldParent := item.ParentID
	item.ParentID = newParentID
	if err := t.store.UpdateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("move %s: %w", itemID, err)
	}
	t.notify(Change{Kind: "item.moved", ItemID: itemID, ParentID: oldParent, Owner: item.Owner, Actor: caller})
	return item, nil
}

// RegisterUser stores or replaces a user record.
func (t *Tree) RegisterUser(ctx context.Context, u *User) error {
	if strings.TrimSpace(u.Identity) == "" {
		return fmt.Errorf("%w: identity is empty", ErrValidation)
	}
	if len(u.Credential) == 0 {
		return fmt.Errorf("%w: credential is empty", ErrValidation)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = t.now().UTC()
	}
	return t.store.PutUser(ctx, u)
}

// User returns the user record for identity.
func (t *Tree) User(ctx context.Context, identity string) (*User, error) {
	return t.store.GetUser(ctx, identity)
}
