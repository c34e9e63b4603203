package metadata

import "context"

// Store persists items, bundles and users. It performs no access control.
//
// Implementations return copies; mutating a returned value never changes
// stored state until it is passed back to UpdateItem. Not-found lookups
// return an error wrapping ErrNotFound. Creating an item whose id already
// exists, or assigning a share token already used by another item, returns
// an error wrapping ErrConflict.
type Store interface {
	CreateItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, id string) (*Item, error)
	// UpdateItem writes the item's name, parent, size, type, parts and extra
	// fields. The share token and collaborators are left as stored; they
	// change only through SetShareToken and the collaborator methods.
	UpdateItem(ctx context.Context, item *Item) error
	DeleteItem(ctx context.Context, id string) error

	// FindChild returns the first item matching (owner, parentID, name, isFolder).
	FindChild(ctx context.Context, owner, parentID, name string, isFolder bool) (*Item, error)
	// ListChildren returns items whose parent is parentID, in no particular order.
	ListChildren(ctx context.Context, parentID string) ([]*Item, error)
	// ListRoots returns parentless items owned by or shared with identity.
	ListRoots(ctx context.Context, identity string) ([]*Item, error)
	// ListByOwner returns every item owned by owner.
	ListByOwner(ctx context.Context, owner string) ([]*Item, error)
	GetItemByShareToken(ctx context.Context, token string) (*Item, error)

	// SetShareToken assigns token to the item unless it already has one, and
	// returns the token the item ends up with.
	SetShareToken(ctx context.Context, id, token string) (string, error)
	// AddCollaborator appends identity to the item's collaborators unless it
	// is already listed, and reports whether the list changed.
	AddCollaborator(ctx context.Context, id, identity string) (bool, error)
	// RemoveCollaborator drops identity from the item's collaborators. An
	// identity that is not listed is ErrNotFound.
	RemoveCollaborator(ctx context.Context, id, identity string) error

	CreateCollection(ctx context.Context, c *Collection) error
	GetCollection(ctx context.Context, token string) (*Collection, error)

	// PutUser inserts or replaces the user record for u.Identity.
	PutUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, identity string) (*User, error)

	Ping(ctx context.Context) error
	Close() error
}
