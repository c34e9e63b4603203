// Package metadata implements the virtual filesystem: items, ownership,
// collaboration, share tokens and bundles.
//
// Persistence is delegated to a Store backend (postgres, badger or memory).
// Tree layers access control and the find-or-create folder semantics on top
// of any Store.
package metadata

import (
	"slices"
	"time"
)

// SchemaVersion is stamped on every item written by this package.
const SchemaVersion = 1

// MaxAncestorDepth bounds parent-chain walks. A chain longer than this is
// treated as corrupt.
const MaxAncestorDepth = 256

// Part is one remotely stored chunk of a file.
type Part struct {
	// Locator is the remote handle observed at upload time. It expires and is
	// kept for diagnostics only; reads always re-resolve MessageID.
	Locator    string `json:"locator"`
	MessageID  int64  `json:"message_id"`
	PartNumber int    `json:"part_number"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest,omitempty"`
}

// Item is a file or folder.
type Item struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	IsFolder      bool              `json:"is_folder"`
	ParentID      string            `json:"parent_id,omitempty"`
	Owner         string            `json:"owner"`
	Collaborators []string          `json:"collaborators"`
	ShareToken    string            `json:"share_token,omitempty"`
	Size          int64             `json:"size"`
	MimeType      string            `json:"mime_type,omitempty"`
	Parts         []Part            `json:"parts,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	SchemaVersion int               `json:"schema_version"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// IsRoot reports whether the item has no parent.
func (i *Item) IsRoot() bool {
	return i.ParentID == ""
}

// HasMember reports whether identity owns or collaborates on the item.
func (i *Item) HasMember(identity string) bool {
	return i.Owner == identity || slices.Contains(i.Collaborators, identity)
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (i *Item) Clone() *Item {
	c := *i
	c.Collaborators = slices.Clone(i.Collaborators)
	c.Parts = slices.Clone(i.Parts)
	if i.Extra != nil {
		c.Extra = make(map[string]string, len(i.Extra))
		for k, v := range i.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// DefaultCollectionName is used when a bundle is created without a name.
const DefaultCollectionName = "Shared Bundle"

// Collection is a publicly shared bundle of items.
// Item ids are not checked against existing items.
type Collection struct {
	Token     string    `json:"token"`
	ItemIDs   []string  `json:"item_ids"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Contains reports whether the bundle lists itemID.
func (c *Collection) Contains(itemID string) bool {
	return slices.Contains(c.ItemIDs, itemID)
}

// User is a registered identity and its sealed durable remote credential.
type User struct {
	Identity   string `json:"identity"`
	Credential []byte `json:"credential"`
	FirstName  string `json:"first_name,omitempty"`
	// Account is the remote account the credential was bound to at login.
	// Empty for records created without a remote check.
	Account   string    `json:"account,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Change describes a tree mutation, delivered to observers after it is persisted.
type Change struct {
	Kind     string // folder.created, item.deleted, item.renamed, item.moved, item.shared, team.changed
	ItemID   string
	ParentID string
	Owner    string
	Actor    string
}
