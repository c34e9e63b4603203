// Package storetest is a conformance suite for metadata.Store implementations.
// It tests the interface contract only, so every backend runs the same cases.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
)

// Suite runs the store contract against fresh stores from NewStore.
type Suite struct {
	NewStore func(t *testing.T) metadata.Store
}

// Run executes all tests in the suite.
func (s *Suite) Run(t *testing.T) {
	t.Run("Items", s.RunItemTests)
	t.Run("Listing", s.RunListingTests)
	t.Run("ShareTokens", s.RunShareTokenTests)
	t.Run("Collections", s.RunCollectionTests)
	t.Run("Users", s.RunUserTests)
	t.Run("Tree", s.RunTreeTests)
}

func (s *Suite) store(t *testing.T) metadata.Store {
	t.Helper()
	st := s.NewStore(t)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// NewFile returns a file item with one part.
func NewFile(owner, parentID, name string) *metadata.Item {
	return &metadata.Item{
		ID:            uuid.NewString(),
		Name:          name,
		ParentID:      parentID,
		Owner:         owner,
		Collaborators: []string{},
		Size:          42,
		MimeType:      "text/plain",
		Parts: []metadata.Part{{
			Locator:    "loc",
			MessageID:  7,
			PartNumber: 1,
			Size:       42,
			Digest:     "sha256:0000000000000000000000000000000000000000000000000000000000000000",
		}},
		CreatedAt:     epoch,
		SchemaVersion: metadata.SchemaVersion,
		Extra:         map[string]string{"origin": "test"},
	}
}

// NewFolder returns a folder item.
func NewFolder(owner, parentID, name string) *metadata.Item {
	return &metadata.Item{
		ID:            uuid.NewString(),
		Name:          name,
		IsFolder:      true,
		ParentID:      parentID,
		Owner:         owner,
		Collaborators: []string{},
		CreatedAt:     epoch,
		SchemaVersion: metadata.SchemaVersion,
	}
}

func ids(items []*metadata.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func (s *Suite) RunItemTests(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateGetRoundTrip", func(t *testing.T) {
		st := s.store(t)
		f := NewFile("alice", "", "a.txt")
		require.NoError(t, st.CreateItem(ctx, f))

		got, err := st.GetItem(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, f.Name, got.Name)
		assert.Equal(t, f.Owner, got.Owner)
		assert.False(t, got.IsFolder)
		assert.Equal(t, int64(42), got.Size)
		assert.Equal(t, "text/plain", got.MimeType)
		require.Len(t, got.Parts, 1)
		assert.Equal(t, f.Parts[0], got.Parts[0])
		assert.True(t, f.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, metadata.SchemaVersion, got.SchemaVersion)
		assert.Equal(t, "test", got.Extra["origin"])
	})

	t.Run("CreateDuplicateID", func(t *testing.T) {
		st := s.store(t)
		f := NewFile("alice", "", "a.txt")
		require.NoError(t, st.CreateItem(ctx, f))
		assert.ErrorIs(t, st.CreateItem(ctx, f), metadata.ErrConflict)
	})

	t.Run("GetMissing", func(t *testing.T) {
		st := s.store(t)
		_, err := st.GetItem(ctx, uuid.NewString())
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("ReturnedCopiesAreIsolated", func(t *testing.T) {
		st := s.store(t)
		f := NewFolder("alice", "", "Docs")
		require.NoError(t, st.CreateItem(ctx, f))

		got, err := st.GetItem(ctx, f.ID)
		require.NoError(t, err)
		got.Name = "changed"
		got.Collaborators = append(got.Collaborators, "bob")

		again, err := st.GetItem(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "Docs", again.Name)
		assert.Empty(t, again.Collaborators)
	})

	t.Run("Update", func(t *testing.T) {
		st := s.store(t)
		f := NewFile("alice", "", "a.txt")
		require.NoError(t, st.CreateItem(ctx, f))

		f.Name = "b.txt"
		f.Size = 84
		f.Parts[0].Size = 84
		require.NoError(t, st.UpdateItem(ctx, f))

		got, err := st.GetItem(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "b.txt", got.Name)
		assert.Equal(t, int64(84), got.Size)
		require.Len(t, got.Parts, 1)
		assert.Equal(t, int64(84), got.Parts[0].Size)
	})

	t.Run("UpdateKeepsTokenAndCollaborators", func(t *testing.T) {
		st := s.store(t)
		dir := NewFolder("alice", "", "Docs")
		require.NoError(t, st.CreateItem(ctx, dir))

		// A copy read before the token and collaborator were set.
		stale, err := st.GetItem(ctx, dir.ID)
		require.NoError(t, err)

		tok, err := st.SetShareToken(ctx, dir.ID, "tok-keep")
		require.NoError(t, err)
		added, err := st.AddCollaborator(ctx, dir.ID, "bob")
		require.NoError(t, err)
		require.True(t, added)

		stale.Name = "Documents"
		require.NoError(t, st.UpdateItem(ctx, stale))

		got, err := st.GetItem(ctx, dir.ID)
		require.NoError(t, err)
		assert.Equal(t, "Documents", got.Name)
		assert.Equal(t, tok, got.ShareToken)
		assert.Equal(t, []string{"bob"}, got.Collaborators)

		byToken, err := st.GetItemByShareToken(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, dir.ID, byToken.ID)
	})

	t.Run("Collaborators", func(t *testing.T) {
		st := s.store(t)
		dir := NewFolder("alice", "", "Docs")
		require.NoError(t, st.CreateItem(ctx, dir))

		added, err := st.AddCollaborator(ctx, dir.ID, "bob")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = st.AddCollaborator(ctx, dir.ID, "bob")
		require.NoError(t, err)
		assert.False(t, added)
		_, err = st.AddCollaborator(ctx, dir.ID, "carol")
		require.NoError(t, err)

		require.NoError(t, st.RemoveCollaborator(ctx, dir.ID, "bob"))
		assert.ErrorIs(t, st.RemoveCollaborator(ctx, dir.ID, "bob"), metadata.ErrNotFound)

		got, err := st.GetItem(ctx, dir.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"carol"}, got.Collaborators)

		_, err = st.AddCollaborator(ctx, uuid.NewString(), "bob")
		assert.ErrorIs(t, err, metadata.ErrNotFound)
		assert.ErrorIs(t, st.RemoveCollaborator(ctx, uuid.NewString(), "bob"), metadata.ErrNotFound)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		st := s.store(t)
		assert.ErrorIs(t, st.UpdateItem(ctx, NewFolder("alice", "", "x")), metadata.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		st := s.store(t)
		f := NewFile("alice", "", "a.txt")
		require.NoError(t, st.CreateItem(ctx, f))
		require.NoError(t, st.DeleteItem(ctx, f.ID))

		_, err := st.GetItem(ctx, f.ID)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
		assert.ErrorIs(t, st.DeleteItem(ctx, f.ID), metadata.ErrNotFound)
	})

	t.Run("DeleteDoesNotCascade", func(t *testing.T) {
		st := s.store(t)
		dir := NewFolder("alice", "", "Docs")
		child := NewFile("alice", dir.ID, "a.txt")
		require.NoError(t, st.CreateItem(ctx, dir))
		require.NoError(t, st.CreateItem(ctx, child))
		require.NoError(t, st.DeleteItem(ctx, dir.ID))

		_, err := st.GetItem(ctx, child.ID)
		assert.NoError(t, err)
	})
}

func (s *Suite) RunListingTests(t *testing.T) {
	ctx := context.Background()

	t.Run("FindChild", func(t *testing.T) {
		st := s.store(t)
		root := NewFolder("alice", "", "Docs")
		file := NewFile("alice", "", "Docs")
		other := NewFolder("bob", "", "Docs")
		for _, it := range []*metadata.Item{root, file, other} {
			require.NoError(t, st.CreateItem(ctx, it))
		}

		got, err := st.FindChild(ctx, "alice", "", "Docs", true)
		require.NoError(t, err)
		assert.Equal(t, root.ID, got.ID)

		got, err = st.FindChild(ctx, "alice", "", "Docs", false)
		require.NoError(t, err)
		assert.Equal(t, file.ID, got.ID)

		_, err = st.FindChild(ctx, "alice", root.ID, "Docs", true)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("ListChildren", func(t *testing.T) {
		st := s.store(t)
		dir := NewFolder("alice", "", "Docs")
		a := NewFile("alice", dir.ID, "a.txt")
		b := NewFile("bob", dir.ID, "b.txt")
		elsewhere := NewFile("alice", "", "c.txt")
		for _, it := range []*metadata.Item{dir, a, b, elsewhere} {
			require.NoError(t, st.CreateItem(ctx, it))
		}

		children, err := st.ListChildren(ctx, dir.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(children))

		empty, err := st.ListChildren(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("ListRoots", func(t *testing.T) {
		st := s.store(t)
		owned := NewFolder("alice", "", "Mine")
		shared := NewFolder("bob", "", "Team")
		shared.Collaborators = []string{"alice"}
		foreign := NewFolder("bob", "", "Private")
		nested := NewFolder("alice", owned.ID, "Nested")
		for _, it := range []*metadata.Item{owned, shared, foreign, nested} {
			require.NoError(t, st.CreateItem(ctx, it))
		}

		roots, err := st.ListRoots(ctx, "alice")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{owned.ID, shared.ID}, ids(roots))
	})

	t.Run("ListRootsFollowsChanges", func(t *testing.T) {
		st := s.store(t)
		team := NewFolder("bob", "", "Team")
		moved := NewFolder("alice", "", "Moved")
		parent := NewFolder("alice", "", "Parent")
		gone := NewFile("alice", "", "gone.txt")
		for _, it := range []*metadata.Item{team, moved, parent, gone} {
			require.NoError(t, st.CreateItem(ctx, it))
		}

		_, err := st.AddCollaborator(ctx, team.ID, "alice")
		require.NoError(t, err)
		moved.ParentID = parent.ID
		require.NoError(t, st.UpdateItem(ctx, moved))
		require.NoError(t, st.DeleteItem(ctx, gone.ID))

		roots, err := st.ListRoots(ctx, "alice")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{team.ID, parent.ID}, ids(roots))

		require.NoError(t, st.RemoveCollaborator(ctx, team.ID, "alice"))
		moved.ParentID = ""
		require.NoError(t, st.UpdateItem(ctx, moved))

		roots, err = st.ListRoots(ctx, "alice")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{moved.ID, parent.ID}, ids(roots))

		roots, err = st.ListRoots(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{team.ID}, ids(roots))
	})

	t.Run("ListByOwner", func(t *testing.T) {
		st := s.store(t)
		a := NewFile("alice", "", "a.txt")
		dir := NewFolder("alice", "", "Docs")
		b := NewFile("bob", "", "b.txt")
		for _, it := range []*metadata.Item{a, dir, b} {
			require.NoError(t, st.CreateItem(ctx, it))
		}

		owned, err := st.ListByOwner(ctx, "alice")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.ID, dir.ID}, ids(owned))
	})
}

func (s *Suite) RunShareTokenTests(t *testing.T) {
	ctx := context.Background()

	t.Run("LookupByToken", func(t *testing.T) {
		st := s.store(t)
		f := NewFile("alice", "", "a.txt")
		require.NoError(t, st.CreateItem(ctx, f))

		_, err := st.GetItemByShareToken(ctx, "tok-1")
		assert.ErrorIs(t, err, metadata.ErrNotFound)

		tok, err := st.SetShareToken(ctx, f.ID, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)

		got, err := st.GetItemByShareToken(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, f.ID, got.ID)
	})

	t.Run("TokenUnique", func(t *testing.T) {
		st := s.store(t)
		a := NewFile("alice", "", "a.txt")
		a.ShareToken = "tok-dup"
		b := NewFile("alice", "", "b.txt")
		require.NoError(t, st.CreateItem(ctx, a))
		require.NoError(t, st.CreateItem(ctx, b))

		_, err := st.SetShareToken(ctx, b.ID, "tok-dup")
		assert.ErrorIs(t, err, metadata.ErrConflict)
	})

	t.Run("TokenAssignedOnce", func(t *testing.T) {
		st := s.store(t)
		f := NewFile("alice", "", "a.txt")
		require.NoError(t, st.CreateItem(ctx, f))

		first, err := st.SetShareToken(ctx, f.ID, "tok-first")
		require.NoError(t, err)
		second, err := st.SetShareToken(ctx, f.ID, "tok-second")
		require.NoError(t, err)
		assert.Equal(t, "tok-first", first)
		assert.Equal(t, "tok-first", second)

		_, err = st.GetItemByShareToken(ctx, "tok-second")
		assert.ErrorIs(t, err, metadata.ErrNotFound)
		_, err = st.SetShareToken(ctx, uuid.NewString(), "tok-x")
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("TokenGoneAfterDelete", func(t *testing.T) {
		st := s.store(t)
		a := NewFile("alice", "", "a.txt")
		a.ShareToken = "tok-del"
		require.NoError(t, st.CreateItem(ctx, a))
		require.NoError(t, st.DeleteItem(ctx, a.ID))

		_, err := st.GetItemByShareToken(ctx, "tok-del")
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})
}

func (s *Suite) RunCollectionTests(t *testing.T) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		st := s.store(t)
		c := &metadata.Collection{
			Token:     uuid.NewString(),
			ItemIDs:   []string{"b", "a", "c"},
			Owner:     "alice",
			Name:      "Shared by Alice",
			CreatedAt: epoch,
		}
		require.NoError(t, st.CreateCollection(ctx, c))

		got, err := st.GetCollection(ctx, c.Token)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a", "c"}, got.ItemIDs)
		assert.Equal(t, "alice", got.Owner)
		assert.Equal(t, "Shared by Alice", got.Name)
	})

	t.Run("Missing", func(t *testing.T) {
		st := s.store(t)
		_, err := st.GetCollection(ctx, "nope")
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})
}

func (s *Suite) RunUserTests(t *testing.T) {
	ctx := context.Background()

	t.Run("PutGetReplace", func(t *testing.T) {
		st := s.store(t)
		u := &metadata.User{Identity: "+15550100", Credential: []byte{1, 2, 3}, FirstName: "Ana", CreatedAt: epoch}
		require.NoError(t, st.PutUser(ctx, u))

		got, err := st.GetUser(ctx, u.Identity)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, got.Credential)
		assert.Equal(t, "Ana", got.FirstName)

		u.Credential = []byte{9}
		require.NoError(t, st.PutUser(ctx, u))
		got, err = st.GetUser(ctx, u.Identity)
		require.NoError(t, err)
		assert.Equal(t, []byte{9}, got.Credential)
	})

	t.Run("Missing", func(t *testing.T) {
		st := s.store(t)
		_, err := st.GetUser(ctx, "+0")
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, s.store(t).Ping(ctx))
	})
}

// RunTreeTests exercises the Tree service on top of the backend.
func (s *Suite) RunTreeTests(t *testing.T) {
	ctx := context.Background()

	t.Run("PathResolutionIdempotent", func(t *testing.T) {
		tree := metadata.NewTree(s.store(t))
		first, err := tree.ResolveOrCreatePath(ctx, "alice", "", []string{"Photos", "2024", "June"})
		require.NoError(t, err)
		second, err := tree.ResolveOrCreatePath(ctx, "alice", "", []string{"Photos", "2024", "June"})
		require.NoError(t, err)
		assert.Equal(t, first, second)

		roots, err := tree.ListRoots(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, roots, 1)
	})

	t.Run("ShareIdempotent", func(t *testing.T) {
		st := s.store(t)
		tree := metadata.NewTree(st)
		f := NewFile("alice", "", "a.txt")
		require.NoError(t, st.CreateItem(ctx, f))

		tok1, err := tree.Share(ctx, "alice", f.ID)
		require.NoError(t, err)
		tok2, err := tree.Share(ctx, "alice", f.ID)
		require.NoError(t, err)
		assert.Equal(t, tok1, tok2)

		item, bundle, err := tree.ResolveShareToken(ctx, tok1)
		require.NoError(t, err)
		assert.Nil(t, bundle)
		assert.Equal(t, f.ID, item.ID)
	})
}
