package metadata_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata/memory"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata/storetest"
)

func newTree(t *testing.T, opts ...metadata.Option) (*metadata.Tree, metadata.Store) {
	t.Helper()
	st := memory.New()
	return metadata.NewTree(st, opts...), st
}

func TestCreateFolderTwiceYieldsOneFolder(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTree(t)

	a, err := tree.CreateFolder(ctx, "Docs", "", "alice")
	require.NoError(t, err)
	b, err := tree.CreateFolder(ctx, "Docs", "", "alice")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	roots, err := tree.ListRoots(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, roots, 1)
}

func TestCreateFolderConcurrent(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTree(t)

	var wg sync.WaitGroup
	got := make([]string, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := tree.CreateFolder(ctx, "Docs", "", "alice")
			if assert.NoError(t, err) {
				got[i] = f.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range got {
		assert.Equal(t, got[0], id)
	}
}

func TestCreateFolderValidation(t *testing.T) {
	ctx := context.Background()
	tree, st := newTree(t)

	for _, name := range []string{"", "  ", ".", "..", "a/b", `a\b`} {
		_, err := tree.CreateFolder(ctx, name, "", "alice")
		assert.ErrorIs(t, err, metadata.ErrValidation, "name %q", name)
	}

	_, err := tree.CreateFolder(ctx, "x", "missing", "alice")
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	file := storetest.NewFile("alice", "", "a.txt")
	require.NoError(t, st.CreateItem(ctx, file))
	_, err = tree.CreateFolder(ctx, "x", file.ID, "alice")
	assert.ErrorIs(t, err, metadata.ErrValidation)

	bobs, err := tree.CreateFolder(ctx, "Private", "", "bob")
	require.NoError(t, err)
	_, err = tree.CreateFolder(ctx, "x", bobs.ID, "alice")
	assert.ErrorIs(t, err, metadata.ErrUnauthorized)
}

func TestResolveOrCreatePath(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTree(t)

	leaf, err := tree.ResolveOrCreatePath(ctx, "alice", "", []string{"Photos", "", ".", "2024"})
	require.NoError(t, err)

	chain, err := tree.Ancestors(ctx, leaf)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "Photos", chain[0].Name)

	item, err := tree.Get(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, "2024", item.Name)
	assert.True(t, item.IsFolder)

	again, err := tree.ResolveOrCreatePath(ctx, "alice", "", []string{"Photos", "2024"})
	require.NoError(t, err)
	assert.Equal(t, leaf, again)

	same, err := tree.ResolveOrCreatePath(ctx, "alice", leaf, nil)
	require.NoError(t, err)
	assert.Equal(t, leaf, same)

	_, err = tree.ResolveOrCreatePath(ctx, "alice", "", []string{"ok", ".."})
	assert.ErrorIs(t, err, metadata.ErrValidation)
}

func TestSplitRelativePath(t *testing.T) {
	assert.Nil(t, metadata.SplitRelativePath(""))
	assert.Nil(t, metadata.SplitRelativePath("file.txt"))
	assert.Equal(t, []string{"a", "b"}, metadata.SplitRelativePath("a/b/file.txt"))
	assert.Equal(t, []string{"a"}, metadata.SplitRelativePath(`\a\file.txt`))
}

func TestDeleteByStrangerIsUnauthorized(t *testing.T) {
	ctx := context.Background()
	tree, st := newTree(t)

	f := storetest.NewFile("alice", "", "a.txt")
	require.NoError(t, st.CreateItem(ctx, f))

	err := tree.Delete(ctx, "mallory", f.ID)
	assert.ErrorIs(t, err, metadata.ErrUnauthorized)

	_, err = tree.Get(ctx, f.ID)
	assert.NoError(t, err)
}

func TestDeleteByCollaborator(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTree(t)

	dir, err := tree.CreateFolder(ctx, "Team", "", "alice")
	require.NoError(t, err)
	require.NoError(t, tree.AddCollaborator(ctx, "alice", dir.ID, "bob"))

	require.NoError(t, tree.Delete(ctx, "bob", dir.ID))
	_, err = tree.Get(ctx, dir.ID)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestBulkDeleteSkipsForeignItems(t *testing.T) {
	ctx := context.Background()
	tree, st := newTree(t)

	mine1 := storetest.NewFile("alice", "", "a")
	mine2 := storetest.NewFile("alice", "", "b")
	theirs := storetest.NewFile("bob", "", "c")
	for _, it := range []*metadata.Item{mine1, mine2, theirs} {
		require.NoError(t, st.CreateItem(ctx, it))
	}

	n, err := tree.BulkDelete(ctx, "alice", []string{mine1.ID, theirs.ID, "missing", mine2.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = tree.Get(ctx, theirs.ID)
	assert.NoError(t, err)
}

func TestShare(t *testing.T) {
	ctx := context.Background()
	tree, st := newTree(t)

	f := storetest.NewFile("alice", "", "a.txt")
	require.NoError(t, st.CreateItem(ctx, f))

	tok, err := tree.Share(ctx, "alice", f.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	for range 3 {
		again, err := tree.Share(ctx, "alice", f.ID)
		require.NoError(t, err)
		assert.Equal(t, tok, again)
	}

	_, err = tree.Share(ctx, "mallory", f.ID)
	assert.ErrorIs(t, err, metadata.ErrUnauthorized)

	_, err = tree.Share(ctx, "alice", "missing")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestCreateBundleAlwaysNew(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTree(t)

	a, err := tree.CreateBundle(ctx, "alice", []string{"x", "y"}, "")
	require.NoError(t, err)
	b, err := tree.CreateBundle(ctx, "alice", []string{"x", "y"}, "")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	item, c, err := tree.ResolveShareToken(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Equal(t, metadata.DefaultCollectionName, c.Name)
	assert.Equal(t, []string{"x", "y"}, c.ItemIDs)

	_, err = tree.CreateBundle(ctx, "alice", nil, "")
	assert.ErrorIs(t, err, metadata.ErrValidation)

	_, _, err = tree.ResolveShareToken(ctx, "unknown")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestBundleItemsSkipsMissing(t *testing.T) {
	ctx := context.Background()
	tree, st := newTree(t)

	f := storetest.NewFile("alice", "", "a.txt")
	require.NoError(t, st.CreateItem(ctx, f))
	tok, err := tree.CreateBundle(ctx, "alice", []string{"gone", f.ID}, "Mine")
	require.NoError(t, err)

	_, c, err := tree.ResolveShareToken(ctx, tok)
	require.NoError(t, err)
	items, err := tree.BundleItems(ctx, c)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, f.ID, items[0].ID)
}

func TestCollaborators(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTree(t)

	dir, err := tree.CreateFolder(ctx, "Team", "", "alice")
	require.NoError(t, err)

	require.NoError(t, tree.AddCollaborator(ctx, "alice", dir.ID, "bob"))
	require.NoError(t, tree.AddCollaborator(ctx, "alice", dir.ID, "bob"))

	owner, team, err := tree.GetTeam(ctx, "bob", dir.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, []string{"bob"}, team)

	roots, err := tree.ListRoots(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, roots, 1)

	err = tree.RemoveCollaborator(ctx, "bob", dir.ID, "bob")
	assert.ErrorIs(t, err, metadata.ErrUnauthorized)
	_, team, err = tree.GetTeam(ctx, "alice", dir.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, team)

	err = tree.AddCollaborator(ctx, "bob", dir.ID, "carol")
	assert.ErrorIs(t, err, metadata.ErrUnauthorized)

	require.NoError(t, tree.RemoveCollaborator(ctx, "alice", dir.ID, "bob"))
	_, team, err = tree.GetTeam(ctx, "alice", dir.ID)
	require.NoError(t, err)
	assert.Empty(t, team)

	err = tree.RemoveCollaborator(ctx, "alice", dir.ID, "bob")
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	_, _, err = tree.GetTeam(ctx, "bob", dir.ID)
	assert.ErrorIs(t, err, metadata.ErrUnauthorized)
}

func TestCanAccessInheritsFromAncestors(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTree(t)

	team, err := tree.CreateFolder(ctx, "Team", "", "alice")
	require.NoError(t, err)
	sub, err := tree.CreateFolder(ctx, "Sub", team.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, tree.AddCollaborator(ctx, "alice", team.ID, "bob"))

	ok, err := tree.CanAccess(ctx, "bob", sub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tree.CanAccess(ctx, "carol", sub)
	require.NoError(t, err)
	assert.False(t, ok)

	// bob can create inside the shared folder; the new folder is his.
	mine, err := tree.CreateFolder(ctx, "Bobs", sub.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", mine.Owner)
}

func TestRenameAndMove(t *testing.T) {
	ctx := context.Background()
	tree, st := newTree(t)

	a, err := tree.CreateFolder(ctx, "A", "", "alice")
	require.NoError(t, err)
	b, err := tree.CreateFolder(ctx, "B", a.ID, "alice")
	require.NoError(t, err)
	f := storetest.NewFile("alice", a.ID, "f.txt")
	require.NoError(t, st.CreateItem(ctx, f))

	renamed, err := tree.Rename(ctx, "alice", f.ID, "g.txt")
	require.NoError(t, err)
	assert.Equal(t, "g.txt", renamed.Name)

	_, err = tree.Rename(ctx, "mallory", f.ID, "h.txt")
	assert.ErrorIs(t, err, metadata.ErrUnauthorized)
	_, err = tree.Rename(ctx, "alice", f.ID, "x/y")
	assert.ErrorIs(t, err, metadata.ErrValidation)

	moved, err := tree.Move(ctx, "alice", f.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, moved.ParentID)

	_, err = tree.Move(ctx, "alice", a.ID, b.ID)
	assert.ErrorIs(t, err, metadata.ErrValidation)
	_, err = tree.Move(ctx, "alice", a.ID, a.ID)
	assert.ErrorIs(t, err, metadata.ErrValidation)

	toRoot, err := tree.Move(ctx, "alice", b.ID, "")
	require.NoError(t, err)
	assert.True(t, toRoot.IsRoot())
}

func TestListings(t *testing.T) {
	ctx := context.Background()
	tree, st := newTree(t)

	dir, err := tree.CreateFolder(ctx, "Docs", "", "alice")
	require.NoError(t, err)
	_, err = tree.CreateFolder(ctx, "zeta", dir.ID, "alice")
	require.NoError(t, err)

	older := storetest.NewFile("alice", dir.ID, "Apple.txt")
	newer := storetest.NewFile("alice", dir.ID, "banana.txt")
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	require.NoError(t, st.CreateItem(ctx, older))
	require.NoError(t, st.CreateItem(ctx, newer))

	children, err := tree.ListChildren(ctx, dir.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "zeta", children[0].Name)
	assert.Equal(t, "Apple.txt", children[1].Name)
	assert.Equal(t, "banana.txt", children[2].Name)

	files, err := tree.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, newer.ID, files[0].ID)
	assert.Equal(t, older.ID, files[1].ID)
}

func TestObserverSeesChanges(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var kinds []string
	tree, _ := newTree(t, metadata.WithObserver(func(c metadata.Change) {
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	}))

	dir, err := tree.CreateFolder(ctx, "Docs", "", "alice")
	require.NoError(t, err)
	_, err = tree.CreateFolder(ctx, "Docs", "", "alice")
	require.NoError(t, err)
	_, err = tree.Share(ctx, "alice", dir.ID)
	require.NoError(t, err)
	require.NoError(t, tree.Delete(ctx, "alice", dir.ID))

	assert.Equal(t, []string{"folder.created", "item.shared", "item.deleted"}, kinds)
}

func TestRegisterUser(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	tree, _ := newTree(t, metadata.WithClock(func() time.Time { return fixed }))

	err := tree.RegisterUser(ctx, &metadata.User{Identity: "+1"})
	assert.ErrorIs(t, err, metadata.ErrValidation)

	require.NoError(t, tree.RegisterUser(ctx, &metadata.User{Identity: "+1", Credential: []byte("c")}))
	u, err := tree.User(ctx, "+1")
	require.NoError(t, err)
	assert.True(t, fixed.Equal(u.CreatedAt))
}

// slowStore delays reads so concurrent read-modify-write sequences overlap.
type slowStore struct {
	metadata.Store
	delay time.Duration
}

func (s *slowStore) GetItem(ctx context.Context, id string) (*metadata.Item, error) {
	item, err := s.Store.GetItem(ctx, id)
	time.Sleep(s.delay)
	return item, err
}

func TestConcurrentEditsKeepShareTokenAndTeam(t *testing.T) {
	ctx := context.Background()
	st := &slowStore{Store: memory.New(), delay: 5 * time.Millisecond}
	// Two trees over one store behave like two server processes.
	first := metadata.NewTree(st)
	second := metadata.NewTree(st)

	dir, err := first.CreateFolder(ctx, "Team", "", "alice")
	require.NoError(t, err)
	require.NoError(t, first.AddCollaborator(ctx, "alice", dir.ID, "bob"))

	var (
		wg     sync.WaitGroup
		tokens = make([]string, 4)
	)
	for i := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tree := first
			if i%2 == 1 {
				tree = second
			}
			tok, err := tree.Share(ctx, "alice", dir.ID)
			if assert.NoError(t, err) {
				tokens[i] = tok
			}
		}()
	}
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, err := second.Rename(ctx, "bob", dir.ID, "Renamed")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, first.AddCollaborator(ctx, "alice", dir.ID, "carol"))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, second.AddCollaborator(ctx, "alice", dir.ID, "dave"))
	}()
	wg.Wait()

	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
	item, _, err := first.ResolveShareToken(ctx, tokens[0])
	require.NoError(t, err)
	assert.Equal(t, dir.ID, item.ID)
	assert.Equal(t, "Renamed", item.Name)
	assert.ElementsMatch(t, []string{"bob", "carol", "dave"}, item.Collaborators)

	again, err := second.Share(ctx, "bob", dir.ID)
	require.NoError(t, err)
	assert.Equal(t, tokens[0], again)
}
