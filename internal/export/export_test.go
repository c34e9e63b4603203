package export_test

import (
	"context"
	"io"
	"os"
	"regexp"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imrankhan9559/morganxmystic/internal/export"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata/memory"
	"github.com/Imrankhan9559/morganxmystic/internal/remote"
	"github.com/Imrankhan9559/morganxmystic/internal/remote/remotetest"
	"github.com/Imrankhan9559/morganxmystic/internal/stream"
)

type fixture struct {
	tree *metadata.Tree
	conn remote.Connector
	exp  *export.Exporter
}

func newFixture(t *testing.T, cfg export.Config) *fixture {
	t.Helper()
	tree := metadata.NewTree(memory.New())
	conn := remotetest.New(t)
	creds := func(_ context.Context, identity string) (remote.Credential, error) {
		return remote.Credential("cred-" + identity), nil
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = t.TempDir()
	}
	return &fixture{
		tree: tree,
		conn: conn,
		exp:  export.New(tree, stream.New(conn, creds, stream.Config{}), cfg),
	}
}

func (f *fixture) addFile(t *testing.T, owner, parentID, name, content string) *metadata.Item {
	t.Helper()
	msg := remotetest.Put(t, f.conn, remote.Credential("cred-"+owner), name, "text/plain", []byte(content))
	item := &metadata.Item{
		Name:     name,
		ParentID: parentID,
		Owner:    owner,
		Size:     int64(len(content)),
		MimeType: "text/plain",
		Parts:    []metadata.Part{{MessageID: msg.ID, PartNumber: 1, Size: int64(len(content))}},
	}
	require.NoError(t, f.tree.AddFile(context.Background(), item))
	return item
}

func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestExportFolderWithEmptySubfolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, export.Config{})

	trip, err := f.tree.CreateFolder(ctx, "Trip", "", "alice")
	require.NoError(t, err)
	f.addFile(t, "alice", trip.ID, "a.txt", "first file")
	f.addFile(t, "alice", trip.ID, "b.txt", "second file")
	_, err = f.tree.CreateFolder(ctx, "empty", trip.ID, "alice")
	require.NoError(t, err)

	res, err := f.exp.Export(ctx, "alice", []string{trip.ID})
	require.NoError(t, err)
	defer res.Remove()

	assert.Regexp(t, regexp.MustCompile(`^MorganCloud_Bundle_[0-9a-f]{6}\.zip$`), res.Name)
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 1, res.Dirs)

	entries := readZip(t, res.ArchivePath)
	assert.Equal(t, []string{"Trip/a.txt", "Trip/b.txt", "Trip/empty/"}, keys(entries))
	assert.Equal(t, "first file", entries["Trip/a.txt"])
	assert.Equal(t, "second file", entries["Trip/b.txt"])

	require.NoError(t, res.Remove())
	assert.NoFileExists(t, res.ArchivePath)
}

func TestExportRecordsFailuresWithoutAborting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, export.Config{})

	good := f.addFile(t, "alice", "", "good.txt", "ok")
	foreign := f.addFile(t, "mallory", "", "foreign.txt", "not yours")
	broken := &metadata.Item{Name: "broken.txt", Owner: "alice", Size: 3,
		Parts: []metadata.Part{{MessageID: 999, PartNumber: 1, Size: 3}}}
	require.NoError(t, f.tree.AddFile(ctx, broken))

	res, err := f.exp.Export(ctx, "alice", []string{good.ID, "missing-id", foreign.ID, broken.ID})
	require.NoError(t, err)
	defer res.Remove()

	assert.Equal(t, []string{"good.txt"}, keys(readZip(t, res.ArchivePath)))

	failed := make(map[string]error)
	for _, o := range res.Outcomes {
		failed[o.ItemID] = o.Err
	}
	require.Len(t, failed, 3)
	assert.ErrorIs(t, failed["missing-id"], metadata.ErrNotFound)
	assert.ErrorIs(t, failed[foreign.ID], metadata.ErrUnauthorized)
	assert.ErrorIs(t, failed[broken.ID], remote.ErrMessageNotFound)
}

func TestExportDuplicateNames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, export.Config{})

	a := f.addFile(t, "alice", "", "same.txt", "one")
	b := f.addFile(t, "alice", "", "same.txt", "two")

	res, err := f.exp.Export(ctx, "alice", []string{a.ID, b.ID})
	require.NoError(t, err)
	defer res.Remove()

	entries := readZip(t, res.ArchivePath)
	assert.Equal(t, []string{"same (1).txt", "same.txt"}, keys(entries))
}

func TestExportDepthLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, export.Config{MaxDepth: 2})

	top, err := f.tree.CreateFolder(ctx, "l0", "", "alice")
	require.NoError(t, err)
	mid, err := f.tree.CreateFolder(ctx, "l1", top.ID, "alice")
	require.NoError(t, err)
	deep, err := f.tree.CreateFolder(ctx, "l2", mid.ID, "alice")
	require.NoError(t, err)
	f.addFile(t, "alice", mid.ID, "kept.txt", "k")
	f.addFile(t, "alice", deep.ID, "lost.txt", "l")

	res, err := f.exp.Export(ctx, "alice", []string{top.ID})
	require.NoError(t, err)
	defer res.Remove()

	assert.Equal(t, []string{"l0/l1/kept.txt"}, keys(readZip(t, res.ArchivePath)))
	require.Len(t, res.Outcomes, 1)
	assert.ErrorIs(t, res.Outcomes[0].Err, export.ErrTooDeep)
	assert.Equal(t, "l0/l1/l2", res.Outcomes[0].Path)
}

func TestExportNoItems(t *testing.T) {
	f := newFixture(t, export.Config{})
	_, err := f.exp.Export(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, metadata.ErrValidation)
}

func TestExportCleansStaging(t *testing.T) {
	ctx := context.Background()
	staging := t.TempDir()
	f := newFixture(t, export.Config{StagingDir: staging})
	item := f.addFile(t, "alice", "", "x.txt", "x")

	res, err := f.exp.Export(ctx, "alice", []string{item.ID})
	require.NoError(t, err)
	require.NoError(t, res.Remove())

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
