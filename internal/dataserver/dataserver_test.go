package dataserver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/testutil/linktest"
	"github.com/danmuck/genelink/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func serve(t *testing.T, cfg Config) (*Server, *session.Connection) {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg := dispatch.NewRegistry()
	for _, r := range s.Responders() {
		require.NoError(t, reg.Register(r))
	}
	d := dispatch.NewDispatcher(reg, 0)
	t.Cleanup(d.Wait)
	link := linktest.Start(t, linktest.Options{Server: session.Options{Handler: d}})
	return s, link.Conn
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCleanIdentifier(t *testing.T) {
	testlog.Start(t)
	ok := map[string]string{
		"a.txt":       "a.txt",
		"dir/a.txt":   "dir/a.txt",
		"./dir//a":    "dir/a",
		"dir/./b/c":   "dir/b/c",
		`win\style`:   "win/style",
		"..dots/file": "..dots/file",
	}
	for in, want := range ok {
		got, err := CleanIdentifier(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", ".", "/etc/passwd", "../x", "a/../../x", "a/..", `a\..\..\x`, "a\x00b"} {
		_, err := CleanIdentifier(in)
		assert.ErrorIs(t, err, ErrBadIdentifier, "%q", in)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	testlog.Start(t)
	s, conn := serve(t, Config{})

	data := make([]byte, 1_000_000)
	rand.New(rand.NewSource(5)).Read(data)
	ctx := ctxT(t)

	entry, err := Store(ctx, conn, "blobs/one.bin", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, "blobs/one.bin", entry.Identifier)
	require.Equal(t, int64(len(data)), entry.Size)
	require.Equal(t, sha256.Sum256(data), entry.Digest)

	var got bytes.Buffer
	fetched, err := Fetch(ctx, conn, "blobs/one.bin", &got)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got.Bytes()))
	require.Equal(t, entry.Size, fetched.Size)
	require.Equal(t, entry.Digest, fetched.Digest)

	stored, ok, err := s.Catalog().Get("blobs/one.bin")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.Digest, stored.Digest)
}

func TestPutReplacesEntry(t *testing.T) {
	testlog.Start(t)
	_, conn := serve(t, Config{})
	ctx := ctxT(t)

	_, err := Store(ctx, conn, "note", bytes.NewReader([]byte("first")), 5)
	require.NoError(t, err)
	second, err := Store(ctx, conn, "note", bytes.NewReader([]byte("second!")), 7)
	require.NoError(t, err)

	entries, err := Entries(ctx, conn, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(7), entries[0].Size)
	require.Equal(t, second.Digest, entries[0].Digest)
}

func TestPutPathTraversalRejected(t *testing.T) {
	testlog.Start(t)
	root := filepath.Join(t.TempDir(), "root")
	s, conn := serve(t, Config{Root: root})
	ctx := ctxT(t)

	for _, id := range []string{"../escape", "/abs/path", "a/../../escape"} {
		_, err := Store(ctx, conn, id, bytes.NewReader([]byte("nope")), 4)
		require.ErrorIs(t, err, protocol.ErrInvalidOperation, id)
	}
	_, err := os.Stat(filepath.Join(root, "escape"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(filepath.Dir(root), "escape"))
	require.True(t, os.IsNotExist(err))

	entries, err := s.Catalog().List("")
	require.NoError(t, err)
	require.Empty(t, entries)

	var sink bytes.Buffer
	_, err = Fetch(ctx, conn, "../catalog.db", &sink)
	require.ErrorIs(t, err, protocol.ErrInvalidOperation)
}

func TestPutBeyondLimitRefused(t *testing.T) {
	testlog.Start(t)
	_, conn := serve(t, Config{MaxLength: 1000})

	_, err := Store(ctxT(t), conn, "big", bytes.NewReader(make([]byte, 2000)), 2000)
	require.ErrorIs(t, err, protocol.ErrRefused)
}

func TestGetUncatalogedFileCarriesDigest(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	_, conn := serve(t, Config{Root: root})
	data := []byte("dropped in by hand")
	require.NoError(t, os.WriteFile(filepath.Join(root, "objects", "loose.txt"), data, 0o644))

	var got bytes.Buffer
	entry, err := Fetch(ctxT(t), conn, "loose.txt", &got)
	require.NoError(t, err)
	require.Equal(t, data, got.Bytes())
	require.Equal(t, "loose.txt", entry.Identifier)
	require.Equal(t, int64(len(data)), entry.Size)
	require.Equal(t, sha256.Sum256(data), entry.Digest)
}

func TestGetMissingIsNotFound(t *testing.T) {
	testlog.Start(t)
	_, conn := serve(t, Config{})

	var sink bytes.Buffer
	_, err := Fetch(ctxT(t), conn, "missing", &sink)
	require.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestListByPrefix(t *testing.T) {
	testlog.Start(t)
	_, conn := serve(t, Config{})
	ctx := ctxT(t)

	for _, id := range []string{"logs/b", "other", "logs/a"} {
		_, err := Store(ctx, conn, id, bytes.NewReader([]byte(id)), int64(len(id)))
		require.NoError(t, err)
	}
	entries, err := Entries(ctx, conn, "logs/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "logs/a", entries[0].Identifier)
	require.Equal(t, "logs/b", entries[1].Identifier)

	entries, err = Entries(ctx, conn, "nothing/")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCatalogPersistsAcrossReopen(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := OpenCatalog(path)
	require.NoError(t, err)

	e := CatalogEntry{Identifier: "x", Size: 3, Digest: sha256.Sum256([]byte("abc")), Updated: time.UnixMicro(1_700_000_000_000_000).UTC()}
	require.NoError(t, c.Put(e))
	require.NoError(t, c.Close())

	c, err = OpenCatalog(path)
	require.NoError(t, err)
	defer c.Close()
	got, ok, err := c.Get("x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e, got)

	require.NoError(t, c.Delete("x"))
	_, ok, err = c.Get("x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCatalogListCarriesEntries(t *testing.T) {
	testlog.Start(t)
	in := CatalogList{Entries: []CatalogEntry{
		{Identifier: "a", Size: 1, Updated: time.UnixMicro(10).UTC()},
		{Identifier: "b", Size: 2, Updated: time.UnixMicro(20).UTC()},
	}}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	var out CatalogList
	require.NoError(t, out.UnmarshalBinary(b))
	require.Equal(t, in, out)

	var empty CatalogList
	require.NoError(t, empty.UnmarshalBinary(nil))
	require.Empty(t, empty.Entries)
}
