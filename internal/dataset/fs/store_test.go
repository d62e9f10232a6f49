package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitestitch/sitestitch/internal/crawler"
)

func drain(t *testing.T, src crawler.RecordSource) []crawler.PageRecord {
	t.Helper()
	var out []crawler.PageRecord
	for {
		rec, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
	require.NoError(t, src.Close())
	return out
}

func TestPushThenSourcePreservesOrder(t *testing.T) {
	t.Parallel()
	store, err := New(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	want := make([]crawler.PageRecord, 0, 12)
	for i := 0; i < 12; i++ {
		rec := crawler.PageRecord{
			Title: string(rune('a' + i)),
			URL:   "https://example.com/" + string(rune('a'+i)),
			HTML:  "text",
		}
		require.NoError(t, store.Push(ctx, rec))
		want = append(want, rec)
	}

	src, err := store.Source(ctx)
	require.NoError(t, err)
	require.Equal(t, want, drain(t, src))
}

func TestNewResumesSequence(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, first.Push(ctx, crawler.PageRecord{Title: "one", URL: "https://x/1"}))
	require.NoError(t, first.Push(ctx, crawler.PageRecord{Title: "two", URL: "https://x/2"}))

	second, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, second.Push(ctx, crawler.PageRecord{Title: "three", URL: "https://x/3"}))

	src, err := second.Source(ctx)
	require.NoError(t, err)
	records := drain(t, src)
	require.Len(t, records, 3)
	require.Equal(t, "three", records[2].Title, "reopened store must append, not overwrite")
}

func TestSourceFailsOnMalformedRecord(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Push(ctx, crawler.PageRecord{Title: "ok", URL: "https://x/ok"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000000002.json"), []byte("{not json"), 0o600))

	src, err := store.Source(ctx)
	require.NoError(t, err)

	_, err = src.Next(ctx)
	require.NoError(t, err, "first record is intact")
	_, err = src.Next(ctx)
	require.Error(t, err, "consolidation assumes well-formed records")
}

func TestSourceOnEmptyStore(t *testing.T) {
	t.Parallel()
	store, err := New(t.TempDir())
	require.NoError(t, err)

	src, err := store.Source(context.Background())
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}
