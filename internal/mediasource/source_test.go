package mediasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestFSSource_Images(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.jpg")
	writeFile(t, root, "nested/b.PNG")
	writeFile(t, root, "notes.txt")
	writeFile(t, root, "clip.mp4")

	source := NewFSSource([]string{root}, nil)
	items, err := source.Images(context.Background())
	require.NoError(t, err)

	require.Len(t, items, 2)
	names := []string{items[0].DisplayName, items[1].DisplayName}
	assert.ElementsMatch(t, []string{"a.jpg", "b.PNG"}, names)
	for _, item := range items {
		assert.Positive(t, item.ID)
		assert.Positive(t, item.DateAdded)
	}
}

func TestFSSource_Videos(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "clip.mp4")
	writeFile(t, root, "photo.jpg")

	source := NewFSSource(nil, []string{root})
	items, err := source.Videos(context.Background())
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, "clip.mp4", items[0].DisplayName)
}

func TestFSSource_MissingRootFailsEnumeration(t *testing.T) {
	source := NewFSSource([]string{"/does/not/exist"}, nil)
	_, err := source.Images(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnumeration)
}

func TestFSSource_CancelledContext(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := NewFSSource([]string{root}, nil)
	_, err := source.Images(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPathIDStable(t *testing.T) {
	assert.Equal(t, pathID("/photos/a.jpg"), pathID("/photos/a.jpg"))
	assert.NotEqual(t, pathID("/photos/a.jpg"), pathID("/photos/b.jpg"))
	assert.Positive(t, pathID(""))
}
