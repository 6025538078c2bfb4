package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirStoreArchiveSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	_, err := Archiver{Store: NewDirStore(root)}.Archive(ctx, "b1", project())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "builds", "b1", "files", "public", "index.html"))
	require.NoError(t, err)

	got, m, err := Archiver{Store: NewDirStore(root)}.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, project().Fingerprint(), got.Fingerprint())
	assert.Len(t, m.Paths, 3)
}

func TestDirStoreMissingAndInvalidKeys(t *testing.T) {
	d := NewDirStore(t.TempDir())
	ctx := context.Background()

	_, err := d.GetObject(ctx, "builds/none/manifest.json")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, d.PutObject(ctx, "../escape", []byte("x")))
	assert.Error(t, d.PutObject(ctx, "", []byte("x")))
}
