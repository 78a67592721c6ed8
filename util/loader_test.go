package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDirectoryImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame-10.jpg", "frame-2.png", "rose.webp", "daisy.jpeg", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "frame-1.jpg"), 0o700))

	images, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, images, 4, "directories and non-images are skipped")

	assert.Equal(t, 2, images[0].Frame)
	assert.Equal(t, 10, images[1].Frame)
	assert.Equal(t, filepath.Join(dir, "daisy.jpeg"), images[2].Path)
	assert.Equal(t, 11, images[2].Frame)
	assert.Equal(t, 12, images[3].Frame)
	assert.Equal(t, []byte("frame-2.png"), images[0].Data)
}

func TestLoadDirectoryImagesMissing(t *testing.T) {
	_, err := LoadDirectoryImageFiles(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("a.JPG"))
	assert.True(t, IsImageFile("a.webp"))
	assert.False(t, IsImageFile("a.bmp"))
	assert.False(t, IsImageFile("labels.txt"))
}
