package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Frame is the frame number of the image file.
	Frame int
}

// IsImageFile reports whether name has a supported image extension.
func IsImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return true
	}
	return false
}

// frameNumber parses "frame-N.ext" names.
func frameNumber(name string) (int, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if !strings.HasPrefix(base, "frame-") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(base, "frame-"))
	if err != nil {
		return 0, false
	}
	return n, true
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Files named frame-N are ordered by N; any other image files follow in
// name order and are numbered after the highest frame.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Slice of ImageFile, each containing the raw bytes of an image file.
// - error: Error if loading fails.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read directory %s", dir)
	}

	var numbered, named []ImageFile
	for _, file := range files {
		if file.IsDir() || !IsImageFile(file.Name()) {
			continue
		}
		imgPath := filepath.Join(dir, file.Name())
		data, err := os.ReadFile(imgPath)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", imgPath)
		}
		img := ImageFile{Path: imgPath, Data: data, Frame: -1}
		if n, ok := frameNumber(file.Name()); ok {
			img.Frame = n
			numbered = append(numbered, img)
		} else {
			named = append(named, img)
		}
	}

	sort.Slice(numbered, func(i, j int) bool {
		return numbered[i].Frame < numbered[j].Frame
	})
	sort.Slice(named, func(i, j int) bool {
		return named[i].Path < named[j].Path
	})

	next := 0
	if len(numbered) > 0 {
		next = numbered[len(numbered)-1].Frame + 1
	}
	for i := range named {
		named[i].Frame = next + i
	}

	return append(numbered, named...), nil
}
