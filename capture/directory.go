package capture

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-classify/images"
	"github.com/nvr-ai/go-classify/util"
)

// DirectorySource replays the images of a directory as frames.
type DirectorySource struct {
	// Dir holds frame-N images or any other jpeg, png or webp files.
	Dir string
	// Loop restarts from the first image instead of returning io.EOF.
	Loop bool

	files []util.ImageFile
	next  int
}

// NewDirectorySource creates a directory source.
func NewDirectorySource(dir string, loop bool) *DirectorySource {
	return &DirectorySource{Dir: dir, Loop: loop}
}

// Name implements Source.
func (d *DirectorySource) Name() string {
	return "directory:" + d.Dir
}

// Open loads the image files.
func (d *DirectorySource) Open(_ context.Context) error {
	files, err := util.LoadDirectoryImageFiles(d.Dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("no images in %s", d.Dir)
	}
	d.files = files
	d.next = 0
	return nil
}

// Read decodes the next image.
func (d *DirectorySource) Read(_ context.Context) (*images.Frame, error) {
	if d.next >= len(d.files) {
		if !d.Loop || len(d.files) == 0 {
			return nil, io.EOF
		}
		d.next = 0
	}
	file := d.files[d.next]
	d.next++

	frame, err := images.DecodeFrame(file.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", file.Path)
	}
	return frame, nil
}

// Close releases the loaded files.
func (d *DirectorySource) Close() error {
	d.files = nil
	return nil
}
