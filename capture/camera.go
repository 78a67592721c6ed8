package capture

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-classify/images"
)

// CameraSource reads frames from a video capture device, stream URL or
// video file through OpenCV.
type CameraSource struct {
	// Device is a device index ("0") or a URL/file path.
	Device string
	// Width and Height request a capture resolution; 0 keeps the default.
	Width  int
	Height int

	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// NewCameraSource creates a camera source for device.
func NewCameraSource(device string, width, height int) *CameraSource {
	return &CameraSource{Device: device, Width: width, Height: height}
}

// Name implements Source.
func (c *CameraSource) Name() string {
	return "camera:" + c.Device
}

// Open opens the capture device.
func (c *CameraSource) Open(_ context.Context) error {
	var device interface{} = c.Device
	if id, err := strconv.Atoi(c.Device); err == nil {
		device = id
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return errors.Wrapf(err, "open capture device %s", c.Device)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("capture device %s is not available", c.Device)
	}
	if c.Width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
	}
	if c.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	}

	c.capture = capture
	c.mat = gocv.NewMat()
	return nil
}

// Read grabs the next frame and converts it from BGR to alpha-skip-first.
func (c *CameraSource) Read(_ context.Context) (*images.Frame, error) {
	if c.capture == nil {
		return nil, errors.New("camera is not open")
	}
	if ok := c.capture.Read(&c.mat); !ok {
		return nil, fmt.Errorf("cannot read device %s", c.Device)
	}
	if c.mat.Empty() {
		return nil, errors.New("empty frame")
	}
	return images.FrameFromMat(c.mat)
}

// Close releases the device.
func (c *CameraSource) Close() error {
	if c.capture == nil {
		return nil
	}
	c.mat.Close()
	err := c.capture.Close()
	c.capture = nil
	return err
}
