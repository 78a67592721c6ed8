package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-classify/images"
	"github.com/nvr-ai/go-classify/models/postprocess"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePredictor struct {
	results []postprocess.Classification
	err     error
	frame   *images.Frame
}

func (p *fakePredictor) ClassifyFrame(_ context.Context, f *images.Frame) ([]postprocess.Classification, error) {
	p.frame = f
	return p.results, p.err
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Board == nil {
		opts.Board = NewLabelBoard()
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresBoard(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestIndexPage(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := do(s, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/ws")
}

func TestStaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("custom page"), 0o600))

	s := newTestServer(t, Options{StaticDir: dir})
	rec := do(s, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "custom page")
}

func TestGetLabel(t *testing.T) {
	board := NewLabelBoard()
	s := newTestServer(t, Options{Board: board})

	rec := do(s, http.MethodGet, "/api/label", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	board.Publish(update(4, "sunflowers", 0.5))
	rec = do(s, http.MethodGet, "/api/label", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Text   string `json:"text"`
		Update Update `json:"update"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "sunflowers: 0.5", body.Text)
	assert.Equal(t, uint64(4), body.Update.Sequence)
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t, Options{Stats: func() any { return map[string]int{"frames": 12} }})
	rec := do(s, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Subscribers int            `json:"subscribers"`
		Pipeline    map[string]int `json:"pipeline"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 12, body.Pipeline["frames"])
}

func TestClassifyUpload(t *testing.T) {
	p := &fakePredictor{results: []postprocess.Classification{
		{Index: 2, Label: "roses", Score: 0.75},
		{Index: 0, Label: "daisy", Score: 0.25},
	}}
	s := newTestServer(t, Options{Predictor: p})

	rec := do(s, http.MethodPost, "/api/classify", pngBytes(t, 40, 30))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Text     string                       `json:"text"`
		Results  []postprocess.Classification `json:"results"`
		Width    int                          `json:"width"`
		Height   int                          `json:"height"`
		Checksum string                       `json:"checksum"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "roses: 0.75", body.Text)
	assert.Len(t, body.Results, 2)
	assert.Equal(t, 40, body.Width)
	assert.Equal(t, 30, body.Height)
	assert.Len(t, body.Checksum, 32)

	require.NotNil(t, p.frame)
	px, err := p.frame.At(5, 3)
	require.NoError(t, err)
	assert.Equal(t, images.Pixel{A: 0xff, R: 5, G: 3, B: 7}, px)
}

func TestClassifyUploadErrors(t *testing.T) {
	tests := []struct {
		name      string
		predictor Predictor
		body      []byte
		maxBytes  int64
		maxPixels int
		want      int
	}{
		{"no predictor", nil, []byte("x"), 0, 0, http.StatusServiceUnavailable},
		{"empty body", &fakePredictor{}, nil, 0, 0, http.StatusBadRequest},
		{"not an image", &fakePredictor{}, []byte(strings.Repeat("plain text ", 8)), 0, 0, http.StatusUnsupportedMediaType},
		{"too large", &fakePredictor{}, bytes.Repeat([]byte{1}, 64), 16, 0, http.StatusRequestEntityTooLarge},
		{"too many pixels", &fakePredictor{}, nil, 0, 99, http.StatusRequestEntityTooLarge},
		{"frame too small", &fakePredictor{err: errors.Wrap(images.ErrFrameTooSmall, "10x10")}, nil, 0, 0, http.StatusUnprocessableEntity},
		{"engine failure", &fakePredictor{err: errors.New("boom")}, nil, 0, 0, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == nil && tt.name != "empty body" {
				body = pngBytes(t, 10, 10)
			}
			p, _ := tt.predictor.(*fakePredictor)
			s := newTestServer(t, Options{
				Predictor:       tt.predictor,
				MaxUploadBytes:  tt.maxBytes,
				MaxUploadPixels: tt.maxPixels,
			})
			rec := do(s, http.MethodPost, "/api/classify", body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusRequestEntityTooLarge && p != nil {
				assert.Nil(t, p.frame, "oversized uploads never reach the predictor")
			}
		})
	}
}

func TestWebsocketPushesLabels(t *testing.T) {
	board := NewLabelBoard()
	s := newTestServer(t, Options{Board: board})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return board.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	board.Publish(update(7, "dandelion", 0.5))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Update
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, "dandelion: 0.5", got.Text())

	conn.Close()
	assert.Eventually(t, func() bool { return board.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, Options{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
