// Package server displays the current classification over HTTP and
// websockets and offers single-shot classification of uploaded images.
package server

import (
	"context"
	_ "embed"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-classify/images"
	"github.com/nvr-ai/go-classify/logging"
	"github.com/nvr-ai/go-classify/models/postprocess"
)

//go:embed index.html
var indexHTML []byte

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Predictor classifies a single frame outside the live pipeline.
type Predictor interface {
	ClassifyFrame(ctx context.Context, f *images.Frame) ([]postprocess.Classification, error)
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// StaticDir replaces the built-in page when set.
	StaticDir string
	// MaxUploadBytes bounds POST /api/classify bodies.
	MaxUploadBytes int64
	// MaxUploadPixels bounds the decoded size of uploaded images.
	MaxUploadPixels int
	// Board is the label board shown by the server. Required.
	Board *LabelBoard
	// Predictor serves POST /api/classify; the route answers 503 when nil.
	Predictor Predictor
	// Stats returns the value served by GET /api/stats.
	Stats func() any
}

// Server is the label display server.
type Server struct {
	opts     Options
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// New creates a server and registers its routes.
//
// Arguments:
//   - opts: The server options.
//
// Returns:
//   - *Server: The server.
//   - error: An error if no board is given.
func New(opts Options) (*Server, error) {
	if opts.Board == nil {
		return nil, errors.New("server needs a label board")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 8 << 20
	}
	if opts.MaxUploadPixels <= 0 {
		opts.MaxUploadPixels = 16_000_000
	}

	s := &Server{
		opts:   opts,
		router: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.router.Use(gin.Recovery(), requestLogger())
	if opts.StaticDir != "" {
		s.router.Use(static.Serve("/", static.LocalFile(opts.StaticDir, true)))
	} else {
		s.router.GET("/", func(c *gin.Context) {
			c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
		})
	}

	api := s.router.Group("/api")
	api.GET("/label", s.handleLabel)
	api.GET("/stats", s.handleStats)
	api.POST("/classify", s.handleClassify)
	s.router.GET("/ws", s.handleWS)
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("display server listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) handleLabel(c *gin.Context) {
	u, ok := s.opts.Board.Current()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"text":   u.Text(),
		"update": u,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	body := gin.H{"subscribers": s.opts.Board.Subscribers()}
	if s.opts.Stats != nil {
		body["pipeline"] = s.opts.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleClassify(c *gin.Context) {
	if s.opts.Predictor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classification unavailable"})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	frame, err := images.DecodeFrameLimit(data, s.opts.MaxUploadPixels)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, images.ErrUnsupportedFormat):
			status = http.StatusUnsupportedMediaType
		case errors.Is(err, images.ErrImageTooLarge):
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	results, err := s.opts.Predictor.ClassifyFrame(c.Request.Context(), frame)
	switch {
	case errors.Is(err, images.ErrFrameTooSmall):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case err != nil:
		logging.Error("classify upload", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	text := ""
	if len(results) > 0 {
		text = results[0].String()
	}
	c.JSON(http.StatusOK, gin.H{
		"text":     text,
		"results":  results,
		"width":    frame.Width,
		"height":   frame.Height,
		"checksum": images.Checksum(frame),
	})
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn("websocket upgrade", "error", err)
		return
	}

	updates, cancel := s.opts.Board.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go readPump(conn, closed)
	writePump(conn, updates, closed)
}

// readPump discards client messages and signals when the peer goes away.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer of conn.
func writePump(conn *websocket.Conn, updates <-chan Update, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case u, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
