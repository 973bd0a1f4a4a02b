// Package ui serves a small browser front end: a form that streams edit
// progress over a websocket and an RSS gallery of past results.
package ui

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmorgan81/kontext/internal/codec"
	"github.com/dmorgan81/kontext/internal/feed"
	"github.com/dmorgan81/kontext/internal/generate"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/dmorgan81/kontext/internal/page"
	"github.com/dmorgan81/kontext/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/do"
)

const (
	writeWait      = 10 * time.Second
	maxRequestSize = 32 << 20
)

// Flow is satisfied by *generate.Generator.
type Flow interface {
	Generate(context.Context, generate.Request) <-chan generate.Update
}

type Feed interface {
	Generate(context.Context) ([]byte, error)
}

// Request is the first and only message a client sends on /ws.
type Request struct {
	Env    string `json:"env"`
	Image  string `json:"image"`
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

// Message is sent for every generation update.
type Message struct {
	Status string `json:"status"`
	// Image is a data URI.
	Image string `json:"image,omitempty"`
	Done  bool   `json:"done"`
}

type Server struct {
	Flow      Flow
	Feed      Feed
	Templator *page.Templator
	// UploadDir holds uploaded images for the duration of a generation.
	UploadDir string

	upgrader websocket.Upgrader
}

func NewServer(i *do.Injector) (*Server, error) {
	return &Server{
		Flow:      do.MustInvoke[*generate.Generator](i),
		Feed:      do.MustInvoke[*feed.Generator](i),
		Templator: do.MustInvoke[*page.Templator](i),
		UploadDir: os.TempDir(),
	}, nil
}

func (s *Server) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			logger := log.FromContextOrDiscard(ctx).WithGroup("ui").With(
				"method", req.Method,
				"path", req.URL.Path,
				"request", middleware.GetReqID(req.Context()),
			)
			logger.Debug("request")
			next.ServeHTTP(w, req.WithContext(log.NewContext(req.Context(), logger)))
		})
	})

	r.Get("/", s.index)
	r.Get("/ws", s.ws)
	r.Get("/feed.rss", s.feed)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	log := log.FromContextOrDiscard(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("serving ui", "addr", addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	html, err := s.Templator.Template(r.Context(), page.Params{
		Title:  "Flux Kontext Experiment Tool",
		Envs:   []string{generate.EnvRunPod, generate.EnvLocal},
		Ratios: generate.Ratios,
		Feed:   "/feed.rss",
	})
	if err != nil {
		log.FromContextOrDiscard(r.Context()).Error("rendering page", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(html)
}

func (s *Server) feed(w http.ResponseWriter, r *http.Request) {
	if s.Feed == nil {
		http.NotFound(w, r)
		return
	}
	rss, err := s.Feed.Generate(r.Context())
	switch {
	case errors.Is(err, store.ErrNotConfigured):
		http.NotFound(w, r)
		return
	case err != nil:
		log.FromContextOrDiscard(r.Context()).Error("generating feed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml")
	_, _ = w.Write(rss)
}

func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	log := log.FromContextOrDiscard(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestSize)

	var req Request
	if err := conn.ReadJSON(&req); err != nil {
		log.Warn("reading generation request", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The client closing the socket cancels the generation.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	path, err := s.saveUpload(req.Image)
	if err != nil {
		_ = s.write(conn, Message{Status: "Status: An error occurred: " + err.Error(), Done: true})
		return
	}
	if path != "" {
		defer os.Remove(path)
	}

	for u := range s.Flow.Generate(ctx, generate.Request{
		Env:       req.Env,
		ImagePath: path,
		Prompt:    req.Prompt,
		Ratio:     req.Ratio,
	}) {
		msg := Message{Status: u.Status, Done: u.Done()}
		if u.Image != nil {
			f := codec.JPEG
			if msg.Done {
				f = codec.PNG
			}
			data, err := codec.EncodeBytes(u.Image, f)
			if err != nil {
				log.Warn("encoding image", "error", err)
			} else {
				msg.Image = codec.DataURI(data, "image"+f.Ext())
			}
		}
		if err := s.write(conn, msg); err != nil {
			log.Info("client went away", "error", err)
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (s *Server) write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// saveUpload writes the uploaded image (a data URI or base64) to a file the
// generation flow can read. An empty upload yields an empty path.
func (s *Server) saveUpload(image string) (string, error) {
	if image == "" {
		return "", nil
	}
	data, err := codec.DecodeBase64Bytes(image)
	if err != nil {
		return "", err
	}
	ext := ""
	if mime := http.DetectContentType(data); strings.HasPrefix(mime, "image/") {
		ext = "." + strings.TrimPrefix(mime, "image/")
	}
	path := filepath.Join(s.UploadDir, "kontext-upload-"+uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
