// Package server exposes the research core over HTTP: a JSON API for
// starting research, polling trees, expanding nodes and approving stages,
// plus a small read-only HTML view of guides and their trees.
package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/TobiSchelling/AICouncil/internal/gate"
	"github.com/TobiSchelling/AICouncil/internal/research"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Server is the HTTP front of one coordinator.
type Server struct {
	coord  *research.Coordinator
	store  tree.Store
	gate   *gate.Gate
	pages  map[string]*template.Template
	mux    *http.ServeMux
	logger *zap.Logger
}

// New creates a new Server.
func New(coord *research.Coordinator, g *gate.Gate, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"since": func(t time.Time) string {
			return time.Since(t).Round(time.Second).String()
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets a clone of the base with its own "title" and "content".
	pageNames := []string{"index.html", "guide.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		coord:  coord,
		store:  coord.Machine().Store(),
		gate:   g,
		pages:  pages,
		mux:    http.NewServeMux(),
		logger: logger,
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /guides/{guide}", s.handleGuidePage)

	s.mux.HandleFunc("POST /api/guides", s.handleStartResearch)
	s.mux.HandleFunc("GET /api/guides", s.handleListGuides)
	s.mux.HandleFunc("GET /api/guides/{guide}", s.handleGetGuide)
	s.mux.HandleFunc("POST /api/guides/{guide}/approve", s.handleApprove)
	s.mux.HandleFunc("GET /api/guides/{guide}/interactions", s.handleInteractions)
	s.mux.HandleFunc("POST /api/guides/{guide}/feedback", s.handleFeedback)
	s.mux.HandleFunc("GET /api/guides/{guide}/trees/{provider}", s.handleTree)
	s.mux.HandleFunc("GET /api/guides/{guide}/trees/{provider}/nodes/{node}", s.handleNode)
	s.mux.HandleFunc("POST /api/guides/{guide}/trees/{provider}/nodes/{node}/expand", s.handleExpand)
	s.mux.HandleFunc("POST /api/guides/{guide}/trees/{provider}/nodes/{node}/retry", s.handleRetry)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
}

type treeSection struct {
	Provider string
	View     *tree.View
	Err      string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	guides, err := s.store.ListGuides(r.Context())
	if err != nil {
		s.logger.Error("listing guides", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Guides":    guides,
		"Providers": s.coord.Registry().Enabled(),
	})
}

func (s *Server) handleGuidePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	guide, err := s.store.GetGuide(ctx, r.PathValue("guide"))
	if errors.Is(err, tree.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("loading guide", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var sections []treeSection
	for _, p := range guide.Providers {
		sec := treeSection{Provider: p}
		view, err := tree.Load(ctx, s.store, tree.Key{GuideID: guide.ID, Provider: p})
		if err != nil {
			sec.Err = err.Error()
		} else {
			sec.View = view
		}
		sections = append(sections, sec)
	}

	s.render(w, "guide.html", map[string]any{
		"Guide": guide,
		"Trees": sections,
	})
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", zap.String("template", name))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.logger.Error("rendering template", zap.String("template", name), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("url", "http://"+addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return nil
	}
}
