// Package server exposes the compiler over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leapcube/pkg/compiler"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// Config holds configuration for the HTTP server.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
	RateLimit   RateLimitConfig
	// ModelPath is reloaded into a new compiler when Watch is set and a
	// model file changes.
	ModelPath string
	Watch     bool
	// Options builds reloaded compilers.
	Options compiler.Options
	Logger  *slog.Logger
}

// Server serves compile requests. The compiler is swapped atomically on
// reload; in-flight requests finish on the compiler they started with.
type Server struct {
	cfg      Config
	compiler atomic.Pointer[compiler.Compiler]
	limiters *limiterSet
	logger   *slog.Logger
}

// New creates a server around an initial compiler.
func New(cfg Config, c *compiler.Compiler) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	s := &Server{cfg: cfg, logger: logger}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiters = newLimiterSet(cfg.RateLimit)
	}
	s.compiler.Store(c)
	return s
}

// Compiler returns the current compiler.
func (s *Server) Compiler() *compiler.Compiler { return s.compiler.Load() }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		if s.limiters != nil {
			r.Use(s.limiters.middleware)
		}
		r.Post("/sql", s.handleSQL)
		r.Post("/preaggs", s.handlePreAggs)
		r.Get("/meta", s.handleMeta)
		r.Get("/join-path", s.handleJoinPath)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)))
	})
}

// Serve starts the server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))

	eg, egctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
	}

	if s.limiters != nil {
		eg.Go(func() error {
			s.limiters.run(egctx)
			return nil
		})
	}
	if s.cfg.Watch {
		eg.Go(func() error {
			return s.watchModel(egctx)
		})
	}
	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Debug("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// Reload recompiles the model and swaps the compiler. On error the
// current compiler keeps serving.
func (s *Server) Reload() error {
	m, err := model.Load(s.cfg.ModelPath)
	if err != nil {
		return err
	}
	opts := s.cfg.Options
	opts.Logger = s.logger
	c, err := compiler.New(m, opts)
	if err != nil {
		return err
	}
	s.compiler.Store(c)
	s.logger.Info("model reloaded", slog.Int("cubes", len(m.Cubes())))
	return nil
}

func isModelFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

func (s *Server) watchModel(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	info, err := os.Stat(s.cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to watch model: %w", err)
	}
	if info.IsDir() {
		err = watchDirRecursive(watcher, s.cfg.ModelPath)
	} else {
		err = watcher.Add(filepath.Dir(s.cfg.ModelPath))
	}
	if err != nil {
		s.logger.Error("failed to watch model path", slog.Any("error", err))
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isModelFile(event.Name) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				s.logger.Debug("model changed", slog.String("file", event.Name))
				if err := s.Reload(); err != nil {
					s.logger.Error("model reload failed", slog.Any("error", err))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher error", slog.Any("error", err))
		}
	}
}

// watchDirRecursive adds a directory and all subdirectories to the watcher.
func watchDirRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
