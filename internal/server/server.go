package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"evalchat-backend/internal/assistant"
	"evalchat-backend/internal/config"
	"evalchat-backend/internal/conversation"
	"evalchat-backend/internal/db"
	"evalchat-backend/internal/dispatch"
	"evalchat-backend/internal/store"
	"evalchat-backend/internal/upload"
)

// Deps are the components a Server routes requests to. Assistant and
// Database are optional.
type Deps struct {
	Registry  *store.Registry
	Pipeline  *dispatch.Pipeline
	Uploader  *upload.Uploader
	UploadDir string
	Assistant http.Handler
	Database  *db.DB
	Now       func() time.Time
}

type Server struct {
	router  *chi.Mux
	cfg     config.Config
	deps    Deps
	closers []io.Closer
}

// NewServer builds every component described by cfg and wires the routes.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	var closers []io.Closer
	fail := func(err error) (*Server, error) {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}

	var backend conversation.Backend
	var database *db.DB
	switch cfg.StoreMode {
	case config.StoreRemote:
		var err error
		database, err = db.New(cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize database: %w", err))
		}
		closers = append(closers, database)
		log.Info().Msg("database connection established")
		n, err := database.RunMigrations(ctx, cfg.MigrationsDir)
		if err != nil {
			return fail(fmt.Errorf("failed to run migrations: %w", err))
		}
		log.Info().Int("applied", n).Msg("database migrations completed")
		backend = store.NewDatabaseStore(database)
	case config.StoreMemory:
		log.Warn().Msg("STORE_MODE=memory, chats are lost on restart")
		backend = store.NewMemoryBackend()
	default:
		snap, err := store.OpenSnapshotStore(cfg.StorePath, cfg.StoreKey)
		if err != nil {
			return fail(fmt.Errorf("failed to open snapshot store: %w", err))
		}
		closers = append(closers, snap)
		backend = snap
	}

	var replies dispatch.Backend
	if cfg.DispatchMode == config.DispatchAssistant {
		replies = dispatch.NewAssistantBackend(ctx, cfg.AssistantURL, cfg.AssistantToken, nil)
	} else {
		replies = dispatch.NewWebhookBackend(cfg.WebhookURL, nil)
	}

	blobs, err := upload.NewDirBlobStore(cfg.UploadDir, cfg.UploadBaseURL)
	if err != nil {
		return fail(err)
	}

	var ai http.Handler
	if len(cfg.AssistantTokens) > 0 {
		prompt, err := assistant.LoadPrompt(cfg.AssistantPromptFile)
		if err != nil {
			return fail(fmt.Errorf("failed to load assistant prompt: %w", err))
		}
		oc := openai.DefaultConfig(cfg.OpenAIAPIKey)
		if cfg.OpenAIBaseURL != "" {
			oc.BaseURL = cfg.OpenAIBaseURL
		}
		ai = assistant.NewService(openai.NewClientWithConfig(oc), prompt, cfg.Model, cfg.ImageModel, cfg.AssistantTokens)
	} else {
		log.Warn().Msg("ASSISTANT_TOKENS not set, /api/assistant is disabled")
	}

	s := New(cfg, Deps{
		Registry:  store.NewRegistry(backend),
		Pipeline:  dispatch.NewPipeline(replies, dispatch.WithTimeout(cfg.DispatchTimeout), dispatch.WithHistoryLimit(cfg.HistoryLimit)),
		Uploader:  upload.NewUploader(blobs),
		UploadDir: blobs.Dir(),
		Assistant: ai,
		Database:  database,
	})
	s.closers = closers
	return s, nil
}

// New wires routes around already built components.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Session-Id"},
		ExposedHeaders:   []string{"X-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s := &Server{router: r, cfg: cfg, deps: deps}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Delete("/api/session", s.handleEndSession)
	// Chats
	s.router.Get("/api/chats", s.handleListChats)
	s.router.Post("/api/chats", s.handleCreateChat)
	s.router.Patch("/api/chats/{id}", s.handleRenameChat)
	s.router.Delete("/api/chats/{id}", s.handleDeleteChat)
	s.router.Post("/api/chats/{id}/select", s.handleSelectChat)
	// Messages and attachments
	s.router.Post("/api/messages", s.handleSendMessage)
	s.router.Post("/api/uploads/{kind}", s.handleUpload)
	s.router.Delete("/api/uploads/{kind}/{name}", s.handleDeleteUpload)
	// Search
	s.router.Get("/api/search", s.handleSearch)
	s.router.Post("/api/search/select", s.handleSearchSelect)
	// AI service
	if s.deps.Assistant != nil {
		s.router.Method(http.MethodPost, "/api/assistant", s.deps.Assistant)
	}
	// Uploaded files
	if base := strings.TrimRight(s.cfg.UploadBaseURL, "/"); strings.HasPrefix(base, "/") && s.deps.UploadDir != "" {
		s.router.Handle(base+"/*", http.StripPrefix(base, http.FileServer(http.Dir(s.deps.UploadDir))))
	}
}

func (s *Server) Router() http.Handler { return s.router }

// Close releases the storage opened by NewServer.
func (s *Server) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func newSessionID() string {
	return "s_" + uuid.NewString()
}

// getSessionID retrieves the session ID from cookie or query parameter/header
func getSessionID(r *http.Request) string {
	if cookie, err := GetSessionCookie(r); err == nil && cookie != "" {
		return cookie
	}
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		return sid
	}
	return ""
}

// getOrCreateSessionID gets existing session ID or creates a new one, setting the cookie
func getOrCreateSessionID(r *http.Request, w http.ResponseWriter) string {
	sid := getSessionID(r)
	if sid == "" {
		sid = newSessionID()
		log.Debug().Str("component", "session").Str("session_id", sid).Str("path", r.URL.Path).Msg("creating new session")
		SetSessionCookie(w, r, sid)
	}
	w.Header().Set("X-Session-Id", sid)
	return sid
}

// sessionStore resolves the caller's conversation store, writing an error
// response when it cannot be loaded.
func (s *Server) sessionStore(w http.ResponseWriter, r *http.Request) (*conversation.Store, string, bool) {
	sid := getOrCreateSessionID(r, w)
	cs, err := s.deps.Registry.Get(r.Context(), sid)
	if err != nil {
		log.Error().Err(err).Str("component", "session").Str("session_id", sid).Msg("failed to load chats")
		s.writeError(w, http.StatusInternalServerError, "failed to load chats")
		return nil, sid, false
	}
	return cs, sid, true
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("component", "http").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
