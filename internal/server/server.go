// Package server exposes the conversation engine over HTTP: clients create
// a remote session and interact with it almost identically to a local one,
// with replies streamed back as server-sent events.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mwmacmahon/llmtextadventure/internal/config"
	"github.com/mwmacmahon/llmtextadventure/internal/history"
	"github.com/mwmacmahon/llmtextadventure/internal/session"
	"github.com/mwmacmahon/llmtextadventure/internal/store"
	"github.com/mwmacmahon/llmtextadventure/internal/token"
	"github.com/mwmacmahon/llmtextadventure/internal/transform"
)

// Server hosts one session driver per session id. Each driver serializes
// its own exchanges, so a concurrent query to the same session gets 409.
type Server struct {
	profile   config.SessionConfig
	store     store.Store
	counter   token.Counter
	model     session.Capability
	transform func(string) string

	mu       sync.Mutex
	sessions map[string]*session.Driver
}

func New(profile config.SessionConfig, st store.Store, counter token.Counter, model session.Capability) *Server {
	// Profile validation already guaranteed the chain compiles.
	transformFn, _ := transform.Chain(profile.Transformations)
	return &Server{
		profile:   profile,
		store:     st,
		counter:   counter,
		model:     model,
		transform: transformFn,
		sessions:  make(map[string]*session.Driver),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Post("/sessions", s.handleCreate)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Get("/history", s.handleHistory)
		r.Post("/save", s.handleSave)
		r.Delete("/", s.handleDelete)
	})

	return r
}

func (s *Server) get(id string) *session.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

type createRequest struct {
	// ID is optional; the server generates one when absent.
	ID string `json:"id,omitempty"`
	// Resume rehydrates the session from its persisted snapshot.
	Resume bool `json:"resume,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	// An empty body is fine; it means a fresh server-named session.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	hist := history.New()
	if req.Resume {
		turns, err := s.store.LoadSnapshot(req.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		hist.Restore(turns)
	}

	driver := session.NewDriver(session.Options{
		SessionID:       req.ID,
		ContextLimit:    s.profile.ContextLimit,
		MaxOutputTokens: s.profile.MaxOutputTokens,
		SystemPreamble:  s.profile.SystemPreamble,
		Params:          s.profile.Params(),
		Store:           s.store,
	}, hist, s.counter, s.model)

	s.mu.Lock()
	if _, exists := s.sessions[req.ID]; exists {
		s.mu.Unlock()
		httpError(w, http.StatusConflict, fmt.Errorf("session %s already exists", req.ID))
		return
	}
	s.sessions[req.ID] = driver
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createResponse{ID: req.ID})
}

type queryRequest struct {
	Input string `json:"input"`
}

type fragmentEvent struct {
	Delta string `json:"delta"`
}

type doneEvent struct {
	Done        bool   `json:"done"`
	Reply       string `json:"reply"`
	InputTokens int    `json:"input_tokens"`
	Overflow    bool   `json:"overflow"`
	// Warning reports a non-fatal problem with the exchange, such as a
	// failed snapshot write after the reply was committed.
	Warning string `json:"warning,omitempty"`
}

type errorEvent struct {
	Error   string `json:"error"`
	Partial string `json:"partial,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	driver := s.get(chi.URLParam(r, "id"))
	if driver == nil {
		httpError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
		httpError(w, http.StatusBadRequest, errors.New("body must be {\"input\": ...}"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
	}

	res, err := driver.RunTurn(r.Context(), s.transform(req.Input), func(frag string) {
		start()
		writeEvent(w, fragmentEvent{Delta: frag})
		flusher.Flush()
	})
	// A persistence failure after the commit is not an exchange failure:
	// the reply is in history and a retry would duplicate the user turn.
	var warning string
	if err != nil && res != nil && errors.Is(err, store.ErrPersistence) {
		log.Printf("server: session %s: %v", driver.ID(), err)
		warning = "history persistence failed; exchange kept in memory"
		err = nil
	}
	if err != nil {
		var interrupted *session.StreamInterruptedError
		switch {
		case errors.As(err, &interrupted) && started:
			writeEvent(w, errorEvent{Error: interrupted.Err.Error(), Partial: interrupted.Partial})
			flusher.Flush()
		case errors.As(err, &interrupted):
			httpError(w, http.StatusBadGateway, err)
		case errors.Is(err, session.ErrBusy):
			httpError(w, http.StatusConflict, err)
		case started:
			writeEvent(w, errorEvent{Error: err.Error()})
			flusher.Flush()
		default:
			httpError(w, http.StatusBadGateway, err)
		}
		return
	}

	start()
	writeEvent(w, doneEvent{
		Done:        true,
		Reply:       res.Reply.Content,
		InputTokens: res.InputTokens,
		Overflow:    res.Overflow,
		Warning:     warning,
	})
	flusher.Flush()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	driver := s.get(chi.URLParam(r, "id"))
	if driver == nil {
		httpError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]history.Turn{
		"conversation": driver.History().Turns(),
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	driver := s.get(id)
	if driver == nil {
		httpError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}

	if err := s.store.SaveSnapshot(id, driver.History().Snapshot()); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	_, exists := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !exists {
		httpError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeEvent(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("server: marshaling event: %v", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func httpError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
