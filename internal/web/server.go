// Package web is the thin HTTP collaborator over the mesh core: profile
// CRUD, message history, send, and a live event stream. No mesh logic
// lives here.
package web

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"meshchat/internal/event"
	"meshchat/internal/history"
	"meshchat/internal/mesh"
	"meshchat/internal/profile"
)

const maxMessageLength = 1024

// Server wires the HTTP API to the core, the profile store, and the chat
// log.
type Server struct {
	core     *mesh.Core
	profiles *profile.Store
	messages *history.Store
	log      *logrus.Entry

	http         *http.Server
	stopRecorder func()
}

func NewServer(addr string, core *mesh.Core, profiles *profile.Store, messages *history.Store, log *logrus.Logger) *Server {
	s := &Server{
		core:     core,
		profiles: profiles,
		messages: messages,
		log:      log.WithField("component", "web"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/profiles", s.handleListProfiles)
	mux.HandleFunc("POST /api/profiles", s.handleCreateProfile)
	mux.HandleFunc("PUT /api/profiles/{id}", s.handleUpdateProfile)
	mux.HandleFunc("DELETE /api/profiles/{id}", s.handleDeleteProfile)
	mux.HandleFunc("GET /api/current-profile", s.handleGetCurrent)
	mux.HandleFunc("POST /api/current-profile", s.handleSetCurrent)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("POST /api/send-message", s.handleSend)
	mux.HandleFunc("GET /api/nodes", s.handleNodes)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	s.http = &http.Server{Addr: addr, Handler: noCache(mux)}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run starts the event recorder and serves until the listener fails or is
// shut down.
func (s *Server) Run() error {
	ch, cancel := s.core.Subscribe()
	s.stopRecorder = cancel
	go s.recordMessages(ch)

	s.log.WithField("addr", s.http.Addr).Info("http server listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and the recorder.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopRecorder != nil {
		s.stopRecorder()
	}
	return s.http.Shutdown(ctx)
}

// recordMessages drains the core's event stream into the chat log so
// history survives page reloads and restarts.
func (s *Server) recordMessages(ch <-chan event.Event) {
	for ev := range ch {
		if ev.Type != event.TypeNewMessage || ev.Message == nil {
			continue
		}
		m := ev.Message
		err := s.messages.Append(history.Message{
			ID:        newMessageID(m.From, m.PacketID),
			From:      m.From,
			FromID:    m.FromID,
			LongName:  m.LongName,
			ShortName: m.ShortName,
			Text:      m.Text,
			Timestamp: ev.Time,
			PacketID:  m.PacketID,
			Self:      m.Self,
		})
		if err != nil {
			s.log.WithError(err).Warn("append message to history failed")
		}
	}
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.profiles.List())
}

type profileRequest struct {
	NodeID    string `json:"node_id"`
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
	Channel   string `json:"channel"`
	Key       string `json:"key"`
}

func (pr profileRequest) toProfile() profile.Profile {
	return profile.Profile{
		NodeID:    pr.NodeID,
		LongName:  pr.LongName,
		ShortName: pr.ShortName,
		Channel:   pr.Channel,
		Key:       pr.Key,
	}
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := s.profiles.Create(req.toProfile())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"profile_id": p.ID, "message": "profile created"})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if _, err := s.profiles.Update(r.PathValue("id"), req.toProfile()); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, profile.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "profile updated"})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	active, hadActive := s.profiles.Active()
	if err := s.profiles.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	// Deleting the active profile also stops its listener.
	if hadActive && active.ID == id {
		s.core.ClearProfile()
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "profile deleted"})
}

func (s *Server) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	p, ok := s.profiles.Active()
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProfileID string `json:"profile_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if req.ProfileID == "" {
		_, _ = s.profiles.SetActive("")
		s.core.ClearProfile()
		writeJSON(w, http.StatusOK, map[string]string{"message": "profile unset"})
		return
	}

	p, err := s.profiles.SetActive(req.ProfileID)
	if err != nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	nodeNum, err := p.NodeNum()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.core.SetProfile(mesh.Profile{
		ID:        p.ID,
		NodeID:    nodeNum,
		LongName:  p.LongName,
		ShortName: p.ShortName,
		Channel:   p.Channel,
		Key:       p.Key,
		PublicKey: p.PublicKey,
	}); err != nil {
		_, _ = s.profiles.SetActive("")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("start listener: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"message": "profile set", "profile": p})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.messages.Recent(200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		writeError(w, http.StatusBadRequest, "message cannot be empty")
		return
	}
	if len(text) > maxMessageLength {
		writeError(w, http.StatusBadRequest, "message too long")
		return
	}

	if err := s.core.Send(text); err != nil {
		if errors.Is(err, mesh.ErrNotListening) {
			writeError(w, http.StatusBadRequest, "no profile selected")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "message sent"})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Nodes())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, stats, active := s.core.Status()
	resp := map[string]any{
		"state": state.String(),
		"stats": stats,
	}
	if active != nil {
		resp["node_id"] = active.NodeID
		resp["channel"] = active.Channel
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"profiles": len(s.profiles.List()),
	})
}

// handleEvents streams core events to the browser as server-sent events.
// A slow client only loses its own events; the pipeline never waits.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.core.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		next.ServeHTTP(w, r)
	})
}

func newMessageID(from, packetID uint32) string {
	if packetID != 0 {
		return fmt.Sprintf("%08x-%08x", from, packetID)
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%08x-%x", from, b)
}
