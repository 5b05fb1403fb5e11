package realtime

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/SchlenkR/ronboard/internal/protocol"
	"github.com/SchlenkR/ronboard/internal/session"
	"github.com/SchlenkR/ronboard/internal/watcher"
)

const maxTreeDepth = 3

type createSessionRequest struct {
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDirectory"`
	Mode             string `json:"mode"`
	Model            string `json:"model"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type inputRequest struct {
	Data string `json:"data"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type terminalContent struct {
	Mode     session.Mode `json:"mode"`
	Terminal string       `json:"terminal"`
}

type streamContent struct {
	Mode     session.Mode      `json:"mode"`
	Messages []session.Message `json:"messages"`
}

type filesResponse struct {
	SessionID string              `json:"sessionId"`
	FileCount int                 `json:"fileCount"`
	Tree      []protocol.FileNode `json:"tree"`
}

func (s *Server) routes(r chi.Router) {
	r.Get("/", s.handleListSessions)
	r.Post("/", s.handleCreateSession)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleDeleteSession)
		r.Get("/content", s.handleGetContent)
		r.Post("/resume", s.handleResumeSession)
		r.Patch("/name", s.handleRenameSession)
		r.Post("/stop", s.handleStopSession)
		r.Post("/input", s.handleSendInput)
		r.Post("/message", s.handleSendMessage)
		r.Get("/files", s.handleGetFiles)
		r.Get("/config", s.handleGetConfig)
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Views())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, ok := s.sessions.View(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if sess.Mode == session.ModeStream {
		msgs := s.sessions.StreamHistory(id)
		if msgs == nil {
			msgs = []session.Message{}
		}
		writeJSON(w, http.StatusOK, streamContent{Mode: sess.Mode, Messages: msgs})
		return
	}
	writeJSON(w, http.StatusOK, terminalContent{Mode: sess.Mode, Terminal: s.sessions.TerminalHistory(id)})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WorkingDirectory) == "" {
		writeError(w, http.StatusBadRequest, "workingDirectory is required")
		return
	}

	sess := s.sessions.Create(r.Context(), session.CreateOptions{
		Name:             req.Name,
		WorkingDirectory: req.WorkingDirectory,
		Mode:             session.ParseMode(req.Mode),
		Model:            req.Model,
	})

	view, ok := s.sessions.View(sess.ID)
	if !ok {
		view = session.View{Session: sess}
	}
	writeJSON(w, http.StatusOK, view)
}

// handleResumeSession answers with the session even when the launch
// failed; its status is then "error".
func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Resume(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("sessionId", id).Msg("resume failed")
	}

	view, ok := s.sessions.View(id)
	if !ok {
		view = session.View{Session: sess}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req renameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.sessions.Rename(r.Context(), id, req.Name); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": req.Name})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.Stop(r.Context(), id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(session.StatusStopped)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.Remove(r.Context(), id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sessions.SendInput(r.Context(), chi.URLParam(r, "id"), req.Data); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.sessions.SendMessage(r.Context(), chi.URLParam(r, "id"), req.Text); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dir, err := s.workingDirectory(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, filesResponse{
		SessionID: id,
		FileCount: watcher.CountFiles(dir),
		Tree:      buildFileTree(dir),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dir, err := s.workingDirectory(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.AgentConfigPayload{
		SessionID: id,
		Files:     readAgentConfig(dir),
	})
}

func buildFileTree(dir string) []protocol.FileNode {
	tree := watcher.BuildFileTree(dir, maxTreeDepth)
	if tree == nil {
		tree = []protocol.FileNode{}
	}
	return tree
}

func readAgentConfig(dir string) []protocol.ConfigFile {
	files := watcher.ReadAgentConfig(dir)
	if files == nil {
		files = []protocol.ConfigFile{}
	}
	return files
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errorCode(err) {
	case protocol.ErrSessionNotFound:
		status = http.StatusNotFound
	case protocol.ErrWrongMode:
		status = http.StatusConflict
	case protocol.ErrSpawnFailed:
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, err.Error())
}
