package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/SchlenkR/ronboard/internal/protocol"
	"github.com/SchlenkR/ronboard/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufSize   = 256
	maxReadBytes  = 4 * 1024 * 1024
)

// Options configures a Server.
type Options struct {
	Manager *session.Manager
	// StaticDir is served at / when set.
	StaticDir string
	// AllowedOrigins lists browser origins accepted for CORS and WebSocket
	// upgrades. "*" allows any origin.
	AllowedOrigins []string
}

// Server exposes the session manager over REST and WebSocket. Every
// connected client receives lifecycle messages; output is only sent to
// clients that joined the session's group.
type Server struct {
	sessions  *session.Manager
	staticDir string
	origins   map[string]bool
	anyOrigin bool
	upgrader  websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]bool
	groups    map[string]map[*client]bool

	unsubscribe func()
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

// New creates a realtime server and subscribes it to the manager's events.
func New(opts Options) *Server {
	s := &Server{
		sessions:  opts.Manager,
		staticDir: opts.StaticDir,
		origins:   make(map[string]bool),
		clients:   make(map[*client]bool),
		groups:    make(map[string]map[*client]bool),
	}
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			s.anyOrigin = true
			continue
		}
		s.origins[strings.TrimRight(o, "/")] = true
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.unsubscribe = s.sessions.Subscribe(s.onEvent)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/ws", s.handleWebSocket)
	r.Route("/api/sessions", s.routes)

	if s.staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}
	return r
}

// Close detaches from the manager and disconnects every client.
func (s *Server) Close() {
	s.unsubscribe()

	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.anyOrigin || s.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (s.anyOrigin || s.origins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	log.Debug().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands data to the write pump without blocking. A client that
// cannot keep up loses the message.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Debug().Msg("websocket client buffer full, dropping message")
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	for id, members := range s.groups {
		delete(members, c)
		if len(members) == 0 {
			delete(s.groups, id)
		}
	}
	s.clientsMu.Unlock()

	c.close()
}

func (s *Server) join(c *client, sessionID string) {
	s.clientsMu.Lock()
	members, ok := s.groups[sessionID]
	if !ok {
		members = make(map[*client]bool)
		s.groups[sessionID] = members
	}
	members[c] = true
	s.clientsMu.Unlock()
}

func (s *Server) leave(c *client, sessionID string) {
	s.clientsMu.Lock()
	if members, ok := s.groups[sessionID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(s.groups, sessionID)
		}
	}
	s.clientsMu.Unlock()
}

func (s *Server) dropGroup(sessionID string) {
	s.clientsMu.Lock()
	delete(s.groups, sessionID)
	s.clientsMu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case protocol.TypeSessionJoin:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.handleJoin(c, p.SessionID)

	case protocol.TypeSessionLeave:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.leave(c, p.SessionID)

	case protocol.TypeSessionCreate:
		var p protocol.SessionCreatePayload
		json.Unmarshal(msg.Payload, &p)
		sess := s.sessions.Create(ctx, session.CreateOptions{
			Name:             p.Name,
			WorkingDirectory: p.WorkingDirectory,
			Mode:             session.ParseMode(p.Mode),
			Model:            p.Model,
		})
		s.join(c, sess.ID)
		if sess.Status == session.StatusError {
			s.sendError(c, protocol.ErrSpawnFailed, "failed to start agent for session "+sess.ID)
		}

	case protocol.TypeSessionInput:
		var p protocol.SessionInputPayload
		json.Unmarshal(msg.Payload, &p)
		s.reply(c, s.sessions.SendInput(ctx, p.SessionID, p.Data))

	case protocol.TypeSessionMessage:
		var p protocol.SessionMessagePayload
		json.Unmarshal(msg.Payload, &p)
		s.reply(c, s.sessions.SendMessage(ctx, p.SessionID, p.Text))

	case protocol.TypeSessionStop:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if !s.sessions.Stop(ctx, p.SessionID) {
			s.reply(c, notFound(p.SessionID))
		}

	case protocol.TypeSessionRemove:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if !s.sessions.Remove(ctx, p.SessionID) {
			s.reply(c, notFound(p.SessionID))
		}

	case protocol.TypeSessionResume:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		_, err := s.sessions.Resume(ctx, p.SessionID)
		s.reply(c, err)

	case protocol.TypeSessionRename:
		var p protocol.SessionRenamePayload
		json.Unmarshal(msg.Payload, &p)
		s.reply(c, s.sessions.Rename(ctx, p.SessionID, p.Name))

	case protocol.TypeFilesRequestTree:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.handleFilesTree(c, p.SessionID)

	case protocol.TypeAgentRequestConfig:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.handleAgentConfig(c, p.SessionID)
	}
}

// handleJoin adds c to the session's group and sends it the history so far.
// Both happen while new output is held back, so every output unit reaches c
// exactly once and after the history.
func (s *Server) handleJoin(c *client, sessionID string) {
	ok := s.sessions.SnapshotHistory(sessionID, func(h session.History) {
		s.join(c, sessionID)

		switch {
		case h.Mode == session.ModeStream && len(h.Messages) > 0:
			s.sendTo(c, protocol.TypeStreamHistory, protocol.StreamHistoryPayload{
				SessionID: sessionID,
				Messages:  h.Messages,
			})
		case h.Mode == session.ModeTerminal && h.Terminal != "":
			s.sendTo(c, protocol.TypeTerminalHistory, protocol.TerminalDataPayload{
				SessionID: sessionID,
				Data:      h.Terminal,
			})
		}
	})
	if !ok {
		s.reply(c, notFound(sessionID))
	}
}

func (s *Server) handleFilesTree(c *client, sessionID string) {
	dir, err := s.workingDirectory(sessionID)
	if err != nil {
		s.reply(c, err)
		return
	}
	s.sendTo(c, protocol.TypeFilesTree, protocol.FilesTreePayload{
		SessionID: sessionID,
		Tree:      buildFileTree(dir),
	})
}

func (s *Server) handleAgentConfig(c *client, sessionID string) {
	dir, err := s.workingDirectory(sessionID)
	if err != nil {
		s.reply(c, err)
		return
	}
	s.sendTo(c, protocol.TypeAgentConfig, protocol.AgentConfigPayload{
		SessionID: sessionID,
		Files:     readAgentConfig(dir),
	})
}

func (s *Server) workingDirectory(sessionID string) (string, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return "", notFound(sessionID)
	}
	return session.ResolveDirectory(sess.WorkingDirectory)
}

// onEvent translates manager events into client messages. It runs on the
// publisher's goroutine, so it only encodes and enqueues.
func (s *Server) onEvent(e session.Event) {
	switch e.Type {
	case session.EventSessionCreated:
		s.broadcastSession(protocol.TypeSessionCreated, e)
	case session.EventSessionResumed:
		s.broadcastSession(protocol.TypeSessionResumed, e)
	case session.EventSessionRenamed:
		s.broadcastSession(protocol.TypeSessionRenamed, e)
	case session.EventSessionStatus:
		s.broadcastSession(protocol.TypeSessionStatus, e)
	case session.EventSessionStopped:
		s.broadcast(protocol.TypeSessionStopped, protocol.SessionIDPayload{SessionID: e.SessionID})
	case session.EventSessionRemoved:
		s.broadcast(protocol.TypeSessionRemoved, protocol.SessionIDPayload{SessionID: e.SessionID})
		s.dropGroup(e.SessionID)
	case session.EventTerminalOutput:
		s.sendGroup(e.SessionID, protocol.TypeTerminalOutput, protocol.TerminalDataPayload{
			SessionID: e.SessionID,
			Data:      e.Data,
		})
	case session.EventStreamMessage:
		s.sendGroup(e.SessionID, protocol.TypeStreamMessage, protocol.StreamMessagePayload{
			SessionID: e.SessionID,
			Message:   *e.Message,
		})
	case session.EventSessionEnded:
		s.sendGroup(e.SessionID, protocol.TypeSessionEnded, protocol.SessionIDPayload{SessionID: e.SessionID})
	}
}

func (s *Server) broadcastSession(msgType string, e session.Event) {
	view, ok := s.sessions.View(e.SessionID)
	if !ok {
		if e.Session == nil {
			return
		}
		view = session.View{Session: *e.Session}
	}
	s.broadcast(msgType, protocol.SessionPayload{Session: view})
}

// OnFileUpdate is the callback for the file watcher.
func (s *Server) OnFileUpdate(sessionID string, fileCount int) {
	s.broadcast(protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{
		SessionID: sessionID,
		FileCount: fileCount,
	})
}

func encode(msgType string, payload any) ([]byte, bool) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return nil, false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return nil, false
	}
	return data, true
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msgType string, payload any) {
	data, ok := encode(msgType, payload)
	if !ok {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.enqueue(data)
	}
}

// sendGroup sends a message to the clients that joined sessionID.
func (s *Server) sendGroup(sessionID, msgType string, payload any) {
	s.clientsMu.RLock()
	members := len(s.groups[sessionID])
	s.clientsMu.RUnlock()
	if members == 0 {
		return
	}

	data, ok := encode(msgType, payload)
	if !ok {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.groups[sessionID] {
		c.enqueue(data)
	}
}

func (s *Server) sendTo(c *client, msgType string, payload any) {
	if data, ok := encode(msgType, payload); ok {
		c.enqueue(data)
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode error message")
		return
	}
	if data, err := json.Marshal(msg); err == nil {
		c.enqueue(data)
	}
}

// reply reports err to the client, if any.
func (s *Server) reply(c *client, err error) {
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", session.ErrNotFound, id)
}

func errorCode(err error) string {
	var (
		dirErr   *session.DirectoryNotFoundError
		spawnErr *session.ProcessSpawnError
	)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrWrongMode):
		return protocol.ErrWrongMode
	case errors.As(err, &dirErr), errors.As(err, &spawnErr):
		return protocol.ErrSpawnFailed
	default:
		return protocol.ErrInternal
	}
}
