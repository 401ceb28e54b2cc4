// Package server routes the HTTP/WebSocket/SSE surface onto the execution
// engine and the topic fabric.
//
// Architecture overview
// ─────────────────────
//
//	execute ──► action.Service ──► responses ──► observer (this package)
//	                                               │
//	                         ┌─────────────────────┴──────────────┐
//	                         ▼                                    ▼
//	            session WebSockets                  session topics ──► SSE
//
// The server owns three session-keyed tables (WebSockets, execution
// references, topic subscriptions) plus a reverse execution → session index
// kept consistent on every mutation. Deleting a session detaches it from
// fanout; it never terminates the underlying executions.
package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ianremillard/termherd/internal/action"
	"github.com/ianremillard/termherd/internal/topic"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// Server handles web requests and invokes the action service.
type Server struct {
	service *action.Service
	topics  *topic.Manager

	mu                sync.Mutex
	sessionSockets    map[string][]*wsConn
	sessionExecutions map[string][]action.ExecutionReference
	sessionTopics     map[string]map[string]struct{}
	executionSession  map[string]string
}

// New wires a Server to the service and topic manager and installs itself
// as the service's observer.
func New(service *action.Service, topics *topic.Manager) *Server {
	s := &Server{
		service:           service,
		topics:            topics,
		sessionSockets:    make(map[string][]*wsConn),
		sessionExecutions: make(map[string][]action.ExecutionReference),
		sessionTopics:     make(map[string]map[string]struct{}),
		executionSession:  make(map[string]string),
	}
	service.SetObserver(s)
	return s
}

// Handler builds the route table with the CORS and recovery middleware
// applied to every route.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/websocket", s.handleWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{session_id}/topics", s.handleAddTopic).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{session_id}/topics/{topic_id}", s.handleRemoveTopic).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{session_id}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/state", s.handleState).Methods(http.MethodPost)
	r.HandleFunc("/topics/{topic_id}/stream", s.handleTopicStream).Methods(http.MethodGet)
	// Preflight OPTIONS requests are answered by the CORS middleware before
	// they reach the router.
	return recoverMiddleware(corsMiddleware(r))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Execute ──────────────────────────────────────────────────────────────────

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}
	sessionID := req.Session.SessionID
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing session.session_id"})
		return
	}

	// A poll interval on the request retargets every execution the session
	// already owns before the new one starts.
	if req.PollInterval != nil {
		s.mu.Lock()
		existing := append([]action.ExecutionReference(nil), s.sessionExecutions[sessionID]...)
		s.mu.Unlock()
		for _, ref := range existing {
			if err := s.service.SetPollInterval(ref, *req.PollInterval); err != nil {
				logrus.WithError(err).WithField("execution", ref.ExecutionID).Warn("set poll interval")
			}
		}
	}

	ref, err := s.service.Execute(action.Request{
		LoopbackPayload: req.LoopbackPayload,
		NewProcesses:    req.NewProcesses,
		Processes:       req.Processes,
		PollInterval:    req.PollInterval,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	s.mu.Lock()
	s.sessionExecutions[sessionID] = append(s.sessionExecutions[sessionID], ref)
	s.executionSession[ref.ExecutionID] = sessionID
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session":   sessionID,
		"execution": ref.ExecutionID,
	}).Info("execution registered")

	writeJSON(w, http.StatusOK, errorResponse{})
}

// ─── Sessions listing ─────────────────────────────────────────────────────────

// handleSessions paginates the union of session ids seen via executions and
// via WebSockets. Pages are 1-indexed; ordering is ascending and stable for
// a fixed view.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	page, pageSize := 1, defaultPageSize
	var err error
	if v := r.URL.Query().Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pagination params"})
			return
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pagination params"})
			return
		}
	}
	if page < 1 || pageSize < 1 || pageSize > maxPageSize {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pagination params"})
		return
	}

	s.mu.Lock()
	seen := make(map[string]struct{}, len(s.sessionExecutions)+len(s.sessionSockets))
	for sid := range s.sessionExecutions {
		seen[sid] = struct{}{}
	}
	for sid := range s.sessionSockets {
		seen[sid] = struct{}{}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(seen))
	for sid := range seen {
		ids = append(ids, sid)
	}
	sort.Strings(ids)

	total := len(ids)
	start := (page - 1) * pageSize
	end := start + pageSize
	if start >= total && total != 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "page out of range"})
		return
	}
	if end > total {
		end = total
	}
	if start > total {
		start = total
	}

	items := make([]sessionsItem, 0, end-start)
	for _, sid := range ids[start:end] {
		items = append(items, sessionsItem{SessionID: sid})
	}

	writeJSON(w, http.StatusOK, sessionsResponse{
		Items:    items,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		HasNext:  end < total,
	})
}

// ─── Topic subscriptions ──────────────────────────────────────────────────────

func (s *Server) handleAddTopic(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	var req addTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TopicID == "" || sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing session_id or topic_id"})
		return
	}

	s.mu.Lock()
	set := s.sessionTopics[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		s.sessionTopics[sessionID] = set
	}
	set[req.TopicID] = struct{}{}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleRemoveTopic(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, topicID := vars["session_id"], vars["topic_id"]
	if sessionID == "" || topicID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing session_id or topic_id"})
		return
	}

	s.mu.Lock()
	if set := s.sessionTopics[sessionID]; set != nil {
		delete(set, topicID)
		if len(set) == 0 {
			delete(s.sessionTopics, sessionID)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// ─── Session deletion ─────────────────────────────────────────────────────────

// handleDeleteSession drops all three tables' entries and the reverse index
// for the session. The underlying executions keep running; stopping them is
// an explicit follow-up, not a side effect of detaching fanout.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing session_id"})
		return
	}

	s.mu.Lock()
	sockets := s.sessionSockets[sessionID]
	delete(s.sessionSockets, sessionID)
	delete(s.sessionExecutions, sessionID)
	delete(s.sessionTopics, sessionID)
	for eid, sid := range s.executionSession {
		if sid == sessionID {
			delete(s.executionSession, eid)
		}
	}
	s.mu.Unlock()

	for _, c := range sockets {
		c.close()
	}

	logrus.WithField("session", sessionID).Info("session deleted")
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// ─── State push ───────────────────────────────────────────────────────────────

// handleState builds a snapshot for each listed session and delivers it to
// the session's WebSockets and to the union of its subscribed topics and
// the explicitly provided one.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	for _, sessionID := range req.Sessions {
		snap := s.buildSnapshot(sessionID)
		payload, err := json.Marshal(snap)
		if err != nil {
			continue
		}

		s.mu.Lock()
		sockets := append([]*wsConn(nil), s.sessionSockets[sessionID]...)
		topicSet := make(map[string]struct{})
		for t := range s.sessionTopics[sessionID] {
			topicSet[t] = struct{}{}
		}
		s.mu.Unlock()
		if req.TopicID != "" {
			topicSet[req.TopicID] = struct{}{}
		}

		for _, c := range sockets {
			// Best-effort; observer fanout owns socket reaping.
			_ = c.write(payload)
		}
		for t := range topicSet {
			s.topics.Publish(t, payload)
		}
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// buildSnapshot assembles the snapshot frame for one session from the
// session's execution list and the engine's process state.
func (s *Server) buildSnapshot(sessionID string) snapshotFrame {
	s.mu.Lock()
	refs := append([]action.ExecutionReference(nil), s.sessionExecutions[sessionID]...)
	s.mu.Unlock()

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ExecutionID)
	}
	return snapshotFor(sessionID, ids, s.service.GetExecutionState(ids))
}

// ─── Topic stream ─────────────────────────────────────────────────────────────

func (s *Server) handleTopicStream(w http.ResponseWriter, r *http.Request) {
	topicID := mux.Vars(r)["topic_id"]
	if topicID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing topic_id"})
		return
	}
	s.topics.ServeStream(w, r, topicID)
}
