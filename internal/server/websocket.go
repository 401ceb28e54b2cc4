package server

// websocket.go – per-session WebSocket attachment. A socket is written to
// by the observer fanout and read only to notice the peer going away; any
// text frame from the client is logged and ignored.

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is handled at the transport edge; accept everyone.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn wraps a websocket connection with a write lock: fanout and
// snapshot pushes may race, and gorilla allows one concurrent writer.
type wsConn struct {
	sessionID string

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *wsConn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) close() {
	_ = c.conn.Close()
}

// handleWebsocket upgrades the connection, registers it under the session
// from the session_id header, and immediately sends a snapshot when the
// session already owns executions. The read loop exists only to detect the
// socket becoming non-readable, at which point it is removed.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing 'session_id' header in websocket request."})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &wsConn{sessionID: sessionID, conn: conn}
	log := logrus.WithFields(logrus.Fields{"session": sessionID, "remote": r.RemoteAddr})
	log.Info("websocket attached")

	s.mu.Lock()
	s.sessionSockets[sessionID] = append(s.sessionSockets[sessionID], c)
	hasExecutions := len(s.sessionExecutions[sessionID]) > 0
	s.mu.Unlock()

	if hasExecutions {
		snap := s.buildSnapshot(sessionID)
		if err := c.writeObject(snap); err != nil {
			log.WithError(err).Warn("snapshot send failed")
			s.removeSocket(c)
			c.close()
			return
		}
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.TextMessage {
			log.WithField("message", string(data)).Info("unexpected websocket message")
		}
	}

	s.removeSocket(c)
	c.close()
	log.Info("websocket detached")
}

func (c *wsConn) writeObject(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// removeSocket drops c from its session's socket list, reclaiming the list
// entry when it empties.
func (s *Server) removeSocket(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sessionSockets[c.sessionID]
	kept := list[:0]
	for _, other := range list {
		if other != c {
			kept = append(kept, other)
		}
	}
	if len(kept) == 0 {
		delete(s.sessionSockets, c.sessionID)
	} else {
		s.sessionSockets[c.sessionID] = kept
	}
}
