package server

// observer.go – the single sink for engine responses. Each response is sent
// to every WebSocket attached to the owning session (removing sockets whose
// writes fail) and published, with the session id added, to each topic the
// session subscribes to.

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/ianremillard/termherd/internal/action"
)

// ReceiveExecutionResponse implements action.Observer.
func (s *Server) ReceiveExecutionResponse(resp action.Response) {
	s.mu.Lock()
	sessionID, ok := s.executionSession[resp.ExecutionID]
	if !ok {
		s.mu.Unlock()
		// The session was deleted (or never existed); the execution keeps
		// running but its output no longer reaches anyone.
		logrus.WithField("execution", resp.ExecutionID).Debug("dropping response for detached execution")
		return
	}
	sockets := append([]*wsConn(nil), s.sessionSockets[sessionID]...)
	topics := make([]string, 0, len(s.sessionTopics[sessionID]))
	for t := range s.sessionTopics[sessionID] {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	wire := toWire(resp)
	payload, err := json.Marshal(wire)
	if err != nil {
		logrus.WithError(err).Error("marshal execution response")
		return
	}

	for _, c := range sockets {
		if err := c.write(payload); err != nil {
			logrus.WithFields(logrus.Fields{"session": sessionID}).WithError(err).Info("removing broken websocket")
			s.removeSocket(c)
			c.close()
		}
	}

	if len(topics) > 0 {
		wire.SessionID = sessionID
		topicPayload, err := json.Marshal(wire)
		if err != nil {
			return
		}
		for _, t := range topics {
			s.topics.Publish(t, topicPayload)
		}
	}
}
