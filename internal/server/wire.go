package server

// wire.go – the JSON shapes of the HTTP/WebSocket surface. Engine responses
// carry raw bytes; everything here is text, so byte output is UTF-8-decoded
// with replacement before it ever reaches a JSON encoder.

import (
	"strings"
	"unicode/utf8"

	"github.com/ianremillard/termherd/internal/action"
)

type sessionRef struct {
	SessionID string `json:"session_id"`
}

type executeRequest struct {
	Session         sessionRef                       `json:"session"`
	LoopbackPayload *string                          `json:"loopback_payload,omitempty"`
	NewProcesses    []action.RequestNewProcess       `json:"new_processes,omitempty"`
	Processes       map[string]action.RequestProcess `json:"processes,omitempty"`
	PollInterval    *float64                         `json:"poll_interval,omitempty"`
}

type errorResponse struct {
	Error string `json:"error,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type sessionsItem struct {
	SessionID string `json:"session_id"`
}

type sessionsResponse struct {
	Items    []sessionsItem `json:"items"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Total    int            `json:"total"`
	HasNext  bool           `json:"has_next"`
}

type addTopicRequest struct {
	TopicID string `json:"topic_id"`
}

type stateRequest struct {
	Sessions []string `json:"sessions"`
	TopicID  string   `json:"topic_id,omitempty"`
}

// wireProcess is the per-pid update as sent to WebSockets and topics.
type wireProcess struct {
	Output           string  `json:"output,omitempty"`
	IsDone           bool    `json:"is_done,omitempty"`
	StopMarkFound    bool    `json:"stop_mark_found,omitempty"`
	IsDoneLoggingIn  bool    `json:"is_done_logging_in,omitempty"`
	RunningCommandID *string `json:"running_command_id,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// wireExecutionResponse mirrors action.Response for the wire. SessionID is
// populated only on the copy published to topics.
type wireExecutionResponse struct {
	SessionID       string                      `json:"session_id,omitempty"`
	LoopbackPayload *string                     `json:"loopback_payload,omitempty"`
	NewProcesses    []action.ResponseNewProcess `json:"new_processes,omitempty"`
	Processes       map[string]wireProcess      `json:"processes,omitempty"`
	Error           string                      `json:"error,omitempty"`
}

type snapshotProcess struct {
	RunningCommandID *string `json:"running_command_id,omitempty"`
	IsDoneLoggingIn  bool    `json:"is_done_logging_in"`
}

// snapshotFrame is sent on WebSocket connect (when the session already owns
// executions) and by POST /state.
type snapshotFrame struct {
	Type         string                     `json:"type"`
	SessionID    string                     `json:"session_id"`
	ExecutionIDs []string                   `json:"execution_ids"`
	Processes    map[string]snapshotProcess `json:"processes"`
}

// decodeOutput turns raw PTY bytes into JSON-safe text, replacing invalid
// UTF-8 sequences.
func decodeOutput(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// toWire converts an engine response to its wire form.
func toWire(resp action.Response) wireExecutionResponse {
	out := wireExecutionResponse{
		LoopbackPayload: resp.LoopbackPayload,
		NewProcesses:    resp.NewProcesses,
		Error:           resp.Error,
	}
	if resp.Processes != nil {
		out.Processes = make(map[string]wireProcess, len(resp.Processes))
		for pid, p := range resp.Processes {
			out.Processes[pid] = wireProcess{
				Output:           decodeOutput(p.Output),
				IsDone:           p.IsDone,
				StopMarkFound:    p.StopMarkFound,
				IsDoneLoggingIn:  p.IsDoneLoggingIn,
				RunningCommandID: p.RunningCommandID,
				Error:            p.Error,
			}
		}
	}
	return out
}

// snapshotFor builds the snapshot frame for one session from the engine's
// current state.
func snapshotFor(sessionID string, executionIDs []string, states []action.ProcessState) snapshotFrame {
	procs := make(map[string]snapshotProcess, len(states))
	for _, st := range states {
		procs[st.PID] = snapshotProcess{
			RunningCommandID: st.RunningCommandID,
			IsDoneLoggingIn:  st.IsDoneLoggingIn,
		}
	}
	return snapshotFrame{
		Type:         "snapshot",
		SessionID:    sessionID,
		ExecutionIDs: executionIDs,
		Processes:    procs,
	}
}
