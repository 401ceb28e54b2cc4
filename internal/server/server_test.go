package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/termherd/internal/action"
	"github.com/ianremillard/termherd/internal/topic"
)

// newTestServer wires a Server to an idle engine. Tests that need fanout
// state seed the session tables directly rather than spawning shells.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	svc := action.NewService(action.Config{PollInterval: time.Hour})
	t.Cleanup(svc.Shutdown)
	s := New(svc, topic.NewManager(0))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func (s *Server) seedExecution(sessionID, executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := action.ExecutionReference{ExecutionID: executionID}
	s.sessionExecutions[sessionID] = append(s.sessionExecutions[sessionID], ref)
	s.executionSession[executionID] = sessionID
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
}

func dialSession(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("session_id", sessionID)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// sseClient subscribes to a topic stream and exposes its data frames.
type sseClient struct {
	frames chan string
}

func subscribeSSE(t *testing.T, ts *httptest.Server, topicID string) *sseClient {
	t.Helper()
	resp, err := http.Get(ts.URL + "/topics/" + topicID + "/stream")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c := &sseClient{frames: make(chan string, 64)}
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				c.frames <- line[len("data: "):]
			}
		}
		close(c.frames)
	}()
	t.Cleanup(func() { resp.Body.Close() })
	return c
}

func (c *sseClient) next(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case frame, ok := <-c.frames:
		require.True(t, ok, "stream closed before a frame arrived")
		return frame
	case <-time.After(timeout):
		t.Fatal("timed out waiting for SSE frame")
		return ""
	}
}

func (c *sseClient) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case frame := <-c.frames:
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(d):
	}
}

// ─── Sessions listing ─────────────────────────────────────────────────────────

func TestSessionsPaginationIsTotalStable(t *testing.T) {
	s, ts := newTestServer(t)
	for i := 0; i < 7; i++ {
		s.seedExecution(fmt.Sprintf("session-%d", i), fmt.Sprintf("exec-%d", i))
	}

	var got []string
	for page := 1; ; page++ {
		resp, err := http.Get(fmt.Sprintf("%s/sessions?page=%d&page_size=3", ts.URL, page))
		require.NoError(t, err)
		var parsed sessionsResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
		resp.Body.Close()

		assert.Equal(t, 7, parsed.Total)
		for _, item := range parsed.Items {
			got = append(got, item.SessionID)
		}
		if !parsed.HasNext {
			break
		}
	}

	require.Len(t, got, 7)
	for i, sid := range got {
		assert.Equal(t, fmt.Sprintf("session-%d", i), sid, "ids must come back ascending exactly once")
	}
}

func TestSessionsPaginationRejectsBadParams(t *testing.T) {
	_, ts := newTestServer(t)

	for _, query := range []string{
		"?page=0",
		"?page_size=0",
		"?page_size=1001",
		"?page=abc",
		"?page_size=abc",
	} {
		resp, err := http.Get(ts.URL + "/sessions" + query)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %s", query)
	}
}

func TestSessionsPageOutOfRange(t *testing.T) {
	s, ts := newTestServer(t)
	s.seedExecution("s1", "e1")

	resp, err := http.Get(ts.URL + "/sessions?page=5&page_size=50")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── Topic subscriptions ──────────────────────────────────────────────────────

func TestAddThenRemoveTopicRestoresPriorSet(t *testing.T) {
	s, ts := newTestServer(t)

	body := bytes.NewBufferString(`{"topic_id":"t1"}`)
	resp, err := http.Post(ts.URL+"/sessions/s1/topics", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.mu.Lock()
	_, subscribed := s.sessionTopics["s1"]["t1"]
	s.mu.Unlock()
	assert.True(t, subscribed)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/s1/topics/t1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.mu.Lock()
	_, exists := s.sessionTopics["s1"]
	s.mu.Unlock()
	assert.False(t, exists, "empty topic set should be reclaimed")
}

func TestAddTopicRejectsMissingBody(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/sessions/s1/topics", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── Execute ──────────────────────────────────────────────────────────────────

func TestExecuteRejectsInvalidJSON(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/execute", "application/json", bytes.NewBufferString("{nope"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteRequiresSessionID(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/execute", "application/json", bytes.NewBufferString(`{"session":{}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteRegistersSessionTables(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/execute", "application/json",
		bytes.NewBufferString(`{"session":{"session_id":"s1"},"loopback_payload":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.mu.Lock()
	refs := s.sessionExecutions["s1"]
	s.mu.Unlock()
	require.Len(t, refs, 1)

	s.mu.Lock()
	owner := s.executionSession[refs[0].ExecutionID]
	s.mu.Unlock()
	assert.Equal(t, "s1", owner)
}

// ─── WebSocket handshake + fanout ─────────────────────────────────────────────

func TestWebsocketRequiresSessionHeader(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/websocket")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketSnapshotOnConnect(t *testing.T) {
	s, ts := newTestServer(t)
	s.seedExecution("s1", "e1")

	conn := dialSession(t, ts, "s1")
	frame := readFrame(t, conn)

	assert.Equal(t, "snapshot", frame["type"])
	assert.Equal(t, "s1", frame["session_id"])
	assert.Equal(t, []any{"e1"}, frame["execution_ids"])
}

func TestWebsocketNoSnapshotWithoutExecutions(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialSession(t, ts, "fresh")

	// Emit for an unrelated session: the fresh socket must stay silent.
	s.seedExecution("other", "e9")
	s.ReceiveExecutionResponse(action.Response{ExecutionID: "e9"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no frame should arrive for a session with no executions")
}

func TestObserverFansOutToAllSessionSockets(t *testing.T) {
	s, ts := newTestServer(t)
	s.seedExecution("s1", "e1")

	connA := dialSession(t, ts, "s1")
	connB := dialSession(t, ts, "s1")
	_ = readFrame(t, connA) // snapshots
	_ = readFrame(t, connB)

	loopback := "lb-1"
	s.ReceiveExecutionResponse(action.Response{
		ExecutionID:     "e1",
		LoopbackPayload: &loopback,
		Processes: map[string]action.ResponseProcess{
			"p1": {Output: []byte("hi\r\n"), IsDone: true},
		},
	})

	frameA := readFrame(t, connA)
	frameB := readFrame(t, connB)
	assert.Equal(t, frameA, frameB, "both sockets must see identical frames")
	assert.Equal(t, "lb-1", frameA["loopback_payload"])

	procs := frameA["processes"].(map[string]any)
	p1 := procs["p1"].(map[string]any)
	assert.Equal(t, "hi\r\n", p1["output"])
	assert.Equal(t, true, p1["is_done"])
}

func TestObserverReplacesInvalidUTF8(t *testing.T) {
	s, ts := newTestServer(t)
	s.seedExecution("s1", "e1")
	conn := dialSession(t, ts, "s1")
	_ = readFrame(t, conn)

	s.ReceiveExecutionResponse(action.Response{
		ExecutionID: "e1",
		Processes: map[string]action.ResponseProcess{
			"p1": {Output: []byte{0xff, 0xfe, 'A'}},
		},
	})

	frame := readFrame(t, conn)
	p1 := frame["processes"].(map[string]any)["p1"].(map[string]any)
	assert.Contains(t, p1["output"], "A", "valid bytes survive the replacement decode")
}

// ─── Topics + session deletion ────────────────────────────────────────────────

func TestTopicFanoutStopsAfterSessionDelete(t *testing.T) {
	s, ts := newTestServer(t)
	s.seedExecution("s1", "e1")

	sse := subscribeSSE(t, ts, "t1")

	resp, err := http.Post(ts.URL+"/sessions/s1/topics", "application/json",
		bytes.NewBufferString(`{"topic_id":"t1"}`))
	require.NoError(t, err)
	resp.Body.Close()

	s.ReceiveExecutionResponse(action.Response{ExecutionID: "e1"})
	frame := sse.next(t, 5*time.Second)
	assert.Contains(t, frame, `"session_id":"s1"`)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/s1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.ReceiveExecutionResponse(action.Response{ExecutionID: "e1"})
	sse.expectSilence(t, 500*time.Millisecond)
}

func TestStatePushesSnapshotToExplicitTopic(t *testing.T) {
	s, ts := newTestServer(t)
	s.seedExecution("s1", "e1")

	sse := subscribeSSE(t, ts, "t-explicit")

	resp, err := http.Post(ts.URL+"/state", "application/json",
		bytes.NewBufferString(`{"sessions":["s1"],"topic_id":"t-explicit"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frame := sse.next(t, 5*time.Second)
	assert.Contains(t, frame, `"type":"snapshot"`)
	assert.Contains(t, frame, `"session_id":"s1"`)
}

// ─── CORS ─────────────────────────────────────────────────────────────────────

func TestCORSPreflightAllowsAnyOrigin(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/execute", nil)
	req.Header.Set("Origin", "https://example.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://example.test", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}
