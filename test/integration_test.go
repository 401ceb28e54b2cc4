//go:build integration

// Integration tests for termherdd.
//
// TestMain builds the server binary once; each test starts it on an
// ephemeral port and drives it over its real HTTP/WebSocket/SSE surface —
// shells and all. Linux with /bin/bash is assumed.
//
// Run with:
//
//	go test -tags=integration -v ./test/
//	go test -tags=integration -run TestExecuteEchoOverWebsocket -v ./test/
package integration_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var termherddBin string

func TestMain(m *testing.M) {
	root := moduleRoot()

	tmpBin, err := os.MkdirTemp("", "termherd-inttest-bin-*")
	if err != nil {
		panic("MkdirTemp: " + err.Error())
	}
	defer os.RemoveAll(tmpBin)

	termherddBin = filepath.Join(tmpBin, "termherdd")
	cmd := exec.Command("go", "build", "-o", termherddBin, "./cmd/termherdd")
	cmd.Dir = root
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		panic("build ./cmd/termherdd: " + err.Error())
	}

	os.Exit(m.Run())
}

// moduleRoot returns the path to the Go module root (one level up from test/).
func moduleRoot() string {
	abs, err := filepath.Abs("..")
	if err != nil {
		panic(err)
	}
	return abs
}

// ── Test environment ──────────────────────────────────────────────────────────

type testEnv struct {
	t       *testing.T
	baseURL string
	daemon  *exec.Cmd
}

// newTestEnv starts termherdd on a free port and blocks until it serves.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cmd := exec.Command(termherddBin, "--port", fmt.Sprint(port), "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Start(), "start termherdd")

	env := &testEnv{
		t:       t,
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		daemon:  cmd,
	}
	t.Cleanup(env.cleanup)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(env.baseURL + "/sessions")
		if err == nil {
			resp.Body.Close()
			return env
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("termherdd did not start serving within 5s")
	return nil
}

func (e *testEnv) cleanup() {
	if e.daemon != nil && e.daemon.Process != nil {
		_ = e.daemon.Process.Signal(syscall.SIGTERM)
		_ = e.daemon.Wait()
	}
}

func (e *testEnv) post(path string, body string) *http.Response {
	e.t.Helper()
	resp, err := http.Post(e.baseURL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(e.t, err)
	return resp
}

func (e *testEnv) postOK(path string, body string) {
	e.t.Helper()
	resp := e.post(path, body)
	defer resp.Body.Close()
	require.Equal(e.t, http.StatusOK, resp.StatusCode, "POST %s", path)
}

func (e *testEnv) dialWebsocket(sessionID string) *websocket.Conn {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.baseURL, "http") + "/websocket"
	header := http.Header{}
	header.Set("session_id", sessionID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(e.t, err)
	if resp != nil {
		resp.Body.Close()
	}
	e.t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrames pumps websocket frames until pred matches one or the timeout
// expires, returning the matching frame.
func readFrames(t *testing.T, conn *websocket.Conn, timeout time.Duration, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "websocket closed before a matching frame arrived")
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if pred(frame) {
			return frame
		}
	}
}

// frameOutput concatenates every process output string in a frame.
func frameOutput(frame map[string]any) string {
	procs, _ := frame["processes"].(map[string]any)
	var b strings.Builder
	for _, v := range procs {
		if p, ok := v.(map[string]any); ok {
			if out, ok := p["output"].(string); ok {
				b.WriteString(out)
			}
		}
	}
	return b.String()
}

// ── Tests ─────────────────────────────────────────────────────────────────────

// TestExecuteEchoOverWebsocket is the end-to-end cold-start + echo path:
// spawn a shell, attach two websockets, run a command, and observe the same
// output on both.
func TestExecuteEchoOverWebsocket(t *testing.T) {
	env := newTestEnv(t)

	env.postOK("/execute", `{"session":{"session_id":"s1"},"loopback_payload":"boot","new_processes":[{"pid":"p1"}],"poll_interval":0.3}`)

	connA := env.dialWebsocket("s1")
	connB := env.dialWebsocket("s1")

	// Both sockets get the snapshot first because the session already owns
	// an execution.
	for _, conn := range []*websocket.Conn{connA, connB} {
		frame := readFrames(t, conn, 10*time.Second, func(f map[string]any) bool {
			return f["type"] == "snapshot"
		})
		assert.Equal(t, "s1", frame["session_id"])
	}

	// Wait for the shell to reach its prompt.
	readFrames(t, connA, 15*time.Second, func(f map[string]any) bool {
		return strings.Contains(frameOutput(f), "cmd> ")
	})

	env.postOK("/execute", `{"session":{"session_id":"s1"},"loopback_payload":"echo-1","processes":{"p1":{"input_text":"echo hi\n"}},"poll_interval":0.3}`)

	for _, conn := range []*websocket.Conn{connA, connB} {
		frame := readFrames(t, conn, 15*time.Second, func(f map[string]any) bool {
			return f["loopback_payload"] == "echo-1" && strings.Contains(frameOutput(f), "hi")
		})
		assert.Contains(t, frameOutput(frame), "hi")
	}
}

// TestTopicFanoutAfterSessionDelete verifies the detach contract: the SSE
// subscriber sees responses only while the session's tables exist.
func TestTopicFanoutAfterSessionDelete(t *testing.T) {
	env := newTestEnv(t)

	// SSE subscriber on t1.
	resp, err := http.Get(env.baseURL + "/topics/t1/stream")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
				frames <- line[len("data: "):]
			}
		}
		close(frames)
	}()

	env.postOK("/sessions/s1/topics", `{"topic_id":"t1"}`)
	env.postOK("/execute", `{"session":{"session_id":"s1"},"new_processes":[{"pid":"p1"}],"poll_interval":0.3}`)

	// At least one response reaches the topic while the session is live.
	select {
	case frame := <-frames:
		assert.Contains(t, frame, `"session_id":"s1"`)
	case <-time.After(10 * time.Second):
		t.Fatal("no topic frame arrived before session delete")
	}

	req, _ := http.NewRequest(http.MethodDelete, env.baseURL+"/sessions/s1", nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	// Drain anything already in flight, then expect silence: the executions
	// keep running but their fanout is detached.
	drainUntil := time.After(time.Second)
drain:
	for {
		select {
		case <-frames:
		case <-drainUntil:
			break drain
		}
	}
	select {
	case frame, ok := <-frames:
		if ok {
			t.Fatalf("frame after session delete: %s", frame)
		}
	case <-time.After(2 * time.Second):
	}
}

// TestSessionsEndpointPaginates drives /sessions against live state.
func TestSessionsEndpointPaginates(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		env.postOK("/execute", fmt.Sprintf(`{"session":{"session_id":"sess-%d"},"poll_interval":5}`, i))
	}

	resp, err := http.Get(env.baseURL + "/sessions?page=1&page_size=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed struct {
		Items []struct {
			SessionID string `json:"session_id"`
		} `json:"items"`
		Total   int  `json:"total"`
		HasNext bool `json:"has_next"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, 3, parsed.Total)
	assert.True(t, parsed.HasNext)
	require.Len(t, parsed.Items, 2)
	assert.Equal(t, "sess-0", parsed.Items[0].SessionID)
	assert.Equal(t, "sess-1", parsed.Items[1].SessionID)
}

// TestGracefulShutdown sends SIGTERM and expects a clean exit.
func TestGracefulShutdown(t *testing.T) {
	env := newTestEnv(t)

	env.postOK("/execute", `{"session":{"session_id":"s1"},"new_processes":[{"pid":"p1"}],"poll_interval":0.3}`)
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, env.daemon.Process.Signal(syscall.SIGTERM))

	done := make(chan error, 1)
	go func() { done <- env.daemon.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err, "termherdd should exit 0 on SIGTERM")
		env.daemon = nil
	case <-time.After(15 * time.Second):
		t.Fatal("termherdd did not exit after SIGTERM")
	}
}
