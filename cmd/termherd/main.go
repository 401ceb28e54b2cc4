// termherd – the CLI client for the termherdd server.
//
// Usage:
//
//	termherd execute --session <id> [--new <pid>] [--pid <pid> --cmd "<text>"]
//	termherd watch --session <id>      – stream the session's responses live
//	termherd sessions                  – list known sessions
//
// Every command talks to the server over its HTTP/WebSocket surface; use
// --server to point somewhere other than localhost.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

func main() {
	// Log to a file so raw-mode terminal output stays clean.
	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("termherd-%d.log", os.Getpid()))
	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		log.SetOutput(f)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "execute":
		cmdExecute(os.Args[2:])
	case "watch":
		cmdWatch(os.Args[2:])
	case "sessions":
		cmdSessions(os.Args[2:])
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "termherd: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: termherd <command> [flags]

Commands:
  execute    Start a shell or send input/signals to running ones
  watch      Attach a WebSocket to a session and print its responses
  sessions   List sessions known to the server

Run 'termherd <command> --help' for details on a command.
`)
}

// ─── execute ──────────────────────────────────────────────────────────────────

func cmdExecute(args []string) {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:5001", "server base URL")
	session := fs.String("session", "", "session id (required)")
	newPID := fs.String("new", "", "spawn a new shell under this pid")
	pid := fs.String("pid", "", "target an existing pid")
	cmdText := fs.String("cmd", "", "text to send to --pid (a trailing newline is added)")
	sig := fs.String("signal", "", "signal name to send to --pid, e.g. SIGINT")
	stopMark := fs.String("stop-mark", "", "stop mark to install on --pid")
	poll := fs.Float64("poll", 0, "poll interval in seconds")
	loopback := fs.String("loopback", "", "loopback payload echoed in responses")
	fs.Parse(args)

	if *session == "" {
		fmt.Fprintln(os.Stderr, "termherd execute: --session is required")
		os.Exit(1)
	}

	body := map[string]any{
		"session": map[string]string{"session_id": *session},
	}
	if *loopback != "" {
		body["loopback_payload"] = *loopback
	}
	if *poll > 0 {
		body["poll_interval"] = *poll
	}
	if *newPID != "" {
		body["new_processes"] = []map[string]string{{"pid": *newPID}}
	}
	if *pid != "" {
		proc := map[string]any{}
		if *cmdText != "" {
			proc["input_text"] = *cmdText + "\n"
		}
		if *sig != "" {
			proc["signal"] = *sig
		}
		if *stopMark != "" {
			proc["stop_mark"] = *stopMark
		}
		body["processes"] = map[string]any{*pid: proc}
	}

	data, _ := json.Marshal(body)
	resp, err := http.Post(*server+"/execute", "application/json", bytes.NewReader(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "termherd execute: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "termherd execute: %s\n", out)
		os.Exit(1)
	}
	fmt.Println(string(bytes.TrimSpace(out)))
}

// ─── watch ────────────────────────────────────────────────────────────────────

// cmdWatch attaches a WebSocket to the session and prints every frame. With
// --raw the local terminal is put into raw mode so escape sequences inside
// process output render as the remote shell produced them. Ctrl-C detaches.
func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:5001", "server base URL")
	session := fs.String("session", "", "session id (required)")
	raw := fs.Bool("raw", false, "put the local terminal into raw mode")
	fs.Parse(args)

	if *session == "" {
		fmt.Fprintln(os.Stderr, "termherd watch: --session is required")
		os.Exit(1)
	}

	u, err := url.Parse(*server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termherd watch: bad server URL: %v\n", err)
		os.Exit(1)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/websocket"

	header := http.Header{}
	header.Set("session_id", *session)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termherd watch: dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if *raw {
		fd := int(os.Stdin.Fd())
		if oldState, err := term.MakeRaw(fd); err == nil {
			defer term.Restore(fd, oldState)
		}
		// Raw mode turns Ctrl-C into a plain 0x03 byte on stdin, so watch
		// for it there to detach.
		go func() {
			buf := make([]byte, 1)
			for {
				n, err := os.Stdin.Read(buf)
				if err != nil {
					return
				}
				if n == 1 && buf[0] == 0x03 {
					conn.Close()
					return
				}
			}
		}()
	}

	// Detach on SIGINT / SIGTERM (cooked mode).
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.Close()
	}()

	log.Printf("watching session %s on %s", *session, u.String())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		os.Stdout.Write(append(data, '\r', '\n'))
	}
}

// ─── sessions ─────────────────────────────────────────────────────────────────

func cmdSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:5001", "server base URL")
	page := fs.Int("page", 1, "page number (1-indexed)")
	pageSize := fs.Int("page-size", 50, "items per page")
	fs.Parse(args)

	url := fmt.Sprintf("%s/sessions?page=%d&page_size=%d", *server, *page, *pageSize)
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termherd sessions: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var parsed struct {
		Items []struct {
			SessionID string `json:"session_id"`
		} `json:"items"`
		Total   int  `json:"total"`
		HasNext bool `json:"has_next"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		fmt.Fprintf(os.Stderr, "termherd sessions: decode: %v\n", err)
		os.Exit(1)
	}
	for _, item := range parsed.Items {
		fmt.Println(item.SessionID)
	}
	if parsed.HasNext {
		fmt.Fprintf(os.Stderr, "(%d total, more pages available)\n", parsed.Total)
	}
}
